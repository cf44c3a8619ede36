package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ControlType is the "type" field of a text control envelope.
type ControlType string

// Control types understood by the client.
const (
	ControlAudioComplete ControlType = "audio_complete"
	ControlPauseInput    ControlType = "pause_input"
	ControlResumeInput   ControlType = "resume_input"
	ControlStartOnHold   ControlType = "start_on_hold"
	ControlStopOnHold    ControlType = "stop_on_hold"
	ControlClearBuffer   ControlType = "clear_buffer"
	ControlClose         ControlType = "close"
	ControlStatus        ControlType = "status"
	ControlTranscript    ControlType = "transcript"
	ControlError         ControlType = "error"
)

var knownControls = map[ControlType]bool{
	ControlAudioComplete: true,
	ControlPauseInput:    true,
	ControlResumeInput:   true,
	ControlStartOnHold:   true,
	ControlStopOnHold:    true,
	ControlClearBuffer:   true,
	ControlClose:         true,
	ControlStatus:        true,
	ControlTranscript:    true,
	ControlError:         true,
}

// ErrUnknownControl is wrapped by a [ProtocolParseError] whose envelope
// carried a type the client does not recognise.
var ErrUnknownControl = errors.New("unknown control type")

var errMissingType = errors.New("envelope has no type")

// Reasons reported by [ProtocolParseError.Reason].
const (
	ReasonMalformed   = "malformed"
	ReasonMissingType = "missing_type"
	ReasonUnknownType = "unknown_type"
)

// ProtocolParseError describes an incoming text message that was dropped.
type ProtocolParseError struct {
	Reason string
	// Raw is the start of the offending message.
	Raw string
	Err error
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("transport: protocol %s: %v (raw %q)", e.Reason, e.Err, e.Raw)
}

func (e *ProtocolParseError) Unwrap() error { return e.Err }

// Control is a decoded server control message.
type Control struct {
	Type ControlType
	// Data is the raw "data" member, nil when absent.
	Data json.RawMessage
	// Timestamp is the server timestamp, zero when absent or unparseable.
	Timestamp time.Time
}

// Message extracts a human-readable text from Data. It accepts a bare JSON
// string or an object with a "message" or "text" member.
func (c Control) Message() string {
	if len(c.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Data, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(c.Data, &obj); err != nil {
		return ""
	}
	if obj.Message != "" {
		return obj.Message
	}
	return obj.Text
}

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

const maxRawPreview = 128

// ParseControl decodes a text envelope of the form {type, data?, timestamp?}.
// Every failure is a *[ProtocolParseError].
func ParseControl(raw []byte) (Control, error) {
	preview := string(raw[:min(len(raw), maxRawPreview)])

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Control{}, &ProtocolParseError{Reason: ReasonMalformed, Raw: preview, Err: err}
	}
	if env.Type == "" {
		return Control{}, &ProtocolParseError{Reason: ReasonMissingType, Raw: preview, Err: errMissingType}
	}
	t := ControlType(env.Type)
	if !knownControls[t] {
		return Control{}, &ProtocolParseError{
			Reason: ReasonUnknownType,
			Raw:    preview,
			Err:    fmt.Errorf("%w %q", ErrUnknownControl, env.Type),
		}
	}

	ctl := Control{Type: t, Timestamp: parseTimestamp(env.Timestamp)}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		ctl.Data = env.Data
	}
	return ctl, nil
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
