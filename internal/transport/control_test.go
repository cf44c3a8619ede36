package transport

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantType   ControlType
		wantReason string
	}{
		{name: "audio complete", raw: `{"type":"audio_complete"}`, wantType: ControlAudioComplete},
		{name: "with data", raw: `{"type":"transcript","data":{"text":"hi"}}`, wantType: ControlTranscript},
		{name: "null data", raw: `{"type":"status","data":null}`, wantType: ControlStatus},
		{name: "not json", raw: `pause_input`, wantReason: ReasonMalformed},
		{name: "wrong shape", raw: `{"type":5}`, wantReason: ReasonMalformed},
		{name: "no type", raw: `{"data":"x"}`, wantReason: ReasonMissingType},
		{name: "unknown", raw: `{"type":"reboot"}`, wantReason: ReasonUnknownType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctl, err := ParseControl([]byte(tc.raw))
			if tc.wantReason != "" {
				var perr *ProtocolParseError
				if !errors.As(err, &perr) {
					t.Fatalf("error = %v, want *ProtocolParseError", err)
				}
				if perr.Reason != tc.wantReason {
					t.Errorf("reason = %q, want %q", perr.Reason, tc.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseControl: %v", err)
			}
			if ctl.Type != tc.wantType {
				t.Errorf("type = %q, want %q", ctl.Type, tc.wantType)
			}
		})
	}
}

func TestParseControl_UnknownWrapsSentinel(t *testing.T) {
	t.Parallel()

	_, err := ParseControl([]byte(`{"type":"reboot"}`))
	if !errors.Is(err, ErrUnknownControl) {
		t.Errorf("error = %v, want ErrUnknownControl", err)
	}
}

func TestParseControl_TruncatesRaw(t *testing.T) {
	t.Parallel()

	raw := "{" + strings.Repeat("x", 1000)
	_, err := ParseControl([]byte(raw))
	var perr *ProtocolParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProtocolParseError", err)
	}
	if len(perr.Raw) != maxRawPreview {
		t.Errorf("raw preview length = %d, want %d", len(perr.Raw), maxRawPreview)
	}
}

func TestParseControl_Timestamp(t *testing.T) {
	t.Parallel()

	ctl, err := ParseControl([]byte(`{"type":"status","timestamp":"2026-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("ParseControl: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !ctl.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ctl.Timestamp, want)
	}

	ctl, err = ParseControl([]byte(`{"type":"status","timestamp":"yesterday"}`))
	if err != nil {
		t.Fatalf("ParseControl: %v", err)
	}
	if !ctl.Timestamp.IsZero() {
		t.Errorf("unparseable timestamp = %v, want zero", ctl.Timestamp)
	}
}

func TestControl_Message(t *testing.T) {
	t.Parallel()

	tests := []struct {
		data string
		want string
	}{
		{``, ""},
		{`"goodbye"`, "goodbye"},
		{`{"message":"session ended"}`, "session ended"},
		{`{"text":"hello there"}`, "hello there"},
		{`[1,2]`, ""},
	}
	for _, tc := range tests {
		ctl := Control{Type: ControlClose}
		if tc.data != "" {
			ctl.Data = []byte(tc.data)
		}
		if got := ctl.Message(); got != tc.want {
			t.Errorf("Message(%s) = %q, want %q", tc.data, got, tc.want)
		}
	}
}
