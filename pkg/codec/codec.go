// Package codec converts between raw PCM16 audio and the byte streams carried
// over the voice socket.
//
// The wire codec is a configuration point. Two codecs are built in:
//
//   - "pcm16": the payload is little-endian int16 interleaved PCM, passed
//     through unchanged.
//   - "opus": the payload is a sequence of Opus packets, each prefixed with
//     its length as a 2-byte big-endian integer, so any chunk boundary that
//     falls between packets still decodes.
package codec

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Names of the built-in codecs.
const (
	PCM16 = "pcm16"
	Opus  = "opus"
)

var (
	// ErrUnknownCodec is returned for a codec name that is not built in.
	ErrUnknownCodec = errors.New("codec: unknown codec")

	// ErrMalformed is returned when an encoded payload cannot be parsed.
	ErrMalformed = errors.New("codec: malformed payload")
)

// Encoder turns PCM16 interleaved audio into wire payload. Encoders may keep
// state between calls and may return an empty payload while they buffer.
// Encoders are not safe for concurrent use.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Decoder turns wire payload back into PCM16 interleaved audio. Decoders are
// not safe for concurrent use.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
}

// Valid reports whether name is a built-in codec.
func Valid(name string) bool {
	return name == PCM16 || name == Opus
}

// NewEncoder returns an encoder for the named codec and PCM format.
func NewEncoder(name string, f audio.Format) (Encoder, error) {
	switch name {
	case PCM16, "":
		return pcm16{}, nil
	case Opus:
		return newOpusEncoder(f)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCodec, name)
	}
}

// NewDecoder returns a decoder for the named codec and PCM format.
func NewDecoder(name string, f audio.Format) (Decoder, error) {
	switch name {
	case PCM16, "":
		return pcm16{}, nil
	case Opus:
		return newOpusDecoder(f)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCodec, name)
	}
}

type pcm16 struct{}

func (pcm16) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm16 encode: %w", audio.ErrOddPCMLength)
	}
	return pcm, nil
}

func (pcm16) Decode(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm16 decode: %w", audio.ErrOddPCMLength)
	}
	return payload, nil
}
