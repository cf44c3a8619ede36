package codec

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlink/pkg/audio"
)

const (
	opusFrameMs    = 20
	opusMaxFrameMs = 120
	opusMaxPacket  = 4000
)

// opusRates lists the sample rates libopus accepts.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

func checkOpusFormat(f audio.Format) error {
	if !opusRates[f.SampleRate] {
		return fmt.Errorf("codec: opus does not support %d Hz", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("codec: opus does not support %d channels", f.Channels)
	}
	return nil
}

// opusEncoder packs PCM into 20 ms Opus packets. Samples that do not fill a
// whole packet are carried into the next Encode call.
type opusEncoder struct {
	enc       *gopus.Encoder
	channels  int
	frameSize int // samples per channel per packet
	carry     []int16
}

func newOpusEncoder(f audio.Format) (*opusEncoder, error) {
	if err := checkOpusFormat(f); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &opusEncoder{
		enc:       enc,
		channels:  f.Channels,
		frameSize: f.SampleRate * opusFrameMs / 1000,
	}, nil
}

func (e *opusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("codec: opus encode: %w", audio.ErrOddPCMLength)
	}
	e.carry = append(e.carry, bytesToInt16s(pcm)...)

	step := e.frameSize * e.channels
	var out []byte
	for len(e.carry) >= step {
		packet, err := e.enc.Encode(e.carry[:step], e.frameSize, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
		e.carry = e.carry[step:]
	}
	// Compact so the carry buffer does not grow without bound.
	e.carry = append([]int16(nil), e.carry...)
	return out, nil
}

type opusDecoder struct {
	dec          *gopus.Decoder
	maxFrameSize int
}

func newOpusDecoder(f audio.Format) (*opusDecoder, error) {
	if err := checkOpusFormat(f); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:          dec,
		maxFrameSize: f.SampleRate * opusMaxFrameMs / 1000,
	}, nil
}

func (d *opusDecoder) Decode(payload []byte) ([]byte, error) {
	var out []byte
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: truncated opus length prefix", ErrMalformed)
		}
		n := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if n == 0 || n > len(payload) {
			return nil, fmt.Errorf("%w: opus packet length %d, %d bytes left", ErrMalformed, n, len(payload))
		}
		pcm, err := d.dec.Decode(payload[:n], d.maxFrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("codec: opus decode: %w", err)
		}
		out = append(out, int16sToBytes(pcm)...)
		payload = payload[n:]
	}
	return out, nil
}

// int16sToBytes converts int16 samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}
