package audio

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"sync"
)

// ErrOddPCMLength is returned when PCM16 data does not contain a whole number
// of samples.
var ErrOddPCMLength = errors.New("audio: odd byte count in PCM16 data")

// Interleave merges planar channels into a single interleaved slice
// (L0 R0 L1 R1 …). Channels shorter than the first are zero-padded.
func Interleave(planar [][]float32) []float32 {
	if len(planar) == 0 {
		return nil
	}
	if len(planar) == 1 {
		out := make([]float32, len(planar[0]))
		copy(out, planar[0])
		return out
	}
	n := len(planar[0])
	ch := len(planar)
	out := make([]float32, n*ch)
	for c, samples := range planar {
		for i := 0; i < n && i < len(samples); i++ {
			out[i*ch+c] = samples[i]
		}
	}
	return out
}

// FloatToPCM16 converts float32 samples in [-1, 1] to little-endian int16
// bytes. Out-of-range samples are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 bytes to float32 samples.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

func floatToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// ConvertChannels remaps interleaved PCM16 between channel counts. Upmixing
// duplicates mono into every output channel; downmixing averages all input
// channels. Any other combination keeps the first min(from, to) channels.
func ConvertChannels(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*to*2)
	for f := range frames {
		in := pcm[f*from*2:]
		dst := out[f*to*2:]
		switch {
		case from == 1:
			for c := range to {
				dst[c*2] = in[0]
				dst[c*2+1] = in[1]
			}
		case to == 1:
			var sum int32
			for c := range from {
				sum += int32(int16(binary.LittleEndian.Uint16(in[c*2:])))
			}
			binary.LittleEndian.PutUint16(dst, uint16(clamp16(sum/int32(from))))
		default:
			copy(dst[:min(from, to)*2], in[:min(from, to)*2])
		}
	}
	return out
}

// Resample converts interleaved PCM16 with the given channel count from
// srcRate to dstRate using linear interpolation per channel. The input is
// returned unchanged when the rates match or are invalid.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := channels * 2
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*stride+ch*2:])))
	}

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			v := sample(idx, c)*(1-frac) + sample(next, c)*frac
			binary.LittleEndian.PutUint16(out[i*stride+c*2:], uint16(int16(v)))
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Converter adapts PCM16 segments from a source format to a target format.
// It logs once on the first mismatch. Safe for use by a single goroutine.
type Converter struct {
	From, To Format

	warned sync.Once
}

// Convert returns pcm in the target format. Resampling happens before
// channel conversion so that stereo-to-mono input is resampled once per
// channel and not per output channel.
func (c *Converter) Convert(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	if c.From == c.To || c.To.SampleRate == 0 {
		return pcm, nil
	}
	c.warned.Do(func() {
		slog.Debug("audio: converting playback format", "from", c.From.String(), "to", c.To.String())
	})
	out := Resample(pcm, c.From.Channels, c.From.SampleRate, c.To.SampleRate)
	return ConvertChannels(out, c.From.Channels, c.To.Channels), nil
}
