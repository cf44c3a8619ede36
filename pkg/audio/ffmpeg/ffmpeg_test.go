package ffmpeg

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio"
)

func TestCaptureArgs(t *testing.T) {
	t.Parallel()

	base := audio.Constraints{SampleRate: 16000, Channels: 1, FrameSize: 4096}

	tests := []struct {
		name      string
		goos      string
		c         audio.Constraints
		wantInput []string
		wantErr   error
	}{
		{"linux default", "linux", base, []string{"-f", "pulse", "-i", "default"}, nil},
		{"darwin default", "darwin", base, []string{"-f", "avfoundation", "-i", ":0"}, nil},
		{
			"windows named", "windows",
			audio.Constraints{DeviceID: "Mic (USB)", SampleRate: 16000, Channels: 1, FrameSize: 4096},
			[]string{"-f", "dshow", "-i", "audio=Mic (USB)"}, nil,
		},
		{"windows default", "windows", base, nil, audio.ErrNoDevice},
		{"plan9", "plan9", base, nil, audio.ErrNoDevice},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			args, err := captureArgs(tc.goos, tc.c)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("captureArgs: %v", err)
			}
			idx := slices.Index(args, tc.wantInput[0])
			if idx < 0 || !slices.Equal(args[idx:idx+len(tc.wantInput)], tc.wantInput) {
				t.Errorf("args %v do not contain %v", args, tc.wantInput)
			}
			if !slices.Contains(args, "s16le") {
				t.Errorf("args %v missing s16le output", args)
			}
		})
	}
}

func TestCaptureArgs_ProcessingFilters(t *testing.T) {
	t.Parallel()

	args, err := captureArgs("linux", audio.Constraints{
		SampleRate: 16000, Channels: 1, FrameSize: 1024,
		NoiseSuppression: true, AutoGainControl: true,
	})
	if err != nil {
		t.Fatalf("captureArgs: %v", err)
	}
	i := slices.Index(args, "-af")
	if i < 0 || args[i+1] != "afftdn,dynaudnorm" {
		t.Errorf("filter args = %v", args)
	}
}

func TestParsePactlSources(t *testing.T) {
	t.Parallel()

	out := []byte("0\talsa_output.pci.monitor\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n" +
		"1\talsa_input.usb-mic\tmodule-alsa-card.c\ts16le 1ch 48000Hz\tRUNNING\n")
	got := parsePactlSources(out)
	if len(got) != 1 || got[0].ID != "alsa_input.usb-mic" {
		t.Errorf("devices = %+v", got)
	}
}

func TestDeinterleave(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 8)
	for i, v := range []int16{16384, -16384, 0, 32767} {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	ch := deinterleave(pcm, 2)
	if len(ch) != 2 || len(ch[0]) != 2 {
		t.Fatalf("shape = %d x %d", len(ch), len(ch[0]))
	}
	if ch[0][0] != 0.5 || ch[1][0] != -0.5 || ch[0][1] != 0 {
		t.Errorf("samples = %v", ch)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("def"))
	if got := b.String(); got != "cdef" {
		t.Errorf("tail = %q, want cdef", got)
	}
}

func TestChannelLayout(t *testing.T) {
	t.Parallel()

	if channelLayout(1) != "mono" || channelLayout(2) != "stereo" || channelLayout(6) != "6c" {
		t.Error("unexpected channel layouts")
	}
}
