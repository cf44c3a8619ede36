// Package ffmpeg implements the audio device ports on top of the ffmpeg and
// ffplay command-line tools. Capture runs an ffmpeg subprocess that writes
// raw s16le PCM to stdout; playback pipes PCM into an ffplay subprocess.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

var _ audio.InputDevice = (*Microphone)(nil)

// Microphone is an [audio.InputDevice] backed by an ffmpeg subprocess.
type Microphone struct {
	path string
	goos string
}

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithFFmpegPath overrides the ffmpeg binary. Default: "ffmpeg" from PATH.
func WithFFmpegPath(p string) MicOption {
	return func(m *Microphone) {
		if p != "" {
			m.path = p
		}
	}
}

// NewMicrophone returns a Microphone for the current operating system.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{path: "ffmpeg", goos: runtime.GOOS}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Devices lists input devices. On Linux the PulseAudio sources reported by
// pactl are included; elsewhere only the system default is listed.
func (m *Microphone) Devices(ctx context.Context) ([]audio.DeviceInfo, error) {
	devices := []audio.DeviceInfo{{ID: "default", Label: "System default", Default: true}}
	if m.goos != "linux" {
		return devices, nil
	}
	if _, err := exec.LookPath("pactl"); err != nil {
		return devices, nil
	}
	out, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: list pulse sources: %w", err)
	}
	return append(devices, parsePactlSources(out)...), nil
}

// parsePactlSources parses `pactl list short sources` output. Monitor
// sources (loopbacks of outputs) are skipped.
func parsePactlSources(out []byte) []audio.DeviceInfo {
	var devices []audio.DeviceInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || strings.HasSuffix(fields[1], ".monitor") {
			continue
		}
		devices = append(devices, audio.DeviceInfo{ID: fields[1], Label: fields[1]})
	}
	return devices
}

// Open starts ffmpeg for the requested device. The process runs until the
// returned stream is closed.
func (m *Microphone) Open(ctx context.Context, c audio.Constraints) (audio.InputStream, error) {
	if _, err := exec.LookPath(m.path); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", m.path, audio.ErrNoDevice)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 || c.FrameSize <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid constraints %+v", c)
	}
	args, err := captureArgs(m.goos, c)
	if err != nil {
		return nil, err
	}
	if c.EchoCancellation {
		slog.Debug("ffmpeg: echo cancellation is not available, ignoring")
	}

	cmd := exec.Command(m.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("ffmpeg: start capture: %w", audio.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("ffmpeg: start capture: %w", err)
	}
	return &micStream{
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		constraints: c,
		done:        make(chan struct{}),
	}, nil
}

// captureArgs returns the ffmpeg arguments for goos.
func captureArgs(goos string, c audio.Constraints) ([]string, error) {
	device := c.DeviceID
	var input []string
	switch goos {
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	case "darwin":
		if device == "" || device == "default" {
			device = "0"
		}
		input = []string{"-f", "avfoundation", "-i", ":" + device}
	case "windows":
		if device == "" || device == "default" {
			return nil, fmt.Errorf("ffmpeg: a device name is required on windows: %w", audio.ErrNoDevice)
		}
		input = []string{"-f", "dshow", "-i", "audio=" + device}
	default:
		return nil, fmt.Errorf("ffmpeg: capture is not implemented for %s: %w", goos, audio.ErrNoDevice)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, input...)

	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	return append(args,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "s16le", "-",
	), nil
}

type micStream struct {
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	stderr      *tailBuffer
	constraints audio.Constraints

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (s *micStream) Start(fn func(audio.Frame)) error {
	started := false
	s.startOnce.Do(func() {
		started = true
		s.wg.Go(func() { s.readLoop(fn) })
	})
	if !started {
		return errors.New("ffmpeg: stream already started")
	}
	return nil
}

// readLoop reads whole frames from ffmpeg and hands them to fn in order.
func (s *micStream) readLoop(fn func(audio.Frame)) {
	c := s.constraints
	buf := make([]byte, c.FrameSize*c.Channels*2)
	frameDur := time.Duration(c.FrameSize) * time.Second / time.Duration(c.SampleRate)
	var ts time.Duration

	for {
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("ffmpeg: capture stream ended", "err", err, "stderr", s.stderr.String())
			}
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		fn(audio.Frame{
			Channels:   deinterleave(buf, c.Channels),
			SampleRate: c.SampleRate,
			Timestamp:  ts,
		})
		ts += frameDur
	}
}

func (s *micStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
		s.wg.Wait()
	})
	return nil
}

// deinterleave splits interleaved PCM16 into planar float32 channels.
func deinterleave(pcm []byte, channels int) [][]float32 {
	n := len(pcm) / (2 * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, n)
	}
	for i := range n {
		for c := range channels {
			v := int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:]))
			out[c][i] = float32(v) / 32768
		}
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
