package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

var _ audio.Player = (*Speaker)(nil)

const (
	speakerTick = 20 * time.Millisecond
	// speakerLead is how far ahead of real time writes may run so ffplay
	// never starves between ticks.
	speakerLead = 120 * time.Millisecond
)

// Speaker is an [audio.Player] that pipes PCM16 into an ffplay subprocess.
// Writes are paced against the wall clock so Play returns roughly when the
// segment has finished sounding.
type Speaker struct {
	path string
	conv *audio.Converter

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewSpeaker starts ffplay for the output format out. Segments handed to
// Play are in format in and are converted when the formats differ.
func NewSpeaker(path string, in, out audio.Format) (*Speaker, error) {
	if path == "" {
		path = "ffplay"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", path, err)
	}
	if out.SampleRate == 0 {
		out = in
	}
	s := &Speaker{
		path: path,
		conv: &audio.Converter{From: in, To: out},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Speaker) startLocked() error {
	out := s.conv.To
	cmd := exec.Command(s.path,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(out.SampleRate),
		"-ch_layout", channelLayout(out.Channels),
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *Speaker) stopLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
}

// Play writes pcm to ffplay in tick-sized pieces. On cancellation ffplay is
// restarted so audio already queued inside it is discarded.
func (s *Speaker) Play(ctx context.Context, pcm []byte) error {
	data, err := s.conv.Convert(pcm)
	if err != nil {
		return fmt.Errorf("ffmpeg: play: %w", err)
	}
	out := s.conv.To
	step := out.BytesPerSecond() * int(speakerTick) / int(time.Second)
	step -= step % (2 * out.Channels)
	if step <= 0 {
		step = len(data)
	}

	start := time.Now()
	written := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			s.reset()
			return err
		}
		end := min(written+step, len(data))
		if err := s.write(data[written:end]); err != nil {
			return err
		}
		written = end

		ahead := out.Duration(written) - time.Since(start)
		if ahead > speakerLead {
			if err := sleepCtx(ctx, ahead-speakerLead); err != nil {
				s.reset()
				return err
			}
		}
	}
	if remaining := out.Duration(written) - time.Since(start); remaining > 0 {
		if err := sleepCtx(ctx, remaining); err != nil {
			s.reset()
			return err
		}
	}
	return nil
}

func (s *Speaker) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errors.New("ffmpeg: ffplay is not running")
	}
	if _, err := s.stdin.Write(p); err != nil {
		// ffplay exits on -autoexit when its input stalls; restart once.
		s.stopLocked()
		if rerr := s.startLocked(); rerr != nil {
			return errors.Join(fmt.Errorf("ffmpeg: write ffplay: %w", err), rerr)
		}
		if _, err := s.stdin.Write(p); err != nil {
			return fmt.Errorf("ffmpeg: write ffplay: %w", err)
		}
	}
	return nil
}

func (s *Speaker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	_ = s.startLocked()
}

// Close stops ffplay. Play calls after Close fail.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func channelLayout(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	default:
		return strconv.Itoa(channels) + "c"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
