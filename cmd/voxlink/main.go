// Command voxlink is a headless voice client for a conversational agent. It
// streams microphone speech to the agent socket and plays the agent's spoken
// replies, muting the microphone while the agent talks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/capture"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/eventbus"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/ffmpeg"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	deviceID := flag.String("device", "", "microphone to open; overrides audio.input_device")
	listDevices := flag.Bool("list-devices", false, "print the available microphones and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	// ── Audio drivers ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)

	mic, err := reg.CreateInput(cfg)
	if err != nil {
		slog.Error("failed to create microphone driver", "driver", cfg.Audio.Driver, "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listDevices {
		if err := printDevices(ctx, mic); err != nil {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
			return 1
		}
		return 0
	}

	device := cfg.Audio.InputDevice
	if *deviceID != "" {
		device = *deviceID
	}

	slog.Info("voxlink starting",
		"config", *configPath,
		"agent", cfg.Transport.BaseURL,
		"driver", cfg.Audio.Driver,
		"device", device,
		"capture_codec", cfg.Capture.Codec,
		"playback_codec", cfg.Playback.Codec,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Attributes: []attribute.KeyValue{
			attribute.String("voxlink.chatbot_id", cfg.Transport.ChatbotID),
			attribute.String("voxlink.audio_driver", cfg.Audio.Driver),
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Session ───────────────────────────────────────────────────────────────
	speaker, err := reg.CreateOutput(cfg)
	if err != nil {
		slog.Error("failed to create speaker", "driver", cfg.Audio.Driver, "err", err)
		return 1
	}
	defer func() {
		if err := speaker.Close(); err != nil {
			slog.Warn("speaker close error", "err", err)
		}
	}()

	ctrl, err := session.New(cfg.SessionConfig(), mic, speaker,
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	subscribeLogging(ctrl, cancelRun)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, new *config.Config, d config.ConfigDiff) {
		applyReload(ctrl, &level, new, d)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				slog.Info("SIGHUP received, reloading config")
				watcher.Reload()
			}
		}
	})

	if cfg.Server.ListenAddr != "" {
		srv := newHTTPServer(cfg.Server.ListenAddr, ctrl, metrics)
		g.Go(func() error {
			slog.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		if err := ctrl.Connect(gctx, device); err != nil {
			return err
		}
		slog.Info("session ready; press Ctrl+C to hang up", "session_id", ctrl.SessionID())
		<-gctx.Done()

		slog.Info("hanging up…")
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return ctrl.Disconnect(dctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		var derr *capture.DeviceError
		if errors.As(err, &derr) && errors.Is(err, audio.ErrPermissionDenied) {
			slog.Error("microphone access denied", "device", derr.DeviceID, "err", err)
		} else {
			slog.Error("run error", "err", err)
		}
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Driver wiring ─────────────────────────────────────────────────────────────

// registerBuiltinDrivers wires the audio drivers that ship with voxlink.
func registerBuiltinDrivers(reg *config.Registry) {
	reg.RegisterInput("ffmpeg", func(a config.AudioConfig) (audio.InputDevice, error) {
		return ffmpeg.NewMicrophone(ffmpeg.WithFFmpegPath(a.FFmpegPath)), nil
	})
	reg.RegisterOutput("ffmpeg", func(a config.AudioConfig, in, out audio.Format) (audio.Player, error) {
		s, err := ffmpeg.NewSpeaker(a.FFplayPath, in, out)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

func printDevices(ctx context.Context, dev audio.InputDevice) error {
	devices, err := dev.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tDEFAULT")
	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Label, def)
	}
	return tw.Flush()
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func newHTTPServer(addr string, ctrl *session.Controller, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	health.New([]health.Checker{
		health.TransportCheck(ctrl),
		health.MicrophoneCheck(ctrl),
	}, health.WithSession(liveSessionID(ctrl))).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics, observe.WithSessionSource(liveSessionID(ctrl)))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// liveSessionID reports the connected session, or "" between sessions.
func liveSessionID(ctrl *session.Controller) func() string {
	return func() string {
		if !ctrl.IsConnected() {
			return ""
		}
		return ctrl.SessionID()
	}
}

// ── Session events ────────────────────────────────────────────────────────────

// subscribeLogging logs the session milestones an operator cares about and
// ends the run once the session is over.
func subscribeLogging(ctrl *session.Controller, endRun context.CancelFunc) {
	ctrl.On(session.EventTurnChange, func(ev eventbus.Event) {
		if turn, ok := eventbus.Payload[session.Turn](ev); ok {
			slog.Info("turn changed", "turn", turn)
		}
	})
	ctrl.On(capture.EventVoiceStart, func(eventbus.Event) {
		slog.Debug("speech started")
	})
	ctrl.On(capture.EventVoiceEnd, func(eventbus.Event) {
		slog.Debug("speech ended")
	})
	ctrl.On(transport.EventStateChange, func(ev eventbus.Event) {
		if sc, ok := eventbus.Payload[transport.StateChange](ev); ok {
			slog.Debug("transport state", "from", sc.From, "to", sc.To)
		}
	})
	ctrl.On(transport.EventServerClose, func(ev eventbus.Event) {
		msg, _ := eventbus.Payload[string](ev)
		slog.Info("agent ended the conversation", "message", msg)
	})
	ctrl.On(session.EventDisconnected, func(eventbus.Event) {
		endRun()
	})
}

// ── Reload ────────────────────────────────────────────────────────────────────

func applyReload(ctrl *session.Controller, level *slog.LevelVar, new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		slog.Warn("config changes need a restart to apply", "sections", d.Sections)
	}
	if !d.SessionChanged {
		return
	}
	err := ctrl.UpdateConfig(new.SessionConfig())
	switch {
	case errors.Is(err, session.ErrConfigLocked):
		slog.Warn("session settings changed while connected; restart to apply", "sections", d.Sections)
	case err != nil:
		slog.Warn("failed to apply session settings", "err", err)
	default:
		slog.Info("session settings applied", "sections", d.Sections)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
