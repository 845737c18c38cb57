// Command meetcapd is the main entry point for the meetcap recording
// daemon: it loads configuration, wires the capture-to-transcript
// pipeline, and serves the WebSocket event stream and health endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/localscribe/meetcap/internal/config"
	"github.com/localscribe/meetcap/internal/devicemon"
	"github.com/localscribe/meetcap/internal/events"
	"github.com/localscribe/meetcap/internal/health"
	"github.com/localscribe/meetcap/internal/observe"
	"github.com/localscribe/meetcap/internal/recorder"
	"github.com/localscribe/meetcap/pkg/audio/capture"
	"github.com/localscribe/meetcap/pkg/diarization"
	vadprovider "github.com/localscribe/meetcap/pkg/provider/vad"
	"github.com/localscribe/meetcap/pkg/transcription"
	"github.com/localscribe/meetcap/pkg/transcription/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "meetcapd: config file %q not found — pass -config with the path to a YAML config file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "meetcapd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, levelVar := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("meetcapd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"concurrency_profile", cfg.Concurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: "dev"})
	if err != nil {
		slog.Error("failed to initialise observability providers", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObserve(shutCtx)
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinModels(reg)

	model, err := reg.CreateModel(cfg.Transcription)
	if err != nil {
		slog.Error("failed to build transcription model", "err", err)
		return 1
	}
	if err := model.LoadModel(ctx, cfg.Transcription.ModelPath); err != nil {
		slog.Error("failed to load transcription model", "model_path", cfg.Transcription.ModelPath, "err", err)
		return 1
	}

	diarizer := buildDiarizer(cfg, reg)

	// ── Application wiring ────────────────────────────────────────────────────
	hub := events.NewHub()

	var deviceLister devicemon.Lister // no platform binding in this pack; nil disables device monitoring

	coord := recorder.New(recorder.Config{
		Model:          model,
		VADEngine:      vadprovider.EnergyEngine{},
		MicEnhancement: toCaptureEnhancement(cfg.Enhancement.Microphone),
		Diarizer:       diarizer,
		Hub:            hub,
		DeviceLister:   deviceLister,
		MicDeviceID:    cfg.Devices.MicrophoneID,
		SystemDeviceID: cfg.Devices.SystemID,
		WarmupDuration: cfg.Transcription.WarmupDuration,
		Language:       cfg.Transcription.Language,
		Concurrency:    cfg.Concurrency,
	})

	printStartupSummary(cfg)

	// ── Config hot-reload ─────────────────────────────────────────────────────
	// Polls *configPath for changes so an operator can tune log_level and the
	// transcription language without restarting a running daemon. Everything
	// else in cfg (devices, concurrency profile, model path) only takes
	// effect on the daemon's next start, since it's baked into already-
	// constructed components (the loaded model, the Coordinator's capture
	// config).
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config) {
		levelVar.Set(toSlogLevel(newCfg.Server.LogLevel))
		coord.SetLanguage(newCfg.Transcription.Language)
		slog.Info("config reloaded", "log_level", newCfg.Server.LogLevel, "language", newCfg.Transcription.Language)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "transcription_model", Check: func(ctx context.Context) error {
			return model.ValidateModelReady(ctx)
		}},
	).Register(mux)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.HandleWS(r.Context(), w, r); err != nil {
			slog.Warn("meetcapd: websocket session ended with error", "err", err)
		}
	})
	registerControlRoutes(mux, coord)

	metrics := observe.DefaultMetrics()
	handler := observe.Middleware(metrics)(mux)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server ready — listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch coord.State().Phase() {
	case recorder.PhaseRecording, recorder.PhasePaused:
		if err := coord.Stop(shutdownCtx, "", ""); err != nil {
			slog.Error("failed to stop in-progress recording during shutdown", "err", err)
		}
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Model/embedder wiring ─────────────────────────────────────────────────────

// registerBuiltinModels registers the transcription-model backends this
// binary ships with. Only "whisper-native" has a concrete adapter in the
// retrieval pack; any other configured model name fails at CreateModel with
// [config.ErrProviderNotRegistered].
func registerBuiltinModels(reg *config.Registry) {
	reg.RegisterModel("whisper-native", func(c config.TranscriptionConfig) (transcription.Model, error) {
		return whisper.New(c.Language), nil
	})
}

// buildDiarizer wires an offline diarization engine when enabled, provided a
// registered embedder backend and a speech segmenter are available. No
// concrete [diarization.Embedder] or [diarization.SpeechSegmenter] ships in
// this retrieval pack (both are documented external collaborator
// boundaries), so diarization stays disabled — an off-by-default hook, per
// SPEC_FULL.md §9 — until a platform-specific binding is registered here.
func buildDiarizer(cfg *config.Config, _ *config.Registry) *diarization.Engine {
	if !cfg.Diarization.Enabled {
		return nil
	}
	slog.Warn("diarization.enabled=true but no embedder/segmenter binding is registered in this build — diarization will be skipped")
	return nil
}

func toCaptureEnhancement(t config.EnhancementToggles) capture.Enhancement {
	return capture.Enhancement{HighPass: t.HighPass, Suppressor: t.Suppressor, Loudness: t.Loudness}
}

// ── Control routes ────────────────────────────────────────────────────────────

// registerControlRoutes wires the minimal JSON control surface a UI or CLI
// client uses to drive the recording lifecycle. This is daemon plumbing
// around the Coordinator, not a core pipeline component.
func registerControlRoutes(mux *http.ServeMux, coord *recorder.Coordinator) {
	mux.HandleFunc("POST /v1/recording/start", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MeetingName string `json:"meeting_name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if err := coord.Start(r.Context(), body.MeetingName); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /v1/recording/pause", func(w http.ResponseWriter, _ *http.Request) {
		if !coord.Pause() {
			http.Error(w, "not recording", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /v1/recording/resume", func(w http.ResponseWriter, _ *http.Request) {
		if !coord.Resume() {
			http.Error(w, "not paused", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /v1/recording/stop", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MeetingName string `json:"meeting_name"`
			FolderPath  string `json:"folder_path"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if err := coord.Stop(r.Context(), body.MeetingName, body.FolderPath); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         meetcap — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Model            : %-18s ║\n", truncate(cfg.Transcription.ModelName, 18))
	fmt.Printf("║  Language         : %-18s ║\n", truncate(orDefault(cfg.Transcription.Language, "(model default)"), 18))
	fmt.Printf("║  Mic device       : %-18s ║\n", truncate(orDefault(cfg.Devices.MicrophoneID, "(none)"), 18))
	fmt.Printf("║  System device    : %-18s ║\n", truncate(orDefault(cfg.Devices.SystemID, "(none)"), 18))
	fmt.Printf("║  Diarization      : %-18s ║\n", boolLabel(cfg.Diarization.Enabled))
	fmt.Printf("║  Concurrency      : %-18s ║\n", string(cfg.Concurrency))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr      : %-18s ║\n", truncate(cfg.Server.ListenAddr, 18))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-1] + "…"
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func boolLabel(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the daemon's logger around an [slog.LevelVar] so its
// verbosity can be changed live by the config watcher, rather than only at
// startup.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	var levelVar slog.LevelVar
	levelVar.Set(toSlogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar})), &levelVar
}

func toSlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
