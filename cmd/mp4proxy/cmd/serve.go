package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mp4proxy/internal/fetch"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/mp4proxy/internal/http"
	"github.com/jmylchreest/mp4proxy/internal/http/handlers"
	"github.com/jmylchreest/mp4proxy/internal/job"
	"github.com/jmylchreest/mp4proxy/internal/observability"
	"github.com/jmylchreest/mp4proxy/internal/scheduler"
	"github.com/jmylchreest/mp4proxy/internal/startup"
	"github.com/jmylchreest/mp4proxy/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcoding proxy",
	Long: `Start the HTTP server on the loopback interface.

With the default port of 0 an ephemeral port is chosen; it is logged,
printed to stdout as PORT=<n> and, when server.port_file is set, written
to that file.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on (0 = ephemeral)")
	serveCmd.Flags().String("port-file", "", "Write the chosen port to this file")
	serveCmd.Flags().String("cache-dir", "", "Cache directory (default <tmp>/mp4proxy-cache)")
	serveCmd.Flags().Bool("wait", false, "Serve only complete files instead of streaming while encoding")
	serveCmd.Flags().String("preset", "balanced", "Encoding preset (quality, balanced, speed)")
	serveCmd.Flags().String("hwaccel", "auto", "Hardware acceleration (auto, none, or a method name)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("server.port_file", serveCmd.Flags().Lookup("port-file"))
	mustBindPFlag("cache.dir", serveCmd.Flags().Lookup("cache-dir"))
	mustBindPFlag("transcode.wait_for_complete", serveCmd.Flags().Lookup("wait"))
	mustBindPFlag("transcode.preset", serveCmd.Flags().Lookup("preset"))
	mustBindPFlag("ffmpeg.hwaccel", serveCmd.Flags().Lookup("hwaccel"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.Default()

	logger.Info("starting mp4proxy",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("cache_dir", cfg.Cache.Directory()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to release cache lock", slog.String("error", err.Error()))
		}
	}()

	if _, err := startup.PrepareCache(logger, store, cfg.Cache.ClearOnStart, cfg.Cache.OrphanMaxAge); err != nil {
		return fmt.Errorf("preparing cache: %w", err)
	}

	rt := probeEncoder(ctx, cfg, logger)

	settings, err := job.NewSettings(cfg.Transcode.WaitForComplete, cfg.Transcode.Preset)
	if err != nil {
		return fmt.Errorf("invalid transcode settings: %w", err)
	}

	fetcher := fetch.New(fetch.Options{
		AttemptTimeout:    cfg.Fetch.AttemptTimeout,
		TransientRetries:  cfg.Fetch.TransientRetries,
		StatusRetries:     cfg.Fetch.StatusRetries,
		RetryDelay:        cfg.Fetch.RetryDelay,
		RetryJitter:       cfg.Fetch.RetryJitter,
		MaxBytesPerSecond: cfg.Fetch.MaxBytesPerSecond.Int64(),
		Logger:            logger,
	})

	launcher := ffmpeg.NewLauncher(rt.ffmpegPath(), observability.WithComponent(logger, "encoder"))
	manager, err := job.NewManager(job.Options{
		Store:          store,
		Encoder:        job.NewEncoder(launcher),
		Fetcher:        fetcher,
		Prober:         rt.prober,
		Settings:       settings,
		HWAccel:        rt.hwaccel.Selected,
		PrefetchSource: cfg.Transcode.PrefetchSource,
		HubChunks:      cfg.Transcode.SubscriberBuffer,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating job manager: %w", err)
	}

	var sched *scheduler.Scheduler
	if cfg.Cache.SweepSchedule != "" {
		sched, err = scheduler.NewScheduler(store, scheduler.SchedulerConfig{
			Schedule:     cfg.Cache.SweepSchedule,
			OrphanMaxAge: cfg.Cache.OrphanMaxAge,
		})
		if err != nil {
			return fmt.Errorf("creating scheduler: %w", err)
		}
		sched = sched.WithLogger(observability.WithComponent(logger, "scheduler"))
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	serverCfg := internalhttp.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	server := internalhttp.NewServer(serverCfg, logger, version.Version)
	api := server.API()
	router := server.Router()

	policy := job.StablePolicy{
		InitialSize:    cfg.Transcode.InitialSize.Int64(),
		InitialTimeout: cfg.Transcode.InitialTimeout,
		StableWindow:   cfg.Transcode.StableWindow,
		StableTimeout:  cfg.Transcode.StableTimeout,
	}

	handlers.RegisterAll(api, router, handlers.Dependencies{
		Manager:           manager,
		Store:             store,
		Settings:          settings,
		Config:            cfg,
		Policy:            policy,
		CompletionTimeout: cfg.Transcode.CompletionTimeout,
		Binaries:          rt.binaries,
		HWAccel:           rt.hwaccel,
		Inspector:         rt.prober,
		Version:           version.Version,
		Logger:            logger,
	})

	port, err := server.Listen()
	if err != nil {
		stopBackground(ctx, logger, manager, sched, cfg.Server.ShutdownTimeout)
		return fmt.Errorf("listening: %w", err)
	}
	if err := announcePort(port, cfg.Server.PortFile); err != nil {
		logger.Warn("failed to write port file",
			slog.String("path", cfg.Server.PortFile),
			slog.String("error", err.Error()))
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	serveErr := server.ListenAndServe(ctx)
	stopBackground(ctx, logger, manager, sched, cfg.Server.ShutdownTimeout)
	return serveErr
}

// announcePort tells the controlling process which port was chosen.
func announcePort(port int, portFile string) error {
	fmt.Printf("PORT=%d\n", port)
	if portFile == "" {
		return nil
	}
	return os.WriteFile(portFile, []byte(strconv.Itoa(port)+"\n"), 0o644)
}

// stopBackground cancels every job, deleting partial entries, then stops
// the maintenance scheduler.
func stopBackground(ctx context.Context, logger *slog.Logger, manager *job.Manager, sched *scheduler.Scheduler, timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job shutdown incomplete", slog.String("error", err.Error()))
	}
	if sched != nil {
		sched.Stop()
	}
	logger.Info("mp4proxy stopped")
}
