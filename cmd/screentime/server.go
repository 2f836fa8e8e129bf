package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/screentime/internal/agents"
	"github.com/goodtune/screentime/internal/api"
	"github.com/goodtune/screentime/internal/authority"
	"github.com/goodtune/screentime/internal/classify"
	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/config"
	"github.com/goodtune/screentime/internal/detect"
	"github.com/goodtune/screentime/internal/enforce"
	"github.com/goodtune/screentime/internal/metrics"
	"github.com/goodtune/screentime/internal/quota"
	"github.com/goodtune/screentime/internal/remote"
	"github.com/goodtune/screentime/internal/server"
	"github.com/goodtune/screentime/internal/storage"
	"github.com/goodtune/screentime/internal/storage/bolt"
	"github.com/goodtune/screentime/internal/storage/redis"
	"github.com/goodtune/screentime/internal/systemd"
	"github.com/goodtune/screentime/internal/track"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Screentime server",
	Long:  `Start the Screentime server: agent discovery, browser detection, usage tracking, quota enforcement, management API, and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Screentime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	clk := clock.Real{}

	authorityClient := authority.NewHTTPClient(authority.HTTPConfig{
		BaseURL: cfg.Authority.BaseURL,
		Timeout: parseDuration(cfg.Authority.Timeout, 10*time.Second),
	}, logger)

	executor := remote.NewHTTPExecutor(remote.HTTPConfig{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: parseDuration(cfg.Remote.Timeout, 15*time.Second),
	}, logger)

	customRules := make(map[string]classify.Category, len(cfg.Classifier.CustomRules))
	for domain, category := range cfg.Classifier.CustomRules {
		customRules[domain] = classify.Category(category)
	}
	classifier := classify.New(classify.Config{
		CacheSize:   cfg.Classifier.CacheSize,
		CustomRules: customRules,
	}, logger)

	registry, err := agents.NewRegistry(ctx, store.Agents(), clk, agents.DefaultStaleAfter, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize agent registry: %w", err)
	}

	tracker := track.New(
		store.Children(),
		authorityClient,
		clk,
		parseDuration(cfg.Tracking.FlushInterval, track.DefaultFlushInterval),
		parseDuration(cfg.Tracking.ResetCheckInterval, track.DefaultResetCheckInterval),
		logger,
	)

	arbiter := quota.New(
		authorityClient,
		cfg.Quota.WarningThresholds,
		parseDuration(cfg.Authority.CacheTTL, quota.DefaultCacheTTL),
		logger,
	)

	policy := enforce.KillPolicy{
		KillOnViolation: cfg.Quota.KillOnViolation,
		GracePeriod:     parseDuration(cfg.Quota.GracePeriod, 0),
	}
	dispatcher, err := enforce.New(ctx, executor, store.Violations(), store.Shutdowns(), clk, policy, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize enforcement dispatcher: %w", err)
	}

	// Stored settings, when present, override the static file config.
	if settings, err := store.Settings().Get(ctx); err == nil {
		arbiter.SetThresholds(settings.WarningThresholdMinutes, cfg.Quota.ResetFlagsOnReconfig)
		dispatcher.SetPolicy(enforce.KillPolicy{
			KillOnViolation: settings.KillOnViolation,
			GracePeriod:     time.Duration(settings.GracePeriodSeconds) * time.Second,
		})
		logger.Info().Msg("Applied stored settings")
	}

	coordinator := server.New(server.Config{
		DetectionMode:      detect.Mode(cfg.Detection.Mode),
		ScanInterval:       parseDuration(cfg.Detection.ScanInterval, detect.DefaultScanInterval),
		ExtraPatterns:      cfg.Detection.ExtraPatterns,
		HistoryCap:         cfg.Detection.HistoryCap,
		QuotaCheckInterval: parseDuration(cfg.Quota.CheckInterval, quota.DefaultCheckInterval),
		WarnShutdownAhead:  cfg.Enforcement.ShutdownWarnIntervals,
		ViolationRetention: time.Duration(cfg.Logging.ViolationRetentionDays) * 24 * time.Hour,
	}, executor, registry, tracker, arbiter, dispatcher, classifier, clk, logger)

	tracker.Start(ctx)
	coordinator.Start(ctx)

	// Drain tracker and dispatcher event streams into the log. The
	// excluded UI layer would subscribe here instead.
	go func() {
		for event := range tracker.Events() {
			logger.Debug().
				Str("type", string(event.Type)).
				Str("agent", event.AgentID).
				Str("child", event.ChildID).
				Msg("Tracker event")
		}
	}()
	go func() {
		for event := range dispatcher.Status() {
			logger.Info().
				Str("type", string(event.Type)).
				Str("agent", event.AgentID).
				Str("reason", event.Reason).
				Msg("Enforcement status")
		}
	}()

	apiServer := api.NewServer(api.Config{
		Addr:                 fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		Registry:             registry,
		Tracker:              tracker,
		Arbiter:              arbiter,
		Dispatcher:           dispatcher,
		Classifier:           classifier,
		Detectors:            coordinator,
		Store:                store,
		ResetFlagsOnReconfig: cfg.Quota.ResetFlagsOnReconfig,
	}, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	apiServer.Start()

	metricsServer := metrics.NewServer(fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort), logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	logger.Info().Msg("Screentime startup complete")
	logger.Info().Msgf("API: http://%s:%d/api", cfg.Server.BindAddress, cfg.Server.APIPort)
	logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	coordinator.Stop()
	tracker.Stop(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("Screentime stopped")
	return nil
}

// openStorage opens the configured storage backend
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		if err := storage.EnsureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
		return bolt.Open(cfg.Path)
	}
}
