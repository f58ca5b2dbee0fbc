package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khairulanwarjo/gestella/internal/api"
	"github.com/khairulanwarjo/gestella/internal/buildinfo"
	"github.com/khairulanwarjo/gestella/internal/connwatch"
	"github.com/khairulanwarjo/gestella/internal/llm"
	"github.com/khairulanwarjo/gestella/internal/mqtt"
	"github.com/khairulanwarjo/gestella/internal/telegram"
)

func newServeCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot, ops API and MQTT publisher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, opts.configPath)
		},
	}
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then stops in this order:
//  1. the Telegram bridge stops polling and drains in-flight messages
//  2. the ops API drains open requests
//  3. MQTT publishes "offline" and disconnects
//  4. dependency watchers stop and databases close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Gestella", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.Models.Default,
		"storage", cfg.Storage.Driver,
		"memory", cfg.Memory.Backend,
		"checkpoint", cfg.Checkpoint.Backend,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close stores failed", "error", err)
		}
	}()
	st.prune(ctx, cfg, logger)

	client := buildLLMClient(cfg, logger)
	loop, err := buildAgent(ctx, cfg, st, client, logger)
	if err != nil {
		return err
	}

	gate, err := buildGatekeeper(cfg, st, logger)
	if err != nil {
		return err
	}

	// --- Dependency health ---
	watch := connwatch.NewManager(ctx, connwatch.DefaultBackoff(), logger)
	defer watch.Stop()
	watch.Watch("llm", client.Ping)
	for name, probe := range st.probes {
		watch.Watch(name, probe)
	}

	var wg sync.WaitGroup

	// --- Telegram ---
	if cfg.Telegram.Configured() {
		bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.PollTimeout)
		if err != nil {
			return err
		}
		logger.Info("telegram connected", "bot", bot.Self.UserName)

		bridge := telegram.NewBridge(telegram.BridgeConfig{
			Bot:   bot,
			Gate:  gate,
			Agent: loop,
			Transcriber: llm.NewWhisperTranscriber(
				cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.TranscriptionModel, "", logger),
			Deliverer: telegram.NewDeliverer(bot, cfg.Telegram.TempDir, cfg.Telegram.ReportThreshold,
				cfg.Persona.TimeLocation(), logger),
			Logger:        logger,
			PollTimeout:   cfg.Telegram.PollTimeout,
			RateLimit:     cfg.Telegram.RateLimit,
			TempDir:       cfg.Telegram.TempDir,
			SendQRCode:    cfg.Telegram.SendQRCode,
			HandleTimeout: cfg.Agent.TurnTimeout,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.Start(ctx)
		}()
	} else {
		logger.Warn("telegram not configured - running without a chat transport")
	}

	// --- MQTT ---
	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		pub = mqtt.New(cfg.MQTT, instanceID, st.usage, cfg.Models.Default, cfg.Persona.TimeLocation(), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Ops API ---
	var serveErr error
	if cfg.Listen.Port > 0 {
		if cfg.Listen.AdminToken == "" {
			logger.Warn("listen.admin_token not set - admin endpoints will refuse requests")
		}
		server := api.NewServer(api.Config{
			Address:    cfg.Listen.Address,
			Port:       cfg.Listen.Port,
			AdminToken: cfg.Listen.AdminToken,
			Users:      st.users,
			AllowAll:   cfg.Gatekeeper.AllowAll,
			Agent:      loop,
			Usage:      st.usage,
			DB:         st.local,
			Services:   watch,
			Location:   cfg.Persona.TimeLocation(),
			Logger:     logger,
		})
		serveErr = server.Start(ctx)
		if serveErr != nil {
			// Stop the other components before returning.
			cancel()
		}
	} else {
		<-ctx.Done()
	}
	logger.Info("shutdown signal received")

	wg.Wait()
	if pub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := pub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("Gestella stopped")
	return nil
}
