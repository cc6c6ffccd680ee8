package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/alert"
	"nonkyc-bot/internal/auth"
	"nonkyc-bot/internal/config"
	"nonkyc-bot/internal/engine"
	"nonkyc-bot/internal/exchange"
	"nonkyc-bot/internal/exchange/nonkyc"
	"nonkyc-bot/internal/logging"
	"nonkyc-bot/internal/redact"
	"nonkyc-bot/internal/safety"
	"nonkyc-bot/internal/store"
	"nonkyc-bot/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Credentials may live in .env instead of the YAML file.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	alerts := buildAlertManager(cfg, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			log.WithField("error", err.Error()).Warn("alert manager close failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, cfg.InstanceID)
	lock, err := store.AcquireLock(stateDir, store.LockOptions{
		Takeover:   cfg.State.LockTakeover == nil || *cfg.State.LockTakeover,
		StaleAfter: cfg.State.LockStale(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			log.WithField("error", relErr.Error()).Warn("instance lock release failed")
		}
	}()

	keys := redact.DefaultKeySet().With("telegram_token", "telegram_chat_id")
	st, err := store.New(stateDir, keys, log)
	if err != nil {
		return err
	}

	creds, err := auth.NewCredentials(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	if err != nil {
		return err
	}
	signer := auth.NewSigner(creds, nil)

	client, err := nonkyc.NewClient(cfg.Exchange, signer, nil, log.WithField("component", "rest"))
	if err != nil {
		return err
	}
	breaker := safety.NewBreaker(cfg.Exchange.MaxConsecutiveFailures, log.WithField("component", "breaker"))
	session, err := nonkyc.NewSession(cfg.Exchange, cfg.Symbol, signer, breaker, log.WithField("component", "stream"))
	if err != nil {
		return err
	}

	facade := exchange.NewFacade(client, session)
	kill := safety.NewKillSwitch(log.WithField("component", "killswitch"))
	eng := engine.New(cfg.Symbol, cfg.InstanceID, cfg.RiskLimits(), facade, kill, log.WithField("component", "engine"))

	configMap, err := cfg.Map()
	if err != nil {
		return fmt.Errorf("render config for snapshots: %w", err)
	}

	runner := &engine.Runner{
		Engine:        eng,
		Exchange:      facade,
		Store:         st,
		Strategy:      strategy.Manual{},
		Alerts:        alerts,
		Log:           log.WithField("component", "runner"),
		Symbol:        cfg.Symbol,
		SnapshotEvery: cfg.State.SnapshotInterval(),
		ConfigMap:     configMap,
	}

	facade.Start(ctx)
	defer func() {
		if err := facade.Close(); err != nil {
			log.WithField("error", err.Error()).Warn("exchange close reported failure")
		}
	}()

	log.WithFields(logrus.Fields{
		"symbol":   cfg.Symbol,
		"instance": cfg.InstanceID,
		"exchange": facade.Name(),
		"state":    stateDir,
	}).Info("trading runner starting")

	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("runner stopped by signal")
			return nil
		}
		return err
	}
	return nil
}

func buildAlertManager(cfg config.Config, log *logrus.Logger) *alert.Manager {
	if !cfg.Alerts.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		cfg.Alerts.TelegramToken,
		cfg.Alerts.TelegramChatID,
		cfg.Alerts.APIBaseURL,
		time.Duration(cfg.Alerts.TimeoutSec)*time.Second,
	)
	return alert.NewManager(cfg.InstanceID, cfg.Symbol, notifier, log.WithField("component", "alert"))
}
