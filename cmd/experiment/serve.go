package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dilemma-experiment-backend/internal/admin"
	"dilemma-experiment-backend/internal/analytics"
	"dilemma-experiment-backend/internal/config"
	"dilemma-experiment-backend/internal/db"
	"dilemma-experiment-backend/internal/experiment"
	"dilemma-experiment-backend/internal/llm"
	"dilemma-experiment-backend/internal/randomizer"
	"dilemma-experiment-backend/internal/secure"
	"dilemma-experiment-backend/internal/server"
	"dilemma-experiment-backend/internal/store"
	"dilemma-experiment-backend/internal/telegram"
	"dilemma-experiment-backend/internal/texts"
)

var (
	serveWebhook bool
	maxConns     int
)

// openStore connects, migrates and returns the store with its database.
func openStore(ctx context.Context, c *config.Config) (*store.Store, *sql.DB, error) {
	cipher, err := secure.New(c.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	dbx, err := db.Connect(c.StoreDriver, c.DSN())
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, dbx, c.StoreDriver); err != nil {
		dbx.Close()
		return nil, nil, err
	}
	return store.New(dbx, c.StoreDriver, cipher), dbx, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if serveWebhook && cfg.WebhookURL == "" {
		return errors.New("--webhook needs WEBHOOK_URL")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, dbx, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbx.Close()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	rnd, err := randomizer.New(cfg.ExperimentSeed)
	if err != nil {
		return err
	}
	catalog, err := texts.Load()
	if err != nil {
		return err
	}

	bot := telegram.NewClient(cfg.BotToken)
	events := analytics.New(dbx, cfg.StoreDriver, logger)

	var assistant experiment.Assistant
	client := llm.NewClient(llm.DefaultConfig(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel), logger)
	if client.Configured() && (cfg.LLMEnabled || cfg.LLMAnalysisEnabled) {
		assistant = llm.NewAnalyzer(client, logger)
		logger.Info("llm enabled", zap.String("model", cfg.LLMModel),
			zap.Bool("replies", cfg.LLMEnabled), zap.Bool("analysis", cfg.LLMAnalysisEnabled))
	} else {
		logger.Info("llm disabled, using scripted replies")
	}

	exp := experiment.New(experiment.Deps{
		Randomizer: rnd,
		Store:      st,
		Bot:        bot,
		Texts:      catalog,
		Assistant:  assistant,
		Events:     events,
		Log:        logger,
	}, experiment.OptionsFromConfig(cfg))
	defer exp.Close()

	adm := admin.New(admin.Deps{
		Experiment: exp,
		Store:      st,
		Randomizer: rnd,
		Bot:        bot,
		IsAdmin:    cfg.IsAdmin,
		Log:        logger,
	})
	adm.Register()

	api := server.New(cfg.HTTPAddr, server.Handler(server.Routes{
		Admin:     adm,
		Events:    events,
		JWTSecret: []byte(cfg.AdminJWTSecret),
		Log:       logger,
	}), maxConns, logger)

	if serveWebhook {
		url := strings.TrimRight(cfg.WebhookURL, "/") + server.WebhookPath
		if err := bot.SetWebhook(ctx, url, cfg.WebhookSecret); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		logger.Info("webhook registered", zap.Int("port", cfg.WebhookPort))
	} else if err := bot.DeleteWebhook(ctx); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx) })
	if serveWebhook {
		queue := telegram.NewQueue(exp, telegram.QueueSize, telegram.UpdateTimeout, logger)
		g.Go(func() error { return queue.Run(gctx) })
		hook := server.New(fmt.Sprintf(":%d", cfg.WebhookPort), server.Handler(server.Routes{
			Updates:       queue,
			WebhookSecret: cfg.WebhookSecret,
			Log:           logger,
		}), maxConns, logger)
		g.Go(func() error { return hook.Run(gctx) })
	} else {
		logger.Info("long polling started")
		g.Go(func() error { return telegram.NewPoller(bot, exp, logger).Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutting down", zap.Error(err))
	return err
}
