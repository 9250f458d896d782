package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tandem/internal/auth"
	"tandem/internal/config"
	"tandem/internal/coordinator"
	"tandem/internal/database"
	"tandem/internal/fanout"
	"tandem/internal/ngrok"
	"tandem/internal/server"
	"tandem/internal/session"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	db, err := database.NewDatabase(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Error("Error initializing database")
		return err
	}
	defer db.Close()

	journal := database.NewJournal(db, cfg.Database.JournalBuffer, logger)
	defer journal.Close()

	tokens := auth.NewTokenStore(cfg.TokenTTL(), logger)
	defer tokens.Stop()

	sessions := session.NewManager(session.Options{
		Coordinator: coordinator.Options{
			CommandQueueSize: cfg.Sync.CommandQueueSize,
			Fanout: fanout.Options{
				QueueSize:   cfg.Sync.SubscriberQueueSize,
				SendTimeout: cfg.SendTimeout(),
			},
			Sink: journal,
		},
		IdleTimeout:       cfg.IdleTimeout(),
		IdleCheckInterval: cfg.IdleCheckInterval(),
		Journal:           journal,
		Logger:            logger,
		OnClose: func(sessionID, _ string) {
			tokens.RevokeSession(sessionID)
		},
	})
	defer sessions.Shutdown()
	sessions.SetPolicy(cfg.SyncPolicy())

	ngrokService, err := ngrok.NewService(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Warn("Ngrok service not available")
		ngrokService = nil
	}

	srv := server.NewServer(server.Deps{
		Config:   cfg,
		Sessions: sessions,
		Tokens:   tokens,
		Database: db,
		Ngrok:    ngrokService,
		Logger:   logger,
	})

	if cfg.Server.WatchConfig {
		watcher, err := config.Watch(configPath, logger, func(next *config.Config) {
			sessions.SetPolicy(next.SyncPolicy())
			if level, err := logrus.ParseLevel(next.Logging.Level); err == nil {
				logger.SetLevel(level)
			}
		})
		if err != nil {
			logger.WithError(err).Warn("Could not start config watcher")
		} else {
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
