package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/saviobatista/fleetsync/internal/config"
	"github.com/saviobatista/fleetsync/internal/nats"
	"github.com/saviobatista/fleetsync/internal/storage"
)

const eventsDurable = "journal"

// MessageWriter appends one record to a journal
type MessageWriter interface {
	WriteMessage(message []byte) error
}

// journalFor maps an event subject to its journal prefix
func journalFor(subject string) (string, bool) {
	switch subject {
	case nats.SubjectAlerts:
		return "alerts", true
	case nats.SubjectBehavior:
		return "behavior", true
	default:
		return "", false
	}
}

// eventHandler writes each event to its journal. Events on unknown
// subjects are acknowledged and skipped; write failures are redelivered.
func eventHandler(journals map[string]MessageWriter, logger *slog.Logger) func(subject string, data []byte) error {
	return func(subject string, data []byte) error {
		prefix, ok := journalFor(subject)
		if !ok {
			logger.Debug("ignoring event", "subject", subject)
			return nil
		}
		w, ok := journals[prefix]
		if !ok {
			return nil
		}
		if err := w.WriteMessage(data); err != nil {
			return fmt.Errorf("failed to journal %s event: %w", prefix, err)
		}
		return nil
	}
}

// runLogger contains the main application logic and can be tested
func runLogger(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	journals := make(map[string]MessageWriter)
	for _, prefix := range []string{"alerts", "behavior"} {
		s := storage.New(cfg.OutputDir, prefix, storage.WithLogger(logger))
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start %s journal: %w", prefix, err)
		}
		defer func() {
			if err := s.Stop(); err != nil {
				logger.Warn("failed to close journal", "journal", prefix, "error", err)
			}
		}()
		journals[prefix] = s
	}

	client, err := nats.New(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create NATS client: %w", err)
	}
	defer client.Close()

	sub, err := client.SubscribeEvents(eventsDurable, eventHandler(journals, logger))
	if err != nil {
		return fmt.Errorf("failed to subscribe to fleet events: %w", err)
	}

	logger.Info("journaling fleet events", "output_dir", cfg.OutputDir)
	<-ctx.Done()

	logger.Info("shutting down")
	if err := sub.Unsubscribe(); err != nil {
		logger.Warn("failed to unsubscribe", "error", err)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout).With("service", "logger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runLogger(ctx, cfg, logger); err != nil {
		logger.Error("logger failed", "error", err)
		os.Exit(1)
	}
}
