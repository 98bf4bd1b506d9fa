package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/saviobatista/fleetsync/internal/capture"
	"github.com/saviobatista/fleetsync/internal/config"
	"github.com/saviobatista/fleetsync/internal/nats"
	"github.com/saviobatista/fleetsync/internal/parser"
)

// PacketPublisher interface for testability
type PacketPublisher interface {
	PublishPacket(msg *nats.PacketMessage) error
}

// counters tracks ingest outcomes
type counters struct {
	lines      atomic.Uint64
	published  atomic.Uint64
	heartbeats atomic.Uint64
	invalid    atomic.Uint64
	failed     atomic.Uint64
}

// ingestLine parses one gateway line and publishes the packet it carries
func ingestLine(msg capture.Message, pub PacketPublisher, c *counters, logger *slog.Logger) {
	c.lines.Add(1)

	line, err := parser.ParseLine(msg.Line)
	if err != nil {
		if !errors.Is(err, parser.ErrEmptyLine) {
			c.invalid.Add(1)
			logger.Debug("invalid line", "source", msg.Source, "error", err)
		}
		return
	}
	if line == nil {
		c.heartbeats.Add(1)
		return
	}

	err = pub.PublishPacket(&nats.PacketMessage{
		SessionID:  line.SessionID,
		Packet:     line.Packet,
		Source:     msg.Source,
		ReceivedAt: msg.Timestamp.UTC(),
	})
	if err != nil {
		c.failed.Add(1)
		logger.Warn("failed to publish packet", "session_id", line.SessionID, "source", msg.Source, "error", err)
		return
	}
	c.published.Add(1)
}

// ingest drains the capture until the channel closes
func ingest(msgs <-chan capture.Message, pub PacketPublisher, c *counters, logger *slog.Logger) {
	for msg := range msgs {
		ingestLine(msg, pub, c, logger)
	}
}

func logCounters(ctx context.Context, c *counters, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("ingest statistics",
				"lines", c.lines.Load(),
				"published", c.published.Load(),
				"heartbeats", c.heartbeats.Load(),
				"invalid", c.invalid.Load(),
				"publish_failures", c.failed.Load(),
			)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout).With("service", "ingestor")

	if len(cfg.Sources) == 0 {
		logger.Error("SOURCES environment variable is required")
		os.Exit(1)
	}

	client, err := nats.New(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to create NATS client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := capture.DefaultOptions()
	opts.Logger = logger
	capt := capture.New(cfg.Sources, opts)
	capt.Start()

	c := &counters{}
	go logCounters(ctx, c, logger, time.Minute)

	done := make(chan struct{})
	go func() {
		ingest(capt.Messages(), client, c, logger)
		close(done)
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	capt.Stop()
	<-done
}
