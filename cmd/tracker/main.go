package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saviobatista/fleetsync/internal/alerts"
	"github.com/saviobatista/fleetsync/internal/api"
	"github.com/saviobatista/fleetsync/internal/behavior"
	"github.com/saviobatista/fleetsync/internal/config"
	"github.com/saviobatista/fleetsync/internal/geofence"
	"github.com/saviobatista/fleetsync/internal/localdb"
	"github.com/saviobatista/fleetsync/internal/nats"
	"github.com/saviobatista/fleetsync/internal/notifier"
	"github.com/saviobatista/fleetsync/internal/quality"
	"github.com/saviobatista/fleetsync/internal/queue"
	"github.com/saviobatista/fleetsync/internal/redis"
	"github.com/saviobatista/fleetsync/internal/sink"
	"github.com/saviobatista/fleetsync/internal/stats"
	"github.com/saviobatista/fleetsync/internal/syncer"
	"github.com/saviobatista/fleetsync/internal/tracker"
	"github.com/saviobatista/fleetsync/internal/types"
)

const packetsDurable = "tracker"

// PacketSubmitter accepts packets for a session
type PacketSubmitter interface {
	SubmitPacket(ctx context.Context, sessionID string, packet types.TelemetryPacket) error
}

// EventPublisher fans alerts and behavior events out to other services
type EventPublisher interface {
	PublishAlert(alert types.SecurityAlert) error
	PublishBehavior(ev types.BehaviorEvent) error
}

// EventStore keeps alerts and behavior events in the remote database
type EventStore interface {
	StoreAlert(ctx context.Context, alert types.SecurityAlert) error
	StoreBehaviorEvent(ctx context.Context, ev types.BehaviorEvent) error
}

// SessionRestorer reads sessions cached by a previous run
type SessionRestorer interface {
	ActiveSessionIDs(ctx context.Context) ([]string, error)
	GetSession(ctx context.Context, id string) (*types.TrackingSession, error)
}

// packetHandler adapts the tracker to NATS delivery. A returned error makes
// JetStream redeliver the packet.
func packetHandler(ctx context.Context, sub PacketSubmitter) func(*nats.PacketMessage) error {
	return func(msg *nats.PacketMessage) error {
		if err := sub.SubmitPacket(ctx, msg.SessionID, msg.Packet); err != nil {
			return fmt.Errorf("failed to submit packet %s: %w", msg.ID(), err)
		}
		return nil
	}
}

// forwardAlerts publishes and stores alerts until the channel closes.
// Either target may be nil.
func forwardAlerts(ctx context.Context, ch <-chan types.SecurityAlert, pub EventPublisher, store EventStore, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-ch:
			if !ok {
				return
			}
			if pub != nil {
				if err := pub.PublishAlert(alert); err != nil {
					logger.Warn("failed to publish alert", "alert_id", alert.ID, "error", err)
				}
			}
			if store != nil {
				if err := store.StoreAlert(ctx, alert); err != nil {
					logger.Warn("failed to store alert", "alert_id", alert.ID, "error", err)
				}
			}
		}
	}
}

// forwardBehavior publishes and stores behavior events until the channel closes
func forwardBehavior(ctx context.Context, ch <-chan types.BehaviorEvent, pub EventPublisher, store EventStore, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if pub != nil {
				if err := pub.PublishBehavior(ev); err != nil {
					logger.Warn("failed to publish behavior event", "event_id", ev.ID, "error", err)
				}
			}
			if store != nil {
				if err := store.StoreBehaviorEvent(ctx, ev); err != nil {
					logger.Warn("failed to store behavior event", "event_id", ev.ID, "error", err)
				}
			}
		}
	}
}

// restoreSessions re-registers the sessions a previous run left live in the
// cache with their cumulative state. Queued packets are untouched.
func restoreSessions(ctx context.Context, cache SessionRestorer, tr *tracker.Tracker, logger *slog.Logger) int {
	ids, err := cache.ActiveSessionIDs(ctx)
	if err != nil {
		logger.Warn("failed to list cached sessions", "error", err)
		return 0
	}

	restored := 0
	for _, id := range ids {
		cached, err := cache.GetSession(ctx, id)
		if err != nil || cached == nil || cached.Status == types.SessionEnded {
			continue
		}
		if _, err := tr.Restore(ctx, *cached); err != nil {
			logger.Warn("failed to restore session", "session_id", id, "error", err)
			continue
		}
		restored++
	}
	return restored
}

// refreshPending keeps the pending gauge current between syncs
func refreshPending(ctx context.Context, tr *tracker.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tr.Snapshot(ctx)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	localDB, err := localdb.Open(cfg.LocalDBPath)
	if err != nil {
		return fmt.Errorf("failed to open local database: %w", err)
	}
	defer localDB.Close()

	q := queue.New(localDB)
	catalog := geofence.NewCatalog(localdb.NewZoneStore(localDB))
	if err := catalog.Load(ctx); err != nil {
		return fmt.Errorf("failed to load zones: %w", err)
	}

	rem, err := sink.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rem.Close(); err != nil {
			logger.Warn("failed to close remote sink", "error", err)
		}
	}()

	st := stats.New()
	alertStore := alerts.NewStore(logger)
	defer alertStore.Close()
	online := syncer.NewStatusFlag(true)

	// tr is assigned below; OnSynced only fires after Start
	var tr *tracker.Tracker
	engine := syncer.New(q, rem.Uploader, online, syncer.Config{
		Interval:        cfg.Sync.Interval,
		BatchSize:       cfg.Sync.BatchSize,
		BackoffFloor:    cfg.Sync.BackoffFloor,
		BackoffCeiling:  cfg.Sync.BackoffCeiling,
		MaxDrainBatches: cfg.Sync.MaxDrainBatches,
	},
		syncer.WithLogger(logger),
		syncer.OnSynced(func(at time.Time, n int) { tr.RecordSync(at, n) }),
	)

	deps := tracker.Deps{
		Queue:    q,
		Quality:  quality.NewAnalyzer(),
		Behavior: behavior.NewScorer(behavior.Config{
			SpeedLimitKmh:   cfg.Behavior.SpeedLimitKmh,
			HarshAccelG:     cfg.Behavior.HarshAccelG,
			HarshBrakeG:     cfg.Behavior.HarshBrakeG,
			HarshTurnG:      cfg.Behavior.HarshTurnG,
			MinTurnSpeedKmh: cfg.Behavior.MinTurnSpeedKmh,
		}),
		Geofence:     geofence.NewEngine(catalog, alertStore, geofence.Config{DeviationRearm: cfg.Geofence.DeviationRearm}, nil),
		Alerts:       alertStore,
		Sync:         engine,
		Connectivity: online,
		Stats:        st,
		Logger:       logger,
	}

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache, err = redis.New(cfg.RedisAddr)
		if err != nil {
			logger.Warn("session cache unavailable, continuing without it", "addr", cfg.RedisAddr, "error", err)
			cache = nil
		} else {
			defer cache.Close()
			deps.Cache = cache
		}
	}

	tr = tracker.New(deps)
	defer tr.Close()

	if cache != nil {
		if n := restoreSessions(ctx, cache, tr, logger); n > 0 {
			logger.Info("restored cached sessions", "count", n)
		}
	}

	var eventStore EventStore
	if rem.Store != nil {
		eventStore = rem.Store
		st.SetPersister(rem.Store)
		go st.StartPersistence(ctx, logger, 5*time.Minute)
	}
	go st.StartLogging(ctx, logger, time.Minute)
	go refreshPending(ctx, tr, time.Minute)

	var publisher EventPublisher
	if cfg.NATSURL != "" {
		natsClient, err := nats.New(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create NATS client: %w", err)
		}
		defer natsClient.Close()
		publisher = natsClient

		sub, err := natsClient.SubscribePackets(packetsDurable, packetHandler(ctx, tr))
		if err != nil {
			return fmt.Errorf("failed to subscribe to packets: %w", err)
		}
		defer func() {
			if err := sub.Drain(); err != nil {
				logger.Warn("failed to drain packet subscription", "error", err)
			}
		}()
	}

	alertCh, unsubAlerts := alertStore.Subscribe(256)
	defer unsubAlerts()
	go forwardAlerts(ctx, alertCh, publisher, eventStore, logger)

	behaviorCh, unsubBehavior := tr.SubscribeBehavior(256)
	defer unsubBehavior()
	go forwardBehavior(ctx, behaviorCh, publisher, eventStore, logger)

	if n := notifier.New(cfg.SMTP, logger); n != nil {
		mailCh, unsubMail := alertStore.Subscribe(64)
		defer unsubMail()
		go n.Run(ctx, mailCh)
	}

	engine.Start(ctx)
	defer engine.Stop()

	server := api.NewServer(tr, alertStore, catalog, engine, st, logger)
	if err := server.Run(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	logger.Info("shutting down", "stats", st)
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout).With("service", "tracker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tracker failed", "error", err)
		os.Exit(1)
	}
}
