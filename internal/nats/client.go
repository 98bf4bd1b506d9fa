package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/saviobatista/fleetsync/internal/types"
)

const (
	SubjectPackets  = "telemetry.packets"
	SubjectAlerts   = "fleet.alerts"
	SubjectBehavior = "fleet.behavior"

	SubjectEvents   = "fleet.>"

	StreamTelemetry = "TELEMETRY"
	StreamEvents    = "FLEET_EVENTS"
)

// PacketMessage carries one device packet from a gateway to the tracker
type PacketMessage struct {
	SessionID  string                `json:"session_id"`
	Packet     types.TelemetryPacket `json:"packet"`
	Source     string                `json:"source"`
	ReceivedAt time.Time             `json:"received_at"`
}

// ID is the JetStream dedupe id of the message; it matches the queue id
func (m *PacketMessage) ID() string {
	return types.QueueItemID(m.SessionID, m.Packet.Timestamp)
}

// acker is the acknowledgment surface of a JetStream message
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Client represents a NATS client
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New creates a new NATS client and makes sure the streams exist
func New(url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url, nats.Name("fleetsync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	streams := []*nats.StreamConfig{
		{
			// Devices can stay offline for days; keep packets until delivered
			Name:       StreamTelemetry,
			Subjects:   []string{SubjectPackets},
			Storage:    nats.FileStorage,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
		},
		{
			Name:     StreamEvents,
			Subjects: []string{SubjectEvents},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil && !strings.Contains(err.Error(), "stream name already in use") {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}

	return &Client{conn: nc, js: js, logger: logger.With("component", "nats")}, nil
}

// PublishPacket publishes a device packet. Republishing the same session
// and capture time within the dedupe window is dropped by the server.
func (c *Client) PublishPacket(msg *PacketMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}
	if _, err := c.js.Publish(SubjectPackets, data, nats.MsgId(msg.ID())); err != nil {
		return fmt.Errorf("failed to publish packet: %w", err)
	}
	return nil
}

// PublishAlert publishes a security alert
func (c *Client) PublishAlert(alert types.SecurityAlert) error {
	return c.publishJSON(SubjectAlerts, alert)
}

// PublishBehavior publishes a behavior event
func (c *Client) PublishBehavior(ev types.BehaviorEvent) error {
	return c.publishJSON(SubjectBehavior, ev)
}

func (c *Client) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", subject, err)
	}
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s message: %w", subject, err)
	}
	return nil
}

// SubscribePackets delivers packets to handler through a durable consumer.
// A message is acked only when handler returns nil; errors are nakked for
// redelivery and undecodable messages are terminated.
func (c *Client) SubscribePackets(durable string, handler func(*PacketMessage) error) (*nats.Subscription, error) {
	sub, err := c.js.Subscribe(SubjectPackets, func(msg *nats.Msg) {
		c.handlePacket(msg, msg.Data, handler)
	}, nats.Durable(durable), nats.ManualAck(), nats.AckWait(30*time.Second), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

func (c *Client) handlePacket(msg acker, data []byte, handler func(*PacketMessage) error) {
	var pm PacketMessage
	if err := json.Unmarshal(data, &pm); err != nil || pm.SessionID == "" {
		if err == nil {
			err = errors.New("missing session id")
		}
		c.logger.Error("dropping undecodable packet", "error", err)
		if terr := msg.Term(); terr != nil {
			c.logger.Warn("failed to terminate message", "error", terr)
		}
		return
	}

	if err := handler(&pm); err != nil {
		c.logger.Warn("packet not accepted, requesting redelivery", "session_id", pm.SessionID, "error", err)
		if nerr := msg.Nak(); nerr != nil {
			c.logger.Warn("failed to nak message", "error", nerr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("failed to ack message", "session_id", pm.SessionID, "error", err)
	}
}

// SubscribeEvents delivers raw alert and behavior messages with their subject
func (c *Client) SubscribeEvents(durable string, handler func(subject string, data []byte) error) (*nats.Subscription, error) {
	sub, err := c.js.Subscribe(SubjectEvents, func(msg *nats.Msg) {
		c.handleEvent(msg, msg.Subject, msg.Data, handler)
	}, nats.Durable(durable), nats.ManualAck(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

func (c *Client) handleEvent(msg acker, subject string, data []byte, handler func(string, []byte) error) {
	if err := handler(subject, data); err != nil {
		c.logger.Warn("event not handled, requesting redelivery", "subject", subject, "error", err)
		if nerr := msg.Nak(); nerr != nil {
			c.logger.Warn("failed to nak message", "error", nerr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("failed to ack message", "subject", subject, "error", err)
	}
}

// Close drains subscriptions and closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
	}
}
