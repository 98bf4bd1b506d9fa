// Package alerts is the append-only security alert log. Acknowledgement is
// the only mutation it allows.
package alerts

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saviobatista/fleetsync/internal/pubsub"
	"github.com/saviobatista/fleetsync/internal/types"
)

var ErrAlertNotFound = errors.New("alert not found")

// Store keeps alerts in arrival order
type Store struct {
	now    func() time.Time
	broker *pubsub.Broker[types.SecurityAlert]

	mu     sync.RWMutex
	alerts []types.SecurityAlert
	index  map[string]int
}

// NewStore creates an empty store
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		now:    time.Now,
		broker: pubsub.NewBroker[types.SecurityAlert]("alerts", nil, logger),
		index:  make(map[string]int),
	}
}

// Raise appends alert, filling in id, status and creation time when unset,
// and notifies subscribers
func (s *Store) Raise(alert types.SecurityAlert) types.SecurityAlert {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = types.AlertNew
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}

	s.mu.Lock()
	if _, dup := s.index[alert.ID]; dup {
		existing := s.alerts[s.index[alert.ID]]
		s.mu.Unlock()
		return existing
	}
	s.index[alert.ID] = len(s.alerts)
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()

	s.broker.Publish(alert)
	return alert
}

// Acknowledge marks an alert ACKNOWLEDGED. Acknowledging twice keeps the
// first acknowledgement time.
func (s *Store) Acknowledge(id string) (types.SecurityAlert, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return types.SecurityAlert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	alert := &s.alerts[i]
	if alert.Status == types.AlertAcknowledged {
		out := *alert
		s.mu.Unlock()
		return out, nil
	}
	alert.Status = types.AlertAcknowledged
	alert.AcknowledgedAt = s.now()
	out := *alert
	s.mu.Unlock()

	s.broker.Publish(out)
	return out, nil
}

// Get returns one alert by id
func (s *Store) Get(id string) (types.SecurityAlert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return types.SecurityAlert{}, false
	}
	return s.alerts[i], true
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	VehicleID string
	Status    types.AlertStatus
	Type      types.AlertType
}

// List returns copies of matching alerts, oldest first
func (s *Store) List(f Filter) []types.SecurityAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.SecurityAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.VehicleID != "" && a.VehicleID != f.VehicleID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		out = append(out, a)
	}
	return out
}

// HasUnacknowledged reports whether vehicleID has a NEW alert of kind
func (s *Store) HasUnacknowledged(vehicleID string, kind types.AlertType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.VehicleID == vehicleID && a.Type == kind && a.Status == types.AlertNew {
			return true
		}
	}
	return false
}

// Subscribe streams raised and acknowledged alerts
func (s *Store) Subscribe(buffer int) (<-chan types.SecurityAlert, func()) {
	return s.broker.Subscribe(buffer)
}

// Close ends all subscriptions
func (s *Store) Close() {
	s.broker.Close()
}
