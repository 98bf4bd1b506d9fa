package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/saviobatista/fleetsync/internal/config"
	"github.com/saviobatista/fleetsync/internal/nats"
	"github.com/saviobatista/fleetsync/internal/storage"
	"github.com/saviobatista/fleetsync/internal/testutils"
)

type mockWriter struct {
	records []string
	err     error
}

func (m *mockWriter) WriteMessage(message []byte) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, string(message))
	return nil
}

func TestJournalFor(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{nats.SubjectAlerts, "alerts", true},
		{nats.SubjectBehavior, "behavior", true},
		{"fleet.unknown", "", false},
		{nats.SubjectPackets, "", false},
	}
	for _, tt := range tests {
		got, ok := journalFor(tt.subject)
		if got != tt.want || ok != tt.ok {
			t.Errorf("journalFor(%s) = %q %v, want %q %v", tt.subject, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEventHandler(t *testing.T) {
	alertsW := &mockWriter{}
	behaviorW := &mockWriter{err: errors.New("disk full")}
	handle := eventHandler(map[string]MessageWriter{"alerts": alertsW, "behavior": behaviorW}, testutils.DiscardLogger())

	if err := handle(nats.SubjectAlerts, []byte(`{"id":"a1"}`)); err != nil {
		t.Errorf("alert write = %v", err)
	}
	if err := handle("fleet.other", []byte(`{}`)); err != nil {
		t.Errorf("unknown subject = %v, want ack", err)
	}
	if err := handle(nats.SubjectBehavior, []byte(`{}`)); err == nil {
		t.Error("write failure must be returned for redelivery")
	}
	if len(alertsW.records) != 1 || alertsW.records[0] != `{"id":"a1"}` {
		t.Errorf("alerts journal = %v", alertsW.records)
	}
}

func TestEventHandler_WithStorage(t *testing.T) {
	dir := t.TempDir()
	journal := storage.New(dir, "alerts", storage.WithLogger(testutils.DiscardLogger()))
	if err := journal.Start(); err != nil {
		t.Fatal(err)
	}
	handle := eventHandler(map[string]MessageWriter{"alerts": journal}, testutils.DiscardLogger())
	for _, id := range []string{"a1", "a2"} {
		if err := handle(nats.SubjectAlerts, []byte(`{"id":"`+id+`"}`)); err != nil {
			t.Fatal(err)
		}
	}
	path := journal.CurrentFile()
	if err := journal.Stop(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 2 {
		t.Errorf("journal lines = %v, want 2", lines)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("journal written to %s, want %s", path, dir)
	}
}

func TestRunLogger_NATSUnavailable(t *testing.T) {
	cfg := &config.Config{OutputDir: t.TempDir(), NATSURL: "nats://127.0.0.1:1"}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runLogger(ctx, cfg, testutils.DiscardLogger()); err == nil {
		t.Error("runLogger() should fail without NATS")
	}
}
