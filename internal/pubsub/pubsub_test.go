package pubsub

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

type snapshot struct {
	Name  string
	Items []int
}

func cloneSnapshot(s snapshot) snapshot {
	s.Items = append([]int(nil), s.Items...)
	return s
}

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker[int]("numbers", nil, nil)
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(1)
	b.Publish(2)

	for _, ch := range []<-chan int{a, c} {
		if v := <-ch; v != 1 {
			t.Errorf("first value = %d, want 1", v)
		}
		if v := <-ch; v != 2 {
			t.Errorf("second value = %d, want 2", v)
		}
	}
}

func TestBroker_SlowSubscriberDropsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := NewBroker[int]("numbers", nil, logger)

	slow, unsubSlow := b.Subscribe(1)
	fast, unsubFast := b.Subscribe(10)
	defer unsubSlow()
	defer unsubFast()

	for i := 0; i < 5; i++ {
		b.Publish(i)
	}

	if b.Dropped() != 4 {
		t.Errorf("Dropped() = %d, want 4", b.Dropped())
	}
	if v := <-slow; v != 0 {
		t.Errorf("slow subscriber got %d, want 0", v)
	}
	if len(fast) != 5 {
		t.Errorf("fast subscriber has %d values, want 5", len(fast))
	}
	if !strings.Contains(buf.String(), "dropping update") {
		t.Errorf("drop not logged: %s", buf.String())
	}
}

func TestBroker_CloneGivesEachSubscriberACopy(t *testing.T) {
	b := NewBroker[snapshot]("snapshots", cloneSnapshot, nil)
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	src := snapshot{Name: "s1", Items: []int{1, 2}}
	b.Publish(src)

	got := <-a
	got.Items[0] = 99
	if other := <-c; other.Items[0] != 1 {
		t.Error("subscribers share the same backing array")
	}
	if src.Items[0] != 1 {
		t.Error("subscriber mutated the publisher's value")
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker[int]("numbers", nil, nil)
	ch, unsub := b.Subscribe(1)
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}

	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", b.Subscribers())
	}
	b.Publish(1)
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker[int]("numbers", nil, nil)
	ch, unsub := b.Subscribe(1)
	b.Close()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel open after Close")
	}
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
}
