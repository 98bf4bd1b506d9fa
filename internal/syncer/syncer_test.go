package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/saviobatista/fleetsync/internal/clock"
	"github.com/saviobatista/fleetsync/internal/testutils"
	"github.com/saviobatista/fleetsync/internal/types"
)

// memStore is an in-memory Store
type memStore struct {
	mu        sync.Mutex
	items     map[string]types.QueueItem
	deleteErr error
	attempts  map[string]int
}

func newMemStore(n int) *memStore {
	s := &memStore{items: make(map[string]types.QueueItem), attempts: make(map[string]int)}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := types.QueueItemID("s1", base.Add(time.Duration(i)*time.Second))
		s.items[id] = types.QueueItem{ID: id, SessionID: "s1", Status: types.QueuePending}
	}
	return s
}

func (s *memStore) PeekBatch(_ context.Context, limit int) ([]types.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]types.QueueItem, len(ids))
	for i, id := range ids {
		out[i] = s.items[id]
	}
	return out, nil
}

func (s *memStore) DeleteByIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	for _, id := range ids {
		delete(s.items, id)
	}
	return nil
}

func (s *memStore) RecordAttempt(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.attempts[id]++
	}
	return nil
}

func (s *memStore) CountPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// recordingUploader keeps every id it accepted, keyed like an idempotent
// remote
type recordingUploader struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	received map[string]int
	block    chan struct{}
	called   chan struct{}
}

func newUploader() *recordingUploader {
	return &recordingUploader{received: make(map[string]int), called: make(chan struct{}, 100)}
}

func (u *recordingUploader) Upload(_ context.Context, items []types.QueueItem) error {
	u.mu.Lock()
	u.calls++
	fail, block := u.fail, u.block
	u.mu.Unlock()

	u.called <- struct{}{}
	if block != nil {
		<-block
	}
	if fail {
		return errors.New("remote unavailable")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, item := range items {
		u.received[item.ID]++
	}
	return nil
}

func (u *recordingUploader) setFail(fail bool) {
	u.mu.Lock()
	u.fail = fail
	u.mu.Unlock()
}

func (u *recordingUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func testConfig() Config {
	return Config{
		Interval:        time.Minute,
		BatchSize:       50,
		BackoffFloor:    5 * time.Second,
		BackoffCeiling:  5 * time.Minute,
		MaxDrainBatches: 100,
	}
}

func TestTriggerSync_DrainsToEmpty(t *testing.T) {
	store := newMemStore(120)
	up := newUploader()
	var syncedBatches int
	e := New(store, up, NewStatusFlag(true), testConfig(),
		WithClock(clock.Fake(time.Unix(0, 0))),
		OnSynced(func(time.Time, int) { syncedBatches++ }),
	)

	res := e.TriggerSync(context.Background())
	if res.Err != nil {
		t.Fatalf("TriggerSync() error: %v", res.Err)
	}
	if res.Uploaded != 120 || res.Batches != 3 {
		t.Errorf("uploaded %d in %d batches, want 120 in 3", res.Uploaded, res.Batches)
	}
	if n, _ := store.CountPending(context.Background()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if len(up.received) != 120 {
		t.Errorf("remote has %d items, want 120", len(up.received))
	}
	if syncedBatches != 3 {
		t.Errorf("OnSynced called %d times, want 3", syncedBatches)
	}
}

func TestTriggerSync_Offline(t *testing.T) {
	store := newMemStore(3)
	up := newUploader()
	e := New(store, up, NewStatusFlag(false), testConfig(), WithClock(clock.Fake(time.Unix(0, 0))))

	res := e.TriggerSync(context.Background())
	if res.Skipped != SkipOffline {
		t.Errorf("Skipped = %q, want %q", res.Skipped, SkipOffline)
	}
	if up.callCount() != 0 {
		t.Error("uploader called while offline")
	}
}

func TestTriggerSync_InFlightCollapses(t *testing.T) {
	store := newMemStore(3)
	up := newUploader()
	up.block = make(chan struct{})
	e := New(store, up, NewStatusFlag(true), testConfig(), WithClock(clock.Fake(time.Unix(0, 0))))

	done := make(chan Result)
	go func() { done <- e.TriggerSync(context.Background()) }()
	<-up.called

	if res := e.TriggerSync(context.Background()); res.Skipped != SkipInFlight {
		t.Errorf("second TriggerSync Skipped = %q, want %q", res.Skipped, SkipInFlight)
	}
	if res := e.SyncNow(context.Background()); res.Skipped != SkipInFlight {
		t.Errorf("SyncNow Skipped = %q, want %q", res.Skipped, SkipInFlight)
	}

	close(up.block)
	res := <-done
	if res.Uploaded != 3 {
		t.Errorf("uploaded = %d, want 3", res.Uploaded)
	}
	if up.callCount() != 1 {
		t.Errorf("uploader called %d times, want 1", up.callCount())
	}
}

func TestTriggerSync_BackoffSequence(t *testing.T) {
	store := newMemStore(4)
	up := newUploader()
	up.setFail(true)
	fake := clock.Fake(time.Unix(0, 0))
	cfg := testConfig()
	e := New(store, up, NewStatusFlag(true), cfg, WithClock(fake))

	res := e.TriggerSync(context.Background())
	if res.Err == nil {
		t.Fatal("expected upload failure")
	}
	if res.NextRetry != cfg.BackoffFloor {
		t.Fatalf("first retry delay = %v, want %v", res.NextRetry, cfg.BackoffFloor)
	}

	// Nth retry delay = min(floor * 2^(N-1), ceiling)
	for n := 1; n <= 9; n++ {
		want := min(cfg.BackoffFloor*time.Duration(1<<(n-1)), cfg.BackoffCeiling)
		before := up.callCount()

		fake.Advance(want - time.Millisecond)
		if up.callCount() != before {
			t.Fatalf("retry %d fired before %v", n, want)
		}
		fake.Advance(time.Millisecond)
		if up.callCount() != before+1 {
			t.Fatalf("retry %d did not fire after %v", n, want)
		}
	}

	if n, _ := store.CountPending(context.Background()); n != 4 {
		t.Errorf("pending = %d, want 4 (no partial deletion)", n)
	}
	for id, n := range store.attempts {
		if n != 10 {
			t.Errorf("item %s attempts = %d, want 10", id, n)
		}
	}

	// A success resets the delay to the floor
	up.setFail(false)
	fake.Advance(cfg.BackoffCeiling)
	st := e.Status(context.Background())
	if st.Backoff != cfg.BackoffFloor {
		t.Errorf("backoff after success = %v, want %v", st.Backoff, cfg.BackoffFloor)
	}
	if st.Pending != 0 || st.ConsecutiveFailures != 0 || st.RetryScheduled {
		t.Errorf("unexpected status after recovery: %+v", st)
	}
}

func TestSyncNow_CancelsPendingRetry(t *testing.T) {
	store := newMemStore(2)
	up := newUploader()
	up.setFail(true)
	fake := clock.Fake(time.Unix(0, 0))
	e := New(store, up, NewStatusFlag(true), testConfig(), WithClock(fake))

	e.TriggerSync(context.Background())
	if fake.Pending() != 1 {
		t.Fatalf("expected one scheduled retry, got %d", fake.Pending())
	}

	up.setFail(false)
	res := e.SyncNow(context.Background())
	if res.Uploaded != 2 {
		t.Fatalf("SyncNow uploaded %d, want 2", res.Uploaded)
	}
	if fake.Pending() != 0 {
		t.Errorf("retry timer still pending after SyncNow")
	}

	calls := up.callCount()
	fake.Advance(time.Hour)
	if up.callCount() != calls {
		t.Error("cancelled retry still ran")
	}
}

func TestTriggerSync_DeleteFailureReuploadsIdempotently(t *testing.T) {
	store := newMemStore(3)
	store.deleteErr = errors.New("disk full")
	up := newUploader()
	fake := clock.Fake(time.Unix(0, 0))
	e := New(store, up, NewStatusFlag(true), testConfig(), WithClock(fake))

	res := e.TriggerSync(context.Background())
	if res.Err == nil {
		t.Fatal("expected delete failure to be reported")
	}
	if n, _ := store.CountPending(context.Background()); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}

	store.mu.Lock()
	store.deleteErr = nil
	store.mu.Unlock()
	fake.Advance(5 * time.Second)

	if n, _ := store.CountPending(context.Background()); n != 0 {
		t.Errorf("pending = %d after retry, want 0", n)
	}
	// Replayed batch lands on the same keys
	if len(up.received) != 3 {
		t.Errorf("remote has %d distinct items, want 3", len(up.received))
	}
	for id, n := range up.received {
		if n != 2 {
			t.Errorf("item %s uploaded %d times, want 2", id, n)
		}
	}
}

func TestTriggerSync_DrainCap(t *testing.T) {
	store := newMemStore(30)
	up := newUploader()
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.MaxDrainBatches = 2
	e := New(store, up, NewStatusFlag(true), cfg, WithClock(clock.Fake(time.Unix(0, 0))))

	res := e.TriggerSync(context.Background())
	if !res.More {
		t.Error("expected More when drain cap is hit")
	}
	if res.Uploaded != 20 {
		t.Errorf("uploaded = %d, want 20", res.Uploaded)
	}
	if n, _ := store.CountPending(context.Background()); n != 10 {
		t.Errorf("pending = %d, want 10", n)
	}
}

func TestStart_KickRunsSync(t *testing.T) {
	store := newMemStore(5)
	up := newUploader()
	synced := make(chan int, 10)
	e := New(store, up, NewStatusFlag(true), testConfig(),
		WithClock(clock.Fake(time.Unix(0, 0))),
		OnSynced(func(_ time.Time, n int) { synced <- n }),
	)

	e.Start(context.Background())
	defer e.Stop()

	e.Kick()
	e.Kick() // collapses into the first

	select {
	case n := <-synced:
		if n != 5 {
			t.Errorf("synced %d items, want 5", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not trigger a sync")
	}
}

func TestStart_TickerRunsSync(t *testing.T) {
	store := newMemStore(1)
	up := newUploader()
	fake := clock.Fake(time.Unix(0, 0))
	e := New(store, up, NewStatusFlag(true), testConfig(), WithClock(fake))

	e.Start(context.Background())
	defer e.Stop()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)

	select {
	case <-up.called:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not trigger a sync")
	}
}

func TestStart_KickWaitsForScheduledRetry(t *testing.T) {
	store := newMemStore(3)
	up := newUploader()
	up.setFail(true)
	fake := clock.Fake(time.Unix(0, 0))
	e := New(store, up, NewStatusFlag(true), testConfig(), WithClock(fake))

	e.Start(context.Background())
	defer e.Stop()

	e.Kick()
	select {
	case <-up.called:
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not trigger a sync")
	}
	fake.WaitForTimers(2) // ticker and retry

	// Packets keep arriving while the remote is down
	for i := 0; i < 4; i++ {
		fake.Advance(time.Second)
		e.Kick()
		time.Sleep(20 * time.Millisecond)
	}

	if n := up.callCount(); n != 1 {
		t.Errorf("uploads = %d, want 1 while the retry is pending", n)
	}
	if st := e.Status(context.Background()); st.Backoff != 10*time.Second || !st.RetryScheduled {
		t.Errorf("status = %+v, want 10s backoff with a retry scheduled", st)
	}

	// The retry itself fires on schedule and succeeds
	up.setFail(false)
	fake.Advance(time.Second)
	select {
	case <-up.called:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled retry did not run")
	}
	drained := func() bool { n, _ := store.CountPending(context.Background()); return n == 0 }
	if err := testutils.WaitForCondition(drained, 2*time.Second); err != nil {
		t.Fatalf("queue not drained after retry: %v", err)
	}

	if st := e.Status(context.Background()); st.RetryScheduled || st.Backoff != 5*time.Second {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(newMemStore(0), newUploader(), NewStatusFlag(true), Config{})
	if e.cfg != DefaultConfig() {
		t.Errorf("config = %+v, want defaults %+v", e.cfg, DefaultConfig())
	}
}

func TestStatusFlag(t *testing.T) {
	f := NewStatusFlag(false)
	if f.Online() {
		t.Error("expected offline")
	}
	if !f.Set(true) {
		t.Error("Set(true) should report a change")
	}
	if f.Set(true) {
		t.Error("Set(true) twice should not report a change")
	}
	if !f.Online() {
		t.Error("expected online")
	}
}

func ExampleEngine_TriggerSync() {
	e := New(newMemStore(7), newUploader(), NewStatusFlag(true), Config{BatchSize: 5},
		WithClock(clock.Fake(time.Unix(0, 0))))
	res := e.TriggerSync(context.Background())
	fmt.Println(res.Uploaded, res.Batches)
	// Output: 7 2
}
