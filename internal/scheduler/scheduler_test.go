package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paddocklabs/paddock/internal/netmon"
	"github.com/paddocklabs/paddock/internal/reconciler"
	"github.com/paddocklabs/paddock/internal/schema"
	"github.com/paddocklabs/paddock/internal/store"
)

// blockingDrainer counts drain invocations and holds each one until released.
type blockingDrainer struct {
	started atomic.Int64
	release chan struct{}
}

func newBlockingDrainer() *blockingDrainer {
	return &blockingDrainer{release: make(chan struct{})}
}

func (d *blockingDrainer) Drain(ctx context.Context, _ reconciler.Options) error {
	d.started.Add(1)
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return nil
}

// countingDrainer completes immediately.
type countingDrainer struct {
	count atomic.Int64
}

func (d *countingDrainer) Drain(context.Context, reconciler.Options) error {
	d.count.Add(1)
	return nil
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func testConfig() *Config {
	return &Config{
		InitialDelay:       time.Hour, // keep background triggers out of the way
		HeartbeatInterval:  time.Hour,
		ReconnectFollowUps: nil,
		StalenessCeiling:   30 * time.Second,
		Logger:             log.New(os.Stderr, "[test] ", 0),
	}
}

func TestSingleFlightRejectsConcurrentDrain(t *testing.T) {
	st := setupTestStore(t)
	drainer := newBlockingDrainer()
	monitor := netmon.NewStaticMonitor(netmon.StatusReachable)
	sched := New(st, drainer, monitor, testConfig())

	if !sched.RequestDrain(false) {
		t.Fatal("first RequestDrain should start a drain")
	}

	// Wait for the drain goroutine to be in flight
	deadline := time.Now().Add(2 * time.Second)
	for drainer.started.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if drainer.started.Load() != 1 {
		t.Fatalf("expected 1 drain in flight, got %d", drainer.started.Load())
	}

	for i := 0; i < 5; i++ {
		if sched.RequestDrain(false) {
			t.Fatal("concurrent RequestDrain should be rejected while a drain runs")
		}
	}

	stats := sched.Snapshot()
	if stats.DrainsStarted != 1 || stats.DrainsRejected != 5 {
		t.Errorf("stats = started %d rejected %d, want 1/5", stats.DrainsStarted, stats.DrainsRejected)
	}

	close(drainer.release)
	sched.Stop()

	// After release a new request starts a fresh drain again
	done := &countingDrainer{}
	sched2 := New(st, done, monitor, testConfig())
	if !sched2.RequestDrain(false) {
		t.Error("RequestDrain should succeed with no drain in flight")
	}
	sched2.Stop()
}

func TestStalenessGuardReclaimsStuckDrain(t *testing.T) {
	st := setupTestStore(t)
	drainer := newBlockingDrainer()
	monitor := netmon.NewStaticMonitor(netmon.StatusReachable)

	cfg := testConfig()
	cfg.StalenessCeiling = 20 * time.Millisecond
	sched := New(st, drainer, monitor, cfg)

	if !sched.RequestDrain(false) {
		t.Fatal("first RequestDrain should start")
	}
	time.Sleep(50 * time.Millisecond) // exceed the ceiling

	if !sched.RequestDrain(false) {
		t.Error("RequestDrain should reclaim the stale flag and start")
	}

	// The stuck drain finishing later must not clear the new drain's flag.
	close(drainer.release)
	time.Sleep(20 * time.Millisecond)

	stats := sched.Snapshot()
	if stats.DrainsStarted != 2 {
		t.Errorf("expected 2 drains started, got %d", stats.DrainsStarted)
	}

	sched.Stop()
}

func TestConnectedEventTriggersDrain(t *testing.T) {
	st := setupTestStore(t)
	drainer := &countingDrainer{}
	monitor := netmon.NewStaticMonitor(netmon.StatusUnreachable)

	sched := New(st, drainer, monitor, testConfig())
	sched.Start()
	defer sched.Stop()

	monitor.Set(netmon.StatusReachable)

	deadline := time.Now().Add(2 * time.Second)
	for drainer.count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if drainer.count.Load() == 0 {
		t.Error("connected event did not trigger a drain")
	}
}

func TestHeartbeatDrainIsForced(t *testing.T) {
	st := setupTestStore(t)
	monitor := netmon.NewStaticMonitor(netmon.StatusUnreachable)

	var mu sync.Mutex
	var forced []bool
	drainer := &recordingDrainer{onDrain: func(opts reconciler.Options) {
		mu.Lock()
		forced = append(forced, opts.Force)
		mu.Unlock()
	}}

	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	sched := New(st, drainer, monitor, cfg)
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(forced)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(forced) == 0 {
		t.Fatal("heartbeat never fired")
	}
	for _, f := range forced {
		if !f {
			t.Error("heartbeat drain should force past the connectivity pre-check")
		}
	}
}

type recordingDrainer struct {
	onDrain func(reconciler.Options)
}

func (d *recordingDrainer) Drain(_ context.Context, opts reconciler.Options) error {
	d.onDrain(opts)
	return nil
}

func TestEnqueueCreateAssignsTempID(t *testing.T) {
	st := setupTestStore(t)
	drainer := &countingDrainer{}
	monitor := netmon.NewStaticMonitor(netmon.StatusUnreachable)
	sched := New(st, drainer, monitor, testConfig())
	ctx := context.Background()

	localID, err := sched.EnqueueCreate(ctx, &schema.Farm{Name: "Bessie Acres"})
	if err != nil {
		t.Fatalf("EnqueueCreate failed: %v", err)
	}
	if !strings.HasPrefix(localID, "tmp-") {
		t.Errorf("expected a tmp- prefixed local id, got %q", localID)
	}

	e, err := st.GetEntity(ctx, schema.EntityFarm, localID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.TempID() != localID {
		t.Errorf("temp id = %q, want %q", e.TempID(), localID)
	}
	if e.State() != schema.StatePending {
		t.Errorf("state = %s, want pending", e.State())
	}

	sched.Stop()
}

func TestEnqueueCreateKeepsCallerID(t *testing.T) {
	st := setupTestStore(t)
	drainer := &countingDrainer{}
	monitor := netmon.NewStaticMonitor(netmon.StatusUnreachable)
	sched := New(st, drainer, monitor, testConfig())

	f := &schema.Farm{Name: "Named Farm"}
	f.SetEntityID("tmp-caller-chosen")
	localID, err := sched.EnqueueCreate(context.Background(), f)
	if err != nil {
		t.Fatalf("EnqueueCreate failed: %v", err)
	}
	if localID != "tmp-caller-chosen" {
		t.Errorf("local id = %q, want caller's id", localID)
	}
	if f.TempID() != "tmp-caller-chosen" {
		t.Errorf("temp id = %q, want caller's id", f.TempID())
	}

	sched.Stop()
}

func TestEnqueueDeleteUnknownType(t *testing.T) {
	st := setupTestStore(t)
	sched := New(st, &countingDrainer{}, netmon.NewStaticMonitor(netmon.StatusUnreachable), testConfig())

	err := sched.EnqueueDelete(context.Background(), schema.EntityType("tractors"), "x")
	if err == nil {
		t.Fatal("expected error for unknown entity type")
	}
	var ue *UnknownEntityError
	if !errors.As(err, &ue) {
		t.Errorf("expected UnknownEntityError, got %T", err)
	}

	sched.Stop()
}
