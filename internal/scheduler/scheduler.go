// Package scheduler decides when the reconciler drains the mutation queue
// and guarantees at most one drain runs at a time.
//
// Triggers:
//  1. an initial attempt shortly after Start, giving the local store time to
//     finish initializing
//  2. a fixed heartbeat that fires regardless of reported connectivity
//  3. the connectivity monitor's "connected" event, followed by two delayed
//     attempts to absorb networks that report up before they are usable
//  4. immediately after every enqueue, best-effort
//
// The single-flight flag has a staleness ceiling: a drain stuck longer than
// the ceiling is presumed crashed and its flag is forcibly cleared. That
// trades a small double-execution risk (defused by the reconciler's
// per-entry status re-check) for never deadlocking sync permanently.
package scheduler

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paddocklabs/paddock/internal/netmon"
	"github.com/paddocklabs/paddock/internal/reconciler"
	"github.com/paddocklabs/paddock/internal/schema"
	"github.com/paddocklabs/paddock/internal/store"
)

// Drainer is the reconciler operation the scheduler triggers.
type Drainer interface {
	Drain(ctx context.Context, opts reconciler.Options) error
}

// Config holds scheduler timing knobs.
type Config struct {
	// InitialDelay before the first drain attempt after Start.
	InitialDelay time.Duration

	// HeartbeatInterval between unconditional drain attempts.
	HeartbeatInterval time.Duration

	// ReconnectFollowUps are delays for extra attempts after a connected
	// event (the event itself triggers an immediate attempt).
	ReconnectFollowUps []time.Duration

	// StalenessCeiling is how long a drain may be in flight before the
	// single-flight flag is presumed stuck and reclaimed.
	StalenessCeiling time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger
}

// DefaultConfig returns the production timings.
func DefaultConfig() *Config {
	return &Config{
		InitialDelay:       2 * time.Second,
		HeartbeatInterval:  15 * time.Second,
		ReconnectFollowUps: []time.Duration{3 * time.Second, 8 * time.Second},
		StalenessCeiling:   30 * time.Second,
		Logger:             log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Stats is a snapshot of scheduler state for the status surfaces.
type Stats struct {
	Draining       bool      `json:"draining"`
	DrainsStarted  int64     `json:"drains_started"`
	DrainsRejected int64     `json:"drains_rejected"`
	LastDrainStart time.Time `json:"last_drain_start,omitempty"`
	LastDrainEnd   time.Time `json:"last_drain_end,omitempty"`
}

// Scheduler owns the enqueue API, the drain triggers, and the single-flight
// flag. Construct once at startup, Start once, Stop at shutdown.
type Scheduler struct {
	store   *store.Store
	drainer Drainer
	monitor netmon.Monitor
	config  *Config
	logger  *log.Logger

	// single-flight state
	mu         sync.Mutex
	draining   bool
	drainGen   int64
	drainStart time.Time
	stats      Stats

	// lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	unsub     func()
	timersMu  sync.Mutex
	followUps []*time.Timer
}

// New creates a scheduler. A nil config gets DefaultConfig.
func New(st *store.Store, drainer Drainer, monitor netmon.Monitor, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   st,
		drainer: drainer,
		monitor: monitor,
		config:  config,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the trigger timers and the connectivity subscription.
// It returns immediately; Stop tears everything down.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Printf("Starting sync scheduler (heartbeat %s)", s.config.HeartbeatInterval)

	s.unsub = s.monitor.Subscribe(s.onConnected)

	s.wg.Add(1)
	go s.run()
}

// Stop cancels all pending timers and waits for the trigger loop to exit.
// An in-flight drain is not aborted; its result is simply no longer acted on.
func (s *Scheduler) Stop() {
	s.cancel()

	if s.unsub != nil {
		s.unsub()
	}

	s.timersMu.Lock()
	for _, t := range s.followUps {
		t.Stop()
	}
	s.followUps = nil
	s.timersMu.Unlock()

	s.wg.Wait()
	s.logger.Printf("Sync scheduler stopped")
}

// run owns the initial-delay and heartbeat triggers.
func (s *Scheduler) run() {
	defer s.wg.Done()

	initial := time.NewTimer(s.config.InitialDelay)
	defer initial.Stop()

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-initial.C:
			s.RequestDrain(false)

		case <-heartbeat.C:
			// Connectivity-blind: some platforms misreport reachability,
			// so the heartbeat always tries and lets the network answer.
			s.RequestDrain(true)
		}
	}
}

// onConnected handles the monitor's connected event: one immediate attempt
// plus the configured delayed follow-ups.
func (s *Scheduler) onConnected() {
	s.logger.Printf("Connectivity restored, draining queue")
	s.RequestDrain(false)

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for _, d := range s.config.ReconnectFollowUps {
		t := time.AfterFunc(d, func() {
			s.RequestDrain(false)
		})
		s.followUps = append(s.followUps, t)
	}
}

// RequestDrain attempts to start a drain. It returns false without side
// effects when a drain is already in flight (single-flight), unless that
// drain has exceeded the staleness ceiling, in which case its flag is
// reclaimed and a new drain starts.
//
// force propagates to the reconciler, skipping its connectivity pre-check.
func (s *Scheduler) RequestDrain(force bool) bool {
	gen, ok := s.beginDrain()
	if !ok {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.endDrain(gen)

		if err := s.drainer.Drain(s.ctx, reconciler.Options{Force: force}); err != nil {
			s.logger.Printf("Drain failed: %v", err)
		}
	}()
	return true
}

// beginDrain takes the single-flight flag, applying the staleness guard.
func (s *Scheduler) beginDrain() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		if time.Since(s.drainStart) <= s.config.StalenessCeiling {
			s.stats.DrainsRejected++
			return 0, false
		}
		// The in-flight drain is presumed stuck or crashed. Reclaiming the
		// flag risks one overlapping execution, which the reconciler's
		// per-entry re-check absorbs; leaving it set would stop sync forever.
		s.logger.Printf("Drain in flight for %s, reclaiming stale single-flight flag",
			time.Since(s.drainStart).Round(time.Second))
	}

	s.draining = true
	s.drainGen++
	s.drainStart = time.Now()
	s.stats.Draining = true
	s.stats.DrainsStarted++
	s.stats.LastDrainStart = s.drainStart
	return s.drainGen, true
}

// endDrain releases the flag, unless the staleness guard already handed it
// to a newer drain.
func (s *Scheduler) endDrain(gen int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drainGen != gen {
		return
	}
	s.draining = false
	s.stats.Draining = false
	s.stats.LastDrainEnd = time.Now()
}

// Snapshot returns current scheduler stats.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// EnqueueCreate records a create intent. If the entity has no id yet, a
// client temp id is assigned; the returned id is what local reads will show
// until the reconciler remaps it to the server canonical id.
// Callable offline: the drain attempt afterwards is best-effort.
func (s *Scheduler) EnqueueCreate(ctx context.Context, e schema.Entity) (string, error) {
	if e.EntityID() == "" {
		tempID := "tmp-" + uuid.NewString()
		e.SetEntityID(tempID)
		e.SetTempID(tempID)
	} else if e.TempID() == "" {
		e.SetTempID(e.EntityID())
	}

	if _, err := s.store.Enqueue(ctx, schema.ActionCreate, e); err != nil {
		return "", err
	}

	s.RequestDrain(false)
	return e.EntityID(), nil
}

// EnqueueUpdate records an update intent for an existing entity.
func (s *Scheduler) EnqueueUpdate(ctx context.Context, e schema.Entity) error {
	if _, err := s.store.Enqueue(ctx, schema.ActionUpdate, e); err != nil {
		return err
	}
	s.RequestDrain(false)
	return nil
}

// EnqueueDelete records a delete intent. The cache row disappears from local
// reads immediately; the remote delete is confirmed by a later drain.
func (s *Scheduler) EnqueueDelete(ctx context.Context, t schema.EntityType, id string) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return &UnknownEntityError{Type: t}
	}

	e := tbl.New()
	e.SetEntityID(id)

	if _, err := s.store.Enqueue(ctx, schema.ActionDelete, e); err != nil {
		return err
	}
	s.RequestDrain(false)
	return nil
}

// UnknownEntityError reports an enqueue against an unregistered entity type.
type UnknownEntityError struct {
	Type schema.EntityType
}

func (e *UnknownEntityError) Error() string {
	return "unknown entity type \"" + string(e.Type) + "\""
}
