// Package puller periodically fetches authoritative entity lists from the
// remote API and merges them into the local cache.
//
// The merge never clobbers local work: rows with pending edits are skipped
// entirely until the reconciler confirms them, and only previously synced
// rows can be deleted when the server stops returning them.
package puller

import (
	"context"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/paddocklabs/paddock/internal/netmon"
	"github.com/paddocklabs/paddock/internal/schema"
	"github.com/paddocklabs/paddock/internal/store"
)

// Lister is the slice of the remote API the puller needs.
type Lister interface {
	List(ctx context.Context, t schema.EntityType, query url.Values) ([]schema.Entity, error)
}

// Event describes one pull outcome, for the dashboard feed.
type Event struct {
	Kind   string            `json:"kind"` // pull_complete, pull_failed
	Entity schema.EntityType `json:"entity"`
	Rows   int               `json:"rows,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Config holds puller settings.
type Config struct {
	// Interval between full pull passes over all entity types.
	Interval time.Duration

	// Query is appended to every list request (e.g. farmerId=...).
	Query url.Values

	// Logger for pull activity.
	Logger *log.Logger
}

// DefaultConfig returns the production pull cadence.
func DefaultConfig() *Config {
	return &Config{
		Interval: time.Minute,
		Logger:   log.New(os.Stderr, "[puller] ", log.LstdFlags),
	}
}

// Puller merges remote truth into the entity cache. Each entity type has its
// own single-flight flag: two pulls of the same type never overlap, while
// pulls of different types (and drains) may.
type Puller struct {
	store   *store.Store
	client  Lister
	monitor netmon.Monitor
	config  *Config
	logger  *log.Logger
	onEvent func(Event)

	mu       sync.Mutex
	inFlight map[schema.EntityType]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a puller. A nil config gets DefaultConfig; onEvent may be nil.
func New(st *store.Store, client Lister, monitor netmon.Monitor, config *Config, onEvent func(Event)) *Puller {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[puller] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Puller{
		store:    st,
		client:   client,
		monitor:  monitor,
		config:   config,
		logger:   config.Logger,
		onEvent:  onEvent,
		inFlight: make(map[schema.EntityType]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the periodic pull loop. Returns immediately.
func (p *Puller) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

// Stop cancels the loop and waits for it to exit.
func (p *Puller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Puller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PullAll(p.ctx)
		}
	}
}

// PullAll runs one pull pass per registered entity type. Failures are
// per-type; one broken listing doesn't block the others.
func (p *Puller) PullAll(ctx context.Context) {
	if !p.monitor.Status(ctx).Online() {
		return
	}
	for _, tbl := range schema.Tables() {
		if err := p.Pull(ctx, tbl.Entity); err != nil {
			p.logger.Printf("Pull %s failed: %v", tbl.Entity, err)
		}
	}
}

// Pull fetches the authoritative list for one entity type and merges it.
// A pull already in flight for the same type makes this a no-op.
func (p *Puller) Pull(ctx context.Context, t schema.EntityType) error {
	if !p.tryBegin(t) {
		return nil
	}
	defer p.end(t)

	remote, err := p.client.List(ctx, t, p.config.Query)
	if err != nil {
		p.emit(Event{Kind: "pull_failed", Entity: t, Error: err.Error()})
		return err
	}

	if err := p.store.MergePulled(ctx, t, remote); err != nil {
		p.emit(Event{Kind: "pull_failed", Entity: t, Error: err.Error()})
		return err
	}

	p.logger.Printf("Pulled %d %s rows", len(remote), t)
	p.emit(Event{Kind: "pull_complete", Entity: t, Rows: len(remote)})
	return nil
}

func (p *Puller) tryBegin(t schema.EntityType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[t] {
		return false
	}
	p.inFlight[t] = true
	return true
}

func (p *Puller) end(t schema.EntityType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, t)
}

func (p *Puller) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}
