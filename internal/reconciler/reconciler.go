// Package reconciler drains the mutation queue against the remote API.
//
// A drain walks all pending queue entries in id order, one at a time, so
// mutations to the same entity replay in exactly the order they were made.
// Failures are contained per entry: a farm that won't sync never blocks an
// animal behind it in the queue.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/paddocklabs/paddock/internal/netmon"
	"github.com/paddocklabs/paddock/internal/remote"
	"github.com/paddocklabs/paddock/internal/schema"
	"github.com/paddocklabs/paddock/internal/store"
)

// ErrMalformedPayload marks a queue entry whose stored snapshot cannot be
// decoded. Retrying cannot fix it, so the drain parks the entry.
var ErrMalformedPayload = errors.New("malformed queue payload")

// RemoteClient is the slice of the remote API the reconciler needs.
type RemoteClient interface {
	Create(ctx context.Context, t schema.EntityType, payload []byte) (string, error)
	Update(ctx context.Context, t schema.EntityType, id string, payload []byte) error
	Delete(ctx context.Context, t schema.EntityType, id string) error
}

// Event describes one reconciler outcome, for the dashboard feed.
type Event struct {
	Kind    string            `json:"kind"` // entry_done, entry_dead, entry_retry, drain_complete
	Entity  schema.EntityType `json:"entity,omitempty"`
	Action  schema.Action     `json:"action,omitempty"`
	EntryID int64             `json:"entry_id,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Options controls a single drain invocation.
type Options struct {
	// Force skips the connectivity pre-check. The remote call itself is
	// still the final arbiter of whether the network works.
	Force bool
}

// dispatchKey routes a queue entry to its handler.
type dispatchKey struct {
	Entity schema.EntityType
	Action schema.Action
}

type handlerFunc func(ctx context.Context, entry schema.QueueEntry) error

// Reconciler applies queued mutations to the remote API and folds the
// results back into the entity cache.
type Reconciler struct {
	store    *store.Store
	client   RemoteClient
	monitor  netmon.Monitor
	logger   *log.Logger
	onEvent  func(Event)
	handlers map[dispatchKey]handlerFunc
}

// New builds a reconciler with its handler table resolved up front: every
// (entity type, action) pair in the registry gets a handler at construction,
// so an unhandled combination can only mean a corrupt queue row.
//
// onEvent may be nil. If logger is nil, a default stderr logger is used.
func New(st *store.Store, client RemoteClient, monitor netmon.Monitor, logger *log.Logger, onEvent func(Event)) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconciler] ", log.LstdFlags)
	}

	r := &Reconciler{
		store:    st,
		client:   client,
		monitor:  monitor,
		logger:   logger,
		onEvent:  onEvent,
		handlers: make(map[dispatchKey]handlerFunc),
	}

	for _, tbl := range schema.Tables() {
		t := tbl.Entity
		r.handlers[dispatchKey{t, schema.ActionCreate}] = func(ctx context.Context, entry schema.QueueEntry) error {
			return r.applyCreate(ctx, t, entry)
		}
		r.handlers[dispatchKey{t, schema.ActionUpdate}] = func(ctx context.Context, entry schema.QueueEntry) error {
			return r.applyUpdate(ctx, t, entry)
		}
		r.handlers[dispatchKey{t, schema.ActionDelete}] = func(ctx context.Context, entry schema.QueueEntry) error {
			return r.applyDelete(ctx, t, entry)
		}
	}

	return r
}

// Drain processes all currently pending queue entries in id order.
//
// One failing entry never aborts the drain; it stays pending (or is parked
// dead on a permanent remote rejection) and the loop moves on. Only a failure
// to read the queue itself ends the invocation early.
func (r *Reconciler) Drain(ctx context.Context, opts Options) error {
	if !opts.Force && !r.monitor.Status(ctx).Online() {
		r.logger.Printf("Skipping drain: network unreachable")
		return nil
	}

	entries, err := r.store.PendingEntries(ctx)
	if err != nil {
		// A store whose schema hasn't been created yet simply has no work.
		if strings.Contains(err.Error(), "no such table") {
			return nil
		}
		return fmt.Errorf("failed to load pending entries: %w", err)
	}

	var done, failed int
	for _, entry := range entries {
		// Re-check right before processing: an earlier drain interrupted by
		// the staleness guard may have completed this entry already.
		status, err := r.store.EntryStatus(ctx, entry.ID)
		if err != nil {
			if !errors.Is(err, store.ErrEntryNotFound) {
				r.logger.Printf("Error re-checking entry %d: %v", entry.ID, err)
			}
			continue
		}
		if status != schema.StatusPending {
			continue
		}

		if err := r.processEntry(ctx, entry); err != nil {
			failed++
			if remote.IsPermanent(err) || errors.Is(err, ErrMalformedPayload) {
				r.logger.Printf("Entry %d (%s %s) permanently rejected, parking: %v",
					entry.ID, entry.Action, entry.Entity, err)
				if derr := r.store.MarkEntryDead(ctx, entry.ID); derr != nil {
					r.logger.Printf("Error parking entry %d: %v", entry.ID, derr)
				}
				r.emit(Event{Kind: "entry_dead", Entity: entry.Entity, Action: entry.Action,
					EntryID: entry.ID, Error: err.Error()})
				continue
			}

			// Transient: leave pending, the next trigger retries.
			r.logger.Printf("Entry %d (%s %s) failed, will retry: %v",
				entry.ID, entry.Action, entry.Entity, err)
			r.emit(Event{Kind: "entry_retry", Entity: entry.Entity, Action: entry.Action,
				EntryID: entry.ID, Error: err.Error()})
			continue
		}

		done++
		if err := r.store.MarkEntryDone(ctx, entry.ID); err != nil {
			r.logger.Printf("Error marking entry %d done: %v", entry.ID, err)
		}
		r.emit(Event{Kind: "entry_done", Entity: entry.Entity, Action: entry.Action, EntryID: entry.ID})
	}

	if len(entries) > 0 {
		r.logger.Printf("Drain complete: %d done, %d deferred of %d", done, failed, len(entries))
	}
	r.emit(Event{Kind: "drain_complete"})
	return nil
}

// processEntry dispatches one queue entry to its handler. An error return
// means the remote effect did not happen; local write-back problems after a
// confirmed remote effect are absorbed inside the handlers.
func (r *Reconciler) processEntry(ctx context.Context, entry schema.QueueEntry) error {
	h, ok := r.handlers[dispatchKey{entry.Entity, entry.Action}]
	if !ok {
		return fmt.Errorf("no handler for %s %s", entry.Action, entry.Entity)
	}
	return h(ctx, entry)
}

// applyCreate replays an offline create. On success the temp-id row is
// remapped to the canonical id, unless a pull already landed the canonical
// row, in which case the temp row is simply dropped.
func (r *Reconciler) applyCreate(ctx context.Context, t schema.EntityType, entry schema.QueueEntry) error {
	e, err := schema.DecodePayload(t, entry.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	canonicalID, err := r.client.Create(ctx, t, entry.Payload)
	if err != nil {
		return err
	}

	tempID := e.TempID()
	if tempID == "" {
		tempID = e.EntityID()
	}

	// From here the remote create has happened. Local write-back failures
	// must not fail the entry: retrying would duplicate the entity on the
	// server, and the next pull repairs the cache anyway.
	if _, err := r.store.GetEntity(ctx, t, canonicalID); err == nil {
		if err := r.store.DeleteByTempID(ctx, t, tempID); err != nil {
			r.logger.Printf("Local cleanup failed after remote create of %s %s: %v", t, canonicalID, err)
		}
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		r.logger.Printf("Local lookup failed after remote create of %s %s: %v", t, canonicalID, err)
		return nil
	}

	if err := r.store.RemapEntityID(ctx, t, tempID, canonicalID); err != nil {
		r.logger.Printf("Local remap failed after remote create of %s %s: %v", t, canonicalID, err)
	}
	return nil
}

// applyUpdate replays an offline update keyed by the entity's current id.
func (r *Reconciler) applyUpdate(ctx context.Context, t schema.EntityType, entry schema.QueueEntry) error {
	e, err := schema.DecodePayload(t, entry.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if err := r.client.Update(ctx, t, e.EntityID(), entry.Payload); err != nil {
		return err
	}

	if err := r.store.MarkEntitySynced(ctx, t, e.EntityID()); err != nil {
		// Remote effect happened; accept the transient local inconsistency.
		r.logger.Printf("Local write-back failed after remote update of %s %s: %v", t, e.EntityID(), err)
	}
	return nil
}

// applyDelete replays an offline delete. The cache row was already removed
// at enqueue time; only the remote side needs confirming.
func (r *Reconciler) applyDelete(ctx context.Context, t schema.EntityType, entry schema.QueueEntry) error {
	e, err := schema.DecodePayload(t, entry.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return r.client.Delete(ctx, t, e.EntityID())
}

func (r *Reconciler) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}
