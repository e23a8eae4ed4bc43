// Package repository is the top-level lifecycle manager for imposters
// backed by a shared store. It persists imposter configurations,
// keeps the per-process table of non-persistable behavior (the stop
// callback a protocol server hands over when an imposter starts), and
// reacts to change notifications from other processes by tearing down
// and rebuilding the affected imposter.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/getmockd/imposters/pkg/imposter"
	"github.com/getmockd/imposters/pkg/kv"
	"github.com/getmockd/imposters/pkg/storage"
	"github.com/getmockd/imposters/pkg/stubs"
)

// Controls holds the per-imposter callbacks that cannot be serialized
// into the shared store. They live only in the process that created
// or loaded the imposter and are rehydrated onto results of Get.
type Controls struct {
	// Stop shuts down the running protocol server for this imposter.
	Stop func(ctx context.Context) error
}

// Protocol rebuilds a live imposter from its persisted configuration.
// Implementations are supplied by the protocol layer.
type Protocol interface {
	CreateImposterFrom(ctx context.Context, config *imposter.Imposter) (*Controls, error)
}

// Loaded is an imposter read back from the store with its stub
// projection attached and its in-process controls rehydrated.
type Loaded struct {
	Imposter *imposter.Imposter
	Stubs    []stubs.StubView
	Controls *Controls
}

// Repository manages add/get/delete/list of imposters over a shared
// store. The in-memory controls table is a process-local cache of
// non-persistable capabilities, never the source of truth for entity
// data; entity reads always go to the store.
type Repository struct {
	store kv.Store
	st    *storage.Storage
	log   *slog.Logger

	mu        sync.Mutex
	controls  map[string]*Controls
	protocols map[string]Protocol
}

// New creates a Repository over the given store client.
func New(store kv.Store, logger *slog.Logger) *Repository {
	return &Repository{
		store:    store,
		st:       storage.New(store, logger),
		log:      logger.With("component", "repository"),
		controls: make(map[string]*Controls),
	}
}

// Storage exposes the underlying entity storage, mainly for the
// protocol layer's resolution path.
func (r *Repository) Storage() *storage.Storage { return r.st }

// StubsFor returns the stub list view for an imposter id.
func (r *Repository) StubsFor(imposterID string) *stubs.List {
	return stubs.NewList(r.st, imposterID, r.log)
}

// Connect establishes the store connection.
func (r *Repository) Connect(ctx context.Context) error {
	return r.store.Connect(ctx)
}

// Close unsubscribes from change notifications and closes the store
// connection. Tracked imposters are not stopped; callers that want a
// clean shutdown call DeleteAll or stop servers themselves.
func (r *Repository) Close() error {
	for _, ch := range []string{
		storage.ChannelImposterChange,
		storage.ChannelImposterDelete,
		storage.ChannelAllImpostersDelete,
	} {
		if err := r.st.Unsubscribe(ch); err != nil && !errors.Is(err, kv.ErrNotSubscribed) {
			r.log.Error("unsubscribe failed", "channel", ch, "error", err)
		}
	}
	return r.store.Close()
}

// Add persists the imposter's stubs and root record, then tracks its
// controls for later rehydration. The imposter's embedded stub
// sequence is replaced by the stripped definitions; responses live in
// their own collection.
func (r *Repository) Add(ctx context.Context, imp *imposter.Imposter, ctl *Controls) error {
	for i, stub := range imp.Stubs {
		saved, err := r.st.SaveStubMetaAndResponses(ctx, imp.ID(), stub)
		if err != nil {
			return fmt.Errorf("repository: add imposter %s: %w", imp.ID(), err)
		}
		imp.Stubs[i] = saved
	}
	if err := r.st.SaveImposter(ctx, imp); err != nil {
		return fmt.Errorf("repository: add imposter %s: %w", imp.ID(), err)
	}

	r.mu.Lock()
	r.controls[imp.ID()] = ctl
	r.mu.Unlock()
	return nil
}

// Get reads the imposter root record, attaches the stub projection
// and rehydrates this process's controls. Returns nil when absent.
func (r *Repository) Get(ctx context.Context, imposterID string) *Loaded {
	imp := r.st.GetImposter(ctx, imposterID)
	if imp == nil {
		return nil
	}
	r.mu.Lock()
	ctl := r.controls[imposterID]
	r.mu.Unlock()

	return &Loaded{
		Imposter: imp,
		Stubs:    r.StubsFor(imposterID).JSON(ctx, false),
		Controls: ctl,
	}
}

// All returns every imposter this process currently tracks in its
// controls table. This reflects the process's live imposters, not the
// global store content, unless a prior LoadAll populated the table.
func (r *Repository) All(ctx context.Context) []*Loaded {
	r.mu.Lock()
	ids := make([]string, 0, len(r.controls))
	for id := range r.controls {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	out := make([]*Loaded, 0, len(ids))
	for _, id := range ids {
		if loaded := r.Get(ctx, id); loaded != nil {
			out = append(out, loaded)
		}
	}
	return out
}

// Delete stops the imposter's tracked server, cascades deletion of
// its stored records, and returns the pre-delete view (nil when it
// did not exist).
func (r *Repository) Delete(ctx context.Context, imposterID string) (*Loaded, error) {
	loaded := r.Get(ctx, imposterID)
	r.teardown(ctx, imposterID)
	if err := r.st.DeleteImposter(ctx, imposterID); err != nil {
		return loaded, fmt.Errorf("repository: delete imposter %s: %w", imposterID, err)
	}
	return loaded, nil
}

// DeleteAll stops every tracked imposter and bulk-clears the store.
func (r *Repository) DeleteAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.controls))
	for id := range r.controls {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.teardown(ctx, id)
	}
	return r.st.DeleteAllImposters(ctx)
}

// LoadAll connects to the store, rebuilds every persisted imposter
// through the supplied protocol factories, and subscribes to change
// notifications so that other processes' mutations trigger local
// teardown and reconstruction.
func (r *Repository) LoadAll(ctx context.Context, protocols map[string]Protocol) error {
	if err := r.store.Connect(ctx); err != nil {
		return fmt.Errorf("repository: connect: %w", err)
	}
	r.mu.Lock()
	r.protocols = protocols
	r.mu.Unlock()

	for _, imp := range r.st.AllImposters(ctx) {
		r.rebuild(ctx, imp)
	}

	if err := r.st.Subscribe(storage.ChannelImposterChange, r.onImposterChange); err != nil {
		return fmt.Errorf("repository: subscribe: %w", err)
	}
	if err := r.st.Subscribe(storage.ChannelImposterDelete, r.onImposterDelete); err != nil {
		return fmt.Errorf("repository: subscribe: %w", err)
	}
	if err := r.st.Subscribe(storage.ChannelAllImpostersDelete, r.onAllImpostersDelete); err != nil {
		return fmt.Errorf("repository: subscribe: %w", err)
	}
	return nil
}

// onImposterChange handles a change published by another process:
// tear down the local instance and rebuild it from current store
// state. Rebuild-from-scratch keeps the state machine simple; loaded
// imposters are never patched in place.
func (r *Repository) onImposterChange(ev storage.ChangeEvent) {
	ctx := context.Background()
	r.teardown(ctx, ev.ID)
	imp := r.st.GetImposter(ctx, ev.ID)
	if imp == nil {
		r.log.Warn("changed imposter no longer in store", "imposterId", ev.ID)
		return
	}
	r.rebuild(ctx, imp)
}

func (r *Repository) onImposterDelete(ev storage.ChangeEvent) {
	r.teardown(context.Background(), ev.ID)
}

func (r *Repository) onAllImpostersDelete(storage.ChangeEvent) {
	ctx := context.Background()
	r.mu.Lock()
	ids := make([]string, 0, len(r.controls))
	for id := range r.controls {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.teardown(ctx, id)
	}
}

// rebuild reconstructs a live imposter from its persisted config via
// the registered protocol factory and tracks the resulting controls.
func (r *Repository) rebuild(ctx context.Context, imp *imposter.Imposter) {
	r.mu.Lock()
	proto, ok := r.protocols[imp.Protocol]
	r.mu.Unlock()
	if !ok {
		r.log.Warn("no factory for protocol, skipping imposter",
			"protocol", imp.Protocol, "imposterId", imp.ID())
		return
	}
	ctl, err := proto.CreateImposterFrom(ctx, imp)
	if err != nil {
		r.log.Error("rebuild imposter failed", "imposterId", imp.ID(), "error", err)
		return
	}
	r.mu.Lock()
	r.controls[imp.ID()] = ctl
	r.mu.Unlock()
}

// teardown stops and forgets a tracked imposter. Safe to call for ids
// that are not tracked; duplicate notifications are expected.
func (r *Repository) teardown(ctx context.Context, imposterID string) {
	r.mu.Lock()
	ctl := r.controls[imposterID]
	delete(r.controls, imposterID)
	r.mu.Unlock()

	if ctl == nil || ctl.Stop == nil {
		return
	}
	if err := ctl.Stop(ctx); err != nil {
		r.log.Error("stop imposter failed", "imposterId", imposterID, "error", err)
	}
}
