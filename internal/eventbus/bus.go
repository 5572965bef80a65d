// Package eventbus fans in events from independently running source
// adapters, applies an optional filter and dedup pass, and delivers the
// survivors to a single sink handler.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/haloruntime/halo/internal/models"
	"go.uber.org/zap"
)

// Source is the contract every event producer implements, modeled on the
// teacher's MCP server registry entries: an identity, a lifecycle, and a
// callback the bus hands it to publish events through.
type Source interface {
	ID() string
	Type() string
	Start(emit EmitFunc) error
	Stop() error
}

// EmitFunc is how a running source hands an event to the bus.
type EmitFunc func(models.HaloEvent)

// FilterFunc decides whether an event should continue down the pipeline.
type FilterFunc func(models.HaloEvent) bool

// SinkFunc is the single delivery target for events that survive the
// pipeline. Errors are logged, never propagated back to the source.
type SinkFunc func(models.HaloEvent) error

// Bus holds the registered source adapters, runs the dispatch pipeline, and
// owns the dedup cache. Its source table follows the same
// sync.RWMutex-guarded map shape as the teacher's MCP registry, adapted
// from "MCP servers" to "event source adapters".
type Bus struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	sources map[string]Source
	filter  FilterFunc
	sink    SinkFunc
	dedup   *DedupCache
	started bool
}

// New creates a Bus. dedupCapacity and dedupTTL of zero select the package
// defaults (DefaultDedupCapacity, DefaultDedupTTL).
func New(dedupCapacity int, dedupTTL time.Duration, logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		log:     logger,
		sources: make(map[string]Source),
		dedup:   NewDedupCache(dedupCapacity, dedupTTL),
	}
}

// RegisterSource adds a source to the registry. If the bus is already
// started, the source is started immediately.
func (b *Bus) RegisterSource(s Source) error {
	b.mu.Lock()
	_, exists := b.sources[s.ID()]
	if exists {
		b.mu.Unlock()
		return errSourceExists(s.ID())
	}
	b.sources[s.ID()] = s
	started := b.started
	b.mu.Unlock()

	if started {
		return s.Start(b.emit)
	}
	return nil
}

// UnregisterSource stops and removes a source by id.
func (b *Bus) UnregisterSource(id string) error {
	b.mu.Lock()
	s, ok := b.sources[id]
	if !ok {
		b.mu.Unlock()
		return errSourceNotFound(id)
	}
	delete(b.sources, id)
	b.mu.Unlock()

	return s.Stop()
}

// SetFilter installs (or clears, with nil) the predicate applied to every
// emitted event before dedup.
func (b *Bus) SetFilter(fn FilterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = fn
}

// SetSink installs the single delivery target. Replacing it mid-flight is
// safe; in-flight emits already past this point use whichever sink was set
// at the time.
func (b *Bus) SetSink(fn SinkFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = fn
}

// Start marks the bus live and starts every registered source.
func (b *Bus) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	sources := make([]Source, 0, len(b.sources))
	for _, s := range b.sources {
		sources = append(sources, s)
	}
	b.mu.Unlock()

	for _, s := range sources {
		if err := s.Start(b.emit); err != nil {
			return err
		}
	}
	b.log.Info("event bus started")
	return nil
}

// Stop marks the bus stopped and stops every registered source. Events
// already in flight at the moment of Stop are dropped by the pipeline's
// first check.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	sources := make([]Source, 0, len(b.sources))
	for _, s := range b.sources {
		sources = append(sources, s)
	}
	b.mu.Unlock()

	var firstErr error
	for _, s := range sources {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.log.Info("event bus stopped")
	return firstErr
}

// emit runs the dispatch pipeline: stopped-check, filter, dedup, deliver.
// It is the EmitFunc every source is started with.
func (b *Bus) emit(ev models.HaloEvent) {
	b.mu.RLock()
	started := b.started
	filter := b.filter
	sink := b.sink
	b.mu.RUnlock()

	if !started {
		return
	}
	if filter != nil && !filter(ev) {
		return
	}
	if ev.DedupKey != "" && b.dedup.SeenBefore(ev.DedupKey) {
		b.log.Debugw("dropping duplicate event", "dedup_key", ev.DedupKey, "type", ev.Type)
		return
	}
	if sink == nil {
		return
	}
	if err := sink(ev); err != nil {
		b.log.Errorw("sink handler error", "type", ev.Type, "source", ev.Source, "error", err)
	}
}

// SourceInfo is a read-only snapshot of one registered source, exposed for
// admin-API introspection.
type SourceInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Sources returns a snapshot of every currently registered source.
func (b *Bus) Sources() []SourceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SourceInfo, 0, len(b.sources))
	for _, s := range b.sources {
		out = append(out, SourceInfo{ID: s.ID(), Type: s.Type()})
	}
	return out
}

func errSourceExists(id string) error {
	return fmt.Errorf("event source %q already registered", id)
}

func errSourceNotFound(id string) error {
	return fmt.Errorf("event source %q not found", id)
}
