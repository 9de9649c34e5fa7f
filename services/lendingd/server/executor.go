package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"loanledger/core/events"
)

// Committer is the journaled state the executor persists after each
// successful mutation.
type Committer interface {
	Commit() error
	Discard()
}

// Flusher persists events forwarded by the executor.
type Flusher interface {
	Flush(ctx context.Context) error
	Discard()
}

// Executor serialises ledger access. Mutations run one at a time; on success
// the state overlay is committed and the events they emitted are forwarded to
// the sinks, on failure both are dropped.
type Executor struct {
	mu      sync.Mutex
	state   Committer
	sinks   events.Emitter
	flusher Flusher
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   []events.Event
}

// NewExecutor wires the executor. sinks and flusher may be nil.
func NewExecutor(state Committer, sinks events.Emitter, flusher Flusher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if sinks == nil {
		sinks = events.NoopEmitter{}
	}
	return &Executor{state: state, sinks: sinks, flusher: flusher, logger: logger}
}

// Emit implements events.Emitter. Install the executor as the engine emitter
// so events are only published for committed operations.
func (x *Executor) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	x.pendingMu.Lock()
	x.pending = append(x.pending, evt)
	x.pendingMu.Unlock()
}

func (x *Executor) takePending() []events.Event {
	x.pendingMu.Lock()
	defer x.pendingMu.Unlock()
	out := x.pending
	x.pending = nil
	return out
}

// Mutate runs fn under the executor lock and commits its writes.
func (x *Executor) Mutate(ctx context.Context, fn func() error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := fn(); err != nil {
		x.rollback()
		return err
	}
	if err := x.state.Commit(); err != nil {
		x.rollback()
		return fmt.Errorf("commit state: %w", err)
	}
	for _, evt := range x.takePending() {
		x.sinks.Emit(evt)
	}
	if x.flusher != nil {
		if err := x.flusher.Flush(ctx); err != nil {
			// State is already durable; the archive lags until the next flush.
			x.logger.Warn("event flush failed", "error", err)
		}
	}
	return nil
}

func (x *Executor) rollback() {
	x.state.Discard()
	x.takePending()
	if x.flusher != nil {
		x.flusher.Discard()
	}
}

// Read runs fn under the executor lock without committing.
func (x *Executor) Read(fn func() error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return fn()
}

// Lock acquires the executor lock and returns the release function.
func (x *Executor) Lock() func() {
	x.mu.Lock()
	return x.mu.Unlock
}
