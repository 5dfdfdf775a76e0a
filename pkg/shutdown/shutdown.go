// Package shutdown implements the two-stage process shutdown bus: a
// "drain" phase that stops admission and lets in-flight admission calls
// run to their deadline, followed by a "shutdown" phase that stops
// reconcilers and flushes.
package shutdown

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Phase names. Exactly two exist; this is a closed set, not an extensible
// enum.
const (
	PhaseDrain    = "drain"
	PhaseShutdown = "shutdown"
)

// Bus coordinates a two-stage shutdown across an arbitrary number of
// subsystems. Each subsystem registers a function with Register, which
// receives a Token to wait on and returns once it has reacted to both
// stages.
type Bus struct {
	drainCh      chan struct{}
	shutdownCh   chan struct{}
	drainOnce    sync.Once
	shutdownOnce sync.Once

	wg errgroup.Group
}

// NewBus constructs a Bus ready to register subsystems on.
func NewBus() *Bus {
	return &Bus{
		drainCh:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Token is handed to a subsystem so it can observe the two shutdown phases
// and signal when it has finished reacting to them.
type Token struct {
	bus *Bus
}

// Drain returns a channel that closes when the drain phase begins.
func (t Token) Drain() <-chan struct{} { return t.bus.drainCh }

// Shutdown returns a channel that closes when the shutdown phase begins.
func (t Token) Shutdown() <-chan struct{} { return t.bus.shutdownCh }

// Register adds fn as a tracked subsystem. fn receives a Token and must
// return once it has completed its shutdown reaction; Bus.Wait blocks until
// every registered fn has returned.
func (b *Bus) Register(fn func(ctx context.Context, tok Token) error) {
	tok := Token{bus: b}
	b.wg.Go(func() error {
		return fn(context.Background(), tok)
	})
}

// TriggerDrain begins the drain phase. Safe to call more than once; only
// the first call has effect.
func (b *Bus) TriggerDrain() {
	b.drainOnce.Do(func() { close(b.drainCh) })
}

// TriggerShutdown begins the shutdown phase. Safe to call more than once.
// Triggering shutdown implicitly triggers drain first, since a subsystem
// that never saw drain begin should not be asked to skip straight to
// shutdown.
func (b *Bus) TriggerShutdown() {
	b.TriggerDrain()
	b.shutdownOnce.Do(func() { close(b.shutdownCh) })
}

// Wait blocks until every registered subsystem has returned from its
// shutdown-reaction function.
func (b *Bus) Wait() error {
	return b.wg.Wait()
}
