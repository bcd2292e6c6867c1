package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mvellosa/courier/internal/bus"
	"github.com/mvellosa/courier/internal/config"
	intsync "github.com/mvellosa/courier/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pusher performs the remote call for one claimed record, dispatching on
// the record's pending operation. Returns the remote-assigned id for
// creates (empty otherwise).
type Pusher interface {
	Push(ctx context.Context, rec intsync.Record) (remoteID string, err error)
}

// PushFunc adapts a function to the Pusher interface.
type PushFunc func(ctx context.Context, rec intsync.Record) (string, error)

func (f PushFunc) Push(ctx context.Context, rec intsync.Record) (string, error) {
	return f(ctx, rec)
}

// Gate is consulted before any push; while it reports false the outbox
// sits idle (pushes resume automatically on re-authentication).
type Gate interface {
	Authenticated() bool
}

// Binding pairs one entity kind's state machine with its pusher.
type Binding struct {
	Machine *intsync.Machine
	Pusher  Pusher
}

// Dispatcher is the background execution context that drives pending
// entities through their push lifecycle. Interactive callers never talk
// to it directly: they commit a local write and observe the outcome
// through store change events.
type Dispatcher struct {
	bindings []Binding
	bus      *bus.Bus
	gate     Gate
	policy   config.Sync
	logger   *zap.Logger

	sem    *semaphore.Weighted
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher over the given kind bindings.
func NewDispatcher(bindings []Binding, b *bus.Bus, gate Gate, policy config.Sync, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxInFlight := policy.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	return &Dispatcher{
		bindings: bindings,
		bus:      b,
		gate:     gate,
		policy:   policy,
		logger:   logger,
		sem:      semaphore.NewWeighted(maxInFlight),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop on a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	var unsub func()
	if d.bus != nil {
		var ch <-chan bus.Event
		ch, unsub = d.bus.Subscribe("store.", 64)
		go func() {
			for {
				select {
				case <-ch:
					d.Wake()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(d.done)
		if unsub != nil {
			defer unsub()
		}
		d.loop(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit. In-flight pushes are
// cancelled; their records resolve via the state machine either way.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// Wake nudges the dispatcher to scan immediately instead of waiting for
// the next poll tick. Non-blocking; repeated wakes coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.policy.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cycle(ctx)
		case <-d.wake:
			d.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cycle scans every binding for pushable records and dispatches them.
// One entity's failure never affects another's push or the loop itself.
func (d *Dispatcher) cycle(ctx context.Context) {
	if d.gate != nil && !d.gate.Authenticated() {
		return
	}

	for _, b := range d.bindings {
		recs, err := b.Machine.Pending(ctx)
		if err != nil {
			d.logger.Error("failed to scan outbox",
				zap.String("kind", b.Machine.Kind()), zap.Error(err))
			continue
		}
		for _, rec := range recs {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(b Binding, rec intsync.Record) {
				defer d.sem.Release(1)
				d.push(ctx, b, rec)
			}(b, rec)
		}
	}
}

// push runs one claimed push attempt to completion. The claim CAS means
// at most one of these runs per entity id at a time; a record picked up
// by two cycles is claimed by exactly one.
func (d *Dispatcher) push(ctx context.Context, b Binding, rec intsync.Record) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("push panicked",
				zap.String("kind", b.Machine.Kind()), zap.String("id", rec.ID),
				zap.Any("panic", r))
			_, _ = b.Machine.Finish(ctx, rec, "", fmt.Errorf("push panicked: %v", r))
		}
	}()

	claimed, err := b.Machine.Claim(ctx, rec.ID)
	if err != nil {
		d.logger.Error("claim failed",
			zap.String("kind", b.Machine.Kind()), zap.String("id", rec.ID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	remoteID, pushErr := b.Pusher.Push(ctx, rec)
	state, err := b.Machine.Finish(ctx, rec, remoteID, pushErr)
	if err != nil {
		d.logger.Error("failed to resolve push",
			zap.String("kind", b.Machine.Kind()), zap.String("id", rec.ID), zap.Error(err))
		return
	}

	switch state {
	case intsync.StateSynced:
		d.logger.Info("push confirmed",
			zap.String("kind", b.Machine.Kind()), zap.String("id", rec.ID),
			zap.String("op", string(rec.Op)))
	case intsync.StateFailed:
		d.logger.Warn("push failed",
			zap.String("kind", b.Machine.Kind()), zap.String("id", rec.ID),
			zap.String("op", string(rec.Op)), zap.Error(pushErr))
	}
}
