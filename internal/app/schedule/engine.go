// Package schedule turns "present at reference time T" into a one-shot local
// timer per message.
package schedule

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Swarm/internal/app/dedupe"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotScheduled = errors.New("message has no target reference time")
	ErrClosed       = errors.New("engine closed")
)

type Outcome int

const (
	Scheduled Outcome = iota
	DeliveredNow
	DroppedLate
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Scheduled:
		return "scheduled"
	case DeliveredNow:
		return "delivered_now"
	case DroppedLate:
		return "dropped_late"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// ReferenceTimer supplies the current estimate of the hub clock.
type ReferenceTimer interface {
	EstimatedReferenceTime() time.Time
}

type Config struct {
	LatenessThreshold time.Duration
	// Retention bounds how long delivered ids are remembered. It must exceed
	// LatenessThreshold so a forgotten duplicate is always late.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		LatenessThreshold: 100 * time.Millisecond,
		Retention:         5 * time.Minute,
	}
}

type Handler func(core.Message)

type Stats struct {
	Scheduled  int64
	Delivered  int64
	Dropped    int64
	Duplicates int64
}

type Engine struct {
	ref   ReferenceTimer
	clock clockwork.Clock
	cfg   Config
	seen  *dedupe.Window

	mu      sync.Mutex
	pending map[string]clockwork.Timer
	handler Handler
	closed  bool

	scheduled  atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	duplicates atomic.Int64
}

func NewEngine(ref ReferenceTimer, clock clockwork.Clock, cfg Config) *Engine {
	if cfg.LatenessThreshold <= 0 {
		cfg.LatenessThreshold = DefaultConfig().LatenessThreshold
	}
	if cfg.Retention <= cfg.LatenessThreshold {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Engine{
		ref:     ref,
		clock:   clock,
		cfg:     cfg,
		seen:    dedupe.NewWindow(clock, cfg.Retention),
		pending: make(map[string]clockwork.Timer),
	}
}

// OnDeliver sets the presentation callback. It runs on the timer goroutine,
// or on the caller of Schedule for messages that are already due.
func (e *Engine) OnDeliver(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// Schedule arms exactly one presentation for msg. The delay is fixed here
// from the current offset estimate; later resyncs do not move it.
func (e *Engine) Schedule(msg core.Message) (Outcome, error) {
	if !msg.Scheduled() {
		return 0, ErrNotScheduled
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if !e.seen.Add(msg.ID) {
		e.mu.Unlock()
		e.duplicates.Add(1)
		return Duplicate, nil
	}

	delay := msg.Target.Sub(e.ref.EstimatedReferenceTime())
	logger := log.With().Str("module", "schedule").Str("msg", msg.ID).Dur("delay", delay).Logger()

	if delay < -e.cfg.LatenessThreshold {
		e.mu.Unlock()
		e.dropped.Add(1)
		logger.Debug().Msg("late message dropped")
		return DroppedLate, nil
	}
	if delay <= 0 {
		h := e.handler
		e.mu.Unlock()
		e.deliver(h, msg)
		return DeliveredNow, nil
	}

	id := msg.ID
	e.pending[id] = e.clock.AfterFunc(delay, func() { e.fire(id, msg) })
	e.mu.Unlock()
	e.scheduled.Add(1)
	logger.Debug().Msg("delivery armed")
	return Scheduled, nil
}

func (e *Engine) fire(id string, msg core.Message) {
	e.mu.Lock()
	if _, ok := e.pending[id]; !ok || e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	h := e.handler
	e.mu.Unlock()
	e.deliver(h, msg)
}

func (e *Engine) deliver(h Handler, msg core.Message) {
	e.delivered.Add(1)
	if h != nil {
		h(msg)
	}
}

// Cancel disarms a pending delivery. The id stays remembered.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.pending[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(e.pending, id)
	return true
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Scheduled:  e.scheduled.Load(),
		Delivered:  e.delivered.Load(),
		Dropped:    e.dropped.Load(),
		Duplicates: e.duplicates.Load(),
	}
}

// Close cancels every pending delivery. Further Schedule calls fail.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, t := range e.pending {
		t.Stop()
		delete(e.pending, id)
	}
	log.Debug().Str("module", "schedule").Msg("engine closed")
}
