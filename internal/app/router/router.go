// Package router moves messages over direct channels and the hub relay and
// hands every inbound message to its consumer exactly once.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Swarm/internal/app/dedupe"
	"github.com/dkeye/Swarm/internal/app/schedule"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var ErrUndelivered = errors.New("message not delivered on any path")

// Scheduler accepts scheduled messages for timed presentation.
type Scheduler interface {
	Schedule(core.Message) (schedule.Outcome, error)
}

type Handler func(core.Message)

type Options struct {
	Self   domain.ParticipantID
	Hub    core.HubRelay
	Direct core.DirectPaths
	Engine Scheduler
	Clock  clockwork.Clock
	// DedupeRetention bounds how long inbound ids are remembered.
	DedupeRetention time.Duration
	// AlwaysRelay sends unicast messages through the hub even when a direct
	// channel took them.
	AlwaysRelay bool
	OnSignal    func(from domain.ParticipantID, sig core.Signal)
}

// Report tells how one Send went out.
type Report struct {
	Direct       int
	DirectFailed int
	Relayed      bool
}

type Stats struct {
	Sent       int64
	Received   int64
	Duplicates int64
	Malformed  int64
}

type Router struct {
	opts Options
	seen *dedupe.Window

	mu       sync.RWMutex
	handlers map[core.Kind]Handler

	sent       atomic.Int64
	received   atomic.Int64
	duplicates atomic.Int64
	malformed  atomic.Int64
}

func New(opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DedupeRetention <= 0 {
		opts.DedupeRetention = schedule.DefaultConfig().Retention
	}
	return &Router{
		opts:     opts,
		seen:     dedupe.NewWindow(opts.Clock, opts.DedupeRetention),
		handlers: make(map[core.Kind]Handler),
	}
}

// SetDirect attaches the direct paths. It must be called before the router
// carries traffic.
func (r *Router) SetDirect(d core.DirectPaths) { r.opts.Direct = d }

// Handle registers the consumer for unscheduled messages of one kind.
func (r *Router) Handle(kind core.Kind, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

// Send delivers msg to one participant or, with domain.Broadcast, to all.
// The message id is remembered so echoes are not delivered back to us.
func (r *Router) Send(ctx context.Context, to domain.ParticipantID, msg core.Message) (Report, error) {
	msg.From = r.opts.Self
	data, err := core.EncodeMessage(msg)
	if err != nil {
		return Report{}, err
	}
	r.seen.Add(msg.ID)
	r.sent.Add(1)

	if to == domain.Broadcast {
		return r.broadcast(ctx, msg.ID, data)
	}
	return r.unicast(ctx, to, msg.ID, data)
}

func (r *Router) broadcast(ctx context.Context, id string, data []byte) (Report, error) {
	var rep Report
	if r.opts.Direct != nil {
		for _, p := range r.opts.Direct.OpenPeers() {
			if err := p.Send(data); err != nil {
				rep.DirectFailed++
				log.Debug().Err(err).Str("module", "router").Str("peer", string(p.Remote())).Str("msg", id).Msg("direct send failed")
				continue
			}
			rep.Direct++
		}
	}
	if err := r.opts.Hub.Relay(ctx, domain.Broadcast, data); err != nil {
		if rep.Direct == 0 {
			return rep, fmt.Errorf("%w: relay: %v", ErrUndelivered, err)
		}
		log.Warn().Err(err).Str("module", "router").Str("msg", id).Msg("hub relay failed")
		return rep, nil
	}
	rep.Relayed = true
	return rep, nil
}

func (r *Router) unicast(ctx context.Context, to domain.ParticipantID, id string, data []byte) (Report, error) {
	var rep Report
	if r.opts.Direct != nil {
		if p, ok := r.opts.Direct.OpenPeer(to); ok {
			if err := p.Send(data); err != nil {
				rep.DirectFailed++
				log.Debug().Err(err).Str("module", "router").Str("peer", string(to)).Str("msg", id).Msg("direct send failed")
			} else {
				rep.Direct++
			}
		}
	}
	if rep.Direct > 0 && !r.opts.AlwaysRelay {
		return rep, nil
	}
	if err := r.opts.Hub.Relay(ctx, to, data); err != nil {
		if rep.Direct == 0 {
			return rep, fmt.Errorf("%w: relay to %s: %v", ErrUndelivered, to, err)
		}
		log.Warn().Err(err).Str("module", "router").Str("peer", string(to)).Msg("hub relay failed")
		return rep, nil
	}
	rep.Relayed = true
	return rep, nil
}

// SendSignal relays a negotiation step through the hub. Signals never take
// the direct path.
func (r *Router) SendSignal(ctx context.Context, to domain.ParticipantID, sig core.Signal) error {
	data, err := core.EncodeMessage(core.NewImmediate(r.opts.Self, sig))
	if err != nil {
		return err
	}
	return r.opts.Hub.Relay(ctx, to, data)
}

// HandleInbound accepts a frame from either path. from is the sender as
// stamped by the path and overrides whatever the frame claims.
func (r *Router) HandleInbound(from domain.ParticipantID, data []byte) {
	msg, err := core.DecodeMessage(data)
	if err != nil {
		r.malformed.Add(1)
		log.Debug().Err(err).Str("module", "router").Str("peer", string(from)).Msg("inbound frame dropped")
		return
	}
	if msg.From != "" && msg.From != from {
		log.Debug().Str("module", "router").Str("peer", string(from)).Str("claimed", string(msg.From)).Msg("sender id replaced by path sender")
	}
	msg.From = from

	if sig, ok := msg.Payload.(core.Signal); ok {
		if r.opts.OnSignal != nil {
			r.opts.OnSignal(from, sig)
		}
		return
	}

	if !r.seen.Add(msg.ID) {
		r.duplicates.Add(1)
		return
	}
	r.received.Add(1)

	if msg.Scheduled() {
		if r.opts.Engine == nil {
			return
		}
		if _, err := r.opts.Engine.Schedule(msg); err != nil {
			log.Debug().Err(err).Str("module", "router").Str("msg", msg.ID).Msg("schedule rejected")
		}
		return
	}

	r.mu.RLock()
	h := r.handlers[msg.Kind()]
	r.mu.RUnlock()
	if h == nil {
		log.Debug().Str("module", "router").Str("kind", string(msg.Kind())).Msg("no handler for kind")
		return
	}
	h(msg)
}

func (r *Router) Stats() Stats {
	return Stats{
		Sent:       r.sent.Load(),
		Received:   r.received.Load(),
		Duplicates: r.duplicates.Load(),
		Malformed:  r.malformed.Load(),
	}
}
