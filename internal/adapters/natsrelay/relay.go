package natsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const eventsBuffer = 1024

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotJSON       = errors.New("relay data is not JSON")
)

const (
	presenceHello = "hello"
	presenceHere  = "here"
	presenceBye   = "bye"
)

type presence struct {
	Op          string             `json:"op"`
	Participant domain.Participant `json:"participant"`
}

type envelope struct {
	From domain.ParticipantID `json:"from"`
	Data json.RawMessage      `json:"data"`
}

func presenceSubject(s domain.SwarmID) string { return "swarm." + string(s) + ".presence" }
func allSubject(s domain.SwarmID) string      { return "swarm." + string(s) + ".all" }
func toSubject(s domain.SwarmID, id domain.ParticipantID) string {
	return "swarm." + string(s) + ".to." + string(id)
}

// Relay implements core.HubRelay and core.ReferenceClock on a shared NATS
// connection. Membership is learned from presence announcements, so a
// participant that vanishes without a bye stays listed.
type Relay struct {
	nc          *nats.Conn
	timeSubject string
	events      chan core.HubEvent

	mu      sync.Mutex
	swarm   domain.SwarmID
	self    domain.Participant
	joined  bool
	left    bool
	members map[domain.ParticipantID]domain.Participant
	subs    []*nats.Subscription
	quit    chan struct{}
}

var (
	_ core.HubRelay       = (*Relay)(nil)
	_ core.ReferenceClock = (*Relay)(nil)
)

func New(nc *nats.Conn, timeSubject string) *Relay {
	if timeSubject == "" {
		timeSubject = DefaultTimeSubject
	}
	return &Relay{
		nc:          nc,
		timeSubject: timeSubject,
		events:      make(chan core.HubEvent, eventsBuffer),
		members:     make(map[domain.ParticipantID]domain.Participant),
	}
}

func (r *Relay) Events() <-chan core.HubEvent { return r.events }

func (r *Relay) Join(ctx context.Context, swarm domain.SwarmID, self domain.Participant) error {
	if err := swarm.Validate(); err != nil {
		return err
	}
	if err := self.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.joined || r.left {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	r.swarm, r.self, r.joined = swarm, self, true
	r.quit = make(chan struct{})
	r.mu.Unlock()

	// One channel for every subject keeps a peer's presence ahead of the
	// signals it publishes after it.
	msgs := make(chan *nats.Msg, eventsBuffer)
	go r.dispatch(msgs, r.quit)
	for _, subj := range []string{presenceSubject(swarm), allSubject(swarm), toSubject(swarm, self.ID)} {
		sub, err := r.nc.ChanSubscribe(subj, msgs)
		if err != nil {
			r.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	if err := r.nc.FlushWithContext(ctx); err != nil {
		r.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	log.Info().Str("module", "natsrelay").Str("swarm", string(swarm)).Str("participant", string(self.ID)).Msg("joined")
	return r.announce(presenceHello)
}

func (r *Relay) Leave(ctx context.Context) error {
	r.mu.Lock()
	if !r.joined {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	err := r.announce(presenceBye)
	if err == nil {
		err = r.nc.FlushWithContext(ctx)
	}
	r.unsubscribe()

	r.mu.Lock()
	r.joined, r.left = false, true
	r.mu.Unlock()
	close(r.events)
	return err
}

func (r *Relay) Relay(ctx context.Context, to domain.ParticipantID, data []byte) error {
	r.mu.Lock()
	swarm, self, joined := r.swarm, r.self.ID, r.joined
	_, known := r.members[to]
	r.mu.Unlock()
	if !joined {
		return core.ErrNotJoined
	}
	if to != domain.Broadcast && !known {
		return core.ErrUnknownMember
	}
	if !json.Valid(data) {
		return ErrNotJSON
	}
	b, err := json.Marshal(envelope{From: self, Data: json.RawMessage(data)})
	if err != nil {
		return err
	}
	subject := allSubject(swarm)
	if to != domain.Broadcast {
		subject = toSubject(swarm, to)
	}
	return r.nc.Publish(subject, b)
}

// Probe requests the reference time from the hub's time responder.
func (r *Relay) Probe(ctx context.Context, _ time.Time) (time.Time, error) {
	msg, err := r.nc.RequestWithContext(ctx, r.timeSubject, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("time request: %w", err)
	}
	var tr timeReply
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		return time.Time{}, fmt.Errorf("time reply: %w", err)
	}
	return time.Unix(0, tr.ServerNanos), nil
}

func (r *Relay) announce(op string) error {
	r.mu.Lock()
	b, err := json.Marshal(presence{Op: op, Participant: r.self})
	subject := presenceSubject(r.swarm)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.nc.Publish(subject, b)
}

func (r *Relay) unsubscribe() {
	r.mu.Lock()
	subs, quit := r.subs, r.quit
	r.subs, r.quit = nil, nil
	r.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("module", "natsrelay").Str("subject", s.Subject).Msg("unsubscribe")
		}
	}
	if quit != nil {
		close(quit)
	}
}

// dispatch handles messages of all subscriptions in arrival order.
func (r *Relay) dispatch(msgs <-chan *nats.Msg, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case m := <-msgs:
			r.mu.Lock()
			presenceSubj := presenceSubject(r.swarm)
			r.mu.Unlock()
			if m.Subject == presenceSubj {
				r.onPresence(m)
			} else {
				r.onRelay(m)
			}
		}
	}
}

// onPresence and onRelay run on the dispatch goroutine. Events are pushed
// under r.mu so Leave cannot close the channel mid-send.
func (r *Relay) onPresence(m *nats.Msg) {
	var p presence
	if err := json.Unmarshal(m.Data, &p); err != nil {
		log.Debug().Err(err).Str("module", "natsrelay").Msg("bad presence")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined || p.Participant.ID == r.self.ID || p.Participant.ID == "" {
		return
	}
	_, known := r.members[p.Participant.ID]
	switch p.Op {
	case presenceHello, presenceHere:
		if p.Op == presenceHello {
			// Answer so the newcomer learns about us.
			if b, err := json.Marshal(presence{Op: presenceHere, Participant: r.self}); err == nil {
				_ = r.nc.Publish(presenceSubject(r.swarm), b)
			}
		}
		if known {
			return
		}
		r.members[p.Participant.ID] = p.Participant
		r.push(core.HubEvent{Kind: core.EventJoined, Participant: p.Participant})
	case presenceBye:
		if !known {
			return
		}
		delete(r.members, p.Participant.ID)
		r.push(core.HubEvent{Kind: core.EventLeft, Participant: p.Participant})
	}
}

func (r *Relay) onRelay(m *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		log.Debug().Err(err).Str("module", "natsrelay").Msg("bad relay envelope")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined || env.From == r.self.ID {
		return
	}
	r.push(core.HubEvent{Kind: core.EventRelayed, From: env.From, Data: []byte(env.Data)})
}

// push drops the event when the consumer is this far behind.
func (r *Relay) push(ev core.HubEvent) {
	select {
	case r.events <- ev:
	default:
		log.Warn().Str("module", "natsrelay").Str("kind", ev.Kind.String()).Msg("events full, dropping")
	}
}
