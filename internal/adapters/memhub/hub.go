// Package memhub is an in-process hub: a HubRelay and ReferenceClock per
// client, all sharing one membership table and one reference clock.
package memhub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const eventBuffer = 1024

type Hub struct {
	clock clockwork.Clock

	mu     sync.Mutex
	swarms map[domain.SwarmID]map[domain.ParticipantID]*Client
	relays int
}

func New(reference clockwork.Clock) *Hub {
	return &Hub{
		clock:  reference,
		swarms: make(map[domain.SwarmID]map[domain.ParticipantID]*Client),
	}
}

// Client opens a new connection to the hub.
func (h *Hub) Client() *Client {
	return &Client{hub: h, events: make(chan core.HubEvent, eventBuffer)}
}

// Relays counts relay calls accepted by the hub.
func (h *Hub) Relays() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relays
}

// Members lists the participants of a swarm.
func (h *Hub) Members(id domain.SwarmID) []domain.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(id, "")
}

func (h *Hub) snapshotLocked(id domain.SwarmID, except domain.ParticipantID) []domain.Participant {
	out := make([]domain.Participant, 0, len(h.swarms[id]))
	for pid, c := range h.swarms[id] {
		if pid != except {
			out = append(out, c.self)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Client is one connection to the hub.
type Client struct {
	hub    *Hub
	events chan core.HubEvent

	// guarded by hub.mu
	swarm  domain.SwarmID
	self   domain.Participant
	joined bool
	closed bool
}

var (
	_ core.HubRelay       = (*Client)(nil)
	_ core.ReferenceClock = (*Client)(nil)
)

func (c *Client) Events() <-chan core.HubEvent { return c.events }

func (c *Client) Join(ctx context.Context, swarm domain.SwarmID, self domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := self.Validate(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return core.ErrNotJoined
	}
	members := h.swarms[swarm]
	if members == nil {
		members = make(map[domain.ParticipantID]*Client)
		h.swarms[swarm] = members
	}
	if _, taken := members[self.ID]; taken {
		return core.ErrDuplicateMember
	}
	c.swarm, c.self, c.joined = swarm, self, true

	for _, p := range h.snapshotLocked(swarm, "") {
		c.push(core.HubEvent{Kind: core.EventJoined, Participant: p})
	}
	for _, other := range members {
		other.push(core.HubEvent{Kind: core.EventJoined, Participant: self})
	}
	members[self.ID] = c
	log.Debug().Str("module", "memhub").Str("swarm", string(swarm)).Str("participant", string(self.ID)).Msg("joined")
	return nil
}

// Leave removes the client from its swarm and ends the connection.
func (c *Client) Leave(ctx context.Context) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return nil
	}
	c.dropLocked()
	return nil
}

// Disconnect simulates the connection dropping without a leave.
func (c *Client) Disconnect() {
	_ = c.Leave(context.Background())
}

func (c *Client) dropLocked() {
	h := c.hub
	if c.joined {
		members := h.swarms[c.swarm]
		delete(members, c.self.ID)
		for _, other := range members {
			other.push(core.HubEvent{Kind: core.EventLeft, Participant: c.self})
		}
		if len(members) == 0 {
			delete(h.swarms, c.swarm)
		}
		c.joined = false
	}
	c.closed = true
	close(c.events)
}

func (c *Client) Relay(ctx context.Context, to domain.ParticipantID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.joined {
		return core.ErrNotJoined
	}
	h.relays++
	members := h.swarms[c.swarm]
	if to == domain.Broadcast {
		for id, other := range members {
			if id == c.self.ID {
				continue
			}
			other.push(core.HubEvent{Kind: core.EventRelayed, From: c.self.ID, Data: append([]byte(nil), data...)})
		}
		return nil
	}
	target, ok := members[to]
	if !ok {
		return core.ErrUnknownMember
	}
	target.push(core.HubEvent{Kind: core.EventRelayed, From: c.self.ID, Data: append([]byte(nil), data...)})
	return nil
}

// Probe reads the hub's reference clock.
func (c *Client) Probe(ctx context.Context, _ time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return c.hub.clock.Now(), nil
}

// push never blocks; a full buffer drops the event. Callers hold hub.mu.
func (c *Client) push(ev core.HubEvent) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("module", "memhub").Str("participant", string(c.self.ID)).Str("event", ev.Kind.String()).Msg("event dropped, client too slow")
	}
}
