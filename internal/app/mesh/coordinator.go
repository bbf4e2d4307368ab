// Package mesh keeps one direct peer link per swarm member, negotiated over
// the hub relay.
package mesh

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var _ core.DirectPaths = (*Coordinator)(nil)

type membership map[domain.ParticipantID]domain.Participant

// LinkInfo is a point-in-time view of one link.
type LinkInfo struct {
	Participant domain.Participant `json:"participant"`
	State       State              `json:"-"`
	StateName   string             `json:"state"`
	Initiator   bool               `json:"initiator"`
	Attempt     int                `json:"attempt"`
}

type Options struct {
	Config  Config
	Clock   clockwork.Clock
	Factory core.PeerFactory
	Signals SignalSender
	// OnMessage receives every frame read from a direct channel.
	OnMessage func(from domain.ParticipantID, data []byte)
	// OnLinkState observes link transitions. It runs on the link goroutine
	// and must not block or close links.
	OnLinkState func(remote domain.ParticipantID, st State)
}

// Coordinator owns the membership snapshot and the links to every member.
type Coordinator struct {
	self domain.ParticipantID
	opts Options

	members atomic.Pointer[membership]

	mu     sync.Mutex
	links  map[domain.ParticipantID]*PeerLink
	closed bool
}

func NewCoordinator(self domain.ParticipantID, opts Options) *Coordinator {
	opts.Config = opts.Config.withDefaults()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	c := &Coordinator{
		self:  self,
		opts:  opts,
		links: make(map[domain.ParticipantID]*PeerLink),
	}
	c.members.Store(&membership{})
	return c
}

func (c *Coordinator) Self() domain.ParticipantID { return c.self }

// HandleJoined records p and creates its link. The initiator side starts the
// offer flow right away.
func (c *Coordinator) HandleJoined(p domain.Participant) {
	if p.ID == c.self || p.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.replaceMembers(func(m membership) { m[p.ID] = p })
	if _, ok := c.links[p.ID]; ok {
		return
	}

	link := newPeerLink(linkParams{
		local:      c.self,
		remote:     p.ID,
		cfg:        c.opts.Config,
		clock:      c.opts.Clock,
		factory:    c.opts.Factory,
		sendSignal: c.opts.Signals,
		onMessage:  c.opts.OnMessage,
		onState:    c.opts.OnLinkState,
	})
	c.links[p.ID] = link
	log.Debug().Str("module", "mesh").Str("peer", string(p.ID)).Bool("initiator", link.Initiator()).Msg("participant joined")
	link.Start()
}

// HandleLeft forgets the participant and closes its link.
func (c *Coordinator) HandleLeft(id domain.ParticipantID) {
	c.mu.Lock()
	c.replaceMembers(func(m membership) { delete(m, id) })
	link := c.links[id]
	delete(c.links, id)
	c.mu.Unlock()

	if link != nil {
		link.Close()
		log.Debug().Str("module", "mesh").Str("peer", string(id)).Msg("participant left, link closed")
	}
}

// HandleSignal routes a relayed signal by its hub-stamped sender.
func (c *Coordinator) HandleSignal(from domain.ParticipantID, sig core.Signal) {
	c.mu.Lock()
	link := c.links[from]
	c.mu.Unlock()
	if link == nil {
		log.Debug().Str("module", "mesh").Str("peer", string(from)).Str("type", string(sig.Type)).Msg("signal from unknown sender ignored")
		return
	}
	link.Deliver(sig)
}

// Link returns the live link to id, if any.
func (c *Coordinator) Link(id domain.ParticipantID) (*PeerLink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[id]
	return l, ok
}

// Connected lists members with an open direct channel.
func (c *Coordinator) Connected() []*PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PeerLink, 0, len(c.links))
	for _, l := range c.links {
		if l.State() == Connected {
			out = append(out, l)
		}
	}
	return out
}

// OpenPeer returns the link to id when its channel is open.
func (c *Coordinator) OpenPeer(id domain.ParticipantID) (core.DirectPeer, bool) {
	l, ok := c.Link(id)
	if !ok || l.State() != Connected {
		return nil, false
	}
	return l, true
}

func (c *Coordinator) OpenPeers() []core.DirectPeer {
	links := c.Connected()
	out := make([]core.DirectPeer, 0, len(links))
	for _, l := range links {
		out = append(out, l)
	}
	return out
}

func (c *Coordinator) IsMember(id domain.ParticipantID) bool {
	_, ok := (*c.members.Load())[id]
	return ok
}

// Members is the current membership, without self, sorted by id.
func (c *Coordinator) Members() []domain.Participant {
	m := *c.members.Load()
	out := make([]domain.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Links reports every member with the state of its link.
func (c *Coordinator) Links() []LinkInfo {
	members := c.Members()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LinkInfo, 0, len(members))
	for _, p := range members {
		info := LinkInfo{Participant: p, State: Closed}
		if l, ok := c.links[p.ID]; ok {
			info.State = l.State()
			info.Initiator = l.Initiator()
			info.Attempt = l.Attempt()
		}
		info.StateName = info.State.String()
		out = append(out, info)
	}
	return out
}

// Snapshot maps member id to link state.
func (c *Coordinator) Snapshot() map[domain.ParticipantID]State {
	links := c.Links()
	out := make(map[domain.ParticipantID]State, len(links))
	for _, li := range links {
		out[li.Participant.ID] = li.State
	}
	return out
}

// Close closes every link and stops accepting members.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	links := c.links
	c.links = make(map[domain.ParticipantID]*PeerLink)
	c.members.Store(&membership{})
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		go func(l *PeerLink) {
			defer wg.Done()
			l.Close()
		}(l)
	}
	wg.Wait()
}

// replaceMembers swaps in an edited copy of the membership. Callers hold mu.
func (c *Coordinator) replaceMembers(edit func(membership)) {
	cur := *c.members.Load()
	next := make(membership, len(cur)+1)
	for id, p := range cur {
		next[id] = p
	}
	edit(next)
	c.members.Store(&next)
}
