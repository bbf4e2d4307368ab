// Package mempeer is an in-process PeerChannel network. Offers and answers
// are opaque tokens resolved through the shared Network.
package mempeer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
)

var (
	ErrUnknownOffer  = errors.New("unknown offer")
	ErrUnknownAnswer = errors.New("unknown answer")
	ErrNotOpen       = errors.New("channel not open")
	ErrClosed        = errors.New("channel closed")
)

type pair struct{ a, b domain.ParticipantID }

func pairOf(a, b domain.ParticipantID) pair {
	if b < a {
		a, b = b, a
	}
	return pair{a, b}
}

// Network pairs endpoints created by its factories.
type Network struct {
	mu      sync.Mutex
	seq     int
	offers  map[string]*Endpoint
	answers map[string]*Endpoint
	blocked map[pair]bool
	opened  int
}

func NewNetwork() *Network {
	return &Network{
		offers:  make(map[string]*Endpoint),
		answers: make(map[string]*Endpoint),
		blocked: make(map[pair]bool),
	}
}

// Factory builds channels owned by local.
func (n *Network) Factory(local domain.ParticipantID) core.PeerFactory {
	return func(remote domain.ParticipantID) (core.PeerChannel, error) {
		return &Endpoint{net: n, local: local, remote: remote}, nil
	}
}

// Block makes negotiation between a and b complete without the channel
// ever opening. Channels already open stay open.
func (n *Network) Block(a, b domain.ParticipantID) {
	n.mu.Lock()
	n.blocked[pairOf(a, b)] = true
	n.mu.Unlock()
}

func (n *Network) Unblock(a, b domain.ParticipantID) {
	n.mu.Lock()
	delete(n.blocked, pairOf(a, b))
	n.mu.Unlock()
}

// Opened counts channels that reached the open state.
func (n *Network) Opened() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened
}

func (n *Network) nextToken(kind string, from, to domain.ParticipantID) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return fmt.Sprintf("mem-%s %s>%s #%d", kind, from, to, n.seq)
}

// Endpoint is one side of an in-memory channel.
type Endpoint struct {
	net           *Network
	local, remote domain.ParticipantID

	mu         sync.Mutex
	offer      string
	peer       *Endpoint
	state      core.ChannelState
	closed     bool
	candidates []core.Candidate

	onCandidate func(core.Candidate)
	onMessage   func([]byte)
	onState     func(core.ChannelState)
}

func (e *Endpoint) OnCandidate(f func(core.Candidate))       { e.mu.Lock(); e.onCandidate = f; e.mu.Unlock() }
func (e *Endpoint) OnMessage(f func([]byte))                 { e.mu.Lock(); e.onMessage = f; e.mu.Unlock() }
func (e *Endpoint) OnStateChange(f func(core.ChannelState)) { e.mu.Lock(); e.onState = f; e.mu.Unlock() }

func (e *Endpoint) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := e.net.nextToken("offer", e.local, e.remote)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.offer = token
	e.mu.Unlock()

	e.net.mu.Lock()
	e.net.offers[token] = e
	e.net.mu.Unlock()

	e.gather()
	return token, nil
}

func (e *Endpoint) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.net.mu.Lock()
	off, ok := e.net.offers[sdp]
	if ok {
		delete(e.net.offers, sdp)
	}
	e.net.mu.Unlock()
	if !ok || off.local != e.remote || off.remote != e.local {
		return "", fmt.Errorf("%w: %q", ErrUnknownOffer, sdp)
	}

	answer := "answer for " + sdp
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.offer = sdp
	e.mu.Unlock()

	e.net.mu.Lock()
	e.net.answers[answer] = e
	e.net.mu.Unlock()

	e.gather()
	return answer, nil
}

func (e *Endpoint) AcceptAnswer(sdp string) error {
	e.net.mu.Lock()
	ans, ok := e.net.answers[sdp]
	if ok {
		delete(e.net.answers, sdp)
	}
	blocked := e.net.blocked[pairOf(e.local, e.remote)]
	e.net.mu.Unlock()

	e.mu.Lock()
	offer, closed := e.offer, e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok || ans.local != e.remote || "answer for "+offer != sdp {
		return fmt.Errorf("%w: %q", ErrUnknownAnswer, sdp)
	}

	ans.mu.Lock()
	if ans.closed {
		ans.mu.Unlock()
		return nil
	}
	ans.peer = e
	ans.mu.Unlock()
	e.mu.Lock()
	e.peer = ans
	e.mu.Unlock()

	if blocked {
		return nil
	}
	e.net.mu.Lock()
	e.net.opened++
	e.net.mu.Unlock()
	ans.transition(core.ChannelOpen)
	e.transition(core.ChannelOpen)
	return nil
}

func (e *Endpoint) AddCandidate(c core.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.candidates = append(e.candidates, c)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (e *Endpoint) Candidates() []core.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Candidate(nil), e.candidates...)
}

func (e *Endpoint) Send(data []byte) error {
	e.mu.Lock()
	peer, state := e.peer, e.state
	e.mu.Unlock()
	if state != core.ChannelOpen || peer == nil {
		return ErrNotOpen
	}
	buf := append([]byte(nil), data...)
	peer.mu.Lock()
	cb, open := peer.onMessage, peer.state == core.ChannelOpen
	peer.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	if cb != nil {
		cb(buf)
	}
	return nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.state = core.ChannelClosed
	peer := e.peer
	e.mu.Unlock()

	if peer != nil {
		peer.transition(core.ChannelClosed)
	}
	return nil
}

func (e *Endpoint) gather() {
	e.mu.Lock()
	cb := e.onCandidate
	e.mu.Unlock()
	if cb == nil {
		return
	}
	mid := "0"
	idx := uint16(0)
	cb(core.Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (e *Endpoint) transition(s core.ChannelState) {
	e.mu.Lock()
	if e.closed || e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
