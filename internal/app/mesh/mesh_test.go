package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Swarm/internal/adapters/mempeer"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/jonboulle/clockwork"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// switchboard stands in for the hub relay between coordinators.
type switchboard struct {
	net *mempeer.Network
	cfg Config

	mu       sync.Mutex
	coords   map[domain.ParticipantID]*Coordinator
	drop     func(from, to domain.ParticipantID, sig core.Signal) bool
	received map[domain.ParticipantID][]string
}

func newSwitchboard(cfg Config) *switchboard {
	return &switchboard{
		net:      mempeer.NewNetwork(),
		cfg:      cfg,
		coords:   make(map[domain.ParticipantID]*Coordinator),
		received: make(map[domain.ParticipantID][]string),
	}
}

func (s *switchboard) sender(from domain.ParticipantID) SignalSender {
	return func(_ context.Context, to domain.ParticipantID, sig core.Signal) error {
		s.mu.Lock()
		c := s.coords[to]
		drop := s.drop != nil && s.drop(from, to, sig)
		s.mu.Unlock()
		if c == nil {
			return errors.New("no route")
		}
		if !drop {
			c.HandleSignal(from, sig)
		}
		return nil
	}
}

// join admits id and announces it to everyone already present, in both
// directions, the way the hub does.
func (s *switchboard) join(id domain.ParticipantID) *Coordinator {
	c := NewCoordinator(id, Options{
		Config:  s.cfg,
		Clock:   clockwork.NewRealClock(),
		Factory: s.net.Factory(id),
		Signals: s.sender(id),
		OnMessage: func(from domain.ParticipantID, data []byte) {
			s.mu.Lock()
			s.received[id] = append(s.received[id], fmt.Sprintf("%s:%s", from, data))
			s.mu.Unlock()
		},
	})
	// Holding mu until both sides know each other keeps signals behind the
	// membership events, as the hub's ordered event stream does.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.coords {
		c.HandleJoined(domain.Participant{ID: o.Self(), Name: string(o.Self())})
		o.HandleJoined(domain.Participant{ID: id, Name: string(id)})
	}
	s.coords[id] = c
	return c
}

func (s *switchboard) leave(id domain.ParticipantID) {
	s.mu.Lock()
	c := s.coords[id]
	delete(s.coords, id)
	others := make([]*Coordinator, 0, len(s.coords))
	for _, o := range s.coords {
		others = append(others, o)
	}
	s.mu.Unlock()
	for _, o := range others {
		o.HandleLeft(id)
	}
	if c != nil {
		c.Close()
	}
}

func (s *switchboard) closeAll() {
	s.mu.Lock()
	coords := s.coords
	s.coords = map[domain.ParticipantID]*Coordinator{}
	s.mu.Unlock()
	for _, c := range coords {
		c.Close()
	}
}

func (s *switchboard) fullyConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.coords {
		links := c.Links()
		if len(links) != len(s.coords)-1 {
			return false
		}
		for _, li := range links {
			if _, member := s.coords[li.Participant.ID]; !member || li.Participant.ID == id {
				return false
			}
			if li.State != Connected {
				return false
			}
		}
	}
	return true
}

func fastConfig() Config {
	return Config{
		SignalTimeout: 50 * time.Millisecond,
		MaxRetries:    2,
		BackoffBase:   5 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
	}
}

func TestConfig_Backoff(t *testing.T) {
	c := DefaultConfig()
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		if got := c.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestCoordinator_ThreeParticipantsConnect(t *testing.T) {
	sb := newSwitchboard(DefaultConfig())
	defer sb.closeAll()

	a := sb.join("a")
	b := sb.join("b")
	c := sb.join("c")

	eventually(t, "full mesh of a, b, c", sb.fullyConnected)

	tests := []struct {
		from      *Coordinator
		to        domain.ParticipantID
		initiator bool
	}{
		{a, "b", true},
		{a, "c", true},
		{b, "a", false},
		{b, "c", true},
		{c, "a", false},
		{c, "b", false},
	}
	for _, tt := range tests {
		l, ok := tt.from.Link(tt.to)
		if !ok {
			t.Fatalf("%s has no link to %s", tt.from.Self(), tt.to)
		}
		if l.Initiator() != tt.initiator {
			t.Errorf("%s->%s Initiator() = %v, want %v", tt.from.Self(), tt.to, l.Initiator(), tt.initiator)
		}
	}

	l, _ := a.Link("c")
	if err := l.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, "c receives from a", func() bool {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		got := sb.received["c"]
		return len(got) == 1 && got[0] == "a:hello"
	})
}

func TestCoordinator_LeaveDuringSignalingEndsClosed(t *testing.T) {
	sb := newSwitchboard(DefaultConfig())
	defer sb.closeAll()
	sb.drop = func(_, to domain.ParticipantID, _ core.Signal) bool { return to == "b" }

	a := sb.join("a")
	sb.join("b")

	link, ok := a.Link("b")
	if !ok {
		t.Fatal("a has no link to b")
	}
	eventually(t, "offer sent", func() bool { return link.State() == SignalingOffered })

	sb.leave("b")
	if got := link.State(); got != Closed {
		t.Fatalf("State() after leave = %v, want closed", got)
	}
	if _, ok := a.Link("b"); ok {
		t.Fatal("link to b still registered")
	}
	if a.IsMember("b") {
		t.Fatal("b still a member")
	}
	if err := link.Send([]byte("x")); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("Send on closed link = %v, want ErrLinkClosed", err)
	}
	link.Close()
}

func TestCoordinator_LeaveDuringSignalingLeavesOtherLinks(t *testing.T) {
	sb := newSwitchboard(DefaultConfig())
	defer sb.closeAll()
	sb.drop = func(from, to domain.ParticipantID, _ core.Signal) bool {
		return (from == "b" && to == "c") || (from == "c" && to == "b")
	}

	a := sb.join("a")
	c := sb.join("c")
	eventually(t, "a and c connected", sb.fullyConnected)
	b := sb.join("b")

	bc, ok := b.Link("c")
	if !ok {
		t.Fatal("b has no link to c")
	}
	cb, ok := c.Link("b")
	if !ok {
		t.Fatal("c has no link to b")
	}
	eventually(t, "b offers to c", func() bool { return bc.State() == SignalingOffered })

	sb.leave("b")
	if got := cb.State(); got != Closed {
		t.Fatalf("c->b State() after leave = %v, want closed", got)
	}
	if _, ok := c.Link("b"); ok {
		t.Fatal("c still has a link to b")
	}
	for _, tt := range []struct {
		from *Coordinator
		to   domain.ParticipantID
	}{{a, "c"}, {c, "a"}} {
		l, ok := tt.from.Link(tt.to)
		if !ok {
			t.Fatalf("%s lost its link to %s", tt.from.Self(), tt.to)
		}
		if got := l.State(); got != Connected {
			t.Fatalf("%s->%s State() = %v, want connected", tt.from.Self(), tt.to, got)
		}
	}

	l, _ := a.Link("c")
	if err := l.Send([]byte("still here")); err != nil {
		t.Fatalf("Send a->c: %v", err)
	}
	eventually(t, "c receives from a", func() bool {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		for _, got := range sb.received["c"] {
			if got == "a:still here" {
				return true
			}
		}
		return false
	})
}

func TestCoordinator_MeshHoldsAfterChurn(t *testing.T) {
	sb := newSwitchboard(DefaultConfig())
	defer sb.closeAll()

	steps := []struct {
		join bool
		id   domain.ParticipantID
	}{
		{true, "d"}, {true, "b"}, {true, "e"}, {false, "b"}, {true, "a"},
		{true, "c"}, {false, "d"}, {true, "b"}, {false, "e"}, {true, "f"},
	}
	for _, st := range steps {
		if st.join {
			sb.join(st.id)
		} else {
			sb.leave(st.id)
		}
	}

	eventually(t, "full mesh after churn", sb.fullyConnected)

	sb.mu.Lock()
	n := len(sb.coords)
	sb.mu.Unlock()
	if n != 4 {
		t.Fatalf("members = %d, want 4", n)
	}
}

func TestCoordinator_IgnoresUnknownSender(t *testing.T) {
	c := NewCoordinator("a", Options{Factory: mempeer.NewNetwork().Factory("a")})
	defer c.Close()
	c.HandleSignal("zz", core.Signal{Type: core.SignalOffer, Attempt: 1, SDP: "x"})
	if len(c.Links()) != 0 {
		t.Fatal("link created for unknown sender")
	}
}

func TestPeerLink_RetriesThenFails(t *testing.T) {
	sb := newSwitchboard(fastConfig())
	defer sb.closeAll()
	sb.net.Block("a", "b")

	a := sb.join("a")
	b := sb.join("b")

	la, _ := a.Link("b")
	lb, _ := b.Link("a")
	eventually(t, "initiator gives up", func() bool { return la.State() == Failed })
	if got, want := la.Attempt(), fastConfig().MaxRetries+1; got != want {
		t.Fatalf("Attempt() = %d, want %d", got, want)
	}
	eventually(t, "responder told to give up", func() bool { return lb.State() == Failed })
	if len(a.Connected()) != 0 {
		t.Fatal("failed link reported as connected")
	}
}

func TestPeerLink_RecoversOnRetry(t *testing.T) {
	sb := newSwitchboard(fastConfig())
	defer sb.closeAll()
	sb.net.Block("a", "b")

	a := sb.join("a")
	sb.join("b")
	la, _ := a.Link("b")

	eventually(t, "second attempt", func() bool { return la.Attempt() >= 2 })
	sb.net.Unblock("a", "b")
	eventually(t, "connected after unblock", func() bool { return la.State() == Connected })
}

type sentSignals struct {
	mu  sync.Mutex
	got []core.Signal
}

func (s *sentSignals) send(_ context.Context, _ domain.ParticipantID, sig core.Signal) error {
	s.mu.Lock()
	s.got = append(s.got, sig)
	s.mu.Unlock()
	return nil
}

func (s *sentSignals) ofType(typ core.SignalType) []core.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Signal
	for _, sig := range s.got {
		if sig.Type == typ {
			out = append(out, sig)
		}
	}
	return out
}

func TestPeerLink_BuffersEarlyCandidatesAndDropsStaleOffers(t *testing.T) {
	net := mempeer.NewNetwork()
	var mu sync.Mutex
	var created []*mempeer.Endpoint
	factory := func(remote domain.ParticipantID) (core.PeerChannel, error) {
		ch, err := net.Factory("b")(remote)
		mu.Lock()
		created = append(created, ch.(*mempeer.Endpoint))
		mu.Unlock()
		return ch, err
	}
	sent := &sentSignals{}
	link := newPeerLink(linkParams{
		local:      "b",
		remote:     "a",
		cfg:        DefaultConfig(),
		clock:      clockwork.NewRealClock(),
		factory:    factory,
		sendSignal: sent.send,
	})
	defer link.Close()
	if link.Initiator() {
		t.Fatal("b must not initiate towards a")
	}

	remote, _ := net.Factory("a")("b")
	offer, err := remote.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	cand := core.Candidate{Candidate: "candidate:7 1 udp 1 10.0.0.1 5000 typ host"}
	link.Deliver(core.Signal{Type: core.SignalCandidate, Attempt: 2, Candidate: &cand})
	link.Deliver(core.Signal{Type: core.SignalOffer, Attempt: 2, SDP: offer})

	eventually(t, "answer", func() bool { return len(sent.ofType(core.SignalAnswer)) == 1 })
	answer := sent.ofType(core.SignalAnswer)[0]
	if answer.Attempt != 2 {
		t.Fatalf("answer attempt = %d, want 2", answer.Attempt)
	}
	mu.Lock()
	ep := created[0]
	mu.Unlock()
	if got := ep.Candidates(); len(got) != 1 || got[0].Candidate != cand.Candidate {
		t.Fatalf("applied candidates = %v, want the buffered one", got)
	}

	link.Deliver(core.Signal{Type: core.SignalOffer, Attempt: 1, SDP: "stale"})
	if err := remote.AcceptAnswer(answer.SDP); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	eventually(t, "connected", func() bool { return link.State() == Connected })
	mu.Lock()
	n := len(created)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("channels created = %d, want 1", n)
	}
}
