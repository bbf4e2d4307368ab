package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Swarm/internal/app/schedule"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/jonboulle/clockwork"
)

type relayCall struct {
	to   domain.ParticipantID
	data []byte
}

type fakeHub struct {
	mu    sync.Mutex
	calls []relayCall
	err   error
}

func (h *fakeHub) Join(context.Context, domain.SwarmID, domain.Participant) error { return nil }
func (h *fakeHub) Leave(context.Context) error                                  { return nil }
func (h *fakeHub) Events() <-chan core.HubEvent                                  { return nil }

func (h *fakeHub) Relay(_ context.Context, to domain.ParticipantID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, relayCall{to: to, data: data})
	return h.err
}

func (h *fakeHub) Calls() []relayCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]relayCall(nil), h.calls...)
}

type fakePeer struct {
	id   domain.ParticipantID
	err  error
	sent [][]byte
}

func (p *fakePeer) Remote() domain.ParticipantID { return p.id }

func (p *fakePeer) Send(data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, data)
	return nil
}

type fakeDirect struct{ peers []*fakePeer }

func (d *fakeDirect) OpenPeer(id domain.ParticipantID) (core.DirectPeer, bool) {
	for _, p := range d.peers {
		if p.id == id {
			return p, true
		}
	}
	return nil, false
}

func (d *fakeDirect) OpenPeers() []core.DirectPeer {
	out := make([]core.DirectPeer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

type fakeEngine struct {
	mu  sync.Mutex
	got []core.Message
}

func (e *fakeEngine) Schedule(m core.Message) (schedule.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, m)
	return schedule.Scheduled, nil
}

func newTestRouter(hub core.HubRelay, direct core.DirectPaths, engine Scheduler, alwaysRelay bool) *Router {
	return New(Options{
		Self:        "alice",
		Hub:         hub,
		Direct:      direct,
		Engine:      engine,
		Clock:       clockwork.NewFakeClock(),
		AlwaysRelay: alwaysRelay,
	})
}

func TestSend_BroadcastFansOutDespiteOneFailure(t *testing.T) {
	hub := &fakeHub{}
	bad := &fakePeer{id: "bob", err: errors.New("channel gone")}
	good := &fakePeer{id: "carol"}
	r := newTestRouter(hub, &fakeDirect{peers: []*fakePeer{bad, good}}, nil, true)

	rep, err := r.Send(context.Background(), domain.Broadcast, core.NewImmediate("alice", core.TextCue{Text: "hi"}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rep.Direct != 1 || rep.DirectFailed != 1 || !rep.Relayed {
		t.Fatalf("Report = %+v, want 1 direct, 1 failed, relayed", rep)
	}
	if len(good.sent) != 1 {
		t.Fatalf("carol got %d frames, want 1", len(good.sent))
	}
	calls := hub.Calls()
	if len(calls) != 1 || calls[0].to != domain.Broadcast {
		t.Fatalf("relay calls = %+v, want exactly one broadcast", calls)
	}
}

func TestSend_UnicastPaths(t *testing.T) {
	tests := []struct {
		name        string
		alwaysRelay bool
		peer        *fakePeer
		wantDirect  int
		wantRelayed bool
	}{
		{"always relay with open channel", true, &fakePeer{id: "bob"}, 1, true},
		{"direct only", false, &fakePeer{id: "bob"}, 1, false},
		{"direct failure falls back", false, &fakePeer{id: "bob", err: errors.New("closed")}, 0, true},
		{"no channel uses relay", false, nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := &fakeHub{}
			direct := &fakeDirect{}
			if tt.peer != nil {
				direct.peers = append(direct.peers, tt.peer)
			}
			r := newTestRouter(hub, direct, nil, tt.alwaysRelay)

			rep, err := r.Send(context.Background(), "bob", core.NewImmediate("alice", core.TextCue{Text: "x"}))
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if rep.Direct != tt.wantDirect || rep.Relayed != tt.wantRelayed {
				t.Fatalf("Report = %+v, want direct=%d relayed=%v", rep, tt.wantDirect, tt.wantRelayed)
			}
			if tt.wantRelayed {
				if calls := hub.Calls(); len(calls) != 1 || calls[0].to != "bob" {
					t.Fatalf("relay calls = %+v, want one to bob", calls)
				}
			}
		})
	}
}

func TestSend_AllPathsFail(t *testing.T) {
	hub := &fakeHub{err: errors.New("hub down")}
	r := newTestRouter(hub, &fakeDirect{}, nil, true)
	_, err := r.Send(context.Background(), "bob", core.NewImmediate("alice", core.TextCue{Text: "x"}))
	if !errors.Is(err, ErrUndelivered) {
		t.Fatalf("err = %v, want ErrUndelivered", err)
	}
}

func TestHandleInbound_DeliversOncePerID(t *testing.T) {
	engine := &fakeEngine{}
	r := newTestRouter(&fakeHub{}, nil, engine, true)
	var texts []core.Message
	r.Handle(core.KindTextCue, func(m core.Message) { texts = append(texts, m) })

	now := time.Now()
	cue, _ := core.NewScheduled("bob", core.AudioCue{ClipID: "gong"}, now.Add(time.Second), now)
	text := core.NewImmediate("bob", core.TextCue{Text: "hello"})
	for _, m := range []core.Message{cue, text} {
		data, err := core.EncodeMessage(m)
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		r.HandleInbound("bob", data) // direct
		r.HandleInbound("bob", data) // relay
	}

	if len(engine.got) != 1 || engine.got[0].ID != cue.ID {
		t.Fatalf("engine got %d messages, want the cue once", len(engine.got))
	}
	if len(texts) != 1 || texts[0].ID != text.ID {
		t.Fatalf("text handler got %d messages, want 1", len(texts))
	}
	if s := r.Stats(); s.Duplicates != 2 || s.Received != 2 {
		t.Fatalf("Stats() = %+v, want 2 received, 2 duplicates", s)
	}
}

func TestHandleInbound_PathSenderWins(t *testing.T) {
	r := newTestRouter(&fakeHub{}, nil, nil, true)
	var got core.Message
	r.Handle(core.KindDrawStroke, func(m core.Message) { got = m })

	data, _ := core.EncodeMessage(core.NewImmediate("mallory", core.DrawStroke{Points: []core.Point{{X: 1, Y: 2}}}))
	r.HandleInbound("bob", data)
	if got.From != "bob" {
		t.Fatalf("From = %q, want bob", got.From)
	}
}

func TestHandleInbound_SignalsAndGarbage(t *testing.T) {
	var from domain.ParticipantID
	var sig core.Signal
	r := New(Options{
		Self:     "alice",
		Hub:      &fakeHub{},
		Clock:    clockwork.NewFakeClock(),
		OnSignal: func(f domain.ParticipantID, s core.Signal) { from, sig = f, s },
	})

	data, _ := core.EncodeMessage(core.NewImmediate("bob", core.Signal{Type: core.SignalOffer, Attempt: 3, SDP: "v=0"}))
	r.HandleInbound("bob", data)
	if from != "bob" || sig.Type != core.SignalOffer || sig.Attempt != 3 {
		t.Fatalf("OnSignal got (%q, %+v)", from, sig)
	}

	r.HandleInbound("bob", []byte("{garbage"))
	if r.Stats().Malformed != 1 {
		t.Fatalf("Malformed = %d, want 1", r.Stats().Malformed)
	}
}

func TestSendSignal_GoesThroughHub(t *testing.T) {
	hub := &fakeHub{}
	peer := &fakePeer{id: "bob"}
	r := newTestRouter(hub, &fakeDirect{peers: []*fakePeer{peer}}, nil, false)

	if err := r.SendSignal(context.Background(), "bob", core.Signal{Type: core.SignalAnswer, Attempt: 1, SDP: "v=0"}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if len(peer.sent) != 0 {
		t.Fatal("signal took the direct path")
	}
	calls := hub.Calls()
	if len(calls) != 1 {
		t.Fatalf("relay calls = %d, want 1", len(calls))
	}
	msg, err := core.DecodeMessage(calls[0].data)
	if err != nil || msg.Kind() != core.KindSignal {
		t.Fatalf("relayed frame = (%v, %v), want a signal", msg.Kind(), err)
	}
}
