package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Swarm/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func member(id domain.ParticipantID) (MemberSession, *fakeConn) {
	conn := &fakeConn{}
	return NewMemberSession(domain.NewMember(domain.Participant{ID: id, Name: string(id)}), conn), conn
}

func TestRoom_AddMemberRejectsTakenParticipant(t *testing.T) {
	room := NewRoomService(&domain.Swarm{ID: "s"})
	a, _ := member("alice")
	imposter, _ := member("alice")

	if err := room.AddMember("sid-a", a); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := room.AddMember("sid-x", imposter); !errors.Is(err, ErrDuplicateMember) {
		t.Fatalf("AddMember duplicate err = %v, want ErrDuplicateMember", err)
	}
	if got := room.MemberCount(); got != 1 {
		t.Fatalf("MemberCount() = %d, want 1", got)
	}

	p, ok := room.RemoveMember("sid-a")
	if !ok || p.ID != "alice" {
		t.Fatalf("RemoveMember = (%+v, %v), want alice", p, ok)
	}
	if err := room.AddMember("sid-x", imposter); err != nil {
		t.Fatalf("AddMember after leave: %v", err)
	}
}

func TestRoom_BroadcastSkipsSenderAndReportsDropped(t *testing.T) {
	room := NewRoomService(&domain.Swarm{ID: "s"})
	a, ca := member("alice")
	b, cb := member("bob")
	c, cc := member("carol")
	cc.full = true
	for sid, m := range map[SessionID]MemberSession{"a": a, "b": b, "c": c} {
		if err := room.AddMember(sid, m); err != nil {
			t.Fatalf("AddMember(%s): %v", sid, err)
		}
	}

	res := room.Broadcast("a", Frame(`{}`))
	if res.SendTo != 1 || len(res.Dropped) != 1 || res.Dropped[0] != c {
		t.Fatalf("Broadcast = %+v, want 1 sent and carol dropped", res)
	}
	if ca.count() != 0 || cb.count() != 1 {
		t.Fatalf("frames alice=%d bob=%d, want 0 and 1", ca.count(), cb.count())
	}

	if _, err := room.SendTo("dave", Frame(`{}`)); !errors.Is(err, ErrUnknownMember) {
		t.Fatalf("SendTo unknown err = %v, want ErrUnknownMember", err)
	}
	got := room.MembersSnapshot()
	if len(got) != 3 || got[0].ID != "alice" || got[2].ID != "carol" {
		t.Fatalf("MembersSnapshot() = %+v, want sorted alice..carol", got)
	}
}
