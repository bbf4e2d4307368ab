package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Swarm/internal/domain"
)

var ErrNotJoined = errors.New("not joined")

type HubEventKind int

const (
	EventJoined HubEventKind = iota
	EventLeft
	EventRelayed
)

func (k HubEventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventRelayed:
		return "relayed"
	}
	return "unknown"
}

// HubEvent is one inbound item from the hub: a membership change or a
// relayed message. From is stamped by the hub, never by the sender.
type HubEvent struct {
	Kind        HubEventKind
	Participant domain.Participant
	From        domain.ParticipantID
	Data        []byte
}

// HubRelay is the always-available indirect path through the hub, scoped to
// one swarm. After Join the relay emits EventJoined for every member already
// present, then membership changes and relayed messages in hub order.
type HubRelay interface {
	Join(ctx context.Context, swarm domain.SwarmID, self domain.Participant) error
	Leave(ctx context.Context) error
	// Relay sends opaque bytes to one participant, or to all others when
	// to is domain.Broadcast.
	Relay(ctx context.Context, to domain.ParticipantID, data []byte) error
	// Events is closed when the hub connection ends.
	Events() <-chan HubEvent
}

// ReferenceClock answers a probe with the hub's clock reading.
type ReferenceClock interface {
	Probe(ctx context.Context, localSend time.Time) (time.Time, error)
}
