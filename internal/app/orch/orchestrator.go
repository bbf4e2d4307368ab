package orch

import (
	"errors"
	"sync"

	"github.com/dkeye/Swarm/internal/app"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyJoined  = errors.New("already joined a swarm")
	ErrUnknownSession = errors.New("unknown session")
)

// Orchestrator applies hub operations across the registry and swarm rooms.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy

	// membership serializes joins and leaves so an emptied swarm is never
	// dropped under a concurrent joiner.
	membership sync.Mutex
}

// Relay forwards an already encoded frame from sid to one member or, with
// domain.Broadcast, to every other member of sid's swarm.
func (o *Orchestrator) Relay(sid core.SessionID, to domain.ParticipantID, data core.Frame) error {
	swarmID, _, ok := o.Registry.SwarmOf(sid)
	if !ok {
		return core.ErrNotJoined
	}
	room, ok := o.Rooms.GetRoom(swarmID)
	if !ok {
		return core.ErrNotJoined
	}

	if to == domain.Broadcast {
		o.Publish(room, sid, data)
		return nil
	}

	target, err := room.SendTo(to, data)
	if errors.Is(err, core.ErrBackpressure) {
		o.onBackpressure(room, target)
	}
	return err
}

// Publish sends data to every member of room except from and applies the
// backpressure policy to members that could not take it.
func (o *Orchestrator) Publish(room core.RoomService, from core.SessionID, data core.Frame) core.PublishResult {
	res := room.Broadcast(from, data)
	for _, slow := range res.Dropped {
		o.onBackpressure(room, slow)
	}
	return res
}

func (o *Orchestrator) onBackpressure(room core.RoomService, slow core.MemberSession) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, slow) {
	case app.KickMember:
		if sid, ok := o.Registry.SIDOf(slow); ok {
			log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("swarm", string(room.Swarm().ID)).Msg("kicking slow member")
			o.KickBySID(sid)
		}
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}
