package orch

import (
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join puts sid into a swarm as participant p. announce runs under the
// membership lock, so frames it sends are ordered against other joins and
// leaves.
func (o *Orchestrator) Join(sid core.SessionID, swarmID domain.SwarmID, p domain.Participant, announce func(core.RoomService)) (core.RoomService, error) {
	o.membership.Lock()
	defer o.membership.Unlock()
	if current, _, ok := o.Registry.SwarmOf(sid); ok {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("swarm", string(current)).Msg("join refused, already in swarm")
		return nil, ErrAlreadyJoined
	}
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, ErrUnknownSession
	}
	session.Meta().Participant = p

	room := o.Rooms.GetOrCreate(swarmID)
	if err := room.AddMember(sid, session); err != nil {
		if room.MemberCount() == 0 {
			o.Rooms.StopRoom(swarmID)
		}
		return nil, err
	}
	o.Registry.UpdateSwarm(sid, swarmID)
	if announce != nil {
		announce(room)
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("swarm", string(swarmID)).Str("participant", string(p.ID)).Msg("added to swarm")
	return room, nil
}

// Leave removes sid from its swarm. Empty swarms are dropped. announce runs
// under the membership lock after the removal.
func (o *Orchestrator) Leave(sid core.SessionID, announce func(core.RoomService, domain.Participant)) (core.RoomService, domain.Participant, bool) {
	o.membership.Lock()
	defer o.membership.Unlock()
	swarmID, _, ok := o.Registry.SwarmOf(sid)
	if !ok {
		return nil, domain.Participant{}, false
	}
	o.Registry.RemoveSwarm(sid)
	room, ok := o.Rooms.GetRoom(swarmID)
	if !ok {
		return nil, domain.Participant{}, false
	}
	p, ok := room.RemoveMember(sid)
	if ok && announce != nil {
		announce(room, p)
	}
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(swarmID)
		log.Info().Str("module", "orch").Str("swarm", string(swarmID)).Msg("swarm emptied")
	}
	return room, p, ok
}

// KickBySID ends the connection; its disconnect path does the leave.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Registry.Cancel(sid)
}

// EvictSwarm disconnects every member of a swarm.
func (o *Orchestrator) EvictSwarm(id domain.SwarmID) {
	for _, snap := range o.Registry.MembersOfSwarm(id) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(id)
}
