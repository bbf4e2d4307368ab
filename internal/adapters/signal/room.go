package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Swarm/internal/adapters/hubproto"
	"github.com/dkeye/Swarm/internal/app/orch"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p hubproto.Join
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, hubproto.ErrBadPayload, hubproto.TypeJoin)
		return
	}
	if err := p.Swarm.Validate(); err != nil {
		ctl.sendError(conn, hubproto.ErrBadPayload, hubproto.TypeJoin)
		return
	}
	if err := p.Participant.Validate(); err != nil {
		ctl.sendError(conn, hubproto.ErrInvalidParticipant, hubproto.TypeJoin)
		return
	}

	_, err := ctl.Orch.Join(sid, p.Swarm, p.Participant, func(room core.RoomService) {
		members := room.MembersSnapshot()
		others := make([]domain.Participant, 0, len(members))
		for _, m := range members {
			if m.ID != p.Participant.ID {
				others = append(others, m)
			}
		}
		ctl.sendJSON(conn, hubproto.Joined{
			Type:    hubproto.TypeJoined,
			Swarm:   p.Swarm,
			Self:    p.Participant,
			Members: others,
		})
		ctl.broadcast(room, sid, hubproto.Member{Type: hubproto.TypeMemberJoined, Participant: p.Participant})
	})
	switch {
	case err == nil:
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("swarm", string(p.Swarm)).Str("participant", string(p.Participant.ID)).Msg("join")
	case errors.Is(err, orch.ErrAlreadyJoined):
		ctl.sendError(conn, hubproto.ErrAlreadyJoined, hubproto.TypeJoin)
	case errors.Is(err, core.ErrDuplicateMember):
		ctl.sendError(conn, hubproto.ErrIDTaken, hubproto.TypeJoin)
	default:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join failed")
		ctl.sendError(conn, hubproto.ErrNotJoined, hubproto.TypeJoin)
	}
}

// handleLeave leaves the current swarm; the connection stays open.
func (ctl *SignalWSController) handleLeave(
	sid core.SessionID,
	conn *WsSignalConn,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(sid, func(room core.RoomService, p domain.Participant) {
		ctl.broadcastLeft(room, sid, p)
	})
	ctl.sendJSON(conn, hubproto.Envelope{Type: hubproto.TypeLeft})
}

func (ctl *SignalWSController) broadcastLeft(room core.RoomService, sid core.SessionID, p domain.Participant) {
	ctl.broadcast(room, sid, hubproto.Member{Type: hubproto.TypeMemberLeft, Participant: p})
}
