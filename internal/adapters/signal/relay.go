package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Swarm/internal/adapters/hubproto"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards opaque data to one member or the whole swarm. The
// sender id on the delivered frame is taken from the join, never from the
// request.
func (ctl *SignalWSController) handleRelay(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	if !ctl.limiter.Allow(sid) {
		ctl.sendError(conn, hubproto.ErrRateLimited, hubproto.TypeRelay)
		return
	}
	var p hubproto.Relay
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" || len(p.Data) == 0 {
		log.Debug().Err(err).Str("module", "signal").Msg("bad relay payload")
		ctl.sendError(conn, hubproto.ErrBadPayload, hubproto.TypeRelay)
		return
	}
	_, sess, ok := ctl.Orch.Registry.SwarmOf(sid)
	if !ok {
		ctl.sendError(conn, hubproto.ErrNotJoined, hubproto.TypeRelay)
		return
	}

	frame, err := marshal(hubproto.Relayed{
		Type: hubproto.TypeRelayed,
		From: sess.Meta().Participant.ID,
		Data: p.Data,
	})
	if err != nil {
		return
	}

	err = ctl.Orch.Relay(sid, p.To, frame)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrUnknownMember):
		ctl.sendError(conn, hubproto.ErrUnknownTarget, hubproto.TypeRelay)
	case errors.Is(err, core.ErrNotJoined):
		ctl.sendError(conn, hubproto.ErrNotJoined, hubproto.TypeRelay)
	default:
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("to", string(p.To)).Msg("relay not delivered")
	}
}
