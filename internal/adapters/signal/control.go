package signal

import (
	"encoding/json"

	"github.com/dkeye/Swarm/internal/adapters/hubproto"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	ctl.sendJSON(conn, hubproto.Envelope{Type: hubproto.TypePong})
}

// handleTimeProbe answers with the reference clock read as late as possible.
func (ctl *SignalWSController) handleTimeProbe(
	conn *WsSignalConn,
	data []byte,
) {
	var p hubproto.TimeProbe
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		log.Debug().Err(err).Str("module", "signal").Msg("bad time probe")
		ctl.sendError(conn, hubproto.ErrBadPayload, hubproto.TypeTimeProbe)
		return
	}
	ctl.sendJSON(conn, hubproto.Time{
		Type:        hubproto.TypeTime,
		ID:          p.ID,
		ServerNanos: ctl.opts.Clock.Now().UnixNano(),
	})
}
