package signal

import (
	"github.com/dkeye/Swarm/internal/adapters/hubproto"
	"github.com/dkeye/Swarm/internal/core"
)

// handleWhoAmI reports the identity the hub stamps on this connection's
// relays.
func (ctl *SignalWSController) handleWhoAmI(
	sid core.SessionID,
	conn *WsSignalConn,
) {
	resp := hubproto.WhoAmI{Type: hubproto.TypeWhoAmI}
	if swarmID, sess, ok := ctl.Orch.Registry.SwarmOf(sid); ok {
		p := sess.Meta().Participant
		resp.Swarm = swarmID
		resp.Participant = &p
	}
	ctl.sendJSON(conn, resp)
}
