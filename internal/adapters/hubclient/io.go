package hubclient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Swarm/internal/adapters/hubproto"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Client) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "hubclient").Msg("writePump set deadline")
				c.cancel()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "hubclient").Msg("writePump write error")
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		_ = c.conn.Close()
		close(c.events)
		close(c.done)
		log.Info().Str("module", "hubclient").Msg("readPump closed")
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "hubclient").Msg("readPump read error")
			}
			return
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame dispatches one hub frame. It returns false once the client is
// shutting down.
func (c *Client) handleFrame(data []byte) bool {
	var env hubproto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "hubclient").Msg("bad json")
		return true
	}

	switch env.Type {
	case hubproto.TypeJoined:
		var p hubproto.Joined
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		for _, m := range p.Members {
			if !c.push(core.HubEvent{Kind: core.EventJoined, Participant: m}) {
				return false
			}
		}
		c.mu.Lock()
		c.joined = true
		res := c.joinRes
		c.joinRes = nil
		c.mu.Unlock()
		if res != nil {
			res <- nil
		}
	case hubproto.TypeLeft:
		c.mu.Lock()
		c.joined = false
		left := c.leftRes
		c.leftRes = nil
		c.mu.Unlock()
		if left != nil {
			close(left)
		}
	case hubproto.TypeMemberJoined, hubproto.TypeMemberLeft:
		var p hubproto.Member
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		kind := core.EventJoined
		if env.Type == hubproto.TypeMemberLeft {
			kind = core.EventLeft
		}
		return c.push(core.HubEvent{Kind: kind, Participant: p.Participant})
	case hubproto.TypeRelayed:
		var p hubproto.Relayed
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		return c.push(core.HubEvent{Kind: core.EventRelayed, From: p.From, Data: []byte(p.Data)})
	case hubproto.TypeTime:
		var p hubproto.Time
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		c.mu.Lock()
		reply, ok := c.probes[p.ID]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- p.ServerNanos:
			default:
			}
		}
	case hubproto.TypeError:
		var p hubproto.Error
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		c.handleError(p)
	case hubproto.TypePong:
	default:
		log.Debug().Str("module", "hubclient").Str("type", env.Type).Msg("unknown frame")
	}
	return true
}

func (c *Client) handleError(p hubproto.Error) {
	if p.Ref != hubproto.TypeJoin {
		log.Debug().Str("module", "hubclient").Str("code", p.Error).Str("ref", p.Ref).Msg("hub error")
		return
	}
	c.mu.Lock()
	res := c.joinRes
	c.joinRes = nil
	c.mu.Unlock()
	if res == nil {
		return
	}
	if p.Error == hubproto.ErrIDTaken {
		res <- core.ErrDuplicateMember
		return
	}
	res <- fmt.Errorf("%w: %s", ErrJoinRejected, p.Error)
}

func (c *Client) push(ev core.HubEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
