package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Swarm/internal/app/orch"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

var ErrConnClosed = errors.New("connection closed")

type Options struct {
	// Clock is the hub's reference clock.
	Clock       clockwork.Clock
	ReadLimit   int64
	PingPeriod  time.Duration
	RelayLimit  int
	RelayWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		Clock:       clockwork.NewRealClock(),
		ReadLimit:   32768,
		PingPeriod:  54 * time.Second,
		RelayLimit:  200,
		RelayWindow: time.Second,
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	opts    Options
	limiter *RelayRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	def := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = def.PingPeriod
	}
	if opts.RelayLimit <= 0 {
		opts.RelayLimit = def.RelayLimit
	}
	if opts.RelayWindow <= 0 {
		opts.RelayWindow = def.RelayWindow
	}
	return &SignalWSController{
		Orch:    o,
		opts:    opts,
		limiter: NewRelayRateLimiter(opts.Clock, opts.RelayLimit, opts.RelayWindow),
	}
}

// ReferenceNow reads the hub's reference clock.
func (ctl *SignalWSController) ReferenceNow() time.Time { return ctl.opts.Clock.Now() }

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *SignalWSController) broadcast(room core.RoomService, from core.SessionID, v any) {
	b, err := marshal(v)
	if err != nil {
		return
	}
	ctl.Orch.Publish(room, from, b)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves one hub connection. Every
// connection gets its own session id under the client token.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token") + "/" + uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	sess := core.NewMemberSession(domain.NewMember(domain.Participant{}), conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

// disconnect runs once per connection after its read pump ends.
func (ctl *SignalWSController) disconnect(sid core.SessionID) {
	ctl.Orch.Leave(sid, func(room core.RoomService, p domain.Participant) {
		ctl.broadcastLeft(room, sid, p)
	})
	ctl.Orch.Registry.Unbind(sid)
	ctl.limiter.Forget(sid)
}
