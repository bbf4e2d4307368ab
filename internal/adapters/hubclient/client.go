// Package hubclient speaks the hub's websocket protocol. A Client is both the
// relay path and the reference clock of one participant.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Swarm/internal/adapters/hubproto"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 5 * time.Second
	sendBuffer   = 256
	eventsBuffer = 1024
)

var (
	ErrClosed       = errors.New("hub connection closed")
	ErrJoinRejected = errors.New("join rejected")
	ErrNotJSON      = errors.New("relay data is not JSON")
)

type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan core.HubEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	joined  bool
	joinRes chan error
	leftRes chan struct{}
	probes  map[string]chan int64
}

var (
	_ core.HubRelay       = (*Client)(nil)
	_ core.ReferenceClock = (*Client)(nil)
)

// Dial connects to the hub's signal endpoint and starts the pumps.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		events: make(chan core.HubEvent, eventsBuffer),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		probes: make(map[string]chan int64),
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "hubclient").Str("url", url).Msg("connected")
	return c, nil
}

func (c *Client) Events() <-chan core.HubEvent { return c.events }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Join(ctx context.Context, swarm domain.SwarmID, self domain.Participant) error {
	res := make(chan error, 1)
	c.mu.Lock()
	if c.joined || c.joinRes != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJoinRejected, hubproto.ErrAlreadyJoined)
	}
	c.joinRes = res
	c.mu.Unlock()

	if err := c.enqueue(ctx, hubproto.Join{Type: hubproto.TypeJoin, Swarm: swarm, Participant: self}); err != nil {
		c.clearJoin()
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		c.clearJoin()
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) clearJoin() {
	c.mu.Lock()
	c.joinRes = nil
	c.mu.Unlock()
}

// Leave leaves the swarm and closes the connection, which closes Events.
func (c *Client) Leave(ctx context.Context) error {
	defer c.Close()

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	left := make(chan struct{})
	c.leftRes = left
	c.mu.Unlock()

	if err := c.enqueue(ctx, hubproto.Envelope{Type: hubproto.TypeLeave}); err != nil {
		return err
	}
	select {
	case <-left:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Relay hands data to the hub. The hub reports delivery problems
// asynchronously; they are only logged.
func (c *Client) Relay(ctx context.Context, to domain.ParticipantID, data []byte) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return core.ErrNotJoined
	}
	if !json.Valid(data) {
		return ErrNotJSON
	}
	return c.enqueue(ctx, hubproto.Relay{Type: hubproto.TypeRelay, To: to, Data: json.RawMessage(data)})
}

// Probe asks the hub for its reference time. Replies are matched by id, so
// concurrent probes are fine.
func (c *Client) Probe(ctx context.Context, _ time.Time) (time.Time, error) {
	id := uuid.NewString()
	reply := make(chan int64, 1)
	c.mu.Lock()
	c.probes[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.probes, id)
		c.mu.Unlock()
	}()

	if err := c.enqueue(ctx, hubproto.TimeProbe{Type: hubproto.TypeTimeProbe, ID: id}); err != nil {
		return time.Time{}, err
	}
	select {
	case ns := <-reply:
		return time.Unix(0, ns), nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-c.ctx.Done():
		return time.Time{}, ErrClosed
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
	<-c.done
}

func (c *Client) enqueue(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}
