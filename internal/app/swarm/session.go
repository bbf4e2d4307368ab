// Package swarm wires one participant's synchronizer, delivery engine, mesh
// coordinator and router into a Session.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Swarm/internal/app/mesh"
	"github.com/dkeye/Swarm/internal/app/router"
	"github.com/dkeye/Swarm/internal/app/schedule"
	"github.com/dkeye/Swarm/internal/app/timesync"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrHubClosed  = errors.New("hub connection closed")
	ErrNotStarted = errors.New("session not started")
	ErrClosed     = errors.New("session closed")
)

const leaveTimeout = 2 * time.Second

type Config struct {
	Sync              timesync.Config
	Schedule          schedule.Config
	Mesh              mesh.Config
	PropagationBuffer time.Duration
	AlwaysRelay       bool
}

func DefaultConfig() Config {
	return Config{
		Sync:              timesync.DefaultConfig(),
		Schedule:          schedule.DefaultConfig(),
		Mesh:              mesh.DefaultConfig(),
		PropagationBuffer: time.Second,
		AlwaysRelay:       true,
	}
}

// Transport is what a Session needs from the outside world.
type Transport struct {
	Hub       core.HubRelay
	Reference core.ReferenceClock
	Peers     core.PeerFactory
	Clock     clockwork.Clock
}

type Handler func(core.Message)

// Status is the application's view of a running session.
type Status struct {
	Swarm  domain.SwarmID     `json:"swarm"`
	Self   domain.Participant `json:"self"`
	Sync   timesync.State     `json:"sync"`
	Links  []mesh.LinkInfo    `json:"links"`
	Engine schedule.Stats     `json:"engine"`
	Router router.Stats       `json:"router"`
}

// Session is one participant in one swarm.
type Session struct {
	swarm domain.SwarmID
	self  domain.Participant
	cfg   Config
	hub   core.HubRelay

	sync   *timesync.Synchronizer
	engine *schedule.Engine
	mesh   *mesh.Coordinator
	router *router.Router

	mu       sync.RWMutex
	handlers map[core.Kind]Handler
	started  bool
	closed   bool

	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func New(swarm domain.SwarmID, self domain.Participant, cfg Config, t Transport) (*Session, error) {
	if err := self.Validate(); err != nil {
		return nil, fmt.Errorf("participant: %w", err)
	}
	if err := swarm.Validate(); err != nil {
		return nil, fmt.Errorf("swarm: %w", err)
	}
	if t.Hub == nil || t.Reference == nil || t.Peers == nil {
		return nil, errors.New("transport is incomplete")
	}
	if t.Clock == nil {
		t.Clock = clockwork.NewRealClock()
	}
	if cfg.PropagationBuffer < 0 {
		cfg.PropagationBuffer = 0
	}

	s := &Session{
		swarm:    swarm,
		self:     self,
		cfg:      cfg,
		hub:      t.Hub,
		handlers: make(map[core.Kind]Handler),
		done:     make(chan struct{}),
	}
	s.sync = timesync.New(t.Reference, t.Clock, cfg.Sync)
	s.engine = schedule.NewEngine(s.sync, t.Clock, cfg.Schedule)
	s.engine.OnDeliver(s.dispatch)

	s.router = router.New(router.Options{
		Self:            self.ID,
		Hub:             t.Hub,
		Engine:          s.engine,
		Clock:           t.Clock,
		DedupeRetention: cfg.Schedule.Retention,
		AlwaysRelay:     cfg.AlwaysRelay,
		OnSignal: func(from domain.ParticipantID, sig core.Signal) {
			s.mesh.HandleSignal(from, sig)
		},
	})
	s.mesh = mesh.NewCoordinator(self.ID, mesh.Options{
		Config:    cfg.Mesh,
		Clock:     t.Clock,
		Factory:   t.Peers,
		Signals:   s.router.SendSignal,
		OnMessage: s.router.HandleInbound,
		OnLinkState: func(remote domain.ParticipantID, st mesh.State) {
			log.Debug().Str("module", "swarm").Str("peer", string(remote)).Str("state", st.String()).Msg("link state")
		},
	})
	s.router.SetDirect(s.mesh)

	for _, k := range []core.Kind{core.KindAudioCue, core.KindDrawStroke, core.KindTextCue} {
		s.router.Handle(k, s.dispatch)
	}
	return s, nil
}

func (s *Session) Self() domain.Participant { return s.self }
func (s *Session) Swarm() domain.SwarmID    { return s.swarm }

// Handle registers the presentation callback for one message kind. It
// receives scheduled messages at their target time and unscheduled ones on
// arrival.
func (s *Session) Handle(kind core.Kind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Session) dispatch(msg core.Message) {
	s.mu.RLock()
	h := s.handlers[msg.Kind()]
	s.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

// Start joins the swarm, runs the first clock sync and then keeps the
// session running in the background until Close or ctx ends. Close may be
// called while Start is still joining or syncing; Start then returns an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	abort := func(err error) error {
		stop()
		cancel()
		close(s.done)
		return err
	}

	if err := s.hub.Join(runCtx, s.swarm, s.self); err != nil {
		return abort(fmt.Errorf("join %s: %w", s.swarm, err))
	}
	if _, err := s.sync.Synchronize(runCtx); err != nil && runCtx.Err() == nil {
		log.Warn().Err(err).Str("module", "swarm").Msg("initial clock sync failed, continuing unsynchronized")
	}
	if err := runCtx.Err(); err != nil {
		return abort(fmt.Errorf("start %s: %w", s.swarm, err))
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.pump(gctx) })
	g.Go(func() error {
		if err := s.sync.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	go func() {
		s.err = g.Wait()
		stop()
		close(s.done)
	}()

	log.Info().Str("module", "swarm").Str("swarm", string(s.swarm)).Str("participant", string(s.self.ID)).Msg("session started")
	return nil
}

func (s *Session) pump(ctx context.Context) error {
	events := s.hub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrHubClosed
			}
			switch ev.Kind {
			case core.EventJoined:
				s.mesh.HandleJoined(ev.Participant)
			case core.EventLeft:
				s.mesh.HandleLeft(ev.Participant.ID)
			case core.EventRelayed:
				s.router.HandleInbound(ev.From, ev.Data)
			}
		}
	}
}

// Done is closed when the background loops have stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session stopped, once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Now is the current estimate of the reference time.
func (s *Session) Now() time.Time { return s.sync.EstimatedReferenceTime() }

// Resync asks for an extra clock round.
func (s *Session) Resync() { s.sync.Resync() }

// Cue schedules p for everyone, self included, one propagation buffer from now.
func (s *Session) Cue(ctx context.Context, p core.Payload) (core.Message, error) {
	return s.Schedule(ctx, p, s.Now().Add(s.cfg.PropagationBuffer))
}

// Schedule presents p on every device at reference time target.
func (s *Session) Schedule(ctx context.Context, p core.Payload, target time.Time) (core.Message, error) {
	if !s.running() {
		return core.Message{}, ErrNotStarted
	}
	msg, err := core.NewScheduled(s.self.ID, p, target, s.Now())
	if err != nil {
		return core.Message{}, err
	}
	if _, err := s.engine.Schedule(msg); err != nil {
		return msg, fmt.Errorf("schedule locally: %w", err)
	}
	if _, err := s.router.Send(ctx, domain.Broadcast, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Send delivers p on arrival to one participant or, with domain.Broadcast,
// to everyone else.
func (s *Session) Send(ctx context.Context, to domain.ParticipantID, p core.Payload) (core.Message, error) {
	if !s.running() {
		return core.Message{}, ErrNotStarted
	}
	msg := core.NewImmediate(s.self.ID, p)
	_, err := s.router.Send(ctx, to, msg)
	return msg, err
}

func (s *Session) running() bool {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) Status() Status {
	return Status{
		Swarm:  s.swarm,
		Self:   s.self,
		Sync:   s.sync.State(),
		Links:  s.mesh.Links(),
		Engine: s.engine.Stats(),
		Router: s.router.Stats(),
	}
}

// Close cancels pending deliveries, closes every peer link and leaves the
// hub, in that order.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.engine.Close()

		s.mu.Lock()
		s.closed = true
		started, cancel := s.started, s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started {
			<-s.done
		}
		s.mesh.Close()

		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if lerr := s.hub.Leave(ctx); lerr != nil {
			err = fmt.Errorf("leave: %w", lerr)
		}
		log.Info().Str("module", "swarm").Str("participant", string(s.self.ID)).Msg("session closed")
	})
	return err
}
