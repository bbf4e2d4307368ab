// Package timesync estimates the offset between the local clock and the
// hub's reference clock.
package timesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSamples   = errors.New("no clock probe completed")
	errNegativeRTT = errors.New("negative round trip")
)

const minProbes = 5

type Config struct {
	Probes       int
	ProbeTimeout time.Duration
	Interval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Probes:       7,
		ProbeTimeout: 2 * time.Second,
		Interval:     30 * time.Second,
	}
}

// State is the current offset estimate. It is replaced as a whole after every
// successful round and never edited in place.
type State struct {
	Offset    time.Duration
	RoundTrip time.Duration
	SyncedAt  time.Time
	Ready     bool
}

func (s State) OffsetMillis() float64 {
	return float64(s.Offset) / float64(time.Millisecond)
}

func (s State) RoundTripMillis() float64 {
	return float64(s.RoundTrip) / float64(time.Millisecond)
}

type Synchronizer struct {
	ref   core.ReferenceClock
	clock clockwork.Clock
	cfg   Config

	state   atomic.Pointer[State]
	samples atomic.Pointer[[]Sample]

	// round serializes Synchronize calls.
	round sync.Mutex

	kick chan struct{}
}

func New(ref core.ReferenceClock, clock clockwork.Clock, cfg Config) *Synchronizer {
	if cfg.Probes < minProbes {
		cfg.Probes = minProbes
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	s := &Synchronizer{
		ref:   ref,
		clock: clock,
		cfg:   cfg,
		kick:  make(chan struct{}, 1),
	}
	s.state.Store(&State{})
	return s
}

func (s *Synchronizer) State() State {
	return *s.state.Load()
}

// EstimatedReferenceTime is local now plus the current offset. Before the
// first round the offset is zero and State().Ready is false.
func (s *Synchronizer) EstimatedReferenceTime() time.Time {
	st := s.state.Load()
	return s.clock.Now().Add(st.Offset)
}

// Samples returns the batch of the last completed round.
func (s *Synchronizer) Samples() []Sample {
	p := s.samples.Load()
	if p == nil {
		return nil
	}
	out := make([]Sample, len(*p))
	copy(out, *p)
	return out
}

// Synchronize runs one probe round. When no probe completes the previous
// state is kept and ErrNoSamples is returned with it.
func (s *Synchronizer) Synchronize(ctx context.Context) (State, error) {
	s.round.Lock()
	defer s.round.Unlock()

	samples := s.collect(ctx)
	if len(samples) == 0 {
		prev := s.State()
		log.Warn().Str("module", "timesync").Int("probes", s.cfg.Probes).Msg("sync round abandoned, keeping previous offset")
		return prev, ErrNoSamples
	}

	best := medianByRTT(samples)
	next := &State{
		Offset:    best.Offset,
		RoundTrip: best.RoundTrip,
		SyncedAt:  s.clock.Now(),
		Ready:     true,
	}
	s.samples.Store(&samples)
	s.state.Store(next)

	log.Debug().
		Str("module", "timesync").
		Int("samples", len(samples)).
		Float64("offset_ms", next.OffsetMillis()).
		Float64("rtt_ms", next.RoundTripMillis()).
		Msg("clock synchronized")
	return *next, nil
}

// Resync asks a running Run loop for an extra round without waiting for it.
func (s *Synchronizer) Resync() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run synchronizes immediately unless a round already succeeded, then every
// Interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.State().Ready {
		if _, err := s.Synchronize(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "timesync").Msg("initial sync failed")
		}
	}

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		case <-s.kick:
		}
		if _, err := s.Synchronize(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "timesync").Msg("periodic sync failed")
		}
	}
}
