package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SignalSender relays one negotiation step to a remote participant.
type SignalSender func(ctx context.Context, to domain.ParticipantID, sig core.Signal) error

type eventKind int

const (
	evStart eventKind = iota
	evSignal
	evLocalCandidate
	evChannel
	evTimeout
	evRetry
)

type linkEvent struct {
	kind    eventKind
	attempt int
	sig     core.Signal
	cand    core.Candidate
	channel core.ChannelState
}

type pendingCandidate struct {
	attempt int
	cand    core.Candidate
}

type linkParams struct {
	local, remote domain.ParticipantID
	cfg           Config
	clock         clockwork.Clock
	factory       core.PeerFactory
	sendSignal    SignalSender
	onMessage     func(from domain.ParticipantID, data []byte)
	onState       func(remote domain.ParticipantID, st State)
}

// PeerLink drives the direct channel to one remote participant. All state
// transitions happen on the link's own goroutine; transport callbacks and
// relayed signals are posted to it as events.
type PeerLink struct {
	linkParams
	initiator bool
	logger    zerolog.Logger

	events chan linkEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Int32
	attemptNo atomic.Int32

	openMu sync.RWMutex
	open   core.PeerChannel

	// owned by run
	attempt   int
	retries   int
	ch        core.PeerChannel
	remoteSet bool
	pending   []pendingCandidate
	timer     clockwork.Timer
}

func newPeerLink(p linkParams) *PeerLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &PeerLink{
		linkParams: p,
		initiator:  domain.IsInitiator(p.local, p.remote),
		events:     make(chan linkEvent, 128),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	l.logger = log.With().Str("module", "mesh").Str("peer", string(p.remote)).Logger()
	go l.run()
	return l
}

func (l *PeerLink) Remote() domain.ParticipantID { return l.remote }
func (l *PeerLink) Initiator() bool               { return l.initiator }
func (l *PeerLink) State() State                  { return State(l.state.Load()) }
func (l *PeerLink) Attempt() int                  { return int(l.attemptNo.Load()) }

// Start begins the offer flow. Responders ignore it and wait for an offer.
func (l *PeerLink) Start() { l.post(linkEvent{kind: evStart}) }

// Deliver hands a relayed signal from the remote to the link.
func (l *PeerLink) Deliver(sig core.Signal) { l.post(linkEvent{kind: evSignal, sig: sig}) }

// Send writes one frame on the open channel.
func (l *PeerLink) Send(data []byte) error {
	switch l.State() {
	case Connected:
	case Closed:
		return ErrLinkClosed
	default:
		return ErrNotConnected
	}
	l.openMu.RLock()
	ch := l.open
	l.openMu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	if err := ch.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", l.remote, err)
	}
	return nil
}

// Close tears the link down and waits until its transport is released.
// It is idempotent and must not be called from a link callback.
func (l *PeerLink) Close() {
	l.cancel()
	<-l.done
}

func (l *PeerLink) post(ev linkEvent) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

func (l *PeerLink) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.teardown()
			l.setState(Closed)
			return
		case ev := <-l.events:
			if l.ctx.Err() != nil {
				continue
			}
			l.handle(ev)
		}
	}
}

func (l *PeerLink) handle(ev linkEvent) {
	if l.State().Terminal() {
		return
	}
	switch ev.kind {
	case evStart:
		if l.initiator && l.attempt == 0 {
			l.beginAttempt()
		}
	case evSignal:
		l.handleSignal(ev.sig)
	case evLocalCandidate:
		if ev.attempt != l.attempt || l.ch == nil {
			return
		}
		c := ev.cand
		l.signal(core.Signal{Type: core.SignalCandidate, Attempt: l.attempt, Candidate: &c})
	case evChannel:
		if ev.attempt != l.attempt || l.ch == nil {
			return
		}
		switch ev.channel {
		case core.ChannelOpen:
			l.connected()
		case core.ChannelFailed, core.ChannelClosed:
			l.attemptFailed("channel " + ev.channel.String())
		}
	case evTimeout:
		if ev.attempt == l.attempt && l.State().signaling() {
			l.attemptFailed("signal timeout")
		}
	case evRetry:
		if ev.attempt == l.attempt && l.initiator && l.State() == Idle {
			l.beginAttempt()
		}
	}
}

func (l *PeerLink) handleSignal(sig core.Signal) {
	if sig.Attempt < l.attempt {
		l.logger.Debug().Int("attempt", sig.Attempt).Str("type", string(sig.Type)).Msg("stale signal ignored")
		return
	}
	switch sig.Type {
	case core.SignalOffer:
		if l.initiator {
			l.logger.Debug().Msg("offer received by initiator, ignored")
			return
		}
		l.acceptOffer(sig)
	case core.SignalAnswer:
		if !l.initiator || sig.Attempt != l.attempt || l.State() != SignalingOffered {
			return
		}
		if err := l.ch.AcceptAnswer(sig.SDP); err != nil {
			l.attemptFailed("bad answer: " + err.Error())
			return
		}
		l.remoteSet = true
		l.setState(SignalingAnswered)
		l.flushCandidates()
	case core.SignalCandidate:
		if sig.Candidate == nil {
			return
		}
		if sig.Attempt == l.attempt && l.remoteSet && l.ch != nil {
			if err := l.ch.AddCandidate(*sig.Candidate); err != nil {
				l.logger.Debug().Err(err).Msg("remote candidate rejected")
			}
			return
		}
		l.pending = append(l.pending, pendingCandidate{attempt: sig.Attempt, cand: *sig.Candidate})
	case core.SignalBye:
		l.fail("remote gave up")
	}
}

func (l *PeerLink) beginAttempt() {
	l.teardown()
	l.attempt++
	l.attemptNo.Store(int32(l.attempt))

	ch, err := l.newChannel()
	if err != nil {
		l.attemptFailed(err.Error())
		return
	}
	sdp, err := ch.CreateOffer(l.ctx)
	if err != nil {
		l.attemptFailed("create offer: " + err.Error())
		return
	}
	l.setState(SignalingOffered)
	l.armTimeout()
	l.signal(core.Signal{Type: core.SignalOffer, Attempt: l.attempt, SDP: sdp})
}

func (l *PeerLink) acceptOffer(sig core.Signal) {
	l.teardown()
	l.attempt = sig.Attempt
	l.attemptNo.Store(int32(l.attempt))

	ch, err := l.newChannel()
	if err != nil {
		l.logger.Warn().Err(err).Msg("peer channel not created")
		l.setState(Idle)
		return
	}
	answer, err := ch.AcceptOffer(l.ctx, sig.SDP)
	if err != nil {
		l.logger.Debug().Err(err).Msg("offer rejected")
		l.teardown()
		l.setState(Idle)
		return
	}
	l.remoteSet = true
	l.setState(SignalingAnswered)
	l.armTimeout()
	l.signal(core.Signal{Type: core.SignalAnswer, Attempt: l.attempt, SDP: answer})
	l.flushCandidates()
}

func (l *PeerLink) newChannel() (core.PeerChannel, error) {
	ch, err := l.factory(l.remote)
	if err != nil {
		return nil, fmt.Errorf("peer channel: %w", err)
	}
	a := l.attempt
	ch.OnCandidate(func(c core.Candidate) {
		l.post(linkEvent{kind: evLocalCandidate, attempt: a, cand: c})
	})
	ch.OnStateChange(func(s core.ChannelState) {
		l.post(linkEvent{kind: evChannel, attempt: a, channel: s})
	})
	ch.OnMessage(func(data []byte) {
		if l.onMessage != nil {
			l.onMessage(l.remote, data)
		}
	})
	l.ch = ch
	l.remoteSet = false
	return ch, nil
}

func (l *PeerLink) flushCandidates() {
	keep := l.pending[:0]
	for _, p := range l.pending {
		switch {
		case p.attempt == l.attempt:
			if err := l.ch.AddCandidate(p.cand); err != nil {
				l.logger.Debug().Err(err).Msg("buffered candidate rejected")
			}
		case p.attempt > l.attempt:
			keep = append(keep, p)
		}
	}
	l.pending = keep
}

func (l *PeerLink) connected() {
	l.stopTimer()
	l.retries = 0
	l.openMu.Lock()
	l.open = l.ch
	l.openMu.Unlock()
	l.setState(Connected)
}

// attemptFailed ends the current attempt. The initiator schedules the next
// one with backoff until retries run out; the responder waits for a new offer.
func (l *PeerLink) attemptFailed(reason string) {
	l.teardown()
	if !l.initiator {
		l.logger.Debug().Str("reason", reason).Int("attempt", l.attempt).Msg("attempt ended, awaiting new offer")
		l.setState(Idle)
		return
	}
	l.retries++
	if l.retries > l.cfg.MaxRetries {
		l.signal(core.Signal{Type: core.SignalBye, Attempt: l.attempt})
		l.fail(reason)
		return
	}
	wait := l.cfg.Backoff(l.retries)
	l.logger.Debug().Str("reason", reason).Int("attempt", l.attempt).Dur("backoff", wait).Msg("attempt failed, retrying")
	l.setState(Idle)
	a := l.attempt
	l.timer = l.clock.AfterFunc(wait, func() { l.post(linkEvent{kind: evRetry, attempt: a}) })
}

func (l *PeerLink) fail(reason string) {
	l.teardown()
	l.pending = nil
	l.logger.Warn().Str("reason", reason).Int("attempt", l.attempt).Msg("peer link failed")
	l.setState(Failed)
}

func (l *PeerLink) armTimeout() {
	l.stopTimer()
	a := l.attempt
	l.timer = l.clock.AfterFunc(l.cfg.SignalTimeout, func() { l.post(linkEvent{kind: evTimeout, attempt: a}) })
}

func (l *PeerLink) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *PeerLink) teardown() {
	l.stopTimer()
	l.openMu.Lock()
	l.open = nil
	l.openMu.Unlock()
	if l.ch != nil {
		if err := l.ch.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("peer channel close")
		}
		l.ch = nil
	}
	l.remoteSet = false
}

func (l *PeerLink) signal(sig core.Signal) {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.SignalTimeout)
	defer cancel()
	if err := l.sendSignal(ctx, l.remote, sig); err != nil {
		l.logger.Debug().Err(err).Str("type", string(sig.Type)).Msg("signal not relayed")
	}
}

func (l *PeerLink) setState(s State) {
	old := State(l.state.Swap(int32(s)))
	if old == s {
		return
	}
	l.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("link state")
	if l.onState != nil {
		l.onState(l.remote, s)
	}
}
