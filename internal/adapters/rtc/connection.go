// Package rtc provides core.PeerChannel over a pion WebRTC data channel.
package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "swarm"

var (
	ErrNotOpen = errors.New("data channel not open")
	ErrClosed  = errors.New("peer connection closed")
)

type Config struct {
	ICEServers []string
	// IncludeLoopback offers 127.0.0.1 candidates, for same-host peers.
	IncludeLoopback bool
}

func DefaultConfig() Config {
	return Config{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// NewFactory builds one pion API shared by every channel it creates.
func NewFactory(cfg Config) core.PeerFactory {
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if cfg.IncludeLoopback {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pcCfg := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return func(remote domain.ParticipantID) (core.PeerChannel, error) {
		return newChannel(api, pcCfg, remote)
	}
}

type Channel struct {
	remote domain.ParticipantID
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	closed      bool
	onCandidate func(core.Candidate)
	onMessage   func([]byte)
	onState     func(core.ChannelState)
}

var _ core.PeerChannel = (*Channel)(nil)

func newChannel(api *webrtc.API, cfg webrtc.Configuration, remote domain.ParticipantID) (*Channel, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Channel{remote: remote, pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if fn := c.candidateHandler(); fn != nil {
			fn(core.Candidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", string(remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.emitState(core.ChannelFailed)
		case webrtc.PeerConnectionStateClosed:
			c.emitState(core.ChannelClosed)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			log.Warn().Str("module", "rtc").Str("peer", string(remote)).Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		c.attach(dc)
	})
	return c, nil
}

func (c *Channel) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("peer", string(c.remote)).Msg("data channel open")
		c.emitState(core.ChannelOpen)
	})
	dc.OnClose(func() {
		c.emitState(core.ChannelClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (c *Channel) CreateOffer(ctx context.Context) (string, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", err
	}
	c.attach(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, ctx.Err()
}

func (c *Channel) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, ctx.Err()
}

func (c *Channel) AcceptAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *Channel) AddCandidate(cand core.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	dc, closed := c.dc, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}
	return dc.Send(data)
}

func (c *Channel) OnCandidate(fn func(core.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Channel) OnStateChange(fn func(core.ChannelState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Debug().Str("module", "rtc").Str("peer", string(c.remote)).Msg("closed")
	return nil
}

func (c *Channel) candidateHandler() func(core.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.onCandidate
}

// emitState is silent once Close has been called.
func (c *Channel) emitState(s core.ChannelState) {
	c.mu.Lock()
	fn, closed := c.onState, c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(s)
	}
}
