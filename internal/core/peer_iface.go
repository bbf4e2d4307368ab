package core

import (
	"context"

	"github.com/dkeye/Swarm/internal/domain"
)

type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelFailed
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelFailed:
		return "failed"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// Candidate is a network-path candidate in the shape browsers exchange.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// PeerChannel is one encrypted point-to-point data channel to a remote
// participant. Callbacks must be registered before CreateOffer or AcceptOffer.
type PeerChannel interface {
	// CreateOffer opens the data channel and returns the local offer SDP.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer SDP.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	AcceptAnswer(sdp string) error
	AddCandidate(Candidate) error
	Send(data []byte) error

	OnCandidate(func(Candidate))
	OnMessage(func([]byte))
	OnStateChange(func(ChannelState))

	// Close releases every transport resource before returning.
	Close() error
}

// PeerFactory builds a fresh channel for one connection attempt.
type PeerFactory func(remote domain.ParticipantID) (PeerChannel, error)

// DirectPeer is an open direct channel to one participant.
type DirectPeer interface {
	Remote() domain.ParticipantID
	Send(data []byte) error
}

// DirectPaths exposes the direct channels that are currently open.
type DirectPaths interface {
	OpenPeer(id domain.ParticipantID) (DirectPeer, bool)
	OpenPeers() []DirectPeer
}
