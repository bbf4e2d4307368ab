package core

import "github.com/dkeye/Swarm/internal/domain"

// SessionID identifies one hub connection (the client token), not a swarm.
type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what a swarm room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}
