package core

import (
	"errors"

	"github.com/dkeye/Swarm/internal/domain"
)

var (
	ErrUnknownMember   = errors.New("unknown member")
	ErrDuplicateMember = errors.New("participant id already in swarm")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the hub-side API of one swarm.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Swarm() *domain.Swarm
	MemberCount() int
	MembersSnapshot() []domain.Participant

	AddMember(sid SessionID, ms MemberSession) error
	RemoveMember(sid SessionID) (domain.Participant, bool)
	Broadcast(from SessionID, data Frame) PublishResult
	SendTo(to domain.ParticipantID, data Frame) (MemberSession, error)
}

type RoomInfo struct {
	ID          domain.SwarmID `json:"id"`
	MemberCount int            `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.SwarmID) RoomService
	GetRoom(id domain.SwarmID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.SwarmID)
}
