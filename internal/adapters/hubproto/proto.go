// Package hubproto holds the JSON frames exchanged between hub and clients.
// Every frame carries a "type" field used for dispatch.
package hubproto

import (
	"encoding/json"

	"github.com/dkeye/Swarm/internal/domain"
)

// Client to hub.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeRelay     = "relay"
	TypeTimeProbe = "time_probe"
	TypePing      = "ping"
	TypeWhoAmI    = "whoami"
)

// Hub to client.
const (
	TypeJoined       = "joined"
	TypeLeft         = "left"
	TypeMemberJoined = "member_joined"
	TypeMemberLeft   = "member_left"
	TypeRelayed      = "relayed"
	TypeTime         = "time"
	TypePong         = "pong"
	TypeError        = "error"
)

// WhoAmI answers a whoami request. Swarm and Participant are empty before
// join.
type WhoAmI struct {
	Type        string              `json:"type"`
	Swarm       domain.SwarmID      `json:"swarm,omitempty"`
	Participant *domain.Participant `json:"participant,omitempty"`
}

// Error codes.
const (
	ErrBadPayload         = "bad_payload"
	ErrInvalidParticipant = "invalid_participant"
	ErrAlreadyJoined      = "already_joined"
	ErrNotJoined          = "not_joined"
	ErrIDTaken            = "id_taken"
	ErrUnknownTarget      = "unknown_target"
	ErrRateLimited        = "rate_limited"
	ErrUnknownType        = "unknown_type"
)

type Envelope struct {
	Type string `json:"type"`
}

type Join struct {
	Type        string             `json:"type"`
	Swarm       domain.SwarmID     `json:"swarm"`
	Participant domain.Participant `json:"participant"`
}

// Relay carries an opaque JSON document to one participant or, with "*",
// to every other member.
type Relay struct {
	Type string               `json:"type"`
	To   domain.ParticipantID `json:"to"`
	Data json.RawMessage      `json:"data"`
}

type TimeProbe struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Joined struct {
	Type    string               `json:"type"`
	Swarm   domain.SwarmID       `json:"swarm"`
	Self    domain.Participant   `json:"self"`
	Members []domain.Participant `json:"members"`
}

type Member struct {
	Type        string             `json:"type"`
	Participant domain.Participant `json:"participant"`
}

// Relayed is a relay as delivered. From is stamped by the hub.
type Relayed struct {
	Type string               `json:"type"`
	From domain.ParticipantID `json:"from"`
	Data json.RawMessage      `json:"data"`
}

type Time struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	ServerNanos int64  `json:"server_ns"`
}

type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	// Ref names the request that failed: a frame type or a probe id.
	Ref string `json:"ref,omitempty"`
}

func NewError(code, ref string) Error {
	return Error{Type: TypeError, Error: code, Ref: ref}
}
