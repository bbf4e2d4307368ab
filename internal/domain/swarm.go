package domain

import (
	"errors"
	"strings"
)

const MaxSwarmIDLen = 64

var (
	ErrSwarmIDEmpty   = errors.New("swarm id empty")
	ErrSwarmIDTooLong = errors.New("swarm id too long")
	ErrSwarmIDChars   = errors.New("swarm id has reserved characters")
)

// SwarmID scopes a shared real-time session on the hub. It doubles as a
// subject token on message buses, so separators and wildcards are refused.
type SwarmID string

func (id SwarmID) Validate() error {
	if id == "" {
		return ErrSwarmIDEmpty
	}
	if len(id) > MaxSwarmIDLen {
		return ErrSwarmIDTooLong
	}
	if strings.ContainsAny(string(id), ".*> \t\r\n/") {
		return ErrSwarmIDChars
	}
	return nil
}

type Swarm struct {
	ID SwarmID
}
