// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 36
	MaxNameLen          = 36
)

var (
	ErrNameTooLong = errors.New("name too long")
	ErrNameEmpty   = errors.New("name empty")
	ErrIDEmpty     = errors.New("participant id empty")
	ErrIDTooLong   = errors.New("participant id too long")
	ErrIDChars     = errors.New("participant id has reserved characters")
)

type ParticipantID string

// Broadcast addresses every member of a session.
const Broadcast ParticipantID = "*"

type Role string

const (
	RoleConductor Role = "conductor"
	RolePerformer Role = "performer"
	RoleAudience  Role = "audience"
)

type Participant struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
	Role Role          `json:"role,omitempty"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(name string, role Role) (*Participant, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	id := ParticipantID(uuid.NewString())
	return &Participant{ID: id, Name: name, Role: role}, nil
}

// Validate checks the identity fields a hub accepts on join.
func (p Participant) Validate() error {
	if p.ID == "" {
		return ErrIDEmpty
	}
	if len(p.ID) > MaxParticipantIDLen {
		return ErrIDTooLong
	}
	if p.ID == Broadcast {
		return errors.New("participant id is reserved")
	}
	if strings.ContainsAny(string(p.ID), ".*> \t\r\n") {
		return ErrIDChars
	}
	return validName(p.Name)
}

func (p *Participant) SetName(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	p.Name = name
	return nil
}

func validName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}
