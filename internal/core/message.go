package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Swarm/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrUnknownKind         = errors.New("unknown message kind")
	ErrMalformed           = errors.New("malformed message")
	ErrTargetBeforeCreated = errors.New("target reference time before creation time")
)

type Kind string

const (
	KindAudioCue   Kind = "audio_cue"
	KindDrawStroke Kind = "draw_stroke"
	KindTextCue    Kind = "text_cue"
	KindSignal     Kind = "signal"
)

// Payload is the closed set of message classes carried between participants.
type Payload interface {
	Kind() Kind
}

type AudioCue struct {
	ClipID string  `json:"clip_id"`
	Gain   float64 `json:"gain,omitempty"`
}

func (AudioCue) Kind() Kind { return KindAudioCue }

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type DrawStroke struct {
	Points []Point `json:"points"`
	Color  string  `json:"color,omitempty"`
	Width  float64 `json:"width,omitempty"`
}

func (DrawStroke) Kind() Kind { return KindDrawStroke }

type TextCue struct {
	Text string `json:"text"`
}

func (TextCue) Kind() Kind { return KindTextCue }

// Message is the unit the router moves. A zero Target means the message is
// handed to its kind handler on arrival instead of being scheduled.
type Message struct {
	ID      string
	From    domain.ParticipantID
	Payload Payload
	Target  time.Time
	Created time.Time
}

// NewScheduled builds a message to be presented at target reference time.
// Times are kept at the wire's millisecond precision so sender and receivers
// schedule the same instant; target rounds up, created rounds down.
func NewScheduled(from domain.ParticipantID, p Payload, target, created time.Time) (Message, error) {
	target, created = ceilMillis(target), time.UnixMilli(created.UnixMilli())
	if target.Before(created) {
		return Message{}, ErrTargetBeforeCreated
	}
	return Message{ID: uuid.NewString(), From: from, Payload: p, Target: target, Created: created}, nil
}

// NewImmediate builds an unscheduled message.
func NewImmediate(from domain.ParticipantID, p Payload) Message {
	return Message{ID: uuid.NewString(), From: from, Payload: p}
}

func ceilMillis(t time.Time) time.Time {
	ms := time.UnixMilli(t.UnixMilli())
	if ms.Before(t) {
		ms = ms.Add(time.Millisecond)
	}
	return ms
}

func (m Message) Scheduled() bool { return !m.Target.IsZero() }

func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

type wireMessage struct {
	ID            string               `json:"id"`
	From          domain.ParticipantID `json:"from,omitempty"`
	Kind          Kind                 `json:"kind"`
	TargetMillis  int64                `json:"target_ms,omitempty"`
	CreatedMillis int64                `json:"created_ms,omitempty"`
	Body          json.RawMessage      `json:"body"`
}

func EncodeMessage(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: no payload", ErrMalformed)
	}
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", m.Payload.Kind(), err)
	}
	w := wireMessage{
		ID:   m.ID,
		From: m.From,
		Kind: m.Payload.Kind(),
		Body: body,
	}
	if m.Scheduled() {
		w.TargetMillis = m.Target.UnixMilli()
		w.CreatedMillis = m.Created.UnixMilli()
	}
	return json.Marshal(w)
}

func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.ID == "" {
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	p, err := decodePayload(w.Kind, w.Body)
	if err != nil {
		return Message{}, err
	}
	m := Message{ID: w.ID, From: w.From, Payload: p}
	if w.TargetMillis != 0 {
		m.Target = time.UnixMilli(w.TargetMillis)
		m.Created = time.UnixMilli(w.CreatedMillis)
		if m.Target.Before(m.Created) {
			return Message{}, ErrTargetBeforeCreated
		}
	}
	return m, nil
}

func decodePayload(kind Kind, body json.RawMessage) (Payload, error) {
	switch kind {
	case KindAudioCue:
		return decodeBody[AudioCue](kind, body)
	case KindDrawStroke:
		return decodeBody[DrawStroke](kind, body)
	case KindTextCue:
		return decodeBody[TextCue](kind, body)
	case KindSignal:
		return decodeBody[Signal](kind, body)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeBody[T Payload](kind Kind, body json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, kind, err)
	}
	return v, nil
}
