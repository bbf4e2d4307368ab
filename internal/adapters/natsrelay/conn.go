// Package natsrelay carries the hub relay and reference clock over NATS
// subjects instead of the websocket hub.
package natsrelay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	natsMaxReconnects = 10
	natsReconnectWait = 2 * time.Second

	DefaultTimeSubject = "swarm.time"
)

// Connect opens a NATS connection that logs its own lifecycle.
func Connect(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Str("module", "natsrelay").Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "natsrelay").Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("module", "natsrelay").Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

type timeReply struct {
	ServerNanos int64 `json:"server_ns"`
}

// ServeTime answers reference time requests on subject from clock. The hub
// runs exactly one responder per subject.
func ServeTime(nc *nats.Conn, subject string, clock clockwork.Clock) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		b, err := json.Marshal(timeReply{ServerNanos: clock.Now().UnixNano()})
		if err != nil {
			return
		}
		if err := m.Respond(b); err != nil {
			log.Warn().Err(err).Str("module", "natsrelay").Msg("time reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Info().Str("module", "natsrelay").Str("subject", subject).Msg("serving reference time")
	return sub, nil
}
