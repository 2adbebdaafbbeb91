// Package dispatch sends caregiver messages on the outbound topic. Sends
// fail fast when the channel is down; nothing is buffered or retried, so
// the caregiver gets immediate feedback instead of a silent queue.
package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"conecta-bridge/channel"
)

// ErrEmptyMessage rejects blank text before any side effect.
var ErrEmptyMessage = errors.New("dispatch: message text is empty")

// Connection is the slice of the channel the dispatcher needs.
type Connection interface {
	Status() channel.Status
	Publish(topic, payload string) error
}

type Dispatcher struct {
	conn  Connection
	topic string
	log   zerolog.Logger
}

func New(conn Connection, topic string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{conn: conn, topic: topic, log: log}
}

// Send publishes text on the message topic. When the channel is not
// connected it returns channel.ErrNotConnected without touching the
// transport. Delivery confirmation, if any, arrives later as an inbound
// event; nothing is awaited here.
func (d *Dispatcher) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if d.conn.Status() != channel.StatusConnected {
		d.log.Warn().Msg("send attempted without connection")
		return channel.ErrNotConnected
	}
	if err := d.conn.Publish(d.topic, text); err != nil {
		d.log.Warn().Err(err).Msg("send failed")
		return fmt.Errorf("dispatch: %w", err)
	}
	d.log.Info().Str("topic", d.topic).Msg("message sent")
	return nil
}
