// Package natssink publishes supervisor events as JSON on a NATS subject.
package natssink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/botwarden/internal/history"
)

const DefaultSubject = "botwarden.events"

// Sink publishes each event to <subject>.<event type>.
type Sink struct {
	nc      *nats.Conn
	subject string
}

// New connects to url. The connection reconnects on its own; Send fails
// while it is down.
func New(url, subject string, log *slog.Logger) (*Sink, error) {
	if url == "" {
		return nil, errors.New("empty NATS url")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("botwarden"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Sink{nc: nc, subject: subject}, nil
}

// Subject returns the subject an event of the given type is published on.
func (s *Sink) Subject(t history.EventType) string { return s.subject + "." + string(t) }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.Subject(e.Type), b); err != nil {
		return err
	}
	return s.nc.FlushWithContext(ctx)
}

func (s *Sink) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
