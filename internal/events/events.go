// Package events forwards orchestrator lifecycle events to NATS and to the
// log.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"inferd/internal/manager"
)

// DefaultSubject prefixes every published subject.
const DefaultSubject = "inferd.events"

// Message is the JSON body published for one event.
type Message struct {
	Name   string         `json:"name"`
	Model  string         `json:"model,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Time   time.Time      `json:"time"`
}

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each event on <subject>.<event name>.
type NATSPublisher struct {
	conn    natsConn
	subject string
	log     zerolog.Logger
	now     func() time.Time
	closeFn func()
}

// Connect dials url and returns a publisher for subject.
func Connect(url, subject string, log zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("inferd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	p := newPublisher(nc, subject, log)
	p.closeFn = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return p, nil
}

func newPublisher(conn natsConn, subject string, log zerolog.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		log:     log.With().Str("component", "events").Logger(),
		now:     time.Now,
	}
}

// Publish never blocks on the network; the client buffers outgoing messages.
func (p *NATSPublisher) Publish(e manager.Event) {
	data, err := json.Marshal(Message{Name: e.Name, Model: e.ModelID, Fields: e.Fields, Time: p.now().UTC()})
	if err != nil {
		p.log.Debug().Err(err).Str("event", e.Name).Msg("encode event")
		return
	}
	if err := p.conn.Publish(p.subject+"."+e.Name, data); err != nil {
		p.log.Debug().Err(err).Str("event", e.Name).Msg("publish event")
	}
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.closeFn != nil {
		p.closeFn()
	}
}

// LogPublisher writes every event to the log at debug level.
type LogPublisher struct{ Log zerolog.Logger }

func (p LogPublisher) Publish(e manager.Event) {
	ev := p.Log.Debug().Str("event", e.Name)
	if e.ModelID != "" {
		ev = ev.Str("model", e.ModelID)
	}
	ev.Fields(e.Fields).Msg("lifecycle")
}

// Multi fans an event out to several publishers in order.
type Multi []manager.EventPublisher

func (m Multi) Publish(e manager.Event) {
	for _, p := range m {
		p.Publish(e)
	}
}
