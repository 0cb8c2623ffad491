package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn used here.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATSPublisher struct {
	conn    natsConn
	subject string
}

type NATSOptions struct {
	URL     string
	Subject string
	Name    string
}

// DialNATS connects to the server at opts.URL. The client reconnects on its
// own after the initial connection succeeds.
func DialNATS(opts NATSOptions, log *slog.Logger) (*NATSPublisher, error) {
	if opts.Name == "" {
		opts.Name = "mosaic-signaling"
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	return newNATSPublisher(nc, opts.Subject), nil
}

func newNATSPublisher(conn natsConn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// PublishStatus publishes on "<subject>.<robotId>" so consumers can
// subscribe to one robot or to "<subject>.>".
func (p *NATSPublisher) PublishStatus(_ context.Context, ev StatusEvent) error {
	data, err := ev.encode()
	if err != nil {
		return err
	}
	subject := p.subject + "." + ev.RobotID
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
