// Package bus carries fleet events over NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the write side of the bus used by the poller, registry and API.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Handler processes one message. A returned error naks the message so
// JetStream redelivers it.
type Handler func(ctx context.Context, data []byte) error

// Bus publishes fleet events and consumes inventory batches over JetStream.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  zerolog.Logger
}

// New connects to url. The connection retries forever and logs every
// disconnect and reconnect.
func New(url string, log zerolog.Logger, opts ...nats.Option) (*Bus, error) {
	opts = append([]nats.Option{
		nats.Name("fleetwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	return &Bus{conn: nc, js: js, log: log}, nil
}

// EnsureStream creates the stream capturing subjects, or updates its subject
// list when it already exists.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}

	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}

	_, err := b.js.StreamInfo(name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = b.js.AddStream(cfg)
	case err == nil:
		_, err = b.js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// Connected reports whether the NATS connection is currently usable.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Close drains in-flight messages, falling back to a hard close.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if b.conn.Drain() != nil {
		b.conn.Close()
	}
}

// Publish sends v as JSON and waits for the JetStream ack.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subj, err)
	}

	if _, err := b.js.Publish(subj, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

// MaxDeliver caps redeliveries of a message whose handler keeps failing.
const MaxDeliver = 10

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.sub.Drain() })
	return s.err
}

// redeliveryDelay grows linearly with the delivery attempt, capped at 30s.
func redeliveryDelay(attempt uint64) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	return min(d, 30*time.Second)
}

// Subscribe binds a durable consumer to subj and hands each message to fn.
// Failed messages are naked with a growing delay until MaxDeliver is reached.
// The subscription drains when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		var attempt uint64 = 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = meta.NumDelivered
		}

		if err := fn(ctx, msg.Data); err != nil {
			b.log.Warn().Err(err).
				Str("subject", msg.Subject).
				Uint64("attempt", attempt).
				Msg("handler failed")
			_ = msg.NakWithDelay(redeliveryDelay(attempt))
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit(), nats.MaxDeliver(MaxDeliver))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

// Discard is a Publisher that drops every event. Services use it when no
// NATS URL is configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, any) error { return nil }

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Discard{}
)
