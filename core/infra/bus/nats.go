package bus

import (
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/protocol/wire"
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON
// envelopes. Durable subjects (task.>) are backed by JetStream so dispatches
// survive restarts and support nak-with-delay redelivery; sys.* subjects use
// plain core NATS.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

const (
	streamTasks = "TASKLOOM_TASKS"

	defaultAckWait = 10 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errNilEnvelope  = errors.New("nil bus envelope")
	errEmptySubject = errors.New("empty subject")
)

// Options tunes the JetStream side of the bus.
type Options struct {
	// DisableJetStream falls back to plain core NATS everywhere. Retry
	// redelivery then degrades to best effort; intended for local development.
	DisableJetStream bool
	AckWait          time.Duration
	MaxAge           time.Duration
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string, opts Options) (*NatsBus, error) {
	connOpts := []nats.Option{
		nats.Name("taskloom-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}

	nc, err := nats.Connect(url, connOpts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	if !opts.DisableJetStream {
		b.initJetStream(opts)
	}
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// IsConnected reports broker connectivity for health checks.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Publish sends a JSON-encoded envelope on the given subject.
func (b *NatsBus) Publish(subject string, env *wire.Envelope) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if env == nil {
		return errNilEnvelope
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := wire.MsgID(subject, env); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes envelopes and invokes the
// handler. Durable subjects are consumed with explicit ack and nak-with-delay
// semantics when JetStream is enabled.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*wire.Envelope) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			env, err := wire.Decode(msg.Data)
			if err != nil {
				logging.Error("bus", "envelope decode failed", "subject", subject, "error", err)
				_ = msg.Ack()
				return
			}
			if err := handler(env); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				logging.Error("bus", "handler error (ack)", "subject", subject, "error", err)
			}
			_ = msg.Ack()
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}

		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		env, err := wire.Decode(msg.Data)
		if err != nil {
			logging.Error("bus", "envelope decode failed", "subject", subject, "error", err)
			return
		}
		if err := handler(env); err != nil {
			logging.Error("bus", "handler error", "subject", subject, "error", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) initJetStream(opts Options) {
	ackWait := opts.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamTasks,
		Subjects:   []string{"task.>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamTasks); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamTasks, "error", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "ack_wait", ackWait)
}

func isDurableSubject(subject string) bool {
	return subject == wire.SubjectResult || strings.HasPrefix(subject, "task.")
}

func durableName(subject, queue string) string {
	sanitize := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := sanitize(subject)
	if name == "" {
		return ""
	}
	if q := sanitize(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}
