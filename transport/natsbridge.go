package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/node"
	"github.com/c360/signalbus/pkg/retry"
)

// NATSConfig configures a NATS-backed boundary bridge.
type NATSConfig struct {
	// URL is the NATS server URL (e.g. nats://localhost:4222).
	URL string `yaml:"url" json:"url"`

	// SubjectPrefix namespaces boundary subjects; envelopes for a domain
	// travel on "<prefix>.<domain>". Defaults to "signalbus.boundary".
	SubjectPrefix string `yaml:"subject_prefix,omitempty" json:"subject_prefix,omitempty"`

	// LocalDomain is the domain this side of the boundary serves.
	LocalDomain node.Domain `yaml:"local_domain" json:"local_domain"`

	// ConnectTimeout bounds the initial connection attempt (including
	// backoff retries). Defaults to 30s.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// NATSBridge carries envelopes between domains over NATS core pub/sub.
// NATS preserves publish order per connection, which satisfies the
// boundary's per-sender ordering contract.
type NATSBridge struct {
	cfg    NATSConfig
	logger *slog.Logger
	nc     *nats.Conn

	mu       sync.Mutex
	receiver Receiver
	sub      *nats.Subscription
	closed   bool
}

// NewNATSBridge connects to NATS with exponential backoff and returns the
// bridge. OnReceive must be called to start consuming inbound envelopes.
func NewNATSBridge(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSBridge", "NewNATSBridge", "url validation")
	}
	if !cfg.LocalDomain.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "NATSBridge", "NewNATSBridge", "local domain validation")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "signalbus.boundary"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	b := &NATSBridge{
		cfg:    cfg,
		logger: logger.With("component", "natsbridge", "domain", string(cfg.LocalDomain)),
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	nc, err := retry.DoWithResult(connectCtx, retry.Persistent(), func() (*nats.Conn, error) {
		return nats.Connect(cfg.URL,
			nats.Name(fmt.Sprintf("signalbus-%s", cfg.LocalDomain)),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				b.logger.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				b.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSBridge", "NewNATSBridge", "connect")
	}

	b.nc = nc
	b.logger.Info("boundary bridge connected", "url", cfg.URL)
	return b, nil
}

// SendAcrossBoundary publishes the envelope on the target domain's subject.
func (b *NATSBridge) SendAcrossBoundary(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.WrapTransient(errors.ErrBoundaryClosed, "NATSBridge", "SendAcrossBoundary", "send")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "NATSBridge", "SendAcrossBoundary", "context check")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "NATSBridge", "SendAcrossBoundary", "envelope encoding")
	}

	subject := b.subjectFor(env.TargetDomain)
	if err := b.nc.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "NATSBridge", "SendAcrossBoundary", "publish")
	}
	return nil
}

// OnReceive subscribes to this side's domain subject and delivers inbound
// envelopes to fn. Malformed envelopes are logged and dropped.
func (b *NATSBridge) OnReceive(fn Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.receiver != nil || b.closed {
		return
	}
	b.receiver = fn

	subject := b.subjectFor(b.cfg.LocalDomain)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("dropping malformed boundary envelope", "error", err, "subject", msg.Subject)
			return
		}
		fn(context.Background(), env)
	})
	if err != nil {
		b.logger.Error("boundary subscription failed", "error", err, "subject", subject)
		return
	}
	b.sub = sub
}

// Close drains the subscription and closes the connection.
func (b *NATSBridge) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.logger.Warn("boundary subscription drain failed", "error", err)
		}
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

func (b *NATSBridge) subjectFor(domain node.Domain) string {
	return fmt.Sprintf("%s.%s", b.cfg.SubjectPrefix, domain)
}
