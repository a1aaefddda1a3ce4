package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/signalbus/errors"
)

// Loopback is one end of an in-process boundary pair. It bridges two bus
// contexts living in the same process (the split-context case) and is the
// reference implementation for tests.
//
// Envelopes flow through a single buffered channel per direction, so
// per-sender order is preserved end to end.
type Loopback struct {
	name   string
	logger *slog.Logger
	peer   *Loopback

	inbox chan Envelope
	ready chan struct{} // closed once the receiver is registered

	mu       sync.Mutex
	receiver Receiver
	closed   bool
	done     chan struct{}
}

// Pair creates two connected loopback ends. Each side must register its
// receiver with OnReceive before traffic flows; envelopes sent earlier are
// held in order until then.
func Pair(logger *slog.Logger, depth int) (*Loopback, *Loopback) {
	if logger == nil {
		logger = slog.Default()
	}
	if depth <= 0 {
		depth = 256
	}

	a := newLoopback("loopback-a", logger, depth)
	b := newLoopback("loopback-b", logger, depth)
	a.peer = b
	b.peer = a

	go a.pump()
	go b.pump()

	return a, b
}

func newLoopback(name string, logger *slog.Logger, depth int) *Loopback {
	return &Loopback{
		name:   name,
		logger: logger.With("component", name),
		inbox:  make(chan Envelope, depth),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SendAcrossBoundary enqueues the envelope on the peer's inbox.
func (l *Loopback) SendAcrossBoundary(ctx context.Context, env Envelope) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.WrapTransient(errors.ErrBoundaryClosed, "Loopback", "SendAcrossBoundary", "send")
	}

	select {
	case l.peer.inbox <- env:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Loopback", "SendAcrossBoundary", "send")
	case <-l.done:
		return errors.WrapTransient(errors.ErrBoundaryClosed, "Loopback", "SendAcrossBoundary", "send")
	}
}

// OnReceive registers the inbound callback and releases any held envelopes.
func (l *Loopback) OnReceive(fn Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.receiver != nil {
		return
	}
	l.receiver = fn
	close(l.ready)
}

// Close stops this end. In-flight envelopes on the peer's inbox are still
// delivered to the peer.
func (l *Loopback) Close(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}

// pump delivers inbox envelopes to the registered receiver in order.
func (l *Loopback) pump() {
	select {
	case <-l.ready:
	case <-l.done:
		return
	}

	l.mu.Lock()
	receiver := l.receiver
	l.mu.Unlock()

	for {
		select {
		case env := <-l.inbox:
			receiver(context.Background(), env)
		case <-l.done:
			// Drain what already arrived, then exit.
			for {
				select {
				case env := <-l.inbox:
					receiver(context.Background(), env)
				default:
					return
				}
			}
		}
	}
}
