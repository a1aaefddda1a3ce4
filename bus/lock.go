package bus

import (
	"context"
	"time"

	"github.com/c360/signalbus/message"
)

// lockState tracks one awaiting instance: the signal it waits for, the
// channel the resolving message is handed back on, and every other message
// queued behind the lock in arrival order.
type lockState struct {
	signal string
	reply  chan *message.Message
	queued []*message.Message
}

// WaitFor locks the instance until a message carrying the awaited signal
// arrives or the timeout elapses. The resolving message is returned as the
// wait result instead of being delivered to a handler. Every other message
// routed to the instance while locked is queued and replayed, in arrival
// order, once the lock releases.
//
// Timeout is an expected outcome, not an error: the caller gets (nil,
// false) and decides what it means. WaitFor must be called from a
// goroutine the instance owns, never from inside a handler invocation,
// because the dispatch drain that resolves the lock cannot run while it is
// blocked here.
func (b *Bus) WaitFor(ctx context.Context, instanceID, signal string, timeout time.Duration) (*message.Message, bool) {
	b.mu.Lock()
	if _, ok := b.instances[instanceID]; !ok {
		b.mu.Unlock()
		b.logger.Warn("wait requested for unknown instance", "instance_id", instanceID, "signal", signal)
		return nil, false
	}
	if _, locked := b.locks[instanceID]; locked {
		b.mu.Unlock()
		b.logger.Warn("instance already awaiting a signal", "instance_id", instanceID, "signal", signal)
		return nil, false
	}

	ls := &lockState{
		signal: signal,
		reply:  make(chan *message.Message, 1),
	}
	b.locks[instanceID] = ls
	if b.metrics != nil {
		b.metrics.LockedInstances.Inc()
	}
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ls.reply:
		return msg, true
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	if _, still := b.locks[instanceID]; !still {
		// The lock resolved in the instant the timer fired. resolveLock
		// hands the message to the reply channel before releasing the
		// bus mutex, so it is guaranteed to be there.
		b.mu.Unlock()
		return <-ls.reply, true
	}

	delete(b.locks, instanceID)
	if b.metrics != nil {
		b.metrics.LockedInstances.Dec()
		b.metrics.QueuedMessages.Sub(float64(len(ls.queued)))
	}

	// Replay at the front of the queue so messages held back by the lock
	// keep their arrival order relative to work enqueued afterwards.
	replay := replayJobs(instanceID, ls.queued)
	b.queue = append(replay, b.queue...)
	ls.queued = nil

	if b.draining {
		b.mu.Unlock()
		return nil, false
	}
	b.draining = true
	b.mu.Unlock()

	b.drain(ctx)
	return nil, false
}

// resolveLockLocked releases a lock whose awaited signal arrived. The
// resolving message goes to the waiter; everything queued behind the lock
// is moved to the front of the dispatch queue for replay. Callers must
// hold b.mu.
func (b *Bus) resolveLockLocked(instanceID string, ls *lockState, msg *message.Message) {
	delete(b.locks, instanceID)
	if b.metrics != nil {
		b.metrics.LockedInstances.Dec()
		b.metrics.QueuedMessages.Sub(float64(len(ls.queued)))
	}

	replay := replayJobs(instanceID, ls.queued)
	b.queue = append(replay, b.queue...)
	ls.queued = nil

	// Buffered, and each lockState resolves exactly once; never blocks.
	ls.reply <- msg
}

func replayJobs(instanceID string, queued []*message.Message) []job {
	jobs := make([]job, 0, len(queued))
	for _, m := range queued {
		jobs = append(jobs, job{kind: jobReplay, msg: m, targetID: instanceID})
	}
	return jobs
}
