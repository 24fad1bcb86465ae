package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process queue for tests and local runs. It honors
// ScheduledFor by holding messages back until due, and records dead letters
// so tests can assert on them.
type Memory struct {
	mu      sync.Mutex
	pending []Message
	dead    []Message
	reasons []string
	now     func() time.Time
	wake    chan struct{}
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, wake: make(chan struct{}, 1)}
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	m.pending = append(m.pending, msg)
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].ScheduledFor.Before(m.pending[j].ScheduledFor)
	})
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run delivers pending messages serially until ctx is done.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	for {
		msg, ok, wait := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
			case <-time.After(wait):
			}
			continue
		}
		if err := h(ctx, msg); err != nil {
			var dle *DeadLetterError
			if errors.As(err, &dle) {
				m.mu.Lock()
				m.dead = append(m.dead, msg)
				m.reasons = append(m.reasons, dle.Reason)
				m.mu.Unlock()
				continue
			}
			// Redeliver on transient failure.
			_ = m.Publish(ctx, msg)
		}
	}
}

func (m *Memory) pop() (Message, bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return Message{}, false, time.Second
	}
	head := m.pending[0]
	if due := head.ScheduledFor; !due.IsZero() && due.After(m.now()) {
		return Message{}, false, time.Until(due)
	}
	m.pending = m.pending[1:]
	return head, true, 0
}

func (m *Memory) Depth(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pending)), nil
}

// DeadLetters returns the isolated messages and their reason codes.
func (m *Memory) DeadLetters() ([]Message, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.dead))
	copy(msgs, m.dead)
	reasons := make([]string, len(m.reasons))
	copy(reasons, m.reasons)
	return msgs, reasons
}
