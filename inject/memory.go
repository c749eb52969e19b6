package inject

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Memory records injected chunks instead of typing them. Used by the
// headless test mode and by tests.
type Memory struct {
	// Delay is slept before each chunk, while holding no locks.
	Delay time.Duration
	// FailOn makes chunks containing this substring fail.
	FailOn string

	mu     sync.Mutex
	chunks []string
	notify chan struct{}
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (m *Memory) Inject(ctx context.Context, text string) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.FailOn != "" && strings.Contains(text, m.FailOn) {
		return failed("memory", errFocus)
	}
	m.mu.Lock()
	m.chunks = append(m.chunks, text)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Notify fires (coalesced) after each recorded chunk.
func (m *Memory) Notify() <-chan struct{} { return m.notify }

func (m *Memory) Chunks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.chunks...)
}

func (m *Memory) Text() string {
	return strings.Join(m.Chunks(), "")
}

var errFocus = errors.New("no focused input")
