package lifecycle

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Waiters on the same key acquire the
// lock in arrival order; different keys never block each other.
type KeyedMutex struct {
	mu     sync.Mutex
	queues map[uint64][]chan struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{queues: make(map[uint64][]chan struct{})}
}

// Lock blocks until the key is held or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key uint64) (func(), error) {
	ch := make(chan struct{})

	m.mu.Lock()
	q := m.queues[key]
	m.queues[key] = append(q, ch)
	if len(q) == 0 {
		close(ch)
	}
	m.mu.Unlock()

	unlock := func() { m.release(key) }

	select {
	case <-ch:
		return unlock, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-ch:
		// granted while we were giving up; pass it on
		m.mu.Unlock()
		m.release(key)
		return nil, ctx.Err()
	default:
	}
	q = m.queues[key]
	for i, w := range q {
		if w == ch {
			m.queues[key] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil, ctx.Err()
}

func (m *KeyedMutex) release(key uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key][1:]
	if len(q) == 0 {
		delete(m.queues, key)
		return
	}
	m.queues[key] = q
	close(q[0])
}

// Waiting returns the number of holders plus waiters for key.
func (m *KeyedMutex) Waiting(key uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[key])
}
