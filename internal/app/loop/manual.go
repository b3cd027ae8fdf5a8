package loop

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic executor for tests. Nothing runs until Drain or
// Advance is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	queue  []func()
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	at        time.Duration
	seq       int
	fn        func()
	cancelled bool
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		t.cancelled = true
	}
}

// Do queues fn behind everything already posted and drains until it ran.
func (m *Manual) Do(_ context.Context, fn func() error) error {
	var err error
	m.Post(func() { err = fn() })
	m.Drain()
	return err
}

// Drain runs queued closures, including ones they post, until none remain.
func (m *Manual) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
		n++
	}
}

// Advance moves the clock forward, firing due timers in order and draining
// after each one.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].at == m.timers[j].at {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at < m.timers[j].at
		})
		var next *manualTimer
		for len(m.timers) > 0 {
			t := m.timers[0]
			if t.cancelled {
				m.timers = m.timers[1:]
				continue
			}
			if t.at <= target {
				next = t
				m.timers = m.timers[1:]
			}
			break
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.at
		m.mu.Unlock()
		next.fn()
		m.Drain()
	}
}

// Pending reports live timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Queued reports posted closures not yet run.
func (m *Manual) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
