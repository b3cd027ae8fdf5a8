package domain

import (
	"fmt"
	"sync"
	"time"
)

type CallID string

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOutgoing        Phase = "outgoing"
	PhaseIncomingOffered Phase = "incoming_offered"
	PhaseActive          Phase = "active"
	PhaseTerminating     Phase = "terminating"
)

// Call lives from dial/offer until the reset back to Idle.
// ID and Peer never change once the call exists.
type Call struct {
	ID        CallID    `json:"call_id"`
	Phase     Phase     `json:"phase"`
	Peer      Peer      `json:"peer"`
	Outgoing  bool      `json:"outgoing"`
	StartedAt time.Time `json:"started_at"`
}

// CallIDGenerator produces call_<unix-ms>_<username> ids.
// Two ids from the same generator never share a millisecond.
type CallIDGenerator struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func NewCallIDGenerator(now func() time.Time) *CallIDGenerator {
	if now == nil {
		now = time.Now
	}
	return &CallIDGenerator{now: now}
}

func (g *CallIDGenerator) Next(username string) CallID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return CallID(fmt.Sprintf("call_%d_%s", ms, username))
}
