package http

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// Notification is one event pushed to UI subscribers.
type Notification struct {
	Type       string                     `json:"type"`
	Phase      domain.Phase               `json:"phase,omitempty"`
	Call       *domain.Call               `json:"call,omitempty"`
	CallID     domain.CallID              `json:"call_id,omitempty"`
	Peer       *domain.Peer               `json:"peer,omitempty"`
	Users      *domain.UserStatus         `json:"users,omitempty"`
	Transcript *domain.TranscriptSnapshot `json:"transcript,omitempty"`
	Text       string                     `json:"text,omitempty"`
	Kind       core.ErrorKind             `json:"kind,omitempty"`
	Message    string                     `json:"message,omitempty"`
}

type subscriber struct {
	token string
	conn  *websocket.Conn
	send  chan []byte

	mu      sync.RWMutex
	closed  bool
	dropped int
}

func (s *subscriber) TrySend(b []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("connection closed")
	}
	select {
	case s.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (s *subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Hub fans presenter notifications out to every connected UI.
type Hub struct {
	policy Policy
	buffer int

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var _ core.Presenter = (*Hub)(nil)

func NewHub(policy Policy, buffer int) *Hub {
	if policy == nil {
		policy = SimplePolicy{MaxDrops: 8}
	}
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{policy: policy, buffer: buffer, subs: make(map[*subscriber]struct{})}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.Close()
}

// Subscribers reports connected UIs.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast never blocks the caller.
func (h *Hub) Broadcast(n Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("notification marshal")
		return
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.TrySend(b); err == nil || !errors.Is(err, ErrBackpressure) {
			continue
		}
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		switch h.policy.OnBackPressure(s.token, dropped) {
		case KickSubscriber:
			log.Warn().Str("module", "adapters.http").Str("sid", s.token).Msg("slow subscriber kicked")
			h.remove(s)
		case DropEvent, NoAction:
		}
	}
}

func (h *Hub) PhaseChanged(phase domain.Phase, c *domain.Call) {
	h.Broadcast(Notification{Type: "phase", Phase: phase, Call: c})
}

func (h *Hub) IncomingCall(callID domain.CallID, peer domain.Peer) {
	h.Broadcast(Notification{Type: "incoming_call", CallID: callID, Peer: &peer})
}

func (h *Hub) UserStatus(status domain.UserStatus) {
	h.Broadcast(Notification{Type: "user_status", Users: &status})
}

func (h *Hub) Transcript(snap domain.TranscriptSnapshot) {
	h.Broadcast(Notification{Type: "transcript", CallID: snap.CallID, Transcript: &snap})
}

func (h *Hub) Insight(callID domain.CallID, text string) {
	h.Broadcast(Notification{Type: "insight", CallID: callID, Text: text})
}

func (h *Hub) Error(kind core.ErrorKind, message string) {
	h.Broadcast(Notification{Type: "error", Kind: kind, Message: message})
}
