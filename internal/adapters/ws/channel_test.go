package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []core.ChannelState
	frames [][]byte
}

func (r *recorder) OnFrame(_ string, _ core.FrameKind, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, data)
}

func (r *recorder) OnState(_ string, s core.ChannelState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) count(s core.ChannelState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

// switchboard records every text frame received per connection.
type switchboard struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    int
	events   [][]string
	// dropFirst closes the first connection after this many frames.
	dropFirst int
	stall     chan struct{}
}

func (s *switchboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	idx := s.conns
	s.conns++
	s.events = append(s.events, nil)
	s.mu.Unlock()

	if idx == 0 && s.stall != nil {
		<-s.stall
		return
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		s.mu.Lock()
		s.events[idx] = append(s.events[idx], env.Event)
		n := len(s.events[idx])
		s.mu.Unlock()
		if idx == 0 && s.dropFirst > 0 && n >= s.dropFirst {
			return
		}
		if env.Event == protocol.EventCallUser {
			reply, _ := protocol.Envelope{Event: protocol.EventIncomingCall, CallID: env.CallID, FromUser: "echo"}.Marshal()
			_ = conn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

func (s *switchboard) seen(idx int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.events) {
		return nil
	}
	return append([]string(nil), s.events[idx]...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		Name:             "signal",
		URL:              url,
		PingPeriod:       time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		Metrics:          metrics.New(),
	}
}

var alice = &domain.Identity{Group: domain.GroupSales, Username: "alice", Language: "en"}

func TestRegisterPrecedesQueuedControl(t *testing.T) {
	sb := &switchboard{}
	srv := httptest.NewServer(sb)
	defer srv.Close()

	ch := New(testOptions(wsURL(srv)))
	ch.Announce(alice)
	require.NoError(t, ch.Send(protocol.CallUser(*alice, "bob", "call_1_alice")))
	require.NoError(t, ch.Send(protocol.HangUp("call_1_alice")))
	assert.Equal(t, 2, ch.PendingLen())

	rec := &recorder{}
	ch.Open(context.Background(), rec)
	defer ch.Close()

	require.Eventually(t, func() bool { return len(sb.seen(0)) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"register", "call_user", "hang_up"}, sb.seen(0))
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.frames) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ch.IsOpen())
}

func TestBinaryDroppedWhenNotOpen(t *testing.T) {
	opts := testOptions("ws://127.0.0.1:1/unused")
	opts.Name = "relay"
	ch := New(opts)

	err := ch.SendBinary(core.Frame{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Equal(t, 0, ch.PendingLen())
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.BinaryDropped.WithLabelValues("relay")))
}

func TestReconnectReRegisters(t *testing.T) {
	sb := &switchboard{dropFirst: 1}
	srv := httptest.NewServer(sb)
	defer srv.Close()

	opts := testOptions(wsURL(srv))
	ch := New(opts)
	ch.Announce(alice)
	rec := &recorder{}
	ch.Open(context.Background(), rec)
	defer ch.Close()

	require.Eventually(t, func() bool { return len(sb.seen(1)) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"register"}, sb.seen(0))
	assert.Equal(t, "register", sb.seen(1)[0])
	assert.GreaterOrEqual(t, rec.count(core.ChannelClosed), 1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(opts.Metrics.Reconnects.WithLabelValues("signal")), 1.0)
}

func TestDeadPeerTriggersReconnect(t *testing.T) {
	sb := &switchboard{stall: make(chan struct{})}
	srv := httptest.NewServer(sb)
	defer srv.Close()
	defer close(sb.stall)

	opts := testOptions(wsURL(srv))
	opts.PingPeriod = 40 * time.Millisecond
	ch := New(opts)
	ch.Announce(alice)
	ch.Open(context.Background(), &recorder{})
	defer ch.Close()

	require.Eventually(t, func() bool { return len(sb.seen(1)) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "register", sb.seen(1)[0])
}

func TestForgetStopsRegister(t *testing.T) {
	sb := &switchboard{}
	srv := httptest.NewServer(sb)
	defer srv.Close()

	ch := New(testOptions(wsURL(srv)))
	ch.Announce(alice)
	ch.Forget()
	require.NoError(t, ch.Send(protocol.Logout("alice")))
	ch.Open(context.Background(), &recorder{})
	defer ch.Close()

	require.Eventually(t, func() bool { return len(sb.seen(0)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"logout"}, sb.seen(0))
}

func TestCloseDisposes(t *testing.T) {
	sb := &switchboard{}
	srv := httptest.NewServer(sb)
	defer srv.Close()

	ch := New(testOptions(wsURL(srv)))
	rec := &recorder{}
	ch.Open(context.Background(), rec)
	require.Eventually(t, ch.IsOpen, 2*time.Second, 10*time.Millisecond)

	ch.Close()
	ch.Close()

	assert.Equal(t, core.ChannelDisposed, ch.State())
	assert.ErrorIs(t, ch.Send(protocol.HangUp("x")), ErrClosed)
	assert.ErrorIs(t, ch.SendBinary(core.Frame{0}), ErrClosed)
	assert.Equal(t, 1, rec.count(core.ChannelDisposed))
}
