package call

import (
	"bytes"
	"testing"
	"time"

	"github.com/dkeye/salescall/internal/app/apptest"
	"github.com/dkeye/salescall/internal/app/transcript"
	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMedia struct {
	started []domain.CallID
	stops   int
}

func (f *fakeMedia) Start(id domain.CallID) { f.started = append(f.started, id) }
func (f *fakeMedia) Stop()                  { f.stops++ }

type fixture struct {
	signal    *apptest.Transport
	asr       *apptest.Transport
	media     *fakeMedia
	log       *transcript.Aggregator
	ring      *apptest.Indicator
	ringBack  *apptest.Indicator
	presenter *apptest.Presenter
	metrics   *metrics.Metrics
	m         *Machine
}

func newFixture(group domain.Group, user string) *fixture {
	f := &fixture{
		signal:    apptest.NewTransport("signal", true),
		asr:       apptest.NewTransport("transcribe", true),
		media:     &fakeMedia{},
		log:       transcript.NewAggregator(nil),
		ring:      &apptest.Indicator{},
		ringBack:  &apptest.Indicator{},
		presenter: &apptest.Presenter{},
		metrics:   metrics.New(),
	}
	clock := time.UnixMilli(1700000000000)
	f.m = NewMachine(Deps{
		Signal:     f.signal,
		Transcribe: f.asr,
		Media:      f.media,
		Transcript: f.log,
		Ring:       f.ring,
		RingBack:   f.ringBack,
		Presenter:  f.presenter,
		IDs:        domain.NewCallIDGenerator(func() time.Time { return clock }),
		Metrics:    f.metrics,
	})
	f.m.SetIdentity(&domain.Identity{Group: group, Username: user, Language: "en"})
	return f
}

func TestCallUserGoesOutgoing(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")

	id, err := f.m.CallUser("bob")
	require.NoError(t, err)

	assert.Equal(t, domain.CallID("call_1700000000000_alice"), id)
	assert.Equal(t, domain.PhaseOutgoing, f.m.Phase())
	assert.True(t, f.ringBack.Running())
	require.Len(t, f.signal.Sent(), 1)
	assert.Equal(t, protocol.CallUser(domain.Identity{Group: domain.GroupSales, Username: "alice"}, "bob", id), f.signal.Sent()[0])
	assert.Equal(t, domain.Peer{Group: domain.GroupCustomers, Username: "bob"}, f.m.Call().Peer)
}

func TestCallUserWhileBusy(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")
	_, err := f.m.CallUser("bob")
	require.NoError(t, err)

	_, err = f.m.CallUser("carol")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, f.signal.Count(protocol.EventCallUser))
}

func TestCallUserRequiresIdentity(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")
	f.m.SetIdentity(nil)
	_, err := f.m.CallUser("bob")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestIncomingWhileBusyIsRejected(t *testing.T) {
	f := newFixture(domain.GroupCustomers, "bob")
	f.m.OnIncoming("c1", "alice")
	require.Equal(t, domain.PhaseIncomingOffered, f.m.Phase())

	f.m.OnIncoming("c1", "alice")
	f.m.OnIncoming("c2", "dave")

	assert.Equal(t, domain.PhaseIncomingOffered, f.m.Phase())
	assert.Equal(t, domain.CallID("c1"), f.m.Call().ID)
	sent := f.signal.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventCallRejected, sent[0].Event)
	assert.Equal(t, "c2", sent[0].CallID)
	assert.Equal(t, protocol.ReasonBusy, sent[0].Reason)
	assert.Equal(t, []domain.CallID{"c1"}, f.presenter.Incoming)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleDropped.WithLabelValues(protocol.EventIncomingCall)))
}

func TestAcceptStartsMedia(t *testing.T) {
	f := newFixture(domain.GroupCustomers, "bob")
	f.m.OnIncoming("c1", "alice")
	require.True(t, f.ring.Running())

	require.NoError(t, f.m.Accept())

	assert.Equal(t, domain.PhaseActive, f.m.Phase())
	assert.False(t, f.ring.Running())
	assert.Equal(t, []domain.CallID{"c1"}, f.media.started)
	sent := f.signal.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.Envelope{Event: protocol.EventAcceptCall, CallID: "c1", FromGroup: "sales", FromUser: "alice", ToUser: "bob"}, sent[0])
}

func TestRejectReturnsToIdle(t *testing.T) {
	f := newFixture(domain.GroupCustomers, "bob")
	f.m.OnIncoming("c1", "alice")

	require.NoError(t, f.m.Reject())

	assert.Equal(t, domain.PhaseIdle, f.m.Phase())
	assert.Nil(t, f.m.Call())
	assert.False(t, f.ring.Running())
	assert.Equal(t, []string{protocol.EventCallRejected}, f.signal.Events())
	assert.Equal(t, []string{protocol.EventCallEnded}, f.asr.Events())
}

func TestAcceptOutsideOfferFails(t *testing.T) {
	f := newFixture(domain.GroupCustomers, "bob")
	assert.ErrorIs(t, f.m.Accept(), ErrInvalidTransition)
	assert.ErrorIs(t, f.m.Reject(), ErrInvalidTransition)
	assert.ErrorIs(t, f.m.HangUp(), ErrInvalidTransition)
}

func TestRemoteAnswerAndDecline(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")
	id, _ := f.m.CallUser("bob")

	f.m.OnAccepted("", "")
	assert.Equal(t, domain.PhaseActive, f.m.Phase())
	assert.False(t, f.ringBack.Running())
	assert.Equal(t, []domain.CallID{id}, f.media.started)
	assert.Equal(t, domain.Peer{Group: domain.GroupCustomers, Username: "bob"}, f.m.Call().Peer)

	g := newFixture(domain.GroupSales, "alice")
	_, _ = g.m.CallUser("bob")
	g.m.OnRejected("", "busy")
	assert.Equal(t, domain.PhaseIdle, g.m.Phase())
	assert.False(t, g.ringBack.Running())
}

func TestMismatchedCallIDDropped(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")
	_, _ = f.m.CallUser("bob")

	f.m.OnAccepted("other", "")
	assert.Equal(t, domain.PhaseOutgoing, f.m.Phase())
	f.m.OnAccepted("", "")
	f.m.OnEnded("other")
	assert.Equal(t, domain.PhaseActive, f.m.Phase())
	f.m.OnRejected("", "")
	assert.Equal(t, domain.PhaseActive, f.m.Phase())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleDropped.WithLabelValues(protocol.EventCallAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleDropped.WithLabelValues(protocol.EventCallEnded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleDropped.WithLabelValues(protocol.EventCallRejected)))
}

func TestResetIsIdempotent(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")
	id, _ := f.m.CallUser("bob")
	f.m.OnAccepted(id, "")

	require.NoError(t, f.m.HangUp())
	f.m.OnEnded("")
	f.m.OnEnded(id)
	assert.False(t, f.m.Terminate("again"))
	assert.ErrorIs(t, f.m.HangUp(), ErrInvalidTransition)

	assert.Equal(t, domain.PhaseIdle, f.m.Phase())
	assert.Equal(t, 1, f.signal.Count(protocol.EventHangUp))
	assert.Equal(t, 1, f.asr.Count(protocol.EventCallEnded))
	assert.Equal(t, 1, f.media.stops)
	assert.Equal(t, []domain.Phase{
		domain.PhaseOutgoing, domain.PhaseActive, domain.PhaseTerminating, domain.PhaseIdle,
	}, f.presenter.Phases)
}

func TestResetSkipsClosedTranscription(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")
	f.asr.SetState(core.ChannelClosed)
	_, _ = f.m.CallUser("bob")
	f.m.OnEnded("")

	assert.Empty(t, f.asr.Sent())
	assert.Empty(t, f.asr.Queued())
}

func TestTerminateSendsNothing(t *testing.T) {
	f := newFixture(domain.GroupSales, "alice")
	id, _ := f.m.CallUser("bob")
	f.m.OnAccepted(id, "")

	assert.True(t, f.m.Terminate("signaling lost"))

	assert.Equal(t, domain.PhaseIdle, f.m.Phase())
	assert.Equal(t, 0, f.signal.Count(protocol.EventHangUp))
	last, ok := f.log.Last()
	require.True(t, ok)
	assert.Equal(t, id, last.CallID)
	assert.True(t, last.Ended)
}

func TestCallIDRoundTrip(t *testing.T) {
	caller := newFixture(domain.GroupSales, "alice")
	callee := newFixture(domain.GroupCustomers, "bob")

	id, err := caller.m.CallUser("bob")
	require.NoError(t, err)
	offer := caller.signal.Sent()[0]

	callee.m.Handle(protocol.Envelope{Event: protocol.EventIncomingCall, CallID: offer.CallID, FromUser: offer.FromUser})
	require.NoError(t, callee.m.Accept())
	answer := callee.signal.Sent()[0]

	assert.Equal(t, string(id), answer.CallID)
	assert.Equal(t, id, callee.m.Call().ID)

	caller.m.Handle(protocol.Envelope{Event: protocol.EventCallAccepted})
	assert.Equal(t, domain.PhaseActive, caller.m.Phase())
	assert.False(t, caller.m.Handle(protocol.Envelope{Event: protocol.EventUserStatus}))
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestAcceptedChecksAnsweringUser(t *testing.T) {
	tests := []struct {
		name string
		env  protocol.Envelope
		warn bool
	}{
		{"callee answers", protocol.Envelope{FromUser: "bob", ToUser: "alice"}, false},
		{"someone else answers", protocol.Envelope{FromUser: "mallory"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			f := newFixture(domain.GroupSales, "alice")
			id, err := f.m.CallUser("bob")
			require.NoError(t, err)

			env := tt.env
			env.Event = protocol.EventCallAccepted
			env.CallID = string(id)
			require.True(t, f.m.Handle(env))

			assert.Equal(t, domain.PhaseActive, f.m.Phase())
			assert.Equal(t, "bob", f.m.Call().Peer.Username)
			assert.Equal(t, tt.warn, bytes.Contains(buf.Bytes(), []byte("accepted by unexpected user")))
		})
	}
}
