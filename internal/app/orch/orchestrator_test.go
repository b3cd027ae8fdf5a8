package orch

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/salescall/internal/app/apptest"
	"github.com/dkeye/salescall/internal/app/loop"
	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grace = 5 * time.Second

type engine struct {
	exec       *loop.Manual
	signal     *apptest.Transport
	relay      *apptest.Transport
	transcribe *apptest.Transport
	sinks      *apptest.SinkFactory
	capture    *apptest.Capture
	presenter  *apptest.Presenter
	o          *Orchestrator
}

func newEngine(autoGrant bool) *engine {
	e := &engine{
		exec:       loop.NewManual(),
		signal:     apptest.NewTransport(ChannelSignal, true),
		relay:      apptest.NewTransport(ChannelRelay, true),
		transcribe: apptest.NewTransport(ChannelTranscribe, true),
		sinks:      &apptest.SinkFactory{},
		capture:    &apptest.Capture{Auto: autoGrant},
		presenter:  &apptest.Presenter{},
	}
	e.o = New(Deps{
		Exec:           e.exec,
		Channels:       Channels{Signal: e.signal, Relay: e.relay, Transcribe: e.transcribe},
		Presenter:      e.presenter,
		Sinks:          e.sinks,
		Capture:        e.capture,
		SignalingGrace: grace,
	})
	return e
}

func (e *engine) deliver(channel string, env protocol.Envelope) {
	data, _ := env.Marshal()
	e.o.OnFrame(channel, core.TextFrame, data)
	e.exec.Drain()
}

func (e *engine) raw(channel, text string) {
	e.o.OnFrame(channel, core.TextFrame, []byte(text))
	e.exec.Drain()
}

func (e *engine) setState(t *apptest.Transport, s core.ChannelState) {
	t.SetState(s)
	e.o.OnState(t.Name(), s)
	e.exec.Drain()
}

// until drains the loop until cond holds; acquire results arrive from
// another goroutine.
func (e *engine) until(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.exec.Drain()
		return cond()
	}, time.Second, time.Millisecond)
}

// settle waits for the microphone of the current call to start.
func (e *engine) settle(t *testing.T) {
	t.Helper()
	e.until(t, func() bool {
		streams := e.capture.Streams()
		return len(streams) > 0 && streams[len(streams)-1].Started()
	})
}

func (e *engine) phase(t *testing.T) domain.Phase {
	t.Helper()
	st, err := e.o.State(context.Background())
	require.NoError(t, err)
	return st.Phase
}

// switchboard forwards signaling the way the signaling server does.
type switchboard struct {
	engines map[string]*engine
	caller  map[string]string
}

func connect(engines map[string]*engine) *switchboard {
	sb := &switchboard{engines: engines, caller: map[string]string{}}
	for name, e := range engines {
		from := name
		e.signal.OnSend = func(env protocol.Envelope) { sb.route(from, env) }
	}
	return sb
}

func (sb *switchboard) post(to string, env protocol.Envelope) {
	e := sb.engines[to]
	data, _ := env.Marshal()
	e.o.OnFrame(ChannelSignal, core.TextFrame, data)
}

func (sb *switchboard) route(from string, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventCallUser:
		sb.caller[env.CallID] = from
		sb.post(env.ToUser, protocol.Envelope{Event: protocol.EventIncomingCall, CallID: env.CallID, FromUser: env.FromUser})
	case protocol.EventAcceptCall:
		sb.post(sb.caller[env.CallID], protocol.Envelope{Event: protocol.EventCallAccepted})
	case protocol.EventCallRejected:
		sb.post(env.FromUser, env)
	case protocol.EventHangUp:
		for name := range sb.engines {
			sb.post(name, protocol.Envelope{Event: protocol.EventCallEnded})
		}
	}
}

func drainAll(engines ...*engine) {
	for i := 0; i < 4; i++ {
		for _, e := range engines {
			e.exec.Drain()
		}
	}
}

func TestAliceCallsBob(t *testing.T) {
	ctx := context.Background()
	alice, bob := newEngine(true), newEngine(true)
	connect(map[string]*engine{"alice": alice, "bob": bob})

	_, err := alice.o.Register(ctx, "sales", "alice", "en")
	require.NoError(t, err)
	_, err = bob.o.Register(ctx, "customers", "bob", "en")
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.relay.Identity().Username)

	id, err := alice.o.CallUser(ctx, "bob")
	require.NoError(t, err)
	drainAll(alice, bob)
	assert.Equal(t, domain.PhaseOutgoing, alice.phase(t))
	assert.Equal(t, domain.PhaseIncomingOffered, bob.phase(t))
	assert.Equal(t, []domain.CallID{id}, bob.presenter.Incoming)

	require.NoError(t, bob.o.Accept(ctx))
	drainAll(alice, bob)
	assert.Equal(t, domain.PhaseActive, alice.phase(t))
	assert.Equal(t, domain.PhaseActive, bob.phase(t))

	alice.settle(t)
	bob.settle(t)
	alice.capture.Streams()[0].Emit(core.Frame("opus-1"))
	alice.exec.Drain()
	require.Len(t, alice.relay.Binary(), 1)

	bob.o.OnFrame(ChannelRelay, core.BinaryFrame, alice.relay.Binary()[0])
	bob.exec.Drain()
	assert.Equal(t, []core.Frame{core.Frame("opus-1")}, bob.sinks.Last().Appended())

	bob.deliver(ChannelTranscribe, protocol.Envelope{Event: protocol.EventTranscription, CallID: string(id), Group: "sales", Text: "hi bob", IsFinal: true})
	require.NotEmpty(t, bob.presenter.Transcripts)
	assert.Equal(t, []string{"hi bob"}, bob.presenter.Transcripts[0].Finals[domain.GroupSales])

	require.NoError(t, alice.o.HangUp(ctx))
	drainAll(alice, bob)

	for _, e := range []*engine{alice, bob} {
		assert.Equal(t, domain.PhaseIdle, e.phase(t))
		assert.Equal(t, 1, e.transcribe.Count(protocol.EventCallEnded))
		assert.True(t, e.sinks.Last().Closed())
		assert.True(t, e.capture.Streams()[0].Stopped())
	}
	assert.Equal(t, 1, alice.signal.Count(protocol.EventHangUp))
	assert.Equal(t, 0, bob.signal.Count(protocol.EventHangUp))
}

func TestBobRejects(t *testing.T) {
	ctx := context.Background()
	alice, bob := newEngine(true), newEngine(true)
	connect(map[string]*engine{"alice": alice, "bob": bob})
	_, _ = alice.o.Register(ctx, "sales", "alice", "en")
	_, _ = bob.o.Register(ctx, "customers", "bob", "en")

	_, err := alice.o.CallUser(ctx, "bob")
	require.NoError(t, err)
	drainAll(alice, bob)
	require.NoError(t, bob.o.Reject(ctx))
	drainAll(alice, bob)

	assert.Equal(t, domain.PhaseIdle, alice.phase(t))
	assert.Equal(t, domain.PhaseIdle, bob.phase(t))
	assert.Empty(t, alice.sinks.Sinks())
}

func activeCall(t *testing.T, autoGrant bool) (*engine, domain.CallID) {
	t.Helper()
	e := newEngine(autoGrant)
	_, err := e.o.Register(context.Background(), "customers", "bob", "en")
	require.NoError(t, err)
	e.deliver(ChannelSignal, protocol.Envelope{Event: protocol.EventIncomingCall, CallID: "call_1_alice", FromUser: "alice"})
	require.NoError(t, e.o.Accept(context.Background()))
	require.Equal(t, domain.PhaseActive, e.phase(t))
	return e, "call_1_alice"
}

func TestRelayDropKeepsCallActive(t *testing.T) {
	e, _ := activeCall(t, true)
	e.settle(t)
	stream := e.capture.Streams()[0]

	e.setState(e.relay, core.ChannelClosed)
	e.setState(e.relay, core.ChannelConnecting)
	stream.Emit(core.Frame("lost"))
	e.exec.Drain()
	assert.Equal(t, domain.PhaseActive, e.phase(t))

	e.setState(e.relay, core.ChannelOpen)
	stream.Emit(core.Frame("back"))
	e.exec.Drain()

	assert.Equal(t, []core.Frame{core.Frame("back")}, e.relay.Binary())
	assert.Equal(t, domain.PhaseActive, e.phase(t))
	assert.Contains(t, e.presenter.ErrorKinds(), core.ErrTransportDrop)
}

func TestSignalingGraceTerminates(t *testing.T) {
	e, _ := activeCall(t, true)

	e.setState(e.signal, core.ChannelClosed)
	e.exec.Advance(grace - time.Millisecond)
	assert.Equal(t, domain.PhaseActive, e.phase(t))

	e.exec.Advance(time.Millisecond)
	assert.Equal(t, domain.PhaseIdle, e.phase(t))
	assert.Equal(t, 0, e.signal.Count(protocol.EventHangUp))
	assert.Equal(t, []core.ErrorKind{core.ErrTransportDrop, core.ErrTransportDrop}, e.presenter.ErrorKinds())
}

func TestSignalingRecoversWithinGrace(t *testing.T) {
	e, _ := activeCall(t, true)

	e.setState(e.signal, core.ChannelClosed)
	e.setState(e.signal, core.ChannelConnecting)
	e.exec.Advance(grace / 2)
	e.setState(e.signal, core.ChannelOpen)
	e.exec.Advance(grace)

	assert.Equal(t, domain.PhaseActive, e.phase(t))
	assert.Equal(t, 0, e.exec.Pending())
}

func TestCaptureDeniedEndsCall(t *testing.T) {
	e, _ := activeCall(t, false)
	require.Eventually(t, func() bool { return e.capture.Waiting() == 1 }, time.Second, time.Millisecond)

	e.capture.Deny()
	e.until(t, func() bool { return len(e.presenter.ErrorKinds()) > 0 })

	assert.Equal(t, domain.PhaseIdle, e.phase(t))
	assert.Equal(t, []core.ErrorKind{core.ErrCapabilityDenied}, e.presenter.ErrorKinds())
}

func TestQueueAndSinkFreshAfterTermination(t *testing.T) {
	e, _ := activeCall(t, true)
	first := e.sinks.Last()
	e.o.OnFrame(ChannelRelay, core.BinaryFrame, []byte("a"))
	e.o.OnFrame(ChannelRelay, core.BinaryFrame, []byte("b"))
	e.exec.Drain()
	require.Equal(t, 1, first.InFlight())

	e.deliver(ChannelSignal, protocol.Envelope{Event: protocol.EventCallEnded})
	first.Complete(nil)
	e.o.OnFrame(ChannelRelay, core.BinaryFrame, []byte("late"))
	e.exec.Drain()

	assert.True(t, first.Closed())
	assert.Len(t, first.Appended(), 1)

	e.deliver(ChannelSignal, protocol.Envelope{Event: protocol.EventIncomingCall, CallID: "call_2_alice", FromUser: "alice"})
	require.NoError(t, e.o.Accept(context.Background()))
	second := e.sinks.Last()
	require.NotSame(t, first, second)
	assert.Empty(t, second.Appended())
	assert.Equal(t, domain.CallID("call_2_alice"), second.CallID)
}

func TestSignalRouting(t *testing.T) {
	e := newEngine(true)
	e.deliver(ChannelSignal, protocol.Envelope{Event: protocol.EventSetCookie, SessionID: "s-1"})
	e.raw(ChannelSignal, `{"event":"user_status","sales":["alice"],"customers":[]}`)
	e.deliver(ChannelSignal, protocol.Envelope{Event: protocol.EventError, Message: "User not found"})
	e.raw(ChannelSignal, `{"event":"incoming_call","from_user":"alice"}`)

	st, err := e.o.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s-1", st.SessionID)
	assert.Equal(t, []string{"alice"}, st.Users.Sales)
	assert.Equal(t, domain.PhaseIdle, st.Phase)
	assert.Equal(t, "open", st.Channels[ChannelRelay])
	assert.Equal(t, []core.ErrorKind{core.ErrServerError, core.ErrProtocolViolation}, e.presenter.ErrorKinds())
	assert.Equal(t, "User not found", e.presenter.Errors[0].Message)
}

func TestInsightRouting(t *testing.T) {
	e, id := activeCall(t, true)
	e.deliver(ChannelTranscribe, protocol.Envelope{Event: protocol.EventInsight, CallID: string(id), Text: "mention the trial"})
	e.deliver(ChannelTranscribe, protocol.Envelope{Event: protocol.EventInsight, CallID: "other", Text: "stale"})

	assert.Equal(t, []string{"mention the trial"}, e.presenter.Insights)
}

func TestLogoutHangsUpFirst(t *testing.T) {
	e, _ := activeCall(t, true)

	require.NoError(t, e.o.Logout(context.Background()))

	assert.Equal(t, []string{protocol.EventAcceptCall, protocol.EventHangUp, protocol.EventLogout}, e.signal.Events())
	assert.Nil(t, e.signal.Identity())
	assert.Nil(t, e.transcribe.Identity())
	assert.Equal(t, domain.PhaseIdle, e.phase(t))
	_, err := e.o.CallUser(context.Background(), "alice")
	assert.Error(t, err)
}

func TestRegisterValidates(t *testing.T) {
	e := newEngine(true)
	_, err := e.o.Register(context.Background(), "admins", "root", "")
	assert.ErrorIs(t, err, domain.ErrInvalidGroup)
	_, err = e.o.Register(context.Background(), "sales", "", "")
	assert.ErrorIs(t, err, domain.ErrUsernameEmpty)
	assert.Nil(t, e.signal.Identity())
}
