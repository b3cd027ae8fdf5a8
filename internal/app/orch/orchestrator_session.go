package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/salescall/internal/app/call"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// State is a point-in-time view for the control surface.
type State struct {
	Identity   *domain.Identity           `json:"identity,omitempty"`
	SessionID  string                     `json:"session_id,omitempty"`
	Phase      domain.Phase               `json:"phase"`
	Call       *domain.Call               `json:"call,omitempty"`
	Users      domain.UserStatus          `json:"users"`
	Channels   map[string]string          `json:"channels"`
	Transcript *domain.TranscriptSnapshot `json:"transcript,omitempty"`
}

// Register validates the identity and announces it on every channel.
func (o *Orchestrator) Register(ctx context.Context, group, username, language string) (*domain.Identity, error) {
	id, err := domain.NewIdentity(group, username, language)
	if err != nil {
		return nil, err
	}
	err = o.exec.Do(ctx, func() error {
		if o.calls.Phase() != domain.PhaseIdle {
			return call.ErrBusy
		}
		o.session.Identity = id
		o.calls.SetIdentity(id)
		for _, t := range o.ch.all() {
			t.Announce(id)
		}
		log.Info().Str("module", "app.orch").Str("group", string(id.Group)).Str("username", id.Username).Msg("registered")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// Logout ends any call, tells the server and stops re-registration.
func (o *Orchestrator) Logout(ctx context.Context) error {
	return o.exec.Do(ctx, func() error {
		if o.session.Identity == nil {
			return call.ErrNotRegistered
		}
		switch o.calls.Phase() {
		case domain.PhaseActive, domain.PhaseOutgoing:
			_ = o.calls.HangUp()
		case domain.PhaseIncomingOffered:
			_ = o.calls.Reject()
		}
		o.syncCall()
		if err := o.ch.Signal.Send(protocol.Logout(o.session.Identity.Username)); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("logout send")
		}
		for _, t := range o.ch.all() {
			t.Forget()
		}
		log.Info().Str("module", "app.orch").Str("username", o.session.Identity.Username).Msg("logged out")
		o.session.Identity = nil
		o.session.Users = domain.UserStatus{}
		o.calls.SetIdentity(nil)
		return nil
	})
}

func (o *Orchestrator) CallUser(ctx context.Context, target string) (domain.CallID, error) {
	var id domain.CallID
	err := o.exec.Do(ctx, func() error {
		var err error
		id, err = o.calls.CallUser(target)
		o.syncCall()
		return err
	})
	return id, err
}

func (o *Orchestrator) Accept(ctx context.Context) error {
	return o.action(ctx, o.calls.Accept)
}

func (o *Orchestrator) Reject(ctx context.Context) error {
	return o.action(ctx, o.calls.Reject)
}

func (o *Orchestrator) HangUp(ctx context.Context) error {
	return o.action(ctx, o.calls.HangUp)
}

func (o *Orchestrator) action(ctx context.Context, fn func() error) error {
	return o.exec.Do(ctx, func() error {
		err := fn()
		o.syncCall()
		return err
	})
}

func (o *Orchestrator) State(ctx context.Context) (State, error) {
	var st State
	err := o.exec.Do(ctx, func() error {
		st = State{
			Identity:  o.session.Identity,
			SessionID: o.session.SessionID,
			Phase:     o.calls.Phase(),
			Call:      o.calls.Call(),
			Users:     o.session.Users,
			Channels:  make(map[string]string, 3),
		}
		for _, t := range o.ch.all() {
			st.Channels[t.Name()] = t.State().String()
		}
		if snap, ok := o.transcript.Current(); ok {
			st.Transcript = &snap
		} else if snap, ok := o.transcript.Last(); ok {
			st.Transcript = &snap
		}
		return nil
	})
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}
	return st, nil
}
