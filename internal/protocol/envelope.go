// Package protocol holds the JSON envelopes exchanged on the signaling,
// relay and transcription channels.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/salescall/internal/domain"
)

const (
	EventRegister      = "register"
	EventCallUser      = "call_user"
	EventIncomingCall  = "incoming_call"
	EventAcceptCall    = "accept_call"
	EventCallAccepted  = "call_accepted"
	EventCallRejected  = "call_rejected"
	EventHangUp        = "hang_up"
	EventCallEnded     = "call_ended"
	EventUserStatus    = "user_status"
	EventError         = "error"
	EventLogout        = "logout"
	EventSetCookie     = "set_cookie"
	EventTranscription = "transcription"
	EventInsight       = "insight"
)

// ReasonBusy is sent when an offer arrives while another call exists.
const ReasonBusy = "busy"

// Envelope is the single wire shape; Event selects which fields matter.
type Envelope struct {
	Event     string   `json:"event"`
	Group     string   `json:"group,omitempty"`
	Username  string   `json:"username,omitempty"`
	Language  string   `json:"language,omitempty"`
	FromGroup string   `json:"from_group,omitempty"`
	FromUser  string   `json:"from_user,omitempty"`
	ToUser    string   `json:"to_user,omitempty"`
	CallID    string   `json:"call_id,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Sales     []string `json:"sales,omitempty"`
	Customers []string `json:"customers,omitempty"`
	Message   string   `json:"message,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	IsFinal   bool     `json:"is_final,omitempty"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Register announces identity. The signaling server does not take a language.
func Register(id domain.Identity, withLanguage bool) Envelope {
	env := Envelope{
		Event:    EventRegister,
		Group:    string(id.Group),
		Username: id.Username,
	}
	if withLanguage {
		env.Language = id.Language
	}
	return env
}

func CallUser(from domain.Identity, to string, callID domain.CallID) Envelope {
	return Envelope{
		Event:     EventCallUser,
		FromGroup: string(from.Group),
		FromUser:  from.Username,
		ToUser:    to,
		CallID:    string(callID),
	}
}

// AcceptCall answers an offer; from_* names the caller, to_user the callee.
func AcceptCall(callID domain.CallID, caller domain.Peer, self domain.Identity) Envelope {
	return Envelope{
		Event:     EventAcceptCall,
		CallID:    string(callID),
		FromGroup: string(caller.Group),
		FromUser:  caller.Username,
		ToUser:    self.Username,
	}
}

// Reject declines an offer, with the same from/to orientation as AcceptCall.
func Reject(callID domain.CallID, caller domain.Peer, self domain.Identity, reason string) Envelope {
	return Envelope{
		Event:     EventCallRejected,
		CallID:    string(callID),
		FromGroup: string(caller.Group),
		FromUser:  caller.Username,
		ToUser:    self.Username,
		Reason:    reason,
	}
}

func HangUp(callID domain.CallID) Envelope {
	return Envelope{Event: EventHangUp, CallID: string(callID)}
}

func CallEnded(callID domain.CallID) Envelope {
	return Envelope{Event: EventCallEnded, CallID: string(callID)}
}

func Logout(username string) Envelope {
	return Envelope{Event: EventLogout, Username: username}
}
