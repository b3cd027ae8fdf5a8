package domain

// UserStatus is the presence list pushed by the signaling server.
type UserStatus struct {
	Sales     []string `json:"sales"`
	Customers []string `json:"customers"`
}

// Session is the process-wide state owned by the event loop.
// Identity is nil before register and after logout.
type Session struct {
	Identity  *Identity
	SessionID string
	Users     UserStatus
	Call      *Call
}

func (s *Session) InCall() bool { return s.Call != nil }

func (s *Session) Registered() bool { return s.Identity != nil }
