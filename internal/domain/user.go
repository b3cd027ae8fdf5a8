// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
)

const (
	MaxUsernameLen  = 36
	DefaultLanguage = "en"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrInvalidGroup    = errors.New("invalid group")
)

// Group is the side of the conversation a user belongs to.
type Group string

const (
	GroupSales     Group = "sales"
	GroupCustomers Group = "customers"
)

func ParseGroup(s string) (Group, error) {
	switch Group(s) {
	case GroupSales, GroupCustomers:
		return Group(s), nil
	case "customer":
		return GroupCustomers, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGroup, s)
}

// Opposite returns the group a call is always placed to.
func (g Group) Opposite() Group {
	if g == GroupSales {
		return GroupCustomers
	}
	return GroupSales
}

// Identity is who this process registered as.
type Identity struct {
	Group    Group  `json:"group"`
	Username string `json:"username"`
	Language string `json:"language"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(group, username, language string) (*Identity, error) {
	g, err := ParseGroup(group)
	if err != nil {
		return nil, err
	}
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	if language == "" {
		language = DefaultLanguage
	}
	return &Identity{Group: g, Username: username, Language: language}, nil
}

// Peer is the other party of a call.
type Peer struct {
	Group    Group  `json:"group"`
	Username string `json:"username"`
}
