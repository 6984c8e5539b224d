package models

import (
	uuid "github.com/satori/go.uuid"

	"imapgate/internal/server/uid"
	"imapgate/internal/store"
)

// SelectedMailbox is the state of the mailbox a session has selected.
type SelectedMailbox struct {
	Name        string
	Mailbox     store.Mailbox
	ReadOnly    bool
	UIDValidity uint32
	UIDNext     uint32
}

// Session is the mutable per-connection state. It is owned by the
// connection's goroutine and never shared.
type Session struct {
	ID            string
	Authenticated bool
	Username      string
	Account       store.Account // nil until authenticated
	Selected      *SelectedMailbox
	Map           *uid.Map
	TLS           bool

	Idling  bool
	IdleTag string
}

func NewSession() *Session {
	return &Session{
		ID:  uuid.NewV4().String(),
		Map: uid.NewMap(),
	}
}

// Login binds an account and moves the session to the authenticated state.
func (s *Session) Login(account store.Account) {
	s.Authenticated = true
	s.Account = account
	s.Username = account.Username()
}

// Select replaces the selection and rebuilds the map from uids.
func (s *Session) Select(selected *SelectedMailbox, uids []uint32) {
	s.Selected = selected
	s.Map.Rebuild(uids)
}

// Unselect clears the selection and the map.
func (s *Session) Unselect() {
	s.Selected = nil
	s.Map.Reset()
	s.Idling = false
	s.IdleTag = ""
}

// Logout drops the account handle together with the selection.
func (s *Session) Logout() {
	s.Unselect()
	s.Authenticated = false
	s.Account = nil
	s.Username = ""
}

// HasSelection reports whether the session is in the selected state.
func (s *Session) HasSelection() bool {
	return s.Authenticated && s.Selected != nil
}
