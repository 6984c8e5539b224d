// Package store defines the persistence contract consumed by the IMAP
// protocol layer. The protocol layer never sees the storage engine; it only
// reads and writes projections of message records through an Account.
package store

import (
	"context"
	"errors"
)

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrMailboxNotFound  = errors.New("mailbox does not exist")
	ErrMailboxExists    = errors.New("mailbox already exists")
	ErrMailboxReserved  = errors.New("mailbox name is reserved")
	ErrMailboxHasChild  = errors.New("mailbox has inferior hierarchical names")
	ErrReadOnlyView     = errors.New("mailbox is a read-only view")
	ErrInvalidFlagsMode = errors.New("invalid flag operation")
)

// Credentials carries a LOGIN or AUTHENTICATE PLAIN identity.
type Credentials struct {
	Username string
	Password string
}

// Store authenticates users and hands out account handles.
type Store interface {
	Authenticate(ctx context.Context, creds Credentials) (Account, error)
}

// MailboxStatus is the count snapshot used by SELECT and STATUS.
type MailboxStatus struct {
	Total       int
	Unread      int
	UIDValidity uint32
	UIDNext     uint32
}

// UIDRange is an inclusive UID interval.
type UIDRange struct {
	Start uint32
	End   uint32
}

// Contains reports whether uid falls inside the range.
func (r UIDRange) Contains(uid uint32) bool {
	return uid >= r.Start && uid <= r.End
}

// Account is an authenticated handle. All mailbox arguments are names
// resolved through ResolveMailbox by the implementation.
type Account interface {
	Username() string

	ListMailboxes(ctx context.Context) ([]string, error)
	CreateMailbox(ctx context.Context, name string) error
	DeleteMailbox(ctx context.Context, name string) error
	RenameMailbox(ctx context.Context, from, to string) error
	Subscribe(ctx context.Context, name string) error
	Unsubscribe(ctx context.Context, name string) error
	Subscriptions(ctx context.Context) ([]string, error)

	// Status returns ErrMailboxNotFound for unknown names.
	Status(ctx context.Context, mailbox string) (MailboxStatus, error)
	// AllUIDs returns the mailbox UIDs in ascending order.
	AllUIDs(ctx context.Context, mailbox string) ([]uint32, error)
	// Messages returns the records whose UID lies in [start, end], keyed by
	// their UID in this mailbox, loading only the requested fields.
	Messages(ctx context.Context, mailbox string, start, end uint32, fields Fields) (map[uint32]*Message, error)
	SetFlags(ctx context.Context, mailbox string, start, end uint32, flags Flags, op FlagOp) error
	Search(ctx context.Context, mailbox string, criteria Criterion) ([]uint32, error)
	// Expunge removes \Deleted messages and returns their UIDs.
	Expunge(ctx context.Context, mailbox string) ([]uint32, error)
	// Move reassigns messages to a folder-scoped target and returns the
	// old UID to new UID mapping.
	Move(ctx context.Context, mailbox string, uids []uint32, target string) (map[uint32]uint32, error)
	// StoreMail persists a record with a caller-assigned UID pair.
	StoreMail(ctx context.Context, msg *Message) error
	NextUID(ctx context.Context, scope UIDScope) (uint32, error)
}
