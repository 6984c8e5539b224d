package store

import (
	"strings"
	"time"
)

// Flags is the persisted flag bitmask of a message record.
type Flags uint8

const (
	FlagSeen Flags = 1 << iota
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagAnswered
)

// AllFlags lists every flag bit in the order they are rendered on the wire.
var AllFlags = []Flags{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft}

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// FlagOp selects how SetFlags combines the supplied flags with the stored ones.
type FlagOp int

const (
	FlagsReplace FlagOp = iota
	FlagsAdd
	FlagsRemove
)

// Apply returns the result of combining current with flags under op.
func (op FlagOp) Apply(current, flags Flags) Flags {
	switch op {
	case FlagsAdd:
		return current | flags
	case FlagsRemove:
		return current &^ flags
	default:
		return flags
	}
}

// Fields selects which parts of a record Messages loads.
type Fields uint8

const (
	FieldFlags Fields = 1 << iota
	FieldEnvelope
	FieldBody
	FieldAttachments
	FieldAttachmentData
)

func (f Fields) Has(x Fields) bool {
	return f&x != 0
}

// UIDPair holds the two UID spaces a record lives in. Domain is only
// allocated for messages delivered to the domain inbox.
type UIDPair struct {
	Domain  uint32
	Account uint32
}

type Address struct {
	Name  string
	Email string
}

// Mailbox splits the address at the last '@'.
func (a Address) Mailbox() string {
	if i := strings.LastIndexByte(a.Email, '@'); i >= 0 {
		return a.Email[:i]
	}
	return a.Email
}

// Host returns the domain part of the address, or "" when there is none.
func (a Address) Host() string {
	if i := strings.LastIndexByte(a.Email, '@'); i >= 0 {
		return a.Email[i+1:]
	}
	return ""
}

type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// Message is the stored record. Which fields are populated depends on the
// Fields projection requested from the store.
type Message struct {
	UID           UIDPair
	Folder        string
	Correspondent string
	Flags         Flags

	From []Address
	To   []Address
	Cc   []Address
	Bcc  []Address

	Subject      string
	MessageID    string
	Date         time.Time
	InternalDate time.Time

	Text        string
	HTML        string
	Attachments []Attachment

	// Size is the estimated RFC822.SIZE, see EstimateSize.
	Size int64
}

// UIDIn returns the UID of the record in the given scope.
func (m *Message) UIDIn(scope UIDScope) uint32 {
	if scope == ScopeDomain {
		return m.UID.Domain
	}
	return m.UID.Account
}

// EstimateSize approximates the transfer size of a record: text and html
// byte lengths plus attachment sizes rounded up to base64 4-byte groups.
func EstimateSize(text, html string, attachments []Attachment) int64 {
	size := int64(len(text) + len(html))
	for _, a := range attachments {
		size += 4 * ((a.Size + 2) / 3)
	}
	return size
}
