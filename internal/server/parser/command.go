// Package parser turns one complete command line, literals included, into a
// typed request. It is pure: it keeps no state between calls and resolves
// nothing against a session.
package parser

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Error is a syntax error. Tag is the best-effort tag of the failing line,
// "*" when not even the tag could be read.
type Error struct {
	Tag     string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Command is a parsed line.
type Command struct {
	Tag     string
	Request Request
}

// Request is one of the request types below. The set is closed.
type Request interface {
	Verb() string
	isRequest()
}

type (
	Capability struct{}
	Noop       struct{}
	Check      struct{}
	Close      struct{}
	Expunge    struct{}
	Logout     struct{}
	StartTLS   struct{}
	Idle       struct{}

	Login struct {
		Username string
		Password string
	}

	// Authenticate carries the SASL mechanism and, with SASL-IR, the
	// base64 initial response.
	Authenticate struct {
		Mechanism          string
		InitialResponse    string
		HasInitialResponse bool
	}

	List struct {
		Reference string
		Pattern   string
	}

	Lsub struct {
		Reference string
		Pattern   string
	}

	Select      struct{ Mailbox string }
	Examine     struct{ Mailbox string }
	Create      struct{ Mailbox string }
	Delete      struct{ Mailbox string }
	Subscribe   struct{ Mailbox string }
	Unsubscribe struct{ Mailbox string }

	Rename struct {
		From string
		To   string
	}

	Status struct {
		Mailbox string
		Items   []string // upper case
	}

	Fetch struct {
		Set   SequenceSet
		Items []FetchItem
	}

	Search struct {
		Charset  string
		Criteria SearchKey
	}

	Store struct {
		Set    SequenceSet
		Mode   StoreMode
		Silent bool
		Flags  []string
	}

	Copy struct {
		Set     SequenceSet
		Mailbox string
	}

	Move struct {
		Set     SequenceSet
		Mailbox string
	}

	Append struct {
		Mailbox string
		Flags   []string
		Date    time.Time // zero when absent
		Message []byte
	}

	// UID wraps FETCH, SEARCH, STORE, COPY or MOVE. Inner sequence sets
	// carry KindUID.
	UID struct {
		Inner Request
	}

	ID struct {
		// Params is nil for "ID NIL".
		Params map[string]string
	}

	Enable struct {
		Capabilities []string
	}
)

func (Capability) Verb() string   { return "CAPABILITY" }
func (Noop) Verb() string         { return "NOOP" }
func (Check) Verb() string        { return "CHECK" }
func (Close) Verb() string        { return "CLOSE" }
func (Expunge) Verb() string      { return "EXPUNGE" }
func (Logout) Verb() string       { return "LOGOUT" }
func (StartTLS) Verb() string     { return "STARTTLS" }
func (Idle) Verb() string         { return "IDLE" }
func (Login) Verb() string        { return "LOGIN" }
func (Authenticate) Verb() string { return "AUTHENTICATE" }
func (List) Verb() string         { return "LIST" }
func (Lsub) Verb() string         { return "LSUB" }
func (Select) Verb() string       { return "SELECT" }
func (Examine) Verb() string      { return "EXAMINE" }
func (Create) Verb() string       { return "CREATE" }
func (Delete) Verb() string       { return "DELETE" }
func (Subscribe) Verb() string    { return "SUBSCRIBE" }
func (Unsubscribe) Verb() string  { return "UNSUBSCRIBE" }
func (Rename) Verb() string       { return "RENAME" }
func (Status) Verb() string       { return "STATUS" }
func (Fetch) Verb() string        { return "FETCH" }
func (Search) Verb() string       { return "SEARCH" }
func (Store) Verb() string        { return "STORE" }
func (Copy) Verb() string         { return "COPY" }
func (Move) Verb() string         { return "MOVE" }
func (Append) Verb() string       { return "APPEND" }
func (UID) Verb() string          { return "UID" }
func (ID) Verb() string           { return "ID" }
func (Enable) Verb() string       { return "ENABLE" }

func (Capability) isRequest()   {}
func (Noop) isRequest()         {}
func (Check) isRequest()        {}
func (Close) isRequest()        {}
func (Expunge) isRequest()      {}
func (Logout) isRequest()       {}
func (StartTLS) isRequest()     {}
func (Idle) isRequest()         {}
func (Login) isRequest()        {}
func (Authenticate) isRequest() {}
func (List) isRequest()         {}
func (Lsub) isRequest()         {}
func (Select) isRequest()       {}
func (Examine) isRequest()      {}
func (Create) isRequest()       {}
func (Delete) isRequest()       {}
func (Subscribe) isRequest()    {}
func (Unsubscribe) isRequest()  {}
func (Rename) isRequest()       {}
func (Status) isRequest()       {}
func (Fetch) isRequest()        {}
func (Search) isRequest()       {}
func (Store) isRequest()        {}
func (Copy) isRequest()         {}
func (Move) isRequest()         {}
func (Append) isRequest()       {}
func (UID) isRequest()          {}
func (ID) isRequest()           {}
func (Enable) isRequest()       {}

// StoreMode is the flag operation of STORE.
type StoreMode int

const (
	StoreReplace StoreMode = iota // FLAGS
	StoreAdd                      // +FLAGS
	StoreRemove                   // -FLAGS
)

// SetKind says whether a sequence set holds sequence numbers or UIDs.
type SetKind int

const (
	KindSeq SetKind = iota
	KindUID
)

// Star stands for the client token "*". It is resolved by the session to
// the highest live sequence number or UID.
const Star uint32 = math.MaxUint32

// Range is one element of a sequence set. End is zero for a single value.
type Range struct {
	Start uint32
	End   uint32
}

// SequenceSet is an ordered list of ranges as written by the client.
type SequenceSet struct {
	Kind   SetKind
	Ranges []Range
}

func formatSetNumber(n uint32) string {
	if n == Star {
		return "*"
	}
	return strconv.FormatUint(uint64(n), 10)
}

// String re-derives the wire form of the set.
func (s SequenceSet) String() string {
	parts := make([]string, len(s.Ranges))
	for i, r := range s.Ranges {
		if r.End == 0 {
			parts[i] = formatSetNumber(r.Start)
		} else {
			parts[i] = formatSetNumber(r.Start) + ":" + formatSetNumber(r.End)
		}
	}
	return strings.Join(parts, ",")
}

// FetchKind names a FETCH data item.
type FetchKind int

const (
	FetchFlags FetchKind = iota
	FetchEnvelope
	FetchBodyStructure
	FetchBodySummary // BODY without a section: non-extensible BODYSTRUCTURE
	FetchUID
	FetchInternalDate
	FetchRFC822Size
	FetchRFC822
	FetchRFC822Header
	FetchRFC822Text
	FetchBody // BODY[section]<partial>
)

// FetchItem is one requested data item.
type FetchItem struct {
	Kind    FetchKind
	Peek    bool
	Section *Section
	Partial *Partial
}

// SectionKind names the part of a message a BODY[] item addresses.
type SectionKind int

const (
	SectionFull SectionKind = iota
	SectionHeader
	SectionText
	SectionHeaderFields
	SectionMIME // only below a part number
	SectionPart
)

// Section is a BODY[] section specifier. For SectionPart, Part holds the
// dotted part numbers and Sub the optional HEADER, TEXT, MIME or
// HEADER.FIELDS qualifier.
type Section struct {
	Kind    SectionKind
	Part    []int
	Sub     *Section
	Fields  []string // upper case, for SectionHeaderFields
	Exclude bool     // HEADER.FIELDS.NOT
}

// String renders the section the way it is echoed in FETCH responses.
func (s *Section) String() string {
	if s == nil {
		return ""
	}
	switch s.Kind {
	case SectionHeader:
		return "HEADER"
	case SectionText:
		return "TEXT"
	case SectionMIME:
		return "MIME"
	case SectionHeaderFields:
		name := "HEADER.FIELDS"
		if s.Exclude {
			name += ".NOT"
		}
		return name + " (" + strings.Join(s.Fields, " ") + ")"
	case SectionPart:
		nums := make([]string, len(s.Part))
		for i, n := range s.Part {
			nums[i] = strconv.Itoa(n)
		}
		out := strings.Join(nums, ".")
		if s.Sub != nil {
			out += "." + s.Sub.String()
		}
		return out
	default:
		return ""
	}
}

// Partial is the <start.length> suffix. HasLength is false for <start>.
type Partial struct {
	Start     uint32
	Length    uint32
	HasLength bool
}
