package utils

import (
	"strings"

	"imapgate/internal/store"
)

var flagNames = map[store.Flags]string{
	store.FlagSeen:     `\Seen`,
	store.FlagAnswered: `\Answered`,
	store.FlagFlagged:  `\Flagged`,
	store.FlagDeleted:  `\Deleted`,
	store.FlagDraft:    `\Draft`,
}

// MailboxFlags is the FLAGS list sent on SELECT.
const MailboxFlags = `(\Answered \Flagged \Deleted \Seen \Draft)`

// PermanentFlags is the PERMANENTFLAGS list of a read-write selection.
// Keywords are not stored, so \* is not offered.
const PermanentFlags = MailboxFlags

// FlagName returns the wire name of a single flag bit.
func FlagName(f store.Flags) string {
	return flagNames[f]
}

// ParseFlag maps a system flag name, in any case, to its bit.
func ParseFlag(name string) (store.Flags, bool) {
	for f, n := range flagNames {
		if strings.EqualFold(n, name) {
			return f, true
		}
	}
	return 0, false
}

// ParseFlags maps flag names onto a bitmask. \Recent and keywords cannot be
// stored and are returned separately.
func ParseFlags(names []string) (flags store.Flags, ignored []string) {
	for _, n := range names {
		if f, ok := ParseFlag(n); ok {
			flags |= f
			continue
		}
		ignored = append(ignored, n)
	}
	return flags, ignored
}

// FormatFlags renders a parenthesized flag list in wire order.
func FormatFlags(flags store.Flags) string {
	var names []string
	for _, f := range store.AllFlags {
		if flags.Has(f) {
			names = append(names, flagNames[f])
		}
	}
	return "(" + strings.Join(names, " ") + ")"
}

// MailboxAttributes returns the LIST attributes of a mailbox: the
// special-use attribute when it has one, plus the children marker.
func MailboxAttributes(name, specialUse string, hasChildren bool) string {
	var attrs []string
	if hasChildren {
		attrs = append(attrs, `\HasChildren`)
	} else {
		attrs = append(attrs, `\HasNoChildren`)
	}
	if specialUse == "" {
		specialUse = defaultSpecialUse(name)
	}
	if specialUse != "" {
		attrs = append(attrs, specialUse)
	}
	return "(" + strings.Join(attrs, " ") + ")"
}

func defaultSpecialUse(name string) string {
	switch name {
	case store.DraftsName:
		return `\Drafts`
	case store.TrashName:
		return `\Trash`
	case store.SentName:
		return `\Sent`
	default:
		return ""
	}
}
