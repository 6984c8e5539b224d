package utils

import (
	"strings"

	"imapgate/internal/store"
)

// Delimiter is the mailbox hierarchy separator.
const Delimiter = "/"

// FilterMailboxes returns the names matching the LIST reference and
// pattern, in input order.
func FilterMailboxes(mailboxes []string, reference, pattern string) []string {
	canonical := CanonicalPattern(reference, pattern)
	var matches []string
	for _, name := range mailboxes {
		if MatchPattern(name, canonical) {
			matches = append(matches, name)
		}
	}
	return matches
}

// CanonicalPattern joins reference and pattern. A pattern starting with
// the delimiter ignores the reference.
func CanonicalPattern(reference, pattern string) string {
	if reference == "" || strings.HasPrefix(pattern, Delimiter) {
		return pattern
	}
	if strings.HasSuffix(reference, Delimiter) {
		return reference + pattern
	}
	return reference + Delimiter + pattern
}

// MatchPattern matches name against a LIST pattern where * matches
// anything and % matches anything but the delimiter. INBOX compares case
// insensitively.
func MatchPattern(name, pattern string) bool {
	if strings.EqualFold(name, store.InboxName) {
		name = store.InboxName
	}
	if strings.EqualFold(pattern, store.InboxName) {
		pattern = store.InboxName
	}
	return match(name, pattern)
}

func match(name, pattern string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*', '%':
			wild := pattern[0]
			rest := pattern[1:]
			for i := 0; i <= len(name); i++ {
				if match(name[i:], rest) {
					return true
				}
				if i < len(name) && wild == '%' && name[i] == Delimiter[0] {
					return false
				}
			}
			return false
		default:
			if len(name) == 0 || name[0] != pattern[0] {
				return false
			}
			name, pattern = name[1:], pattern[1:]
		}
	}
	return len(name) == 0
}

// HasChildren reports whether any of names lies below parent.
func HasChildren(parent string, names []string) bool {
	prefix := parent + Delimiter
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
