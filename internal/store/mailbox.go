package store

import "strings"

// UIDScope identifies which UID counter a mailbox draws from.
type UIDScope int

const (
	// ScopeDomain is the domain inbox; messages carry a domain-scope UID.
	ScopeDomain UIDScope = iota
	// ScopeSent holds messages the account sent.
	ScopeSent
	// ScopeCorrespondent is a virtual view of every message exchanged with
	// one address.
	ScopeCorrespondent
	// ScopeFolder is a user-created folder.
	ScopeFolder
)

func (s UIDScope) String() string {
	switch s {
	case ScopeDomain:
		return "domain"
	case ScopeSent:
		return "sent"
	case ScopeCorrespondent:
		return "correspondent"
	default:
		return "folder"
	}
}

const (
	InboxName  = "INBOX"
	SentName   = "Sent"
	DraftsName = "Drafts"
	TrashName  = "Trash"
)

// DefaultFolders are created for every new account.
var DefaultFolders = []string{DraftsName, TrashName}

// Mailbox is a resolved mailbox name.
type Mailbox struct {
	Name  string
	Scope UIDScope
	// Key is the folder name for folder scope, the lowercased address for
	// correspondent scope, and the canonical name otherwise.
	Key string
}

// Writable reports whether messages can be appended or moved into the mailbox.
func (m Mailbox) Writable() bool {
	return m.Scope != ScopeCorrespondent
}

// ResolveMailbox maps a client supplied mailbox name onto its scope.
func ResolveMailbox(name string) Mailbox {
	switch {
	case strings.EqualFold(name, InboxName):
		return Mailbox{Name: InboxName, Scope: ScopeDomain, Key: InboxName}
	case name == SentName:
		return Mailbox{Name: SentName, Scope: ScopeSent, Key: SentName}
	case strings.Contains(name, "@"):
		return Mailbox{Name: name, Scope: ScopeCorrespondent, Key: strings.ToLower(name)}
	default:
		return Mailbox{Name: name, Scope: ScopeFolder, Key: name}
	}
}

// IsReserved reports whether name cannot be created, deleted or renamed.
func IsReserved(name string) bool {
	mb := ResolveMailbox(name)
	return mb.Scope == ScopeDomain || mb.Scope == ScopeSent || mb.Scope == ScopeCorrespondent
}
