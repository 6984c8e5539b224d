package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"imapgate/internal/store"
)

func TestFilterMailboxes(t *testing.T) {
	names := []string{"INBOX", "Sent", "Drafts", "Trash", "Work", "Work/2023", "Work/2024/Q1", "bob@example.com"}

	tests := []struct {
		name      string
		reference string
		pattern   string
		want      []string
	}{
		{"everything", "", "*", names},
		{"exact", "", "Sent", []string{"Sent"}},
		{"inbox any case", "", "inbox", []string{"INBOX"}},
		{"top level only", "", "%", []string{"INBOX", "Sent", "Drafts", "Trash", "Work", "bob@example.com"}},
		{"one level below", "", "Work/%", []string{"Work/2023"}},
		{"all below", "", "Work/*", []string{"Work/2023", "Work/2024/Q1"}},
		{"reference with delimiter", "Work/", "%", []string{"Work/2023"}},
		{"reference without delimiter", "Work", "*", []string{"Work/2023", "Work/2024/Q1"}},
		{"absolute pattern ignores reference", "Work", "/x", nil},
		{"infix wildcard", "", "W*3", []string{"Work/2023"}},
		{"no match", "", "Nope", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterMailboxes(names, tt.reference, tt.pattern))
		})
	}
}

func TestMatchPattern_EmptyPattern(t *testing.T) {
	assert.False(t, MatchPattern("INBOX", ""))
	assert.True(t, MatchPattern("", ""))
}

func TestHasChildren(t *testing.T) {
	names := []string{"Work", "Work/2023", "Workshop"}
	assert.True(t, HasChildren("Work", names))
	assert.False(t, HasChildren("Workshop", names))
	assert.False(t, HasChildren("Work/2023", names))
}

func TestFormatFlags(t *testing.T) {
	assert.Equal(t, "()", FormatFlags(0))
	assert.Equal(t, `(\Seen)`, FormatFlags(store.FlagSeen))
	assert.Equal(t, `(\Seen \Answered \Flagged \Deleted \Draft)`,
		FormatFlags(store.FlagSeen|store.FlagAnswered|store.FlagFlagged|store.FlagDeleted|store.FlagDraft))
	assert.Equal(t, `(\Flagged \Draft)`, FormatFlags(store.FlagDraft|store.FlagFlagged))
}

func TestParseFlags(t *testing.T) {
	flags, ignored := ParseFlags([]string{`\seen`, `\FLAGGED`, `\Recent`, "$Junk"})
	assert.Equal(t, store.FlagSeen|store.FlagFlagged, flags)
	assert.Equal(t, []string{`\Recent`, "$Junk"}, ignored)

	f, ok := ParseFlag(`\Deleted`)
	assert.True(t, ok)
	assert.Equal(t, store.FlagDeleted, f)
	assert.Equal(t, `\Deleted`, FlagName(store.FlagDeleted))

	_, ok = ParseFlag("Deleted")
	assert.False(t, ok)
}

func TestMailboxAttributes(t *testing.T) {
	assert.Equal(t, `(\HasNoChildren \Drafts)`, MailboxAttributes("Drafts", "", false))
	assert.Equal(t, `(\HasNoChildren \Trash)`, MailboxAttributes("Trash", `\Trash`, false))
	assert.Equal(t, `(\HasNoChildren \Sent)`, MailboxAttributes("Sent", "", false))
	assert.Equal(t, `(\HasChildren)`, MailboxAttributes("Work", "", true))
	assert.Equal(t, `(\HasNoChildren)`, MailboxAttributes("INBOX", "", false))
}
