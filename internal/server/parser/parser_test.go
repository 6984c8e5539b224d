package parser_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imapgate/internal/server/parser"
)

func mustParse(t *testing.T, line string) *parser.Command {
	t.Helper()
	cmd, err := parser.Parse(line)
	require.NoError(t, err, "line %q", line)
	return cmd
}

func parseError(t *testing.T, line string) *parser.Error {
	t.Helper()
	_, err := parser.Parse(line)
	require.Error(t, err, "line %q", line)
	perr, ok := err.(*parser.Error)
	require.True(t, ok, "error must be *parser.Error, got %T", err)
	return perr
}

func TestParse_SimpleCommands(t *testing.T) {
	tests := []struct {
		line string
		want parser.Request
	}{
		{"a CAPABILITY", parser.Capability{}},
		{"a noop", parser.Noop{}},
		{"a Check", parser.Check{}},
		{"a CLOSE", parser.Close{}},
		{"a EXPUNGE", parser.Expunge{}},
		{"a LOGOUT", parser.Logout{}},
		{"a STARTTLS", parser.StartTLS{}},
		{"a IDLE", parser.Idle{}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd := mustParse(t, tt.line)
			assert.Equal(t, "a", cmd.Tag)
			assert.Equal(t, tt.want, cmd.Request)
		})
	}
}

func TestParse_Login(t *testing.T) {
	cmd := mustParse(t, `A001 LOGIN alice@example.com "pa ss\"word"`)
	assert.Equal(t, "A001", cmd.Tag)
	assert.Equal(t, parser.Login{Username: "alice@example.com", Password: `pa ss"word`}, cmd.Request)

	cmd = mustParse(t, "A002 LOGIN {5}\r\nalice {6}\r\nsecret")
	assert.Equal(t, parser.Login{Username: "alice", Password: "secret"}, cmd.Request)
}

func TestParse_Authenticate(t *testing.T) {
	cmd := mustParse(t, "a AUTHENTICATE plain")
	assert.Equal(t, parser.Authenticate{Mechanism: "PLAIN"}, cmd.Request)

	cmd = mustParse(t, "a AUTHENTICATE PLAIN AGFsaWNlAHNlY3JldA==")
	assert.Equal(t, parser.Authenticate{
		Mechanism:          "PLAIN",
		InitialResponse:    "AGFsaWNlAHNlY3JldA==",
		HasInitialResponse: true,
	}, cmd.Request)
}

func TestParse_MailboxCommands(t *testing.T) {
	assert.Equal(t, parser.Select{Mailbox: "INBOX"}, mustParse(t, "a SELECT inbox").Request)
	assert.Equal(t, parser.Examine{Mailbox: "Sent"}, mustParse(t, `a EXAMINE "Sent"`).Request)
	assert.Equal(t, parser.Create{Mailbox: "Work/2024"}, mustParse(t, "a CREATE Work/2024").Request)
	assert.Equal(t, parser.Delete{Mailbox: "Work"}, mustParse(t, "a DELETE Work").Request)
	assert.Equal(t, parser.Subscribe{Mailbox: "Work"}, mustParse(t, "a SUBSCRIBE Work").Request)
	assert.Equal(t, parser.Unsubscribe{Mailbox: "Work"}, mustParse(t, "a UNSUBSCRIBE Work").Request)
	assert.Equal(t, parser.Rename{From: "Old", To: "New Name"}, mustParse(t, `a RENAME Old "New Name"`).Request)
	assert.Equal(t, parser.List{Reference: "", Pattern: "*"}, mustParse(t, `a LIST "" *`).Request)
	assert.Equal(t, parser.Lsub{Reference: "", Pattern: "Work/%"}, mustParse(t, `a LSUB "" Work/%`).Request)
}

func TestParse_Status(t *testing.T) {
	cmd := mustParse(t, "a STATUS INBOX (MESSAGES UNSEEN uidnext UIDVALIDITY RECENT)")
	assert.Equal(t, parser.Status{
		Mailbox: "INBOX",
		Items:   []string{"MESSAGES", "UNSEEN", "UIDNEXT", "UIDVALIDITY", "RECENT"},
	}, cmd.Request)

	perr := parseError(t, "a STATUS INBOX (SIZE)")
	assert.Equal(t, "a", perr.Tag)
}

func TestParse_FetchMacros(t *testing.T) {
	cmd := mustParse(t, "a FETCH 1:* FAST")
	f := cmd.Request.(parser.Fetch)
	assert.Equal(t, []parser.FetchItem{
		{Kind: parser.FetchFlags},
		{Kind: parser.FetchInternalDate},
		{Kind: parser.FetchRFC822Size},
	}, f.Items)

	f = mustParse(t, "a FETCH 1 ALL").Request.(parser.Fetch)
	assert.Len(t, f.Items, 4)
	assert.Equal(t, parser.FetchEnvelope, f.Items[3].Kind)

	f = mustParse(t, "a FETCH 1 FULL").Request.(parser.Fetch)
	assert.Len(t, f.Items, 5)
	assert.Equal(t, parser.FetchBodySummary, f.Items[4].Kind)
}

func TestParse_FetchItems(t *testing.T) {
	cmd := mustParse(t, "a FETCH 1:3,5 (UID FLAGS RFC822.SIZE INTERNALDATE ENVELOPE BODYSTRUCTURE BODY)")
	f := cmd.Request.(parser.Fetch)
	assert.Equal(t, parser.SequenceSet{Kind: parser.KindSeq, Ranges: []parser.Range{{1, 3}, {5, 0}}}, f.Set)

	kinds := make([]parser.FetchKind, len(f.Items))
	for i, it := range f.Items {
		kinds[i] = it.Kind
	}
	assert.Equal(t, []parser.FetchKind{
		parser.FetchUID, parser.FetchFlags, parser.FetchRFC822Size, parser.FetchInternalDate,
		parser.FetchEnvelope, parser.FetchBodyStructure, parser.FetchBodySummary,
	}, kinds)
}

func TestParse_FetchSections(t *testing.T) {
	tests := []struct {
		line    string
		peek    bool
		section string
		partial *parser.Partial
	}{
		{"a FETCH 1 BODY[]", false, "", nil},
		{"a FETCH 1 BODY.PEEK[HEADER]", true, "HEADER", nil},
		{"a FETCH 1 BODY[TEXT]<0.100>", false, "TEXT", &parser.Partial{Start: 0, Length: 100, HasLength: true}},
		{"a FETCH 1 BODY[]<10>", false, "", &parser.Partial{Start: 10}},
		{"a FETCH 1 BODY[2]", false, "2", nil},
		{"a FETCH 1 BODY[1.2.MIME]", false, "1.2.MIME", nil},
		{"a FETCH 1 BODY[1.HEADER]", false, "1.HEADER", nil},
		{"a FETCH 1 BODY.PEEK[HEADER.FIELDS (subject From)]", true, "HEADER.FIELDS (SUBJECT FROM)", nil},
		{"a FETCH 1 BODY[HEADER.FIELDS.NOT (DATE)]", false, "HEADER.FIELDS.NOT (DATE)", nil},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f := mustParse(t, tt.line).Request.(parser.Fetch)
			require.Len(t, f.Items, 1)
			it := f.Items[0]
			assert.Equal(t, parser.FetchBody, it.Kind)
			assert.Equal(t, tt.peek, it.Peek)
			assert.Equal(t, tt.section, it.Section.String())
			assert.Equal(t, tt.partial, it.Partial)
		})
	}
}

func TestFetchItem_ItemName(t *testing.T) {
	f := mustParse(t, "a FETCH 1 (BODY.PEEK[HEADER.FIELDS (SUBJECT)] BODY[]<5.10> RFC822.SIZE)").Request.(parser.Fetch)
	assert.Equal(t, "BODY[HEADER.FIELDS (SUBJECT)]", f.Items[0].ItemName())
	assert.Equal(t, "BODY[]<5>", f.Items[1].ItemName())
	assert.Equal(t, "RFC822.SIZE", f.Items[2].ItemName())
}

func TestParse_Store(t *testing.T) {
	s := mustParse(t, `a STORE 2:4 +FLAGS (\Seen \Flagged)`).Request.(parser.Store)
	assert.Equal(t, parser.StoreAdd, s.Mode)
	assert.False(t, s.Silent)
	assert.Equal(t, []string{`\Seen`, `\Flagged`}, s.Flags)

	s = mustParse(t, `a STORE 1 -FLAGS.SILENT \Deleted`).Request.(parser.Store)
	assert.Equal(t, parser.StoreRemove, s.Mode)
	assert.True(t, s.Silent)
	assert.Equal(t, []string{`\Deleted`}, s.Flags)

	s = mustParse(t, `a STORE 1 FLAGS ()`).Request.(parser.Store)
	assert.Equal(t, parser.StoreReplace, s.Mode)
	assert.Empty(t, s.Flags)
}

func TestParse_UID(t *testing.T) {
	u := mustParse(t, "a UID FETCH 100:* (FLAGS)").Request.(parser.UID)
	f := u.Inner.(parser.Fetch)
	assert.Equal(t, parser.KindUID, f.Set.Kind)
	assert.Equal(t, []parser.Range{{100, parser.Star}}, f.Set.Ranges)

	u = mustParse(t, `a UID STORE 7 +FLAGS (\Seen)`).Request.(parser.UID)
	assert.Equal(t, parser.KindUID, u.Inner.(parser.Store).Set.Kind)

	u = mustParse(t, "a UID MOVE 1:2 Archive").Request.(parser.UID)
	assert.Equal(t, "Archive", u.Inner.(parser.Move).Mailbox)

	u = mustParse(t, "a UID COPY 3 Trash").Request.(parser.UID)
	assert.Equal(t, parser.KindUID, u.Inner.(parser.Copy).Set.Kind)

	perr := parseError(t, "a UID EXPUNGE 1")
	assert.Equal(t, "a", perr.Tag)
}

func TestParse_Search(t *testing.T) {
	s := mustParse(t, "a SEARCH UNSEEN").Request.(parser.Search)
	assert.Equal(t, parser.SearchFlag{Flag: `\Seen`, Set: false}, s.Criteria)

	s = mustParse(t, `a SEARCH CHARSET utf-8 FROM "bob" SINCE 1-Feb-2024`).Request.(parser.Search)
	assert.Equal(t, "UTF-8", s.Charset)
	and := s.Criteria.(parser.SearchAnd)
	require.Len(t, and.Keys, 2)
	assert.Equal(t, parser.SearchText{Field: "FROM", Value: "bob"}, and.Keys[0])
	assert.Equal(t, parser.SearchDate{Op: "SINCE", Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}, and.Keys[1])

	s = mustParse(t, `a SEARCH OR SEEN NOT (FLAGGED LARGER 100) UID 5:*`).Request.(parser.Search)
	and = s.Criteria.(parser.SearchAnd)
	require.Len(t, and.Keys, 2)
	or := and.Keys[0].(parser.SearchOr)
	assert.Equal(t, parser.SearchFlag{Flag: `\Seen`, Set: true}, or.L)
	not := or.R.(parser.SearchNot)
	assert.Equal(t, parser.SearchAnd{Keys: []parser.SearchKey{
		parser.SearchFlag{Flag: `\Flagged`, Set: true},
		parser.SearchSize{Larger: true, N: 100},
	}}, not.Key)
	assert.Equal(t, parser.SearchSet{Set: parser.SequenceSet{Kind: parser.KindUID, Ranges: []parser.Range{{5, parser.Star}}}}, and.Keys[1])

	s = mustParse(t, `a SEARCH 1:3 HEADER Message-ID "<x@y>" SENTON "5-Mar-2023"`).Request.(parser.Search)
	and = s.Criteria.(parser.SearchAnd)
	require.Len(t, and.Keys, 3)
	assert.Equal(t, parser.KindSeq, and.Keys[0].(parser.SearchSet).Set.Kind)
	assert.Equal(t, parser.SearchHeader{Field: "Message-ID", Value: "<x@y>"}, and.Keys[1])
	assert.True(t, and.Keys[2].(parser.SearchDate).Sent)

	u := mustParse(t, "a UID SEARCH ALL").Request.(parser.UID)
	assert.Equal(t, parser.SearchAll{}, u.Inner.(parser.Search).Criteria)
}

func TestParse_SearchErrors(t *testing.T) {
	for _, line := range []string{
		"a SEARCH",
		"a SEARCH BOGUS",
		"a SEARCH SINCE 31-Foo-2024",
		"a SEARCH (SEEN",
		"a SEARCH OR SEEN",
	} {
		perr := parseError(t, line)
		assert.Equal(t, "a", perr.Tag, line)
	}
}

func TestParse_Append(t *testing.T) {
	msg := "Subject: hi\r\n\r\nbody"
	cmd := mustParse(t, "a APPEND Drafts (\\Draft \\Seen) \"05-Mar-2024 10:20:30 +0100\" {19}\r\n"+msg)
	a := cmd.Request.(parser.Append)
	assert.Equal(t, "Drafts", a.Mailbox)
	assert.Equal(t, []string{`\Draft`, `\Seen`}, a.Flags)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 20, 30, 0, time.UTC), a.Date.UTC())
	assert.Equal(t, []byte(msg), a.Message)

	a = mustParse(t, "a APPEND Drafts {4+}\r\nbody").Request.(parser.Append)
	assert.Empty(t, a.Flags)
	assert.True(t, a.Date.IsZero())
	assert.Equal(t, []byte("body"), a.Message)

	perr := parseError(t, "a APPEND Drafts {10}\r\nshort")
	assert.Equal(t, "a", perr.Tag)
}

func TestParse_IDAndEnable(t *testing.T) {
	id := mustParse(t, `a ID ("name" "client" "version" NIL)`).Request.(parser.ID)
	assert.Equal(t, map[string]string{"name": "client"}, id.Params)

	id = mustParse(t, "a ID NIL").Request.(parser.ID)
	assert.Nil(t, id.Params)

	en := mustParse(t, "a ENABLE utf8=accept").Request.(parser.Enable)
	assert.Equal(t, []string{"UTF8=ACCEPT"}, en.Capabilities)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		line string
		tag  string
	}{
		{"", "*"},
		{"+tag NOOP", "*"},
		{"a1", "a1"},
		{"a1 FROBNICATE", "a1"},
		{"a1 NOOP extra", "a1"},
		{"a1 SELECT", "a1"},
		{"a1 FETCH 0 FLAGS", "a1"},
		{"a1 FETCH 1 (FLAGS", "a1"},
		{"a1 FETCH 1 BODY[BOGUS]", "a1"},
		{`a1 LOGIN "unterminated`, "a1"},
		{"a1 STORE 1 FLAGS", "a1"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			perr := parseError(t, tt.line)
			assert.Equal(t, tt.tag, perr.Tag)
			assert.NotEmpty(t, perr.Message)
		})
	}
}

func TestSequenceSet_RoundTrip(t *testing.T) {
	for _, s := range []string{"1", "1:3", "1:3,5,7:*", "*", "*:4", "10:2,4"} {
		set, err := parser.ParseSequenceSet(s, parser.KindSeq)
		require.NoError(t, err, s)
		assert.Equal(t, s, set.String())
	}

	for _, s := range []string{"", "0", "1:", "a", "1,,2", "1:0"} {
		_, err := parser.ParseSequenceSet(s, parser.KindSeq)
		assert.Error(t, err, s)
	}
}
