package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imapgate/internal/store"
)

func TestParse_SimpleMessage(t *testing.T) {
	raw := "From: Fred Foobar <foobar@Blurdybloop.example>\r\n" +
		"To: mooch@owatagu.example\r\n" +
		"Subject: afternoon meeting\r\n" +
		"Date: Mon, 7 Feb 1994 21:52:25 -0800\r\n" +
		"Message-ID: <B27397-0100000@Blurdybloop.example>\r\n" +
		"\r\n" +
		"Hello Joe, do you think we can meet at 3:30 tomorrow?\r\n"

	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "afternoon meeting", msg.Subject)
	assert.Equal(t, "B27397-0100000@Blurdybloop.example", msg.MessageID)
	require.Len(t, msg.From, 1)
	assert.Equal(t, store.Address{Name: "Fred Foobar", Email: "foobar@Blurdybloop.example"}, msg.From[0])
	require.Len(t, msg.To, 1)
	assert.Equal(t, "mooch@owatagu.example", msg.To[0].Email)
	assert.Equal(t, "Hello Joe, do you think we can meet at 3:30 tomorrow?\r\n", msg.Text)
	assert.Equal(t, 1994, msg.Date.Year())
	assert.Empty(t, msg.Attachments)
}

func TestParse_MultipartWithAttachment(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: report\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--inner\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html body</p>\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0xLjQ=\r\n" +
		"--outer--\r\n"

	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "plain body", msg.Text)
	assert.Equal(t, "<p>html body</p>", msg.HTML)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "report.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), msg.Attachments[0].Data)
	assert.Equal(t, int64(8), msg.Attachments[0].Size)
}

func TestParse_EncodedSubject(t *testing.T) {
	raw := "Subject: =?utf-8?q?caf=C3=A9?=\r\n\r\nbody\r\n"
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "café", msg.Subject)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("  \r\n"))
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestPrepare(t *testing.T) {
	when := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := &store.Message{Text: "abc", Attachments: []store.Attachment{{Size: 4}}}

	Prepare(msg, store.FlagSeen|store.FlagDraft, when, func() string { return "generated@example.com" })

	assert.Equal(t, store.FlagSeen|store.FlagDraft, msg.Flags)
	assert.Equal(t, when, msg.InternalDate)
	assert.Equal(t, when, msg.Date, "missing Date header falls back to the internal date")
	assert.Equal(t, "generated@example.com", msg.MessageID)
	assert.Equal(t, int64(3+8), msg.Size)
}

func TestPrepare_KeepsClientValues(t *testing.T) {
	sent := time.Date(2023, 12, 24, 8, 0, 0, 0, time.UTC)
	msg := &store.Message{Date: sent, MessageID: "client@example.com"}

	Prepare(msg, 0, time.Time{}, func() string { return "generated@example.com" })

	assert.Equal(t, sent, msg.Date)
	assert.Equal(t, "client@example.com", msg.MessageID)
	assert.False(t, msg.InternalDate.IsZero())
}
