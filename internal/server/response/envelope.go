package response

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"imapgate/internal/store"
)

// QuoteOrNIL quotes a string for a response, or returns NIL when empty.
// Strings that cannot be quoted are sent as literals.
func QuoteOrNIL(str string) string {
	if str == "" {
		return "NIL"
	}
	return Quote(str)
}

// Quote renders str as a quoted string, escaping quote and backslash.
// Strings carrying CR or LF are sent as literals.
func Quote(str string) string {
	if strings.ContainsAny(str, "\r\n\x00") {
		return Literal([]byte(str))
	}
	str = strings.ReplaceAll(str, `\`, `\\`)
	str = strings.ReplaceAll(str, `"`, `\"`)
	return `"` + str + `"`
}

// Literal renders data as {n}CRLF followed by the octets.
func Literal(data []byte) string {
	return "{" + strconv.Itoa(len(data)) + "}\r\n" + string(data)
}

// encodeWord applies RFC 2047 Q-encoding to non-ASCII text.
func encodeWord(s string) string {
	return mime.QEncoding.Encode("utf-8", s)
}

const envelopeDateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// InternalDateLayout is the date-time format of INTERNALDATE and APPEND.
const InternalDateLayout = "02-Jan-2006 15:04:05 -0700"

// InternalDate renders the quoted INTERNALDATE value.
func InternalDate(t time.Time) string {
	return `"` + t.Format(InternalDateLayout) + `"`
}

// Envelope renders the ENVELOPE 10-tuple: date, subject, from, sender,
// reply-to, to, cc, bcc, in-reply-to, message-id. Sender and reply-to
// repeat from; in-reply-to is not stored.
func Envelope(m *store.Message) string {
	date := "NIL"
	if !m.Date.IsZero() {
		date = Quote(m.Date.Format(envelopeDateLayout))
	}
	from := addressList(m.From)

	messageID := m.MessageID
	if messageID != "" && !strings.HasPrefix(messageID, "<") {
		messageID = "<" + messageID + ">"
	}

	return fmt.Sprintf("(%s %s %s %s %s %s %s %s NIL %s)",
		date,
		QuoteOrNIL(encodeWord(m.Subject)),
		from,
		from,
		from,
		addressList(m.To),
		addressList(m.Cc),
		addressList(m.Bcc),
		QuoteOrNIL(messageID),
	)
}

// addressList renders ((name NIL mailbox host) ...) or NIL.
func addressList(addrs []store.Address) string {
	var parts []string
	for _, a := range addrs {
		if a.Email == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("(%s NIL %s %s)",
			QuoteOrNIL(encodeWord(a.Name)),
			QuoteOrNIL(a.Mailbox()),
			QuoteOrNIL(a.Host()),
		))
	}
	if len(parts) == 0 {
		return "NIL"
	}
	return "(" + strings.Join(parts, " ") + ")"
}
