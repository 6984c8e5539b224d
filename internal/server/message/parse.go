// Package message turns an APPEND literal into a store record. Only a fixed
// header set is kept: Subject, From, To, Cc, Bcc, Date and Message-ID. The
// body is reduced to its text and html alternatives plus attachments.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"imapgate/internal/store"
)

// ErrEmptyMessage is returned for a zero-length literal.
var ErrEmptyMessage = errors.New("empty message")

// Parse reads a raw RFC 5322 message. Unknown charsets and transfer
// encodings are tolerated: the affected part is kept undecoded.
func Parse(data []byte) (*store.Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyMessage
	}

	mr, err := mail.CreateReader(bytes.NewReader(data))
	if mr == nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	msg := &store.Message{}
	readHeader(&mr.Header, msg)

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken multipart tail keeps what was read so far.
			if msg.Text == "" && msg.HTML == "" && len(msg.Attachments) == 0 {
				return nil, fmt.Errorf("failed to read message part: %w", err)
			}
			break
		}
		if err := readPart(p, msg); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

func readHeader(h *mail.Header, msg *store.Message) {
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}
	msg.From = addressList(h, "From")
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
	msg.Bcc = addressList(h, "Bcc")
}

func addressList(h *mail.Header, key string) []store.Address {
	list, err := h.AddressList(key)
	if err != nil {
		raw := strings.TrimSpace(h.Get(key))
		if raw == "" {
			return nil
		}
		return []store.Address{{Email: raw}}
	}
	out := make([]store.Address, 0, len(list))
	for _, a := range list {
		out = append(out, store.Address{Name: a.Name, Email: a.Address})
	}
	return out
}

func readPart(p *mail.Part, msg *store.Message) error {
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return fmt.Errorf("failed to read message part: %w", err)
	}

	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		mediaType, _, _ := h.ContentType()
		switch {
		case mediaType == "text/html" && msg.HTML == "":
			msg.HTML = string(body)
		case (mediaType == "text/plain" || mediaType == "") && msg.Text == "":
			msg.Text = string(body)
		default:
			msg.Attachments = append(msg.Attachments, store.Attachment{
				ContentType: mediaType,
				Size:        int64(len(body)),
				Data:        body,
			})
		}
	case *mail.AttachmentHeader:
		filename, _ := h.Filename()
		mediaType, _, _ := h.ContentType()
		msg.Attachments = append(msg.Attachments, store.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Size:        int64(len(body)),
			Data:        body,
		})
	}
	return nil
}

// Prepare fills the fields APPEND owns: flags, internal date and a
// Message-ID when the client sent none.
func Prepare(msg *store.Message, flags store.Flags, internalDate time.Time, messageID func() string) {
	msg.Flags = flags
	msg.InternalDate = internalDate
	if msg.InternalDate.IsZero() {
		msg.InternalDate = time.Now()
	}
	if msg.Date.IsZero() {
		msg.Date = msg.InternalDate
	}
	if msg.MessageID == "" && messageID != nil {
		msg.MessageID = messageID()
	}
	msg.Size = store.EstimateSize(msg.Text, msg.HTML, msg.Attachments)
}
