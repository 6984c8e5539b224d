package response

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"imapgate/internal/store"
)

// Part is one node of the MIME tree synthesized for a stored message. The
// same tree backs BODYSTRUCTURE and every BODY[] section so that sizes and
// part numbers agree between them.
type Part struct {
	Type     string // lower case, e.g. "text"
	Subtype  string // lower case, e.g. "plain"
	Params   map[string]string
	Encoding string // 7bit, 8bit or base64; empty for multiparts
	Filename string // attachments only

	Header   textproto.Header // MIME header of the part; the full message header for the root
	Body     []byte           // encoded leaf content, or the assembled multipart body
	Size     int              // octets of Body as it would be transferred
	Lines    int              // text leaves only
	Children []*Part
}

// IsMultipart reports whether p has children.
func (p *Part) IsMultipart() bool {
	return p.Type == "multipart"
}

func (p *Part) mediaType() string {
	return p.Type + "/" + p.Subtype
}

// normalizeNewlines turns bare LF into CRLF.
func normalizeNewlines(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte("\n"))
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}

func is8bit(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return true
		}
	}
	return false
}

func textPart(subtype, content string) *Part {
	body := []byte(normalizeNewlines(content))
	enc := "7bit"
	if is8bit(content) {
		enc = "8bit"
	}
	p := &Part{
		Type:     "text",
		Subtype:  subtype,
		Params:   map[string]string{"charset": "utf-8"},
		Encoding: enc,
		Body:     body,
		Size:     len(body),
		Lines:    countLines(body),
	}
	p.Header.Set("Content-Transfer-Encoding", enc)
	p.Header.Set("Content-Type", mime.FormatMediaType(p.mediaType(), p.Params))
	return p
}

const base64LineLen = 76

// base64Size is the transferred size of n octets encoded as base64 in
// CRLF-terminated lines.
func base64Size(n int64) (size, lines int) {
	enc := int(4 * ((n + 2) / 3))
	lines = (enc + base64LineLen - 1) / base64LineLen
	return enc + 2*lines, lines
}

func encodeBase64Lines(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var b bytes.Buffer
	for len(enc) > base64LineLen {
		b.WriteString(enc[:base64LineLen])
		b.WriteString("\r\n")
		enc = enc[base64LineLen:]
	}
	if enc != "" {
		b.WriteString(enc)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func attachmentPart(att store.Attachment) *Part {
	mediaType, params, err := mime.ParseMediaType(att.ContentType)
	if err != nil || !strings.Contains(mediaType, "/") || strings.HasPrefix(mediaType, "multipart/") ||
		strings.HasPrefix(mediaType, "message/") {
		mediaType, params = "application/octet-stream", map[string]string{}
	}
	if params == nil {
		params = map[string]string{}
	}
	if att.Filename != "" {
		params["name"] = att.Filename
	}
	typ, sub, _ := strings.Cut(mediaType, "/")

	p := &Part{
		Type:     typ,
		Subtype:  sub,
		Params:   params,
		Encoding: "base64",
		Filename: att.Filename,
	}
	size := att.Size
	if att.Data != nil {
		size = int64(len(att.Data))
		p.Body = encodeBase64Lines(att.Data)
	}
	p.Size, p.Lines = base64Size(size)
	if typ != "text" {
		p.Lines = 0
	}

	p.Header.Set("Content-Transfer-Encoding", "base64")
	if att.Filename != "" {
		p.Header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	} else {
		p.Header.Set("Content-Disposition", "attachment")
	}
	p.Header.Set("Content-Type", mime.FormatMediaType(mediaType, params))
	return p
}

func multipart(subtype, boundary string, children ...*Part) *Part {
	p := &Part{
		Type:     "multipart",
		Subtype:  subtype,
		Params:   map[string]string{"boundary": boundary},
		Children: children,
	}
	var b bytes.Buffer
	for _, c := range children {
		b.WriteString("--" + boundary + "\r\n")
		_ = textproto.WriteHeader(&b, c.Header)
		b.Write(c.Body)
		if len(c.Body) > 0 && !bytes.HasSuffix(c.Body, []byte("\r\n")) {
			b.WriteString("\r\n")
		}
	}
	b.WriteString("--" + boundary + "--\r\n")
	p.Body = b.Bytes()
	p.Size = len(p.Body)
	p.Header.Set("Content-Type", mime.FormatMediaType(p.mediaType(), p.Params))
	return p
}

// boundaryFor derives a stable boundary from the message content so that
// repeated partial fetches see identical bytes.
func boundaryFor(m *store.Message, kind string) string {
	h := sha256.New()
	h.Write([]byte(m.Subject))
	h.Write([]byte(m.Text))
	h.Write([]byte(m.HTML))
	for _, a := range m.Attachments {
		h.Write([]byte(a.Filename))
	}
	return "=_" + kind + "_" + hex.EncodeToString(h.Sum(nil))[:24]
}

func mailAddresses(addrs []store.Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Name: a.Name, Address: a.Email}
	}
	return out
}

// Build synthesizes the MIME tree of m. Text and HTML form a
// multipart/alternative when both exist; attachments wrap the body in a
// multipart/mixed and follow it in part order.
func Build(m *store.Message) *Part {
	var body *Part
	switch {
	case m.Text != "" && m.HTML != "":
		body = multipart("alternative", boundaryFor(m, "alt"), textPart("plain", m.Text), textPart("html", m.HTML))
	case m.HTML != "":
		body = textPart("html", m.HTML)
	default:
		body = textPart("plain", m.Text)
	}

	root := body
	if len(m.Attachments) > 0 {
		children := []*Part{body}
		for _, att := range m.Attachments {
			children = append(children, attachmentPart(att))
		}
		root = multipart("mixed", boundaryFor(m, "mix"), children...)
	}

	// The root keeps its own MIME fields and gains the message header.
	var h mail.Header
	h.Header.Header = root.Header.Copy()
	h.Set("MIME-Version", "1.0")
	if m.MessageID != "" {
		h.SetMessageID(strings.Trim(m.MessageID, "<>"))
	}
	h.SetSubject(m.Subject)
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", mailAddresses(m.Cc))
	}
	if len(m.To) > 0 {
		h.SetAddressList("To", mailAddresses(m.To))
	}
	if len(m.From) > 0 {
		h.SetAddressList("From", mailAddresses(m.From))
	}
	if !m.Date.IsZero() {
		h.SetDate(m.Date)
	}
	root.Header = h.Header.Header
	return root
}

// HeaderBytes renders a header block including the terminating empty line.
func HeaderBytes(h textproto.Header) []byte {
	var b bytes.Buffer
	_ = textproto.WriteHeader(&b, h)
	return b.Bytes()
}
