package response

import (
	"bytes"
	"strings"

	"github.com/emersion/go-message/textproto"

	"imapgate/internal/server/parser"
)

// Section returns the octets a BODY[section] item addresses. ok is false
// when the section does not exist in the message.
func Section(root *Part, sec *parser.Section) ([]byte, bool) {
	if sec == nil {
		sec = &parser.Section{Kind: parser.SectionFull}
	}
	switch sec.Kind {
	case parser.SectionFull:
		return Full(root), true
	case parser.SectionHeader:
		return HeaderBytes(root.Header), true
	case parser.SectionText:
		return root.Body, true
	case parser.SectionHeaderFields:
		return HeaderBytes(filterHeader(root.Header, sec.Fields, sec.Exclude)), true
	case parser.SectionPart:
		p := findPart(root, sec.Part)
		if p == nil {
			return nil, false
		}
		if sec.Sub == nil {
			return p.Body, true
		}
		if sec.Sub.Kind == parser.SectionMIME {
			return HeaderBytes(mimeHeader(p)), true
		}
		// HEADER and TEXT below a part address an embedded message, and
		// no synthesized part is one.
		return nil, false
	}
	return nil, false
}

// Full renders the complete message.
func Full(root *Part) []byte {
	var b bytes.Buffer
	b.Write(HeaderBytes(root.Header))
	b.Write(root.Body)
	return b.Bytes()
}

// findPart walks a dotted part path. For a non-multipart root, part 1 is
// the root's own body.
func findPart(root *Part, path []int) *Part {
	p := root
	for i, n := range path {
		if !p.IsMultipart() {
			if i == 0 && n == 1 && len(path) == 1 {
				return p
			}
			return nil
		}
		if n < 1 || n > len(p.Children) {
			return nil
		}
		p = p.Children[n-1]
	}
	return p
}

// mimeHeader keeps only the Content-* fields of a part.
func mimeHeader(p *Part) textproto.Header {
	h := p.Header.Copy()
	fields := h.Fields()
	for fields.Next() {
		if !strings.HasPrefix(strings.ToLower(fields.Key()), "content-") {
			fields.Del()
		}
	}
	return h
}

func filterHeader(h textproto.Header, names []string, exclude bool) textproto.Header {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}
	out := h.Copy()
	fields := out.Fields()
	for fields.Next() {
		if want[strings.ToLower(fields.Key())] == exclude {
			fields.Del()
		}
	}
	return out
}

// ApplyPartial slices content to the <start.length> window, clamped to
// the content length. ok is false when start lies at or beyond the end.
func ApplyPartial(content []byte, p *parser.Partial) ([]byte, bool) {
	if p == nil {
		return content, true
	}
	if int64(p.Start) >= int64(len(content)) {
		return nil, false
	}
	end := int64(len(content))
	if p.HasLength && int64(p.Start)+int64(p.Length) < end {
		end = int64(p.Start) + int64(p.Length)
	}
	return content[p.Start:end], true
}
