package response

import (
	"fmt"
	"strings"

	"imapgate/internal/server/parser"
	"imapgate/internal/server/utils"
	"imapgate/internal/store"
)

// Fields is the store projection the items need.
func Fields(items []parser.FetchItem) store.Fields {
	f := store.FieldFlags
	for _, it := range items {
		switch it.Kind {
		case parser.FetchEnvelope:
			f |= store.FieldEnvelope
		case parser.FetchBodyStructure, parser.FetchBodySummary:
			f |= store.FieldBody | store.FieldAttachments
		case parser.FetchRFC822Header:
			f |= store.FieldEnvelope | store.FieldBody | store.FieldAttachments
		case parser.FetchRFC822, parser.FetchRFC822Text, parser.FetchBody:
			f |= store.FieldEnvelope | store.FieldBody | store.FieldAttachments | store.FieldAttachmentData
		}
	}
	return f
}

// MarksSeen reports whether the items implicitly set \Seen.
func MarksSeen(items []parser.FetchItem) bool {
	for _, it := range items {
		switch it.Kind {
		case parser.FetchRFC822, parser.FetchRFC822Text:
			return true
		case parser.FetchBody:
			if !it.Peek {
				return true
			}
		}
	}
	return false
}

// HasItem reports whether kind is among the items.
func HasItem(items []parser.FetchItem, kind parser.FetchKind) bool {
	for _, it := range items {
		if it.Kind == kind {
			return true
		}
	}
	return false
}

// Fetch renders "* seq FETCH (...)" for one message whose UID in the
// selected view is uid. Items appear in request order; with uidFirst the
// UID leads and later UID items are dropped.
func Fetch(seq, uid uint32, m *store.Message, items []parser.FetchItem, uidFirst bool) string {
	var root *Part
	tree := func() *Part {
		if root == nil {
			root = Build(m)
		}
		return root
	}

	var parts []string
	if uidFirst {
		parts = append(parts, fmt.Sprintf("UID %d", uid))
	}
	for _, it := range items {
		switch it.Kind {
		case parser.FetchUID:
			if !uidFirst {
				parts = append(parts, fmt.Sprintf("UID %d", uid))
			}
		case parser.FetchFlags:
			parts = append(parts, "FLAGS "+utils.FormatFlags(m.Flags))
		case parser.FetchEnvelope:
			parts = append(parts, "ENVELOPE "+Envelope(m))
		case parser.FetchBodyStructure:
			parts = append(parts, "BODYSTRUCTURE "+BodyStructure(tree(), true))
		case parser.FetchBodySummary:
			parts = append(parts, "BODY "+BodyStructure(tree(), false))
		case parser.FetchInternalDate:
			parts = append(parts, "INTERNALDATE "+InternalDate(m.InternalDate))
		case parser.FetchRFC822Size:
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", m.Size))
		case parser.FetchRFC822:
			parts = append(parts, "RFC822 "+Literal(Full(tree())))
		case parser.FetchRFC822Header:
			parts = append(parts, "RFC822.HEADER "+Literal(HeaderBytes(tree().Header)))
		case parser.FetchRFC822Text:
			parts = append(parts, "RFC822.TEXT "+Literal(tree().Body))
		case parser.FetchBody:
			parts = append(parts, bodyItem(tree(), it))
		}
	}
	return fmt.Sprintf("* %d FETCH (%s)", seq, strings.Join(parts, " "))
}

// bodyItem renders a BODY[section]<partial> item. A partial window is
// annotated with its origin and the length actually returned.
func bodyItem(root *Part, it parser.FetchItem) string {
	name := "BODY[" + it.Section.String() + "]"
	content, ok := Section(root, it.Section)
	if !ok {
		return it.ItemName() + " NIL"
	}
	if it.Partial == nil {
		return name + " " + Literal(content)
	}
	data, ok := ApplyPartial(content, it.Partial)
	if !ok {
		return it.ItemName() + " NIL"
	}
	return fmt.Sprintf("%s<%d.%d> %s", name, it.Partial.Start, len(data), Literal(data))
}
