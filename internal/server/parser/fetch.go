package parser

import (
	"fmt"
	"strconv"
	"strings"
)

var fetchMacros = map[string][]FetchKind{
	"ALL":  {FetchFlags, FetchInternalDate, FetchRFC822Size, FetchEnvelope},
	"FAST": {FetchFlags, FetchInternalDate, FetchRFC822Size},
	"FULL": {FetchFlags, FetchInternalDate, FetchRFC822Size, FetchEnvelope, FetchBodySummary},
}

// Longest names first so that prefixes do not shadow them.
var fetchAtoms = []struct {
	name string
	kind FetchKind
}{
	{"BODYSTRUCTURE", FetchBodyStructure},
	{"RFC822.HEADER", FetchRFC822Header},
	{"RFC822.SIZE", FetchRFC822Size},
	{"RFC822.TEXT", FetchRFC822Text},
	{"INTERNALDATE", FetchInternalDate},
	{"ENVELOPE", FetchEnvelope},
	{"RFC822", FetchRFC822},
	{"FLAGS", FetchFlags},
	{"UID", FetchUID},
}

func (l *lexer) fetchItems() ([]FetchItem, error) {
	for name, kinds := range fetchMacros {
		if l.take(name) {
			if !l.eof() && l.peek() != ' ' {
				l.pos -= len(name)
				break
			}
			items := make([]FetchItem, len(kinds))
			for i, k := range kinds {
				items[i] = FetchItem{Kind: k}
			}
			return items, nil
		}
	}

	if !l.take("(") {
		item, err := l.fetchItem()
		if err != nil {
			return nil, err
		}
		return []FetchItem{item}, nil
	}

	var items []FetchItem
	for {
		item, err := l.fetchItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if l.take(")") {
			return items, nil
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) fetchItem() (FetchItem, error) {
	if l.take("BODY.PEEK[") {
		return l.bodySection(true)
	}
	if l.take("BODY[") {
		return l.bodySection(false)
	}
	for _, a := range fetchAtoms {
		if l.take(a.name) {
			return FetchItem{Kind: a.kind}, nil
		}
	}
	if l.take("BODY") {
		return FetchItem{Kind: FetchBodySummary}, nil
	}
	return FetchItem{}, fmt.Errorf("unknown fetch item at position %d", l.pos)
}

// bodySection continues after "BODY[" or "BODY.PEEK[".
func (l *lexer) bodySection(peek bool) (FetchItem, error) {
	item := FetchItem{Kind: FetchBody, Peek: peek}
	sec, err := l.section()
	if err != nil {
		return FetchItem{}, err
	}
	item.Section = sec
	if err := l.expect("]"); err != nil {
		return FetchItem{}, err
	}
	if l.take("<") {
		p := &Partial{}
		if p.Start, err = l.number(); err != nil {
			return FetchItem{}, err
		}
		if l.take(".") {
			if p.Length, err = l.nzNumber(); err != nil {
				return FetchItem{}, err
			}
			p.HasLength = true
		}
		if err := l.expect(">"); err != nil {
			return FetchItem{}, err
		}
		item.Partial = p
	}
	return item, nil
}

func (l *lexer) section() (*Section, error) {
	if l.peek() == ']' {
		return &Section{Kind: SectionFull}, nil
	}
	if c := l.peek(); c >= '1' && c <= '9' {
		sec := &Section{Kind: SectionPart}
		for {
			n, err := l.nzNumber()
			if err != nil {
				return nil, err
			}
			sec.Part = append(sec.Part, int(n))
			if !l.take(".") {
				return sec, nil
			}
			if c := l.peek(); c >= '1' && c <= '9' {
				continue
			}
			if l.take("MIME") {
				sec.Sub = &Section{Kind: SectionMIME}
				return sec, nil
			}
			sub, err := l.sectionText()
			if err != nil {
				return nil, err
			}
			sec.Sub = sub
			return sec, nil
		}
	}
	return l.sectionText()
}

func (l *lexer) sectionText() (*Section, error) {
	switch {
	case l.take("HEADER.FIELDS.NOT "):
		return l.headerFields(true)
	case l.take("HEADER.FIELDS "):
		return l.headerFields(false)
	case l.take("HEADER"):
		return &Section{Kind: SectionHeader}, nil
	case l.take("TEXT"):
		return &Section{Kind: SectionText}, nil
	}
	return nil, fmt.Errorf("invalid section at position %d", l.pos)
}

func (l *lexer) headerFields(exclude bool) (*Section, error) {
	if err := l.expect("("); err != nil {
		return nil, err
	}
	sec := &Section{Kind: SectionHeaderFields, Exclude: exclude}
	for {
		f, err := l.astring()
		if err != nil {
			return nil, err
		}
		sec.Fields = append(sec.Fields, strings.ToUpper(f))
		if l.take(")") {
			return sec, nil
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
}

// ItemName is the name a FETCH response uses for the item, including the
// section and, for partial fetches, the origin octet.
func (it FetchItem) ItemName() string {
	switch it.Kind {
	case FetchFlags:
		return "FLAGS"
	case FetchEnvelope:
		return "ENVELOPE"
	case FetchBodyStructure:
		return "BODYSTRUCTURE"
	case FetchBodySummary:
		return "BODY"
	case FetchUID:
		return "UID"
	case FetchInternalDate:
		return "INTERNALDATE"
	case FetchRFC822Size:
		return "RFC822.SIZE"
	case FetchRFC822:
		return "RFC822"
	case FetchRFC822Header:
		return "RFC822.HEADER"
	case FetchRFC822Text:
		return "RFC822.TEXT"
	}
	name := "BODY[" + it.Section.String() + "]"
	if it.Partial != nil {
		name += "<" + strconv.FormatUint(uint64(it.Partial.Start), 10) + ">"
	}
	return name
}
