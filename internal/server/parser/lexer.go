package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lexer walks a command line. upper is an ASCII-only upper-cased copy of s
// so that offsets are shared and keyword matches are case-insensitive.
type lexer struct {
	s     string
	upper string
	pos   int
}

func newLexer(s string) *lexer {
	return &lexer{s: s, upper: toUpperASCII(s)}
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func (l *lexer) eof() bool {
	return l.pos >= len(l.s)
}

func (l *lexer) peek() byte {
	if l.eof() {
		return 0
	}
	return l.s[l.pos]
}

// take consumes prefix, compared case-insensitively, when present.
func (l *lexer) take(prefix string) bool {
	if strings.HasPrefix(l.upper[l.pos:], prefix) {
		l.pos += len(prefix)
		return true
	}
	return false
}

func (l *lexer) expect(prefix string) error {
	if !l.take(prefix) {
		return fmt.Errorf("expected %q at position %d", prefix, l.pos)
	}
	return nil
}

func (l *lexer) space() error {
	return l.expect(" ")
}

func (l *lexer) end() error {
	if !l.eof() {
		return fmt.Errorf("unexpected trailing data %q", l.s[l.pos:])
	}
	return nil
}

func isAtomChar(c byte) bool {
	switch c {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	}
	return c > 0x1f && c != 0x7f
}

func isAstringChar(c byte) bool {
	return isAtomChar(c) || c == ']'
}

func isTagChar(c byte) bool {
	return isAstringChar(c) && c != '+'
}

func isListChar(c byte) bool {
	return isAstringChar(c) || c == '%' || c == '*'
}

func (l *lexer) run(pred func(byte) bool) string {
	start := l.pos
	for !l.eof() && pred(l.s[l.pos]) {
		l.pos++
	}
	return l.s[start:l.pos]
}

func (l *lexer) tag() (string, error) {
	t := l.run(isTagChar)
	if t == "" {
		return "", fmt.Errorf("missing tag")
	}
	return t, nil
}

func (l *lexer) atom() (string, error) {
	a := l.run(isAtomChar)
	if a == "" {
		return "", fmt.Errorf("expected atom at position %d", l.pos)
	}
	return a, nil
}

func (l *lexer) quoted() (string, error) {
	if err := l.expect(`"`); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if l.eof() {
			return "", fmt.Errorf("unterminated quoted string")
		}
		c := l.s[l.pos]
		l.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if l.eof() {
				return "", fmt.Errorf("unterminated quoted string")
			}
			next := l.s[l.pos]
			if next != '"' && next != '\\' {
				return "", fmt.Errorf("invalid escape in quoted string")
			}
			b.WriteByte(next)
			l.pos++
		case '\r', '\n':
			return "", fmt.Errorf("line break in quoted string")
		default:
			b.WriteByte(c)
		}
	}
}

// literal reads {n} or {n+} followed by CRLF and n octets. The connection
// has already spliced the payload into the line.
func (l *lexer) literal() ([]byte, error) {
	if err := l.expect("{"); err != nil {
		return nil, err
	}
	digits := l.run(func(c byte) bool { return c >= '0' && c <= '9' })
	if digits == "" {
		return nil, fmt.Errorf("invalid literal size")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid literal size")
	}
	l.take("+")
	if err := l.expect("}\r\n"); err != nil {
		return nil, err
	}
	if int64(len(l.s)-l.pos) < n {
		return nil, fmt.Errorf("short literal: want %d octets", n)
	}
	data := []byte(l.s[l.pos : l.pos+int(n)])
	l.pos += int(n)
	return data, nil
}

func (l *lexer) str() (string, error) {
	switch l.peek() {
	case '"':
		return l.quoted()
	case '{':
		b, err := l.literal()
		return string(b), err
	}
	return "", fmt.Errorf("expected string at position %d", l.pos)
}

func (l *lexer) astring() (string, error) {
	switch l.peek() {
	case '"', '{':
		return l.str()
	}
	a := l.run(isAstringChar)
	if a == "" {
		return "", fmt.Errorf("expected astring at position %d", l.pos)
	}
	return a, nil
}

// nstring is a string or NIL. ok is false for NIL.
func (l *lexer) nstring() (string, bool, error) {
	if l.take("NIL") {
		return "", false, nil
	}
	s, err := l.str()
	return s, err == nil, err
}

// mailbox reads an astring and folds any case of INBOX to "INBOX".
func (l *lexer) mailbox() (string, error) {
	name, err := l.astring()
	if err != nil {
		return "", err
	}
	if strings.EqualFold(name, "INBOX") {
		return "INBOX", nil
	}
	return name, nil
}

func (l *lexer) listMailbox() (string, error) {
	switch l.peek() {
	case '"', '{':
		return l.str()
	}
	return l.run(isListChar), nil
}

func (l *lexer) number() (uint32, error) {
	digits := l.run(func(c byte) bool { return c >= '0' && c <= '9' })
	if digits == "" {
		return 0, fmt.Errorf("expected number at position %d", l.pos)
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("number out of range: %s", digits)
	}
	return uint32(n), nil
}

func (l *lexer) number64() (int64, error) {
	digits := l.run(func(c byte) bool { return c >= '0' && c <= '9' })
	if digits == "" {
		return 0, fmt.Errorf("expected number at position %d", l.pos)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("number out of range: %s", digits)
	}
	return n, nil
}

func (l *lexer) nzNumber() (uint32, error) {
	n, err := l.number()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("zero is not a valid message number")
	}
	return n, nil
}

func (l *lexer) setNumber() (uint32, error) {
	if l.take("*") {
		return Star, nil
	}
	return l.nzNumber()
}

func (l *lexer) seqSet(kind SetKind) (SequenceSet, error) {
	set := SequenceSet{Kind: kind}
	for {
		start, err := l.setNumber()
		if err != nil {
			return SequenceSet{}, err
		}
		r := Range{Start: start}
		if l.take(":") {
			if r.End, err = l.setNumber(); err != nil {
				return SequenceSet{}, err
			}
		}
		set.Ranges = append(set.Ranges, r)
		if !l.take(",") {
			return set, nil
		}
	}
}

func (l *lexer) flag() (string, error) {
	if l.take(`\`) {
		a, err := l.atom()
		if err != nil {
			return "", err
		}
		return `\` + a, nil
	}
	return l.atom()
}

func (l *lexer) flagList() ([]string, error) {
	if err := l.expect("("); err != nil {
		return nil, err
	}
	flags := []string{}
	if l.take(")") {
		return flags, nil
	}
	for {
		f, err := l.flag()
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
		if l.take(")") {
			return flags, nil
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
}

// date reads d-Mon-yyyy, optionally quoted.
func (l *lexer) date() (time.Time, error) {
	quoted := l.take(`"`)
	raw := l.run(func(c byte) bool { return c != '"' && c != ' ' && c != ')' })
	if quoted {
		if err := l.expect(`"`); err != nil {
			return time.Time{}, err
		}
	}
	d, err := time.Parse("2-Jan-2006", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}
	return d, nil
}

// dateTime reads the quoted APPEND date-time "dd-Mon-yyyy hh:mm:ss +zzzz".
// The day may be space padded.
func (l *lexer) dateTime() (time.Time, error) {
	s, err := l.quoted()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("_2-Jan-2006 15:04:05 -0700", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date-time %q", s)
	}
	return t, nil
}
