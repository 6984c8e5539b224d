package parser

import (
	"fmt"
	"strings"
)

// Parse parses one command. line carries no trailing CRLF; literals appear
// in place as "{n}\r\n" followed by their octets. Errors are always
// *Error.
func Parse(line string) (*Command, error) {
	l := newLexer(line)

	tag, err := l.tag()
	if err != nil {
		return nil, &Error{Tag: "*", Message: err.Error()}
	}
	fail := func(err error) (*Command, error) {
		return nil, &Error{Tag: tag, Message: err.Error()}
	}

	if err := l.space(); err != nil {
		return fail(fmt.Errorf("missing command"))
	}
	verb, err := l.atom()
	if err != nil {
		return fail(fmt.Errorf("missing command"))
	}

	req, err := l.request(strings.ToUpper(verb))
	if err != nil {
		return fail(err)
	}
	if err := l.end(); err != nil {
		return fail(err)
	}
	return &Command{Tag: tag, Request: req}, nil
}

// ParseSequenceSet parses a bare sequence set such as "1:3,5,7:*".
func ParseSequenceSet(s string, kind SetKind) (SequenceSet, error) {
	l := newLexer(s)
	set, err := l.seqSet(kind)
	if err != nil {
		return SequenceSet{}, err
	}
	if err := l.end(); err != nil {
		return SequenceSet{}, err
	}
	return set, nil
}

func (l *lexer) request(verb string) (Request, error) {
	switch verb {
	case "CAPABILITY":
		return Capability{}, nil
	case "NOOP":
		return Noop{}, nil
	case "CHECK":
		return Check{}, nil
	case "CLOSE":
		return Close{}, nil
	case "EXPUNGE":
		return Expunge{}, nil
	case "LOGOUT":
		return Logout{}, nil
	case "STARTTLS":
		return StartTLS{}, nil
	case "IDLE":
		return Idle{}, nil
	case "LOGIN":
		return l.login()
	case "AUTHENTICATE":
		return l.authenticate()
	case "LIST", "LSUB":
		return l.list(verb)
	case "SELECT", "EXAMINE", "CREATE", "DELETE", "SUBSCRIBE", "UNSUBSCRIBE":
		return l.mailboxCommand(verb)
	case "RENAME":
		return l.rename()
	case "STATUS":
		return l.status()
	case "FETCH":
		return l.fetch(KindSeq)
	case "SEARCH":
		return l.search()
	case "STORE":
		return l.store(KindSeq)
	case "COPY", "MOVE":
		return l.copyMove(verb, KindSeq)
	case "APPEND":
		return l.appendMessage()
	case "UID":
		return l.uid()
	case "ID":
		return l.id()
	case "ENABLE":
		return l.enable()
	}
	return nil, fmt.Errorf("unknown command %s", verb)
}

func (l *lexer) login() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	user, err := l.astring()
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	pass, err := l.astring()
	if err != nil {
		return nil, err
	}
	return Login{Username: user, Password: pass}, nil
}

func (l *lexer) authenticate() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	mech, err := l.atom()
	if err != nil {
		return nil, err
	}
	req := Authenticate{Mechanism: strings.ToUpper(mech)}
	if l.take(" ") {
		req.InitialResponse = l.run(func(c byte) bool { return c != ' ' })
		if req.InitialResponse == "" {
			return nil, fmt.Errorf("empty initial response")
		}
		req.HasInitialResponse = true
	}
	return req, nil
}

func (l *lexer) list(verb string) (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	ref, err := l.mailbox()
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	pattern, err := l.listMailbox()
	if err != nil {
		return nil, err
	}
	if verb == "LSUB" {
		return Lsub{Reference: ref, Pattern: pattern}, nil
	}
	return List{Reference: ref, Pattern: pattern}, nil
}

func (l *lexer) mailboxCommand(verb string) (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	name, err := l.mailbox()
	if err != nil {
		return nil, err
	}
	switch verb {
	case "SELECT":
		return Select{Mailbox: name}, nil
	case "EXAMINE":
		return Examine{Mailbox: name}, nil
	case "CREATE":
		return Create{Mailbox: name}, nil
	case "DELETE":
		return Delete{Mailbox: name}, nil
	case "SUBSCRIBE":
		return Subscribe{Mailbox: name}, nil
	default:
		return Unsubscribe{Mailbox: name}, nil
	}
}

func (l *lexer) rename() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	from, err := l.mailbox()
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	to, err := l.mailbox()
	if err != nil {
		return nil, err
	}
	return Rename{From: from, To: to}, nil
}

var statusItems = []string{"MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN"}

func (l *lexer) status() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	name, err := l.mailbox()
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	if err := l.expect("("); err != nil {
		return nil, err
	}
	req := Status{Mailbox: name}
	for {
		found := false
		for _, item := range statusItems {
			if l.take(item) {
				req.Items = append(req.Items, item)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown status item at position %d", l.pos)
		}
		if l.take(")") {
			return req, nil
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) fetch(kind SetKind) (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	set, err := l.seqSet(kind)
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	items, err := l.fetchItems()
	if err != nil {
		return nil, err
	}
	return Fetch{Set: set, Items: items}, nil
}

func (l *lexer) search() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	req := Search{}
	if l.take("CHARSET ") {
		cs, err := l.astring()
		if err != nil {
			return nil, err
		}
		req.Charset = strings.ToUpper(cs)
		if err := l.space(); err != nil {
			return nil, err
		}
	}
	keys, err := l.searchKeys()
	if err != nil {
		return nil, err
	}
	req.Criteria = keys
	return req, nil
}

func (l *lexer) store(kind SetKind) (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	set, err := l.seqSet(kind)
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	req := Store{Set: set, Mode: StoreReplace}
	switch {
	case l.take("+"):
		req.Mode = StoreAdd
	case l.take("-"):
		req.Mode = StoreRemove
	}
	if err := l.expect("FLAGS"); err != nil {
		return nil, err
	}
	req.Silent = l.take(".SILENT")
	if err := l.space(); err != nil {
		return nil, err
	}

	if l.peek() == '(' {
		if req.Flags, err = l.flagList(); err != nil {
			return nil, err
		}
		return req, nil
	}
	for {
		f, err := l.flag()
		if err != nil {
			return nil, err
		}
		req.Flags = append(req.Flags, f)
		if !l.take(" ") {
			return req, nil
		}
	}
}

func (l *lexer) copyMove(verb string, kind SetKind) (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	set, err := l.seqSet(kind)
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	name, err := l.mailbox()
	if err != nil {
		return nil, err
	}
	if verb == "MOVE" {
		return Move{Set: set, Mailbox: name}, nil
	}
	return Copy{Set: set, Mailbox: name}, nil
}

func (l *lexer) appendMessage() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	name, err := l.mailbox()
	if err != nil {
		return nil, err
	}
	if err := l.space(); err != nil {
		return nil, err
	}
	req := Append{Mailbox: name}
	if l.peek() == '(' {
		if req.Flags, err = l.flagList(); err != nil {
			return nil, err
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
	if l.peek() == '"' {
		if req.Date, err = l.dateTime(); err != nil {
			return nil, err
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
	if req.Message, err = l.literal(); err != nil {
		return nil, err
	}
	return req, nil
}

func (l *lexer) uid() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	verb, err := l.atom()
	if err != nil {
		return nil, err
	}
	var inner Request
	switch v := strings.ToUpper(verb); v {
	case "FETCH":
		inner, err = l.fetch(KindUID)
	case "SEARCH":
		inner, err = l.search()
	case "STORE":
		inner, err = l.store(KindUID)
	case "COPY", "MOVE":
		inner, err = l.copyMove(v, KindUID)
	default:
		return nil, fmt.Errorf("unsupported UID command %s", v)
	}
	if err != nil {
		return nil, err
	}
	return UID{Inner: inner}, nil
}

func (l *lexer) id() (Request, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	if l.take("NIL") {
		return ID{}, nil
	}
	if err := l.expect("("); err != nil {
		return nil, err
	}
	params := map[string]string{}
	if l.take(")") {
		return ID{Params: params}, nil
	}
	for {
		key, err := l.str()
		if err != nil {
			return nil, err
		}
		if err := l.space(); err != nil {
			return nil, err
		}
		value, ok, err := l.nstring()
		if err != nil {
			return nil, err
		}
		if ok {
			params[strings.ToLower(key)] = value
		}
		if l.take(")") {
			return ID{Params: params}, nil
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) enable() (Request, error) {
	req := Enable{}
	for l.take(" ") {
		c, err := l.atom()
		if err != nil {
			return nil, err
		}
		req.Capabilities = append(req.Capabilities, strings.ToUpper(c))
	}
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("ENABLE requires at least one capability")
	}
	return req, nil
}
