package parser

import (
	"fmt"
	"strings"
	"time"
)

// SearchKey is a node of a SEARCH criteria tree. The set is closed.
type SearchKey interface {
	isSearchKey()
}

type (
	SearchAll struct{}

	// SearchFlag matches a system flag (with its backslash) being set or
	// unset: SEEN/UNSEEN, ANSWERED/UNANSWERED and so on.
	SearchFlag struct {
		Flag string
		Set  bool
	}

	// SearchKeyword is KEYWORD/UNKEYWORD.
	SearchKeyword struct {
		Keyword string
		Set     bool
	}

	// SearchRecent is RECENT (Set) or OLD.
	SearchRecent struct{ Set bool }

	SearchDate struct {
		Sent bool   // SENT* variants use the Date header
		Op   string // BEFORE, ON, SINCE
		Date time.Time
	}

	// SearchText covers FROM TO CC BCC SUBJECT BODY TEXT.
	SearchText struct {
		Field string
		Value string
	}

	SearchHeader struct {
		Field string
		Value string
	}

	// SearchSet is a bare sequence set (KindSeq) or "UID set" (KindUID).
	SearchSet struct{ Set SequenceSet }

	SearchSize struct {
		Larger bool
		N      int64
	}

	SearchNot struct{ Key SearchKey }

	SearchOr struct{ L, R SearchKey }

	SearchAnd struct{ Keys []SearchKey }
)

func (SearchAll) isSearchKey()     {}
func (SearchFlag) isSearchKey()    {}
func (SearchKeyword) isSearchKey() {}
func (SearchRecent) isSearchKey()  {}
func (SearchDate) isSearchKey()    {}
func (SearchText) isSearchKey()    {}
func (SearchHeader) isSearchKey()  {}
func (SearchSet) isSearchKey()     {}
func (SearchSize) isSearchKey()    {}
func (SearchNot) isSearchKey()     {}
func (SearchOr) isSearchKey()      {}
func (SearchAnd) isSearchKey()     {}

var searchFlagKeys = map[string]SearchFlag{
	"ANSWERED":   {`\Answered`, true},
	"UNANSWERED": {`\Answered`, false},
	"DELETED":    {`\Deleted`, true},
	"UNDELETED":  {`\Deleted`, false},
	"DRAFT":      {`\Draft`, true},
	"UNDRAFT":    {`\Draft`, false},
	"FLAGGED":    {`\Flagged`, true},
	"UNFLAGGED":  {`\Flagged`, false},
	"SEEN":       {`\Seen`, true},
	"UNSEEN":     {`\Seen`, false},
}

var searchDateKeys = map[string]SearchDate{
	"BEFORE":     {Op: "BEFORE"},
	"ON":         {Op: "ON"},
	"SINCE":      {Op: "SINCE"},
	"SENTBEFORE": {Sent: true, Op: "BEFORE"},
	"SENTON":     {Sent: true, Op: "ON"},
	"SENTSINCE":  {Sent: true, Op: "SINCE"},
}

var searchTextKeys = map[string]bool{
	"FROM": true, "TO": true, "CC": true, "BCC": true,
	"SUBJECT": true, "BODY": true, "TEXT": true,
}

// searchKeys parses one or more space separated keys up to the end of the
// line or a closing parenthesis. Several keys are an implicit AND.
func (l *lexer) searchKeys() (SearchKey, error) {
	var keys []SearchKey
	for {
		k, err := l.searchKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		if l.eof() || l.peek() == ')' {
			break
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
	if len(keys) == 1 {
		return keys[0], nil
	}
	return SearchAnd{Keys: keys}, nil
}

func (l *lexer) searchKey() (SearchKey, error) {
	if l.take("(") {
		k, err := l.searchKeys()
		if err != nil {
			return nil, err
		}
		if err := l.expect(")"); err != nil {
			return nil, err
		}
		return k, nil
	}

	if c := l.peek(); c == '*' || (c >= '0' && c <= '9') {
		set, err := l.seqSet(KindSeq)
		if err != nil {
			return nil, err
		}
		return SearchSet{Set: set}, nil
	}

	word, err := l.atom()
	if err != nil {
		return nil, fmt.Errorf("expected search key")
	}
	word = strings.ToUpper(word)

	if k, ok := searchFlagKeys[word]; ok {
		return k, nil
	}
	if k, ok := searchDateKeys[word]; ok {
		if err := l.space(); err != nil {
			return nil, err
		}
		if k.Date, err = l.date(); err != nil {
			return nil, err
		}
		return k, nil
	}
	if searchTextKeys[word] {
		if err := l.space(); err != nil {
			return nil, err
		}
		v, err := l.astring()
		if err != nil {
			return nil, err
		}
		return SearchText{Field: word, Value: v}, nil
	}

	switch word {
	case "ALL":
		return SearchAll{}, nil
	case "NEW":
		return SearchAnd{Keys: []SearchKey{SearchRecent{Set: true}, SearchFlag{Flag: `\Seen`, Set: false}}}, nil
	case "OLD":
		return SearchRecent{Set: false}, nil
	case "RECENT":
		return SearchRecent{Set: true}, nil
	case "KEYWORD", "UNKEYWORD":
		if err := l.space(); err != nil {
			return nil, err
		}
		kw, err := l.atom()
		if err != nil {
			return nil, err
		}
		return SearchKeyword{Keyword: kw, Set: word == "KEYWORD"}, nil
	case "HEADER":
		if err := l.space(); err != nil {
			return nil, err
		}
		field, err := l.astring()
		if err != nil {
			return nil, err
		}
		if err := l.space(); err != nil {
			return nil, err
		}
		value, err := l.astring()
		if err != nil {
			return nil, err
		}
		return SearchHeader{Field: field, Value: value}, nil
	case "LARGER", "SMALLER":
		if err := l.space(); err != nil {
			return nil, err
		}
		n, err := l.number64()
		if err != nil {
			return nil, err
		}
		return SearchSize{Larger: word == "LARGER", N: n}, nil
	case "UID":
		if err := l.space(); err != nil {
			return nil, err
		}
		set, err := l.seqSet(KindUID)
		if err != nil {
			return nil, err
		}
		return SearchSet{Set: set}, nil
	case "NOT":
		if err := l.space(); err != nil {
			return nil, err
		}
		k, err := l.searchKey()
		if err != nil {
			return nil, err
		}
		return SearchNot{Key: k}, nil
	case "OR":
		if err := l.space(); err != nil {
			return nil, err
		}
		left, err := l.searchKey()
		if err != nil {
			return nil, err
		}
		if err := l.space(); err != nil {
			return nil, err
		}
		right, err := l.searchKey()
		if err != nil {
			return nil, err
		}
		return SearchOr{L: left, R: right}, nil
	}

	return nil, fmt.Errorf("unknown search key %s", word)
}
