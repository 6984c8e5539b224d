package store

import "time"

// Criterion is a node of a search tree. The set of node types is closed.
type Criterion interface {
	criterion()
}

// All matches every message.
type All struct{}

// Const matches every message when true and none when false. Used for
// keywords the store does not track.
type Const struct{ Value bool }

// FlagIs matches messages whose Flag bit equals Set.
type FlagIs struct {
	Flag Flags
	Set  bool
}

type DateField int

const (
	DateInternal DateField = iota
	DateSent
)

type DateOp int

const (
	DateBefore DateOp = iota
	DateOn
	DateSince
)

// DateCmp compares the calendar day of a date field against Day.
type DateCmp struct {
	Field DateField
	Op    DateOp
	Day   time.Time
}

type TextField int

const (
	TextFrom TextField = iota
	TextTo
	TextCc
	TextBcc
	TextSubject
	TextBody
	TextAll
	TextHeader
)

// Text is a case-insensitive substring match. Header names the header for
// TextHeader.
type Text struct {
	Field  TextField
	Header string
	Value  string
}

// UIDSet matches messages whose UID lies in any of the ranges.
type UIDSet struct {
	Ranges []UIDRange
}

// Size compares the estimated message size.
type Size struct {
	Larger bool
	N      int64
}

type Not struct{ C Criterion }

type Or struct{ L, R Criterion }

type And struct{ Cs []Criterion }

func (All) criterion()     {}
func (Const) criterion()   {}
func (FlagIs) criterion()  {}
func (DateCmp) criterion() {}
func (Text) criterion()    {}
func (UIDSet) criterion()  {}
func (Size) criterion()    {}
func (Not) criterion()     {}
func (Or) criterion()      {}
func (And) criterion()     {}
