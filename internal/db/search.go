package db

import (
	"context"
	"fmt"
	"strings"

	"imapgate/internal/store"
)

// Search evaluates the criteria tree in SQL and returns matching UIDs in
// ascending order.
func (a *Account) Search(ctx context.Context, mailbox string, criteria store.Criterion) ([]uint32, error) {
	v, err := a.open(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	expr, exprArgs, err := buildCriterion(criteria, v.uidCol)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %[1]s FROM messages WHERE %[2]s AND (%[3]s) ORDER BY %[1]s", v.uidCol, v.where, expr)
	args := append(append([]interface{}{}, v.args...), exprArgs...)
	return queryUIDs(ctx, a.db, query, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func addressMatch(kind string) string {
	return `EXISTS (SELECT 1 FROM addresses a WHERE a.message_id = messages.id AND a.kind = '` + kind +
		`' AND (a.name LIKE ? ESCAPE '\' OR a.email LIKE ? ESCAPE '\'))`
}

const anyAddressMatch = `EXISTS (SELECT 1 FROM addresses a WHERE a.message_id = messages.id
	AND (a.name LIKE ? ESCAPE '\' OR a.email LIKE ? ESCAPE '\'))`

func textMatch(c store.Text) (string, []interface{}) {
	pat := escapeLike(c.Value)
	switch c.Field {
	case store.TextFrom:
		return addressMatch("from"), []interface{}{pat, pat}
	case store.TextTo:
		return addressMatch("to"), []interface{}{pat, pat}
	case store.TextCc:
		return addressMatch("cc"), []interface{}{pat, pat}
	case store.TextBcc:
		return addressMatch("bcc"), []interface{}{pat, pat}
	case store.TextSubject:
		return `subject LIKE ? ESCAPE '\'`, []interface{}{pat}
	case store.TextBody:
		return `(text_body LIKE ? ESCAPE '\' OR html_body LIKE ? ESCAPE '\')`, []interface{}{pat, pat}
	case store.TextAll:
		return `(subject LIKE ? ESCAPE '\' OR text_body LIKE ? ESCAPE '\' OR html_body LIKE ? ESCAPE '\' OR ` + anyAddressMatch + `)`,
			[]interface{}{pat, pat, pat, pat, pat}
	case store.TextHeader:
		switch strings.ToLower(c.Header) {
		case "subject":
			return `subject LIKE ? ESCAPE '\'`, []interface{}{pat}
		case "message-id":
			return `message_id LIKE ? ESCAPE '\'`, []interface{}{pat}
		case "from", "to", "cc", "bcc":
			return addressMatch(strings.ToLower(c.Header)), []interface{}{pat, pat}
		}
		// Headers outside the stored set never match.
		return "0", nil
	}
	return "", nil
}

func buildCriterion(c store.Criterion, uidCol string) (string, []interface{}, error) {
	switch c := c.(type) {
	case store.All:
		return "1", nil, nil
	case store.Const:
		if c.Value {
			return "1", nil, nil
		}
		return "0", nil, nil
	case store.FlagIs:
		for _, fc := range flagColumns {
			if fc.flag == c.Flag {
				if c.Set {
					return fc.column, nil, nil
				}
				return "NOT " + fc.column, nil, nil
			}
		}
		return "", nil, fmt.Errorf("unknown flag %d", c.Flag)
	case store.DateCmp:
		col := "internal_day"
		if c.Field == store.DateSent {
			col = "sent_day"
		}
		day := c.Day.Format(dayLayout)
		switch c.Op {
		case store.DateBefore:
			return col + " != '' AND " + col + " < ?", []interface{}{day}, nil
		case store.DateOn:
			return col + " = ?", []interface{}{day}, nil
		default:
			return col + " >= ?", []interface{}{day}, nil
		}
	case store.Text:
		expr, args := textMatch(c)
		if expr == "" {
			return "", nil, fmt.Errorf("unknown text field %d", c.Field)
		}
		return expr, args, nil
	case store.UIDSet:
		if len(c.Ranges) == 0 {
			return "0", nil, nil
		}
		parts := make([]string, len(c.Ranges))
		var args []interface{}
		for i, r := range c.Ranges {
			parts[i] = uidCol + " BETWEEN ? AND ?"
			args = append(args, r.Start, r.End)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	case store.Size:
		if c.Larger {
			return "size > ?", []interface{}{c.N}, nil
		}
		return "size < ?", []interface{}{c.N}, nil
	case store.Not:
		expr, args, err := buildCriterion(c.C, uidCol)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + expr + ")", args, nil
	case store.Or:
		l, largs, err := buildCriterion(c.L, uidCol)
		if err != nil {
			return "", nil, err
		}
		r, rargs, err := buildCriterion(c.R, uidCol)
		if err != nil {
			return "", nil, err
		}
		return "((" + l + ") OR (" + r + "))", append(largs, rargs...), nil
	case store.And:
		if len(c.Cs) == 0 {
			return "1", nil, nil
		}
		parts := make([]string, 0, len(c.Cs))
		var args []interface{}
		for _, sub := range c.Cs {
			expr, subArgs, err := buildCriterion(sub, uidCol)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+expr+")")
			args = append(args, subArgs...)
		}
		return strings.Join(parts, " AND "), args, nil
	case nil:
		return "1", nil, nil
	}
	return "", nil, fmt.Errorf("unsupported search criterion %T", c)
}
