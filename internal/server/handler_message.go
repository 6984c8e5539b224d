package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log/level"
	uuid "github.com/satori/go.uuid"

	"imapgate/internal/models"
	"imapgate/internal/server/message"
	"imapgate/internal/server/middleware"
	"imapgate/internal/server/parser"
	"imapgate/internal/server/response"
	"imapgate/internal/server/utils"
	"imapgate/internal/store"
)

type fetchHit struct {
	seq uint32
	uid uint32
	msg *store.Message
}

// loadMessages reads the messages of the ranges, keyed and deduplicated by
// UID, and orders them by their current sequence number. Records the map
// no longer knows are skipped.
func (c *connection) loadMessages(ctx context.Context, sess *models.Session, ranges []store.UIDRange, fields store.Fields) ([]fetchHit, error) {
	seen := make(map[uint32]bool)
	var hits []fetchHit
	for _, r := range ranges {
		msgs, err := sess.Account.Messages(ctx, selectedName(sess), r.Start, r.End, fields)
		if err != nil {
			return nil, err
		}
		for u, m := range msgs {
			if seen[u] {
				continue
			}
			seq, ok := sess.Map.Seq(u)
			if !ok {
				level.Warn(c.logger).Log("msg", "message not in sequence map, skipping", "uid", u, "mailbox", selectedName(sess))
				continue
			}
			seen[u] = true
			hits = append(hits, fetchHit{seq: seq, uid: u, msg: m})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	return hits, nil
}

// ===== FETCH =====

func (c *connection) handleFetch(req parser.Fetch, byUID bool) middleware.HandlerFunc {
	verb := commandName("FETCH", byUID)
	return func(ctx context.Context, tag string, sess *models.Session) {
		ranges, count := resolveSet(sess.Map, req.Set)
		if limit := c.server.cfg.Limits.FetchMaxMessages; count > limit {
			c.SendResponse(fmt.Sprintf("%s NO [LIMIT] FETCH exceeds the maximum of %d messages", tag, limit))
			return
		}

		hits, err := c.loadMessages(ctx, sess, ranges, response.Fields(req.Items))
		if err != nil {
			c.storeFailed(tag, verb, err)
			return
		}

		markSeen := response.MarksSeen(req.Items) && !sess.Selected.ReadOnly
		if markSeen {
			for _, h := range hits {
				if h.msg.Flags.Has(store.FlagSeen) {
					continue
				}
				if err := sess.Account.SetFlags(ctx, selectedName(sess), h.uid, h.uid, store.FlagSeen, store.FlagsAdd); err != nil {
					c.storeFailed(tag, verb, err)
					return
				}
			}
		}

		withFlags := append(append([]parser.FetchItem(nil), req.Items...), parser.FetchItem{Kind: parser.FetchFlags})
		for _, h := range hits {
			items := req.Items
			if markSeen && !h.msg.Flags.Has(store.FlagSeen) {
				h.msg.Flags |= store.FlagSeen
				if !response.HasItem(req.Items, parser.FetchFlags) {
					items = withFlags
				}
			}
			c.SendResponse(response.Fetch(h.seq, h.uid, h.msg, items, byUID))
		}
		c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
	}
}

// ===== STORE =====

// handleStore applies the flag change range by range. A failing range
// ends the command; ranges already applied stay applied.
func (c *connection) handleStore(req parser.Store, byUID bool) middleware.HandlerFunc {
	verb := commandName("STORE", byUID)
	return func(ctx context.Context, tag string, sess *models.Session) {
		flags, ignored := utils.ParseFlags(req.Flags)
		if len(ignored) > 0 {
			level.Debug(c.logger).Log("msg", "ignoring unsupported flags", "flags", strings.Join(ignored, " "))
		}

		op := store.FlagsReplace
		switch req.Mode {
		case parser.StoreAdd:
			op = store.FlagsAdd
		case parser.StoreRemove:
			op = store.FlagsRemove
		}

		ranges, _ := resolveSet(sess.Map, req.Set)
		for _, r := range ranges {
			if err := sess.Account.SetFlags(ctx, selectedName(sess), r.Start, r.End, flags, op); err != nil {
				c.storeFailed(tag, verb, err)
				return
			}
		}

		if !req.Silent {
			hits, err := c.loadMessages(ctx, sess, ranges, store.FieldFlags)
			if err != nil {
				c.storeFailed(tag, verb, err)
				return
			}
			items := []parser.FetchItem{{Kind: parser.FetchFlags}}
			for _, h := range hits {
				c.SendResponse(response.Fetch(h.seq, h.uid, h.msg, items, byUID))
			}
		}
		c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
	}
}

// ===== SEARCH =====

func (c *connection) handleSearch(req parser.Search, byUID bool) middleware.HandlerFunc {
	verb := commandName("SEARCH", byUID)
	return func(ctx context.Context, tag string, sess *models.Session) {
		switch req.Charset {
		case "", "US-ASCII", "UTF-8":
		default:
			c.SendResponse(fmt.Sprintf("%s NO [BADCHARSET (US-ASCII UTF-8)] Unsupported charset", tag))
			return
		}

		uids, err := sess.Account.Search(ctx, selectedName(sess), searchCriterion(sess, req.Criteria))
		if err != nil {
			c.storeFailed(tag, verb, err)
			return
		}

		var nums []uint32
		if byUID {
			nums = append(nums, uids...)
		} else {
			for _, u := range uids {
				if seq, ok := sess.Map.Seq(u); ok {
					nums = append(nums, seq)
				}
			}
		}
		sortUIDs(nums)

		line := "* SEARCH"
		for _, n := range nums {
			line += " " + strconv.FormatUint(uint64(n), 10)
		}
		c.SendResponse(line)
		c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
	}
}

// searchCriterion translates a parsed search key into a store query.
// Keywords and \Recent are not tracked, so they match nothing (or
// everything when negated).
func searchCriterion(sess *models.Session, key parser.SearchKey) store.Criterion {
	switch k := key.(type) {
	case parser.SearchAll:
		return store.All{}
	case parser.SearchFlag:
		f, ok := utils.ParseFlag(k.Flag)
		if !ok {
			return store.Const{Value: !k.Set}
		}
		return store.FlagIs{Flag: f, Set: k.Set}
	case parser.SearchKeyword:
		return store.Const{Value: !k.Set}
	case parser.SearchRecent:
		return store.Const{Value: !k.Set}
	case parser.SearchDate:
		field := store.DateInternal
		if k.Sent {
			field = store.DateSent
		}
		op := store.DateOn
		switch k.Op {
		case "BEFORE":
			op = store.DateBefore
		case "SINCE":
			op = store.DateSince
		}
		return store.DateCmp{Field: field, Op: op, Day: k.Date}
	case parser.SearchText:
		return store.Text{Field: textField(k.Field), Value: k.Value}
	case parser.SearchHeader:
		return store.Text{Field: store.TextHeader, Header: k.Field, Value: k.Value}
	case parser.SearchSet:
		ranges, _ := resolveSet(sess.Map, k.Set)
		if len(ranges) == 0 {
			return store.Const{Value: false}
		}
		return store.UIDSet{Ranges: ranges}
	case parser.SearchSize:
		return store.Size{Larger: k.Larger, N: k.N}
	case parser.SearchNot:
		return store.Not{C: searchCriterion(sess, k.Key)}
	case parser.SearchOr:
		return store.Or{L: searchCriterion(sess, k.L), R: searchCriterion(sess, k.R)}
	case parser.SearchAnd:
		cs := make([]store.Criterion, len(k.Keys))
		for i, sub := range k.Keys {
			cs[i] = searchCriterion(sess, sub)
		}
		return store.And{Cs: cs}
	default:
		return store.Const{Value: false}
	}
}

func textField(name string) store.TextField {
	switch name {
	case "FROM":
		return store.TextFrom
	case "TO":
		return store.TextTo
	case "CC":
		return store.TextCc
	case "BCC":
		return store.TextBcc
	case "SUBJECT":
		return store.TextSubject
	case "BODY":
		return store.TextBody
	default:
		return store.TextAll
	}
}

// ===== EXPUNGE =====

func (c *connection) handleExpunge(ctx context.Context, tag string, sess *models.Session) {
	removed, err := sess.Account.Expunge(ctx, selectedName(sess))
	if err != nil {
		c.storeFailed(tag, "EXPUNGE", err)
		return
	}
	c.removeFromSelection(ctx, sess, removed)
	c.SendResponse(fmt.Sprintf("%s OK EXPUNGE completed", tag))
}

// removeFromSelection announces removed UIDs by their pre-removal sequence
// numbers, then rebuilds the map from the store.
func (c *connection) removeFromSelection(ctx context.Context, sess *models.Session, removed []uint32) {
	gone := make(map[uint32]bool, len(removed))
	var seqs []uint32
	for _, u := range removed {
		if seq, ok := sess.Map.Seq(u); ok {
			seqs = append(seqs, seq)
			gone[u] = true
		}
	}
	c.sendExpunges(seqs)

	var remaining []uint32
	for _, u := range sess.Map.UIDs() {
		if !gone[u] {
			remaining = append(remaining, u)
		}
	}
	sess.Map.Rebuild(remaining)

	if err := c.refreshSelection(ctx, sess); err != nil {
		level.Warn(c.logger).Log("msg", "failed to refresh mailbox", "mailbox", selectedName(sess), "err", err)
	}
}

// ===== COPY =====

// handleCopy rejects every COPY: a message lives in exactly one UID space
// per scope, so duplicating it has no representation in the store.
func (c *connection) handleCopy(byUID bool) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		c.SendResponse(fmt.Sprintf("%s NO [CANNOT] COPY not permitted", tag))
	}
}

// ===== MOVE =====

func (c *connection) handleMove(req parser.Move, byUID bool) middleware.HandlerFunc {
	verb := commandName("MOVE", byUID)
	return func(ctx context.Context, tag string, sess *models.Session) {
		target := store.ResolveMailbox(req.Mailbox)
		if !target.Writable() {
			c.SendResponse(fmt.Sprintf("%s NO [CANNOT] Cannot move into a read-only view", tag))
			return
		}
		if target.Name == selectedName(sess) {
			c.SendResponse(fmt.Sprintf("%s NO [CANNOT] Source and destination are the same mailbox", tag))
			return
		}

		ranges, _ := resolveSet(sess.Map, req.Set)
		uids := mappedUIDs(sess.Map, ranges)
		if len(uids) == 0 {
			c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
			return
		}

		moved, err := sess.Account.Move(ctx, selectedName(sess), uids, target.Name)
		if err != nil {
			if errors.Is(err, store.ErrMailboxNotFound) {
				c.SendResponse(fmt.Sprintf("%s NO [TRYCREATE] Mailbox does not exist", tag))
				return
			}
			c.mailboxFailed(tag, verb, err)
			return
		}

		var from, to []uint32
		for _, u := range uids {
			if n, ok := moved[u]; ok {
				from = append(from, u)
				to = append(to, n)
			}
		}
		if len(from) > 0 {
			if status, err := sess.Account.Status(ctx, target.Name); err == nil {
				c.SendResponse(fmt.Sprintf("* OK [COPYUID %d %s %s] Moved", status.UIDValidity, formatUIDSet(from), formatUIDSet(to)))
			}
		}

		c.removeFromSelection(ctx, sess, from)
		c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
	}
}

// ===== APPEND =====

func (c *connection) handleAppend(req parser.Append) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		target := store.ResolveMailbox(req.Mailbox)
		if !target.Writable() {
			c.SendResponse(fmt.Sprintf("%s NO [CANNOT] Cannot append to a read-only view", tag))
			return
		}

		status, err := sess.Account.Status(ctx, target.Name)
		if err != nil {
			if errors.Is(err, store.ErrMailboxNotFound) {
				c.SendResponse(fmt.Sprintf("%s NO [TRYCREATE] Mailbox does not exist", tag))
				return
			}
			c.storeFailed(tag, "APPEND", err)
			return
		}

		msg, err := message.Parse(req.Message)
		if err != nil {
			c.SendResponse(fmt.Sprintf("%s BAD Invalid message: %v", tag, err))
			return
		}
		flags, _ := utils.ParseFlags(req.Flags)
		message.Prepare(msg, flags, req.Date, func() string {
			return uuid.NewV4().String() + "@" + c.server.cfg.Domain
		})

		if msg.UID.Account, err = sess.Account.NextUID(ctx, store.ScopeFolder); err != nil {
			c.storeFailed(tag, "APPEND", err)
			return
		}
		if target.Scope == store.ScopeDomain {
			if msg.UID.Domain, err = sess.Account.NextUID(ctx, store.ScopeDomain); err != nil {
				c.storeFailed(tag, "APPEND", err)
				return
			}
		}
		msg.Folder = target.Key

		if err := sess.Account.StoreMail(ctx, msg); err != nil {
			c.storeFailed(tag, "APPEND", err)
			return
		}

		if sess.HasSelection() && selectedName(sess) == target.Name {
			if err := c.refreshSelection(ctx, sess); err != nil {
				level.Warn(c.logger).Log("msg", "failed to refresh mailbox", "mailbox", target.Name, "err", err)
			}
		}
		c.SendResponse(fmt.Sprintf("%s OK [APPENDUID %d %d] APPEND completed", tag, status.UIDValidity, msg.UIDIn(target.Scope)))
	}
}
