package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"imapgate/internal/store"
)

const dayLayout = "2006-01-02"

var flagColumns = []struct {
	flag   store.Flags
	column string
}{
	{store.FlagSeen, "seen"},
	{store.FlagFlagged, "flagged"},
	{store.FlagDeleted, "deleted"},
	{store.FlagDraft, "draft"},
	{store.FlagAnswered, "answered"},
}

func (a *Account) AllUIDs(ctx context.Context, mailbox string) ([]uint32, error) {
	v, err := a.open(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	return queryUIDs(ctx, a.db, fmt.Sprintf("SELECT %[1]s FROM messages WHERE %[2]s ORDER BY %[1]s", v.uidCol, v.where), v.args...)
}

// Messages loads the records whose UID in this mailbox lies in [start, end].
func (a *Account) Messages(ctx context.Context, mailbox string, start, end uint32, fields store.Fields) (map[uint32]*store.Message, error) {
	v, err := a.open(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	bodyCols := "'', ''"
	if fields.Has(store.FieldBody) {
		bodyCols = "text_body, html_body"
	}
	query := fmt.Sprintf(`SELECT id, domain_uid, account_uid, folder, correspondent, subject, message_id,
		sent_at, internal_date, size, seen, flagged, deleted, draft, answered, %s
		FROM messages WHERE %s AND %s BETWEEN ? AND ? ORDER BY %s`, bodyCols, v.where, v.uidCol, v.uidCol)
	args := append(append([]interface{}{}, v.args...), start, end)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	result := make(map[uint32]*store.Message)
	byID := make(map[int64]*store.Message)
	var ids []int64
	for rows.Next() {
		var (
			id                                     int64
			domainUID                              sql.NullInt64
			accountUID                             int64
			sentAt, internalDate                   string
			seen, flagged, deleted, draft, answered bool
			msg                                    store.Message
		)
		err := rows.Scan(&id, &domainUID, &accountUID, &msg.Folder, &msg.Correspondent, &msg.Subject, &msg.MessageID,
			&sentAt, &internalDate, &msg.Size, &seen, &flagged, &deleted, &draft, &answered, &msg.Text, &msg.HTML)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.UID = store.UIDPair{Domain: uint32(domainUID.Int64), Account: uint32(accountUID)}
		msg.Date = parseTime(sentAt)
		msg.InternalDate = parseTime(internalDate)
		for i, set := range []bool{seen, flagged, deleted, draft, answered} {
			if set {
				msg.Flags |= flagColumns[i].flag
			}
		}

		m := &msg
		result[m.UIDIn(v.mb.Scope)] = m
		byID[id] = m
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return result, nil
	}

	if fields.Has(store.FieldEnvelope) {
		if err := a.loadAddresses(ctx, ids, byID); err != nil {
			return nil, err
		}
	}
	if fields.Has(store.FieldAttachments | store.FieldAttachmentData) {
		if err := a.loadAttachments(ctx, ids, byID, fields.Has(store.FieldAttachmentData)); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func inClause(ids []int64) (string, []interface{}) {
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(marks, ",") + ")", args
}

func (a *Account) loadAddresses(ctx context.Context, ids []int64, byID map[int64]*store.Message) error {
	in, args := inClause(ids)
	rows, err := a.db.QueryContext(ctx,
		"SELECT message_id, kind, name, email FROM addresses WHERE message_id IN "+in+" ORDER BY message_id, kind, position", args...)
	if err != nil {
		return fmt.Errorf("failed to query addresses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var kind string
		var addr store.Address
		if err := rows.Scan(&id, &kind, &addr.Name, &addr.Email); err != nil {
			return fmt.Errorf("failed to scan address: %w", err)
		}
		m := byID[id]
		if m == nil {
			continue
		}
		switch kind {
		case "from":
			m.From = append(m.From, addr)
		case "to":
			m.To = append(m.To, addr)
		case "cc":
			m.Cc = append(m.Cc, addr)
		case "bcc":
			m.Bcc = append(m.Bcc, addr)
		}
	}
	return rows.Err()
}

type attachmentRef struct {
	messageID int64
	index     int
	key       string
	storage   string
}

func (a *Account) loadAttachments(ctx context.Context, ids []int64, byID map[int64]*store.Message, withData bool) error {
	in, args := inClause(ids)
	rows, err := a.db.QueryContext(ctx,
		"SELECT message_id, filename, content_type, size, blob_key, storage FROM attachments WHERE message_id IN "+in+" ORDER BY message_id, position", args...)
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}

	var refs []attachmentRef
	for rows.Next() {
		var id int64
		var att store.Attachment
		var ref attachmentRef
		if err := rows.Scan(&id, &att.Filename, &att.ContentType, &att.Size, &ref.key, &ref.storage); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		m := byID[id]
		if m == nil {
			continue
		}
		ref.messageID = id
		ref.index = len(m.Attachments)
		m.Attachments = append(m.Attachments, att)
		refs = append(refs, ref)
	}
	err = rows.Err()
	rows.Close()
	if err != nil || !withData {
		return err
	}

	for _, ref := range refs {
		data, err := a.blobs.get(ctx, ref.key, ref.storage)
		if err != nil {
			return fmt.Errorf("failed to load attachment data: %w", err)
		}
		byID[ref.messageID].Attachments[ref.index].Data = data
	}
	return nil
}

// SetFlags applies op to every message with a UID in [start, end].
func (a *Account) SetFlags(ctx context.Context, mailbox string, start, end uint32, flags store.Flags, op store.FlagOp) error {
	v, err := a.open(ctx, mailbox)
	if err != nil {
		return err
	}

	var sets []string
	var args []interface{}
	switch op {
	case store.FlagsReplace:
		for _, fc := range flagColumns {
			sets = append(sets, fc.column+" = ?")
			args = append(args, flags.Has(fc.flag))
		}
	case store.FlagsAdd, store.FlagsRemove:
		for _, fc := range flagColumns {
			if flags.Has(fc.flag) {
				sets = append(sets, fc.column+" = ?")
				args = append(args, op == store.FlagsAdd)
			}
		}
		if len(sets) == 0 {
			return nil
		}
	default:
		return store.ErrInvalidFlagsMode
	}

	query := fmt.Sprintf("UPDATE messages SET %s WHERE %s AND %s BETWEEN ? AND ?", strings.Join(sets, ", "), v.where, v.uidCol)
	args = append(append(args, v.args...), start, end)
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	return nil
}

// Expunge deletes the \Deleted messages of the mailbox and returns their
// UIDs in ascending order.
func (a *Account) Expunge(ctx context.Context, mailbox string) ([]uint32, error) {
	v, err := a.open(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT id, %[1]s FROM messages WHERE %[2]s AND deleted ORDER BY %[1]s", v.uidCol, v.where), v.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deleted messages: %w", err)
	}
	var ids []int64
	var uids []uint32
	for rows.Next() {
		var id, uid int64
		if err := rows.Scan(&id, &uid); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		uids = append(uids, uint32(uid))
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	remote, err := a.deleteMessages(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	if err := a.blobs.deleteRemote(ctx, remote); err != nil {
		return uids, err
	}
	return uids, nil
}

// deleteMessages removes the rows and releases attachment blobs. It returns
// remote blob keys to delete once the transaction commits.
func (a *Account) deleteMessages(ctx context.Context, tx *sql.Tx, ids []int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)

	rows, err := tx.QueryContext(ctx, "SELECT blob_key, storage FROM attachments WHERE message_id IN "+in, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	var refs []attachmentRef
	for rows.Next() {
		var ref attachmentRef
		if err := rows.Scan(&ref.key, &ref.storage); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	var remote []string
	for _, ref := range refs {
		key, err := a.blobs.release(ctx, tx, ref.key, ref.storage)
		if err != nil {
			return nil, err
		}
		if key != "" {
			remote = append(remote, key)
		}
	}

	for _, table := range []string{"addresses", "attachments"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE message_id IN "+in, args...); err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id IN "+in, args...); err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	return remote, nil
}

// NextUID allocates the next UID in the counter backing scope.
func (a *Account) NextUID(ctx context.Context, scope store.UIDScope) (uint32, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	uid, err := nextUIDTx(ctx, tx, counterFor(scope))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return uid, nil
}

func nextUIDTx(ctx context.Context, tx *sql.Tx, counter string) (uint32, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT next_uid FROM counters WHERE name = ?", counter).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read uid counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE counters SET next_uid = ? WHERE name = ?", next+1, counter); err != nil {
		return 0, fmt.Errorf("failed to advance uid counter: %w", err)
	}
	return uint32(next), nil
}

// StoreMail persists msg with its caller-assigned UID pair. An empty
// correspondent is derived from the first To address for Sent and the first
// From address otherwise.
func (a *Account) StoreMail(ctx context.Context, msg *store.Message) error {
	if msg.UID.Account == 0 {
		return fmt.Errorf("message has no account uid")
	}
	if msg.Folder == "" {
		msg.Folder = store.InboxName
	}
	if msg.Folder == store.InboxName && msg.UID.Domain == 0 {
		return fmt.Errorf("inbox message has no domain uid")
	}
	if msg.Correspondent == "" {
		src := msg.From
		if msg.Folder == store.SentName {
			src = msg.To
		}
		if len(src) > 0 {
			msg.Correspondent = strings.ToLower(src[0].Email)
		}
	}
	if msg.InternalDate.IsZero() {
		msg.InternalDate = time.Now()
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].Size == 0 {
			msg.Attachments[i].Size = int64(len(msg.Attachments[i].Data))
		}
	}
	msg.Size = store.EstimateSize(msg.Text, msg.HTML, msg.Attachments)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var domainUID interface{}
	if msg.UID.Domain != 0 {
		domainUID = msg.UID.Domain
	}
	sentAt, sentDay := "", ""
	if !msg.Date.IsZero() {
		sentAt, sentDay = msg.Date.Format(time.RFC3339), msg.Date.Format(dayLayout)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (domain_uid, account_uid, folder, correspondent, subject, message_id,
			sent_at, sent_day, internal_date, internal_day, text_body, html_body, size,
			seen, flagged, deleted, draft, answered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, domainUID, msg.UID.Account, msg.Folder, msg.Correspondent, msg.Subject, msg.MessageID,
		sentAt, sentDay, msg.InternalDate.Format(time.RFC3339), msg.InternalDate.Format(dayLayout),
		msg.Text, msg.HTML, msg.Size,
		msg.Flags.Has(store.FlagSeen), msg.Flags.Has(store.FlagFlagged), msg.Flags.Has(store.FlagDeleted),
		msg.Flags.Has(store.FlagDraft), msg.Flags.Has(store.FlagAnswered))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get message id: %w", err)
	}

	lists := []struct {
		kind  string
		addrs []store.Address
	}{{"from", msg.From}, {"to", msg.To}, {"cc", msg.Cc}, {"bcc", msg.Bcc}}
	for _, l := range lists {
		for pos, addr := range l.addrs {
			_, err := tx.ExecContext(ctx, "INSERT INTO addresses (message_id, kind, position, name, email) VALUES (?, ?, ?, ?, ?)",
				id, l.kind, pos, addr.Name, addr.Email)
			if err != nil {
				return fmt.Errorf("failed to insert address: %w", err)
			}
		}
	}

	for pos, att := range msg.Attachments {
		key, storage, err := a.blobs.put(ctx, tx, att.Data)
		if err != nil {
			return err
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO attachments (message_id, position, filename, content_type, size, blob_key, storage)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, id, pos, att.Filename, contentType, att.Size, key, storage)
		if err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	// Keep counters ahead of any UID handed in by the caller.
	bumps := []struct {
		counter string
		uid     uint32
	}{{counterAccount, msg.UID.Account}, {counterDomain, msg.UID.Domain}}
	for _, b := range bumps {
		if b.uid == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, "UPDATE counters SET next_uid = MAX(next_uid, ?) WHERE name = ?", int64(b.uid)+1, b.counter); err != nil {
			return fmt.Errorf("failed to bump uid counter: %w", err)
		}
	}

	return tx.Commit()
}

// Move reassigns messages to target under freshly allocated UIDs.
func (a *Account) Move(ctx context.Context, mailbox string, uids []uint32, target string) (map[uint32]uint32, error) {
	v, err := a.open(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	dst, err := a.open(ctx, target)
	if err != nil {
		return nil, err
	}
	if !dst.mb.Writable() {
		return nil, store.ErrReadOnlyView
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	moved := make(map[uint32]uint32, len(uids))
	args := append([]interface{}{}, v.args...)
	lookup := fmt.Sprintf("SELECT id FROM messages WHERE %s AND %s = ?", v.where, v.uidCol)
	for _, uid := range uids {
		var id int64
		err := tx.QueryRowContext(ctx, lookup, append(args, uid)...).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up message: %w", err)
		}

		newUID, err := nextUIDTx(ctx, tx, counterFor(dst.mb.Scope))
		if err != nil {
			return nil, err
		}
		if dst.mb.Scope == store.ScopeDomain {
			_, err = tx.ExecContext(ctx, "UPDATE messages SET folder = ?, domain_uid = ? WHERE id = ?", store.InboxName, newUID, id)
		} else {
			_, err = tx.ExecContext(ctx, "UPDATE messages SET folder = ?, account_uid = ?, domain_uid = NULL WHERE id = ?", dst.mb.Key, newUID, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to move message: %w", err)
		}
		moved[uid] = newUID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return moved, nil
}

func queryUIDs(ctx context.Context, q querier, query string, args ...interface{}) ([]uint32, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uids: %w", err)
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uint32(uid))
	}
	return uids, rows.Err()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
