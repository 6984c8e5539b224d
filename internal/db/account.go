package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"imapgate/internal/store"
)

const hierarchyDelimiter = "/"

// Account is one user's handle on their database.
type Account struct {
	db       *sql.DB
	userID   int64
	username string
	blobs    *blobStore
}

var _ store.Account = (*Account)(nil)

func (a *Account) Username() string { return a.username }

func (a *Account) UserID() int64 { return a.userID }

// view is the SQL projection of a resolved mailbox: which UID column
// numbers its messages and which rows belong to it.
type view struct {
	mb     store.Mailbox
	uidCol string
	where  string
	args   []interface{}
}

func viewOf(mb store.Mailbox) view {
	switch mb.Scope {
	case store.ScopeDomain:
		return view{mb: mb, uidCol: "domain_uid", where: "folder = ? AND domain_uid IS NOT NULL", args: []interface{}{store.InboxName}}
	case store.ScopeCorrespondent:
		return view{mb: mb, uidCol: "account_uid", where: "correspondent = ?", args: []interface{}{mb.Key}}
	default:
		return view{mb: mb, uidCol: "account_uid", where: "folder = ?", args: []interface{}{mb.Key}}
	}
}

func (a *Account) folderExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailboxes WHERE name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check mailbox: %w", err)
	}
	return n > 0, nil
}

// open resolves name and checks that the mailbox exists. INBOX, Sent and
// correspondent views always exist.
func (a *Account) open(ctx context.Context, name string) (view, error) {
	mb := store.ResolveMailbox(name)
	if mb.Scope == store.ScopeFolder {
		ok, err := a.folderExists(ctx, a.db, mb.Key)
		if err != nil {
			return view{}, err
		}
		if !ok {
			return view{}, fmt.Errorf("%s: %w", name, store.ErrMailboxNotFound)
		}
	}
	return viewOf(mb), nil
}

// ListMailboxes returns INBOX and Sent, the folders in name order, then
// one entry per correspondent address.
func (a *Account) ListMailboxes(ctx context.Context) ([]string, error) {
	names := []string{store.InboxName, store.SentName}

	folders, err := a.queryStrings(ctx, "SELECT name FROM mailboxes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	names = append(names, folders...)

	correspondents, err := a.queryStrings(ctx, "SELECT DISTINCT correspondent FROM messages WHERE correspondent != '' ORDER BY correspondent")
	if err != nil {
		return nil, fmt.Errorf("failed to list correspondents: %w", err)
	}
	return append(names, correspondents...), nil
}

// SpecialUse returns the special-use attribute stored for a folder.
func (a *Account) SpecialUse(ctx context.Context, name string) (string, error) {
	var use string
	err := a.db.QueryRowContext(ctx, "SELECT special_use FROM mailboxes WHERE name = ?", name).Scan(&use)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return use, err
}

func (a *Account) CreateMailbox(ctx context.Context, name string) error {
	name = strings.TrimSuffix(name, hierarchyDelimiter)
	if name == "" {
		return fmt.Errorf("mailbox name cannot be empty")
	}
	if store.IsReserved(name) {
		return store.ErrMailboxReserved
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := a.folderExists(ctx, tx, name)
	if err != nil {
		return err
	}
	if exists {
		return store.ErrMailboxExists
	}

	// Superior hierarchy names are created implicitly.
	parts := strings.Split(name, hierarchyDelimiter)
	for i := 1; i <= len(parts); i++ {
		path := strings.Join(parts[:i], hierarchyDelimiter)
		if path == "" || store.IsReserved(path) {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO mailboxes (name) VALUES (?)", path); err != nil {
			return fmt.Errorf("failed to create mailbox %s: %w", path, err)
		}
	}

	return tx.Commit()
}

// DeleteMailbox removes a folder and its messages. Folders with inferior
// names cannot be deleted.
func (a *Account) DeleteMailbox(ctx context.Context, name string) error {
	if store.IsReserved(name) {
		return store.ErrMailboxReserved
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := a.folderExists(ctx, tx, name)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrMailboxNotFound
	}

	prefix := name + hierarchyDelimiter
	var children int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailboxes WHERE substr(name, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix).Scan(&children)
	if err != nil {
		return fmt.Errorf("failed to check inferiors: %w", err)
	}
	if children > 0 {
		return store.ErrMailboxHasChild
	}

	ids, err := queryIDs(ctx, tx, "SELECT id FROM messages WHERE folder = ?", name)
	if err != nil {
		return err
	}
	remote, err := a.deleteMessages(ctx, tx, ids)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM mailboxes WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete mailbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return a.blobs.deleteRemote(ctx, remote)
}

// RenameMailbox renames a folder together with its inferiors, messages and
// subscriptions.
func (a *Account) RenameMailbox(ctx context.Context, from, to string) error {
	to = strings.TrimSuffix(to, hierarchyDelimiter)
	if store.IsReserved(from) || store.IsReserved(to) {
		return store.ErrMailboxReserved
	}
	if to == "" {
		return fmt.Errorf("mailbox name cannot be empty")
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := a.folderExists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrMailboxNotFound
	}
	if exists, err = a.folderExists(ctx, tx, to); err != nil {
		return err
	} else if exists {
		return store.ErrMailboxExists
	}

	prefix := from + hierarchyDelimiter
	renames := []struct{ table, column string }{
		{"mailboxes", "name"},
		{"messages", "folder"},
		{"subscriptions", "mailbox_name"},
	}
	for _, r := range renames {
		stmt := fmt.Sprintf(`UPDATE %[1]s SET %[2]s = CASE WHEN %[2]s = ? THEN ? ELSE ? || substr(%[2]s, ?) END
			WHERE %[2]s = ? OR substr(%[2]s, 1, ?) = ?`, r.table, r.column)
		if _, err := tx.ExecContext(ctx, stmt, from, to, to, utf8.RuneCountInString(from)+1, from, utf8.RuneCountInString(prefix), prefix); err != nil {
			return fmt.Errorf("failed to rename %s: %w", r.table, err)
		}
	}

	parts := strings.Split(to, hierarchyDelimiter)
	for i := 1; i < len(parts); i++ {
		path := strings.Join(parts[:i], hierarchyDelimiter)
		if path == "" || store.IsReserved(path) {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO mailboxes (name) VALUES (?)", path); err != nil {
			return fmt.Errorf("failed to create mailbox %s: %w", path, err)
		}
	}

	return tx.Commit()
}

func (a *Account) Subscribe(ctx context.Context, name string) error {
	if _, err := a.open(ctx, name); err != nil {
		return err
	}
	if _, err := a.db.ExecContext(ctx, "INSERT OR IGNORE INTO subscriptions (mailbox_name) VALUES (?)", store.ResolveMailbox(name).Name); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func (a *Account) Unsubscribe(ctx context.Context, name string) error {
	res, err := a.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE mailbox_name = ?", store.ResolveMailbox(name).Name)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrMailboxNotFound
	}
	return nil
}

func (a *Account) Subscriptions(ctx context.Context) ([]string, error) {
	names, err := a.queryStrings(ctx, "SELECT mailbox_name FROM subscriptions")
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Account) uidValidity(ctx context.Context) (uint32, error) {
	var v int64
	if err := a.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaValidity).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read uid validity: %w", err)
	}
	return uint32(v), nil
}

func counterFor(scope store.UIDScope) string {
	if scope == store.ScopeDomain {
		return counterDomain
	}
	return counterAccount
}

func (a *Account) Status(ctx context.Context, mailbox string) (store.MailboxStatus, error) {
	v, err := a.open(ctx, mailbox)
	if err != nil {
		return store.MailboxStatus{}, err
	}

	var status store.MailboxStatus
	err = a.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN seen THEN 0 ELSE 1 END), 0) FROM messages WHERE "+v.where,
		v.args...).Scan(&status.Total, &status.Unread)
	if err != nil {
		return store.MailboxStatus{}, fmt.Errorf("failed to count messages: %w", err)
	}

	if status.UIDValidity, err = a.uidValidity(ctx); err != nil {
		return store.MailboxStatus{}, err
	}

	var next int64
	if err := a.db.QueryRowContext(ctx, "SELECT next_uid FROM counters WHERE name = ?", counterFor(v.mb.Scope)).Scan(&next); err != nil {
		return store.MailboxStatus{}, fmt.Errorf("failed to read uid counter: %w", err)
	}
	status.UIDNext = uint32(next)

	return status, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (a *Account) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryIDs(ctx context.Context, q querier, query string, args ...interface{}) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
