package db

import (
	"database/sql"
	"fmt"
	"time"

	"imapgate/internal/store"
)

// Shared database tables

func createDomainsTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS domains (
		id INTEGER PRIMARY KEY,
		domain TEXT NOT NULL UNIQUE,
		enabled BOOLEAN DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createUsersTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL,
		domain_id INTEGER NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (domain_id) REFERENCES domains(id),
		UNIQUE(username, domain_id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Per-user tables

func createMetaTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// counters hold the next UID to hand out per UID space.
func createCountersTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		next_uid INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createMailboxesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailboxes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		special_use TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createSubscriptionsTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		mailbox_name TEXT NOT NULL UNIQUE,
		subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createMessagesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		domain_uid INTEGER,
		account_uid INTEGER NOT NULL UNIQUE,
		folder TEXT NOT NULL,
		correspondent TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		sent_at TEXT NOT NULL DEFAULT '',
		sent_day TEXT NOT NULL DEFAULT '',
		internal_date TEXT NOT NULL,
		internal_day TEXT NOT NULL,
		text_body TEXT NOT NULL DEFAULT '',
		html_body TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		seen BOOLEAN NOT NULL DEFAULT FALSE,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		draft BOOLEAN NOT NULL DEFAULT FALSE,
		answered BOOLEAN NOT NULL DEFAULT FALSE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// kind is one of from, to, cc, bcc.
func createAddressesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS addresses (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// blobs deduplicates attachment payloads by content hash when they are kept
// locally. ref_count tracks attachments pointing at the row.
func createBlobsTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		sha256_hash TEXT PRIMARY KEY,
		data BLOB,
		size INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.Exec(schema)
	return err
}

// storage is "local" (blobs table) or "s3".
func createAttachmentsTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
		size INTEGER NOT NULL,
		blob_key TEXT NOT NULL,
		storage TEXT NOT NULL DEFAULT 'local',
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createUserIndexes(db *sql.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder, account_uid)",
		"CREATE INDEX IF NOT EXISTS idx_messages_domain_uid ON messages(domain_uid)",
		"CREATE INDEX IF NOT EXISTS idx_messages_correspondent ON messages(correspondent, account_uid)",
		"CREATE INDEX IF NOT EXISTS idx_addresses_message ON addresses(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

const (
	counterDomain  = "domain"
	counterAccount = "account"
	metaValidity   = "uid_validity"
)

// seedUserDB writes the UID validity, the UID counters, the default folders
// and the default subscriptions. It runs its inserts only once per file.
func seedUserDB(db *sql.DB) error {
	res, err := db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", metaValidity, uint32(time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("failed to seed uid validity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, name := range []string{counterDomain, counterAccount} {
		if _, err := db.Exec("INSERT OR IGNORE INTO counters (name, next_uid) VALUES (?, 1)", name); err != nil {
			return fmt.Errorf("failed to seed counter %s: %w", name, err)
		}
	}

	defaults := []struct {
		name       string
		specialUse string
	}{
		{store.DraftsName, `\Drafts`},
		{store.TrashName, `\Trash`},
	}
	for _, mbx := range defaults {
		if _, err := db.Exec("INSERT OR IGNORE INTO mailboxes (name, special_use) VALUES (?, ?)", mbx.name, mbx.specialUse); err != nil {
			return fmt.Errorf("failed to create mailbox %s: %w", mbx.name, err)
		}
	}

	for _, name := range []string{store.InboxName, store.SentName, store.DraftsName, store.TrashName} {
		if _, err := db.Exec("INSERT OR IGNORE INTO subscriptions (mailbox_name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", name, err)
		}
	}

	return nil
}
