package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// sqlite connection options shared by every database file. Immediate
// transactions take the write lock up front so concurrent writers wait on
// the busy timeout instead of failing on lock upgrade.
const dsnOptions = "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"

// DBManager manages database connections for shared and per-user databases
type DBManager struct {
	basePath    string
	sharedDB    *sql.DB
	userDBCache map[int64]*sql.DB
	cacheMutex  sync.RWMutex
}

// NewDBManager creates a new database manager
func NewDBManager(basePath string) (*DBManager, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	manager := &DBManager{
		basePath:    basePath,
		userDBCache: make(map[int64]*sql.DB),
	}

	if err := manager.initSharedDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize shared database: %w", err)
	}

	return manager, nil
}

// GetSharedDB returns the shared database connection
func (m *DBManager) GetSharedDB() *sql.DB {
	return m.sharedDB
}

// GetUserDB returns a database connection for a specific user, creating
// and initializing the database file on first use.
func (m *DBManager) GetUserDB(userID int64) (*sql.DB, error) {
	m.cacheMutex.RLock()
	if db, exists := m.userDBCache[userID]; exists {
		m.cacheMutex.RUnlock()
		return db, nil
	}
	m.cacheMutex.RUnlock()

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	// Double-check after acquiring write lock
	if db, exists := m.userDBCache[userID]; exists {
		return db, nil
	}

	db, err := sql.Open("sqlite3", m.getUserDBPath(userID)+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}

	if err := initUserDB(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize user database: %w", err)
	}

	m.userDBCache[userID] = db
	return db, nil
}

func (m *DBManager) initSharedDB() error {
	db, err := sql.Open("sqlite3", filepath.Join(m.basePath, "shared.db")+dsnOptions)
	if err != nil {
		return err
	}

	for _, create := range []func(*sql.DB) error{createDomainsTable, createUsersTable} {
		if err := create(db); err != nil {
			_ = db.Close()
			return err
		}
	}

	m.sharedDB = db
	return nil
}

// initUserDB creates the per-user schema. Every statement is idempotent so
// reopening an existing file is harmless.
func initUserDB(db *sql.DB) error {
	creators := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"meta", createMetaTable},
		{"counters", createCountersTable},
		{"mailboxes", createMailboxesTable},
		{"subscriptions", createSubscriptionsTable},
		{"messages", createMessagesTable},
		{"addresses", createAddressesTable},
		{"blobs", createBlobsTable},
		{"attachments", createAttachmentsTable},
	}
	for _, c := range creators {
		if err := c.fn(db); err != nil {
			return fmt.Errorf("failed to create %s table: %w", c.name, err)
		}
	}

	if err := createUserIndexes(db); err != nil {
		return err
	}

	return seedUserDB(db)
}

func (m *DBManager) getUserDBPath(userID int64) string {
	return filepath.Join(m.basePath, fmt.Sprintf("user_db_%d.db", userID))
}

// Close closes all database connections
func (m *DBManager) Close() error {
	var lastErr error

	if m.sharedDB != nil {
		if err := m.sharedDB.Close(); err != nil {
			lastErr = err
		}
	}

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	for userID, db := range m.userDBCache {
		if err := db.Close(); err != nil {
			lastErr = err
		}
		delete(m.userDBCache, userID)
	}

	return lastErr
}
