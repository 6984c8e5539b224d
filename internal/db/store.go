package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"imapgate/internal/auth"
	"imapgate/internal/blobstorage"
	"imapgate/internal/store"
)

// Options configures a Store.
type Options struct {
	// Domain is appended to bare usernames.
	Domain     string
	BcryptCost int
	// Tokens enables session token logins when non-nil.
	Tokens *auth.TokenVerifier
	// Blobs keeps attachment payloads in S3 when enabled.
	Blobs blobstorage.Store
}

// Store implements store.Store on top of a DBManager.
type Store struct {
	manager *DBManager
	opts    Options
}

var _ store.Store = (*Store)(nil)

func NewStore(manager *DBManager, opts Options) *Store {
	if opts.Domain == "" {
		opts.Domain = "localhost"
	}
	return &Store{manager: manager, opts: opts}
}

// SplitAddress returns local part and domain, falling back to the default
// domain for bare usernames.
func (s *Store) SplitAddress(username string) (string, string) {
	username = strings.ToLower(strings.TrimSpace(username))
	if i := strings.LastIndexByte(username, '@'); i >= 0 {
		return username[:i], username[i+1:]
	}
	return username, strings.ToLower(s.opts.Domain)
}

// GetOrCreateDomain returns the id of domain, inserting it when missing.
func GetOrCreateDomain(ctx context.Context, db *sql.DB, domain string) (int64, error) {
	if _, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO domains (domain) VALUES (?)", domain); err != nil {
		return 0, fmt.Errorf("failed to create domain: %w", err)
	}
	var id int64
	if err := db.QueryRowContext(ctx, "SELECT id FROM domains WHERE domain = ?", domain).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get domain: %w", err)
	}
	return id, nil
}

// CreateUser provisions a user with a bcrypt password hash and initializes
// the user's database. Existing users get their password replaced.
func (s *Store) CreateUser(ctx context.Context, username, password string) (int64, error) {
	local, domain := s.SplitAddress(username)
	if local == "" {
		return 0, fmt.Errorf("username cannot be empty")
	}

	hash, err := auth.HashPassword(password, s.opts.BcryptCost)
	if err != nil {
		return 0, err
	}

	shared := s.manager.GetSharedDB()
	domainID, err := GetOrCreateDomain(ctx, shared, domain)
	if err != nil {
		return 0, err
	}

	_, err = shared.ExecContext(ctx, `
		INSERT INTO users (username, domain_id, password_hash) VALUES (?, ?, ?)
		ON CONFLICT(username, domain_id) DO UPDATE SET password_hash = excluded.password_hash
	`, local, domainID, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}

	var userID int64
	err = shared.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ? AND domain_id = ?", local, domainID).Scan(&userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get user: %w", err)
	}

	if _, err := s.manager.GetUserDB(userID); err != nil {
		return 0, err
	}
	return userID, nil
}

// LookupUser returns the user id and full address, or store.ErrAuthFailed
// when the user does not exist or is disabled.
func (s *Store) LookupUser(ctx context.Context, username string) (int64, string, string, error) {
	local, domain := s.SplitAddress(username)

	var userID int64
	var hash string
	err := s.manager.GetSharedDB().QueryRowContext(ctx, `
		SELECT u.id, u.password_hash FROM users u
		JOIN domains d ON u.domain_id = d.id
		WHERE u.username = ? AND d.domain = ? AND u.enabled AND d.enabled
	`, local, domain).Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", "", store.ErrAuthFailed
	}
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to look up user: %w", err)
	}
	return userID, local + "@" + domain, hash, nil
}

// Authenticate accepts either the account password or, when token logins
// are enabled, a session token whose subject is the account address.
func (s *Store) Authenticate(ctx context.Context, creds store.Credentials) (store.Account, error) {
	userID, address, hash, err := s.LookupUser(ctx, creds.Username)
	if err != nil {
		return nil, err
	}

	ok := false
	if s.opts.Tokens != nil && auth.LooksLikeToken(creds.Password) {
		if subject, err := s.opts.Tokens.Verify(creds.Password); err == nil && strings.EqualFold(subject, address) {
			ok = true
		}
	}
	if !ok && auth.CheckPassword(hash, creds.Password) == nil {
		ok = true
	}
	if !ok {
		return nil, store.ErrAuthFailed
	}

	account, err := s.Open(ctx, userID, address)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Open returns the account handle for a known user without checking
// credentials.
func (s *Store) Open(ctx context.Context, userID int64, address string) (*Account, error) {
	userDB, err := s.manager.GetUserDB(userID)
	if err != nil {
		return nil, err
	}
	return &Account{
		db:       userDB,
		userID:   userID,
		username: address,
		blobs:    newBlobStore(userDB, userID, s.opts.Blobs),
	}, nil
}
