package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"imapgate/internal/blobstorage"
)

const (
	storageLocal = "local"
	storageS3    = "s3"
)

// blobStore deduplicates attachment payloads by SHA-256. The blobs table
// always carries the reference count; the payload lives in the row or in S3.
type blobStore struct {
	db     *sql.DB
	userID int64
	remote blobstorage.Store
}

func newBlobStore(db *sql.DB, userID int64, remote blobstorage.Store) *blobStore {
	if remote != nil && !remote.IsEnabled() {
		remote = nil
	}
	return &blobStore{db: db, userID: userID, remote: remote}
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (b *blobStore) remoteKey(hash string) string {
	return fmt.Sprintf("%d/%s", b.userID, hash)
}

// put stores data and returns the blob key and the storage kind.
func (b *blobStore) put(ctx context.Context, tx *sql.Tx, data []byte) (string, string, error) {
	hash := hashContent(data)
	storage := storageLocal
	payload := data
	if b.remote != nil {
		storage = storageS3
		payload = nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO blobs (sha256_hash, data, size, ref_count) VALUES (?, ?, ?, 1)
		ON CONFLICT(sha256_hash) DO UPDATE SET ref_count = ref_count + 1
	`, hash, payload, len(data))
	if err != nil {
		return "", "", fmt.Errorf("failed to store blob: %w", err)
	}

	if b.remote != nil {
		var refs int
		if err := tx.QueryRowContext(ctx, "SELECT ref_count FROM blobs WHERE sha256_hash = ?", hash).Scan(&refs); err != nil {
			return "", "", fmt.Errorf("failed to read blob refcount: %w", err)
		}
		if refs == 1 {
			if err := b.remote.Store(ctx, b.remoteKey(hash), data); err != nil {
				return "", "", err
			}
		}
	}

	return hash, storage, nil
}

func (b *blobStore) get(ctx context.Context, hash, storage string) ([]byte, error) {
	if storage == storageS3 {
		if b.remote == nil {
			return nil, fmt.Errorf("blob %s is in s3 but blob storage is disabled", hash)
		}
		return b.remote.Retrieve(ctx, b.remoteKey(hash))
	}

	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT data FROM blobs WHERE sha256_hash = ?", hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blobstorage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// release drops one reference. When the last reference of a remote blob is
// gone the returned key must be deleted from S3 after the transaction commits.
func (b *blobStore) release(ctx context.Context, tx *sql.Tx, hash, storage string) (string, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE blobs SET ref_count = ref_count - 1 WHERE sha256_hash = ?", hash); err != nil {
		return "", fmt.Errorf("failed to release blob: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM blobs WHERE sha256_hash = ? AND ref_count <= 0", hash)
	if err != nil {
		return "", fmt.Errorf("failed to delete blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 && storage == storageS3 {
		return b.remoteKey(hash), nil
	}
	return "", nil
}

func (b *blobStore) deleteRemote(ctx context.Context, keys []string) error {
	if b.remote == nil {
		return nil
	}
	var firstErr error
	for _, key := range keys {
		if err := b.remote.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
