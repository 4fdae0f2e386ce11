package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KV is the single-record key-value store used by the token authority and
// the identity registry. Each component owns exactly one key and is the
// sole writer for it.
type KV struct {
	db *DB
}

// NewKV creates a key-value store backed by the given database.
func NewKV(db *DB) *KV {
	return &KV{db: db}
}

// Load reads the record stored under key. The second return value is false
// when no record exists.
func (kv *KV) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := kv.db.QueryRowContext(ctx,
		"SELECT value FROM records WHERE key = ?", key,
	).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading record %q: %w", key, err)
	}
	return value, true, nil
}

// Save writes the record stored under key, replacing any previous value.
// The write is atomic: readers observe either the old or the new record,
// never a partial one.
func (kv *KV) Save(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := kv.db.ExecContext(ctx,
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("saving record %q: %w", key, err)
	}
	return nil
}
