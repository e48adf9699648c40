// info.go implements the store-level key/value state table.
//
// Holds the provider identity the vectors were indexed with and the index
// state (ready / reindexing). Making this explicit store state - rather than
// a side effect of the first inconsistent write - is what lets the reindex
// transition be observed and tested.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known store_info keys.
const (
	InfoProviderName  = "provider_name"
	InfoProviderModel = "provider_model"
	InfoProviderDim   = "provider_dimension"
	InfoIndexState    = "index_state"
	InfoFormat        = "format"
)

// Index states recorded under InfoIndexState.
const (
	IndexReady      = "ready"
	IndexReindexing = "reindexing"
)

// GetInfo returns a store_info value, or "" when unset.
func (s *SQLiteStore) GetInfo(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM store_info WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get info %s: %w", key, err)
	}
	return v, nil
}

// SetInfo upserts a store_info value.
func (s *SQLiteStore) SetInfo(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_info (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set info %s: %w", key, err)
	}
	return nil
}
