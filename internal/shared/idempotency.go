package shared

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/tradebook/internal/platform/db"
)

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	tm *db.TxManager
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(tm *db.TxManager) *IdempotencyStore {
	return &IdempotencyStore{tm: tm}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// CheckAndInsert records key, returning ErrIdempotencyConflict when it was
// already processed. It joins the caller's transaction.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.tm == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	// ON CONFLICT keeps the surrounding transaction usable after a duplicate.
	tag, err := s.tm.Executor(ctx).Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`, key, module, time.Now())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrIdempotencyConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil || s.tm == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.tm.Executor(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return err
}
