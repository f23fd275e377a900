package memory

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// IdempotencyKeys mirrors shared.IdempotencyStore. Keys written inside a unit
// of work disappear with it on rollback.
type IdempotencyKeys struct {
	s *Store
}

// CheckAndInsert records key or reports shared.ErrIdempotencyConflict.
func (k *IdempotencyKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	if key == "" || module == "" {
		return errors.New("idempotency key and module required")
	}
	return k.s.within(ctx, func(_ context.Context, st *state) error {
		if _, seen := st.idempotency[key]; seen {
			return shared.ErrIdempotencyConflict
		}
		st.idempotency[key] = time.Now().UTC()
		return nil
	})
}

// Cleanup forgets keys older than the retention window.
func (k *IdempotencyKeys) Cleanup(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	return k.s.within(ctx, func(_ context.Context, st *state) error {
		for key, at := range st.idempotency {
			if at.Before(cutoff) {
				delete(st.idempotency, key)
			}
		}
		return nil
	})
}
