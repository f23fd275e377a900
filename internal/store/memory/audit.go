package memory

import (
	"context"
	"slices"
	"time"

	"github.com/odyssey-erp/tradebook/internal/shared"
)

// AuditLog keeps audit records with the unit of work they were written in, so
// a rolled back operation leaves no trail.
type AuditLog struct {
	s *Store
}

// Record appends the entry.
func (a *AuditLog) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	return a.s.within(ctx, func(_ context.Context, st *state) error {
		st.audit = append(st.audit, log)
		return nil
	})
}

// Entries returns the records for one entity, oldest first. An empty entity
// returns everything.
func (a *AuditLog) Entries(ctx context.Context, entity string) []shared.AuditLog {
	var out []shared.AuditLog
	a.s.read(ctx, func(st *state) {
		if entity == "" {
			out = slices.Clone(st.audit)
			return
		}
		for _, l := range st.audit {
			if l.Entity == entity {
				out = append(out, l)
			}
		}
	})
	return out
}
