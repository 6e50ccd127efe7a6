package queue

import (
	"context"
	"time"
)

// Backdate rewrites a job's updated_at so staleness paths can be exercised
// without sleeping. Test use only.
func (s *Store) Backdate(ctx context.Context, id int64, to time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET updated_at = ? WHERE id = ?`,
		to.UTC().Format(time.RFC3339Nano), id,
	)
	return err
}
