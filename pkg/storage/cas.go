package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCASConflict is returned when a compare-and-swap predicate does not
// match: the row no longer holds the previously-read value. Callers should
// re-read state and retry; this is the only error class in the system that
// is safe to retry without new input.
var ErrCASConflict = errors.New("concurrent modification")

// CompareAndSwapLifecycle atomically moves a case's lifecycle from the
// previously-read value to a new one. The predicate is the old value; zero
// rows affected means another transaction won the race.
//
// Status and current_task are advisory labels kept in lockstep with the
// authoritative lifecycle column.
func CompareAndSwapLifecycle(ctx context.Context, q Querier, tenantID, caseID, from, to, status, currentTask string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE cases SET lifecycle = $1, status = $2, current_task = $3, updated_at = $4
		WHERE id = $5 AND tenant_id = $6 AND lifecycle = $7`,
		to, status, currentTask, formatTime(now), caseID, tenantID, from,
	)
	if err != nil {
		return fmt.Errorf("storage: cas lifecycle: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: cas rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: case %s lifecycle is no longer %s", ErrCASConflict, caseID, from)
	}
	return nil
}
