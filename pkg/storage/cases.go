package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCaseNotFound is returned when a case does not exist for the tenant.
var ErrCaseNotFound = errors.New("case not found")

// ErrExecutionNotFound is returned when no execution exists for a case.
var ErrExecutionNotFound = errors.New("execution not found")

// Case is the stored projection of a case. Lifecycle is the single
// authoritative state; Status and CurrentTask are advisory labels derived
// alongside it, never hand-written by callers.
type Case struct {
	ID            string
	TenantID      string
	Lifecycle     string
	Status        string
	CurrentTask   string
	BeneficiaryID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Execution records that work on a case has been started, and optionally
// completed. Its existence is the prerequisite for the EXECUTING state.
type Execution struct {
	ID          string
	TenantID    string
	CaseID      string
	ExecutorID  string
	StartedAt   time.Time
	CompletedAt time.Time // zero until completed
}

// CreateCase inserts a new case row.
func CreateCase(ctx context.Context, q Querier, c Case) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cases (id, tenant_id, lifecycle, status, current_task, beneficiary_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.TenantID, c.Lifecycle, c.Status, c.CurrentTask, c.BeneficiaryID,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert case: %w", err)
	}
	return nil
}

// GetCase loads a case row scoped to the tenant.
func GetCase(ctx context.Context, q Querier, tenantID, caseID string) (Case, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, lifecycle, status, current_task, beneficiary_id, created_at, updated_at
		FROM cases WHERE id = $1 AND tenant_id = $2`,
		caseID, tenantID,
	)

	var (
		c                  Case
		createdAt, updated string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Lifecycle, &c.Status, &c.CurrentTask, &c.BeneficiaryID, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("storage: get case: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// ListCaseIDs returns all case ids for a tenant in creation order.
func ListCaseIDs(ctx context.Context, q Querier, tenantID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM cases WHERE tenant_id = $1 ORDER BY created_at ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTenants returns the distinct tenant ids that own at least one case.
func ListTenants(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM cases ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tenants := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// CreateExecution inserts an execution row for a case.
func CreateExecution(ctx context.Context, q Querier, e Execution) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO executions (id, tenant_id, case_id, executor_id, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, NULL)`,
		e.ID, e.TenantID, e.CaseID, e.ExecutorID, formatTime(e.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert execution: %w", err)
	}
	return nil
}

// HasExecution reports whether any execution row exists for the case.
func HasExecution(ctx context.Context, q Querier, tenantID, caseID string) (bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM executions WHERE tenant_id = $1 AND case_id = $2`,
		tenantID, caseID,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("storage: count executions: %w", err)
	}
	return n > 0, nil
}

// CompleteExecution stamps the open execution for a case as completed.
func CompleteExecution(ctx context.Context, q Querier, tenantID, caseID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET completed_at = $1
		WHERE tenant_id = $2 AND case_id = $3 AND completed_at IS NULL`,
		formatTime(at), tenantID, caseID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: complete execution rows: %w", err)
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
