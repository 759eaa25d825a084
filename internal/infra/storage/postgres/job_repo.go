package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL. The partial
// unique index uq_recovery_jobs_active enforces at most one non-terminal
// job per (user_id, cart_id) even under concurrent scanners.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL recovery job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	CartID         string         `db:"cart_id"`
	State          string         `db:"state"`
	AttemptCount   int            `db:"attempt_count"`
	NextEligibleAt time.Time      `db:"next_eligible_at"`
	PhoneNumber    string         `db:"phone_number"`
	Timezone       string         `db:"timezone"`
	ScriptVersion  string         `db:"script_version"`
	RenderedScript string         `db:"rendered_script"`
	ProviderCallID sql.NullString `db:"provider_call_id"`
	LastOutcome    sql.NullString `db:"last_outcome"`
	LastError      sql.NullString `db:"last_error"`
	LastAttemptAt  sql.NullTime   `db:"last_attempt_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

const jobColumns = `id, user_id, cart_id, state, attempt_count, next_eligible_at,
	phone_number, timezone, script_version, rendered_script,
	provider_call_id, last_outcome, last_error, last_attempt_at,
	created_at, updated_at`

func (r jobRow) toDomain() *domain.RecoveryJob {
	j := &domain.RecoveryJob{
		ID:             r.ID,
		UserID:         r.UserID,
		CartID:         r.CartID,
		State:          domain.JobState(r.State),
		AttemptCount:   r.AttemptCount,
		NextEligibleAt: r.NextEligibleAt,
		PhoneNumber:    r.PhoneNumber,
		Timezone:       r.Timezone,
		ScriptVersion:  r.ScriptVersion,
		RenderedScript: r.RenderedScript,
		ProviderCallID: r.ProviderCallID.String,
		LastOutcome:    domain.CallOutcome(r.LastOutcome.String),
		LastError:      r.LastError.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		at := r.LastAttemptAt.Time
		j.LastAttemptAt = &at
	}
	return j
}

func nonTerminalList() string {
	states := domain.NonTerminalStates()
	quoted := make([]string, len(states))
	for i, s := range states {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

// Create inserts a queued recovery job.
func (r *JobRepo) Create(ctx context.Context, job *domain.RecoveryJob) error {
	query := `
		INSERT INTO recovery_jobs (id, user_id, cart_id, state, attempt_count, next_eligible_at,
			phone_number, timezone, script_version, rendered_script, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.UserID, job.CartID, string(job.State), job.AttemptCount,
		job.NextEligibleAt, job.PhoneNumber, job.Timezone,
		job.ScriptVersion, job.RenderedScript,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return storage.ErrDuplicateActiveJob
		}
		return fmt.Errorf("failed to insert recovery job: %w", err)
	}
	return nil
}

func (r *JobRepo) getOne(ctx context.Context, query string, args ...any) (*domain.RecoveryJob, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery job: %w", err)
	}
	return row.toDomain(), nil
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.RecoveryJob, error) {
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM recovery_jobs WHERE id = $1`, id)
}

func (r *JobRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.RecoveryJob, error) {
	return r.getOne(ctx,
		`SELECT `+jobColumns+` FROM recovery_jobs WHERE provider_call_id = $1
		 ORDER BY created_at DESC LIMIT 1`, providerCallID)
}

func (r *JobRepo) HasActive(ctx context.Context, key domain.RecoveryKey) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM recovery_jobs
			WHERE user_id = $1 AND cart_id = $2 AND state IN (` + nonTerminalList() + `)
		)
	`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, key.UserID, key.CartID); err != nil {
		return false, fmt.Errorf("failed to check active job: %w", err)
	}
	return exists, nil
}

func (r *JobRepo) HasSince(ctx context.Context, key domain.RecoveryKey, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM recovery_jobs
			WHERE user_id = $1 AND cart_id = $2 AND created_at >= $3
		)
	`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, key.UserID, key.CartID, since); err != nil {
		return false, fmt.Errorf("failed to check jobs since %s: %w", since, err)
	}
	return exists, nil
}

func (r *JobRepo) selectMany(ctx context.Context, query string, args ...any) ([]*domain.RecoveryJob, error) {
	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select recovery jobs: %w", err)
	}
	jobs := make([]*domain.RecoveryJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

// Due returns dispatchable jobs, oldest first for fairness.
func (r *JobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM recovery_jobs
		WHERE state = 'queued' AND next_eligible_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.selectMany(ctx, query, now, limit)
}

func (r *JobRepo) Retryable(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM recovery_jobs
		WHERE state = 'failed_retryable' AND next_eligible_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.selectMany(ctx, query, now, limit)
}

func (r *JobRepo) StuckInProgress(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RecoveryJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM recovery_jobs
		WHERE state = 'in_progress' AND last_attempt_at < $1
		ORDER BY last_attempt_at ASC
		LIMIT $2
	`
	return r.selectMany(ctx, query, cutoff, limit)
}

func (r *JobRepo) ActiveForUser(ctx context.Context, userID string) ([]*domain.RecoveryJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM recovery_jobs
		WHERE user_id = $1 AND state IN (` + nonTerminalList() + `)
	`
	return r.selectMany(ctx, query, userID)
}

func (r *JobRepo) ActiveWithProviderCall(ctx context.Context, limit int) ([]*domain.RecoveryJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM recovery_jobs
		WHERE state = 'in_progress' AND provider_call_id IS NOT NULL
		ORDER BY last_attempt_at ASC
		LIMIT $1
	`
	return r.selectMany(ctx, query, limit)
}

// Transition applies a compare-and-swap state change. The WHERE clause
// on the expected from-state makes exactly one of two racing callers
// win; the loser sees zero rows affected and returns false.
func (r *JobRepo) Transition(ctx context.Context, id string, from, to domain.JobState, update domain.JobUpdate) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, nil
	}

	sets := []string{"state = $3", "updated_at = NOW()"}
	args := []any{id, string(from), string(to)}
	next := 4
	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, val)
		next++
	}
	if update.AttemptCount != nil {
		add("attempt_count", *update.AttemptCount)
	}
	if update.NextEligibleAt != nil {
		add("next_eligible_at", *update.NextEligibleAt)
	}
	if update.ProviderCallID != nil {
		add("provider_call_id", *update.ProviderCallID)
	}
	if update.LastOutcome != nil {
		add("last_outcome", string(*update.LastOutcome))
	}
	if update.LastError != nil {
		add("last_error", *update.LastError)
	}
	if update.LastAttemptAt != nil {
		add("last_attempt_at", *update.LastAttemptAt)
	}

	query := fmt.Sprintf(
		`UPDATE recovery_jobs SET %s WHERE id = $1 AND state = $2`,
		strings.Join(sets, ", "),
	)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *JobRepo) List(ctx context.Context, state string, limit int) ([]*domain.RecoveryJob, error) {
	if state != "" {
		query := `
			SELECT ` + jobColumns + ` FROM recovery_jobs
			WHERE state = $1 ORDER BY created_at DESC LIMIT $2
		`
		return r.selectMany(ctx, query, state, limit)
	}
	query := `
		SELECT ` + jobColumns + ` FROM recovery_jobs
		ORDER BY created_at DESC LIMIT $1
	`
	return r.selectMany(ctx, query, limit)
}

func (r *JobRepo) CountByState(ctx context.Context) (storage.StateCounts, error) {
	var rows []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}
	query := `SELECT state, COUNT(*) AS count FROM recovery_jobs GROUP BY state`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}
	counts := make(storage.StateCounts, len(rows))
	for _, row := range rows {
		counts[domain.JobState(row.State)] = row.Count
	}
	return counts, nil
}

func (r *JobRepo) OutcomesSince(ctx context.Context, since time.Time) (storage.OutcomeWindow, error) {
	var row struct {
		Completed    int `db:"completed"`
		FailedOrDead int `db:"failed_or_dead"`
	}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE state = 'completed') AS completed,
			COUNT(*) FILTER (WHERE state IN ('failed_retryable', 'dead_letter')) AS failed_or_dead
		FROM recovery_jobs
		WHERE updated_at >= $1
	`
	if err := r.db.GetContext(ctx, &row, query, since); err != nil {
		return storage.OutcomeWindow{}, fmt.Errorf("failed to aggregate outcomes: %w", err)
	}
	return storage.OutcomeWindow{Completed: row.Completed, FailedOrDead: row.FailedOrDead}, nil
}

func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM recovery_jobs
		WHERE updated_at < $1
		  AND state IN ('completed', 'dead_letter', 'cancelled', 'suppressed')
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
