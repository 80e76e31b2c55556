package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/job"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS jobs (
id text PRIMARY KEY,
owner_id text NOT NULL,
status text NOT NULL,
progress int NOT NULL DEFAULT 0,
input_payload jsonb NOT NULL,
artifact_key text,
artifact_size bigint NOT NULL DEFAULT 0,
error_text text,
attempts int NOT NULL DEFAULT 0,
max_attempts int NOT NULL,
priority boolean NOT NULL DEFAULT false,
created_at timestamptz NOT NULL,
started_at timestamptz,
completed_at timestamptz,
expires_at timestamptz);
CREATE INDEX IF NOT EXISTS ix_jobs_owner ON jobs (owner_id);
CREATE INDEX IF NOT EXISTS ix_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS ix_jobs_status_started ON jobs (status, started_at);`

// Postgres is the production Store backed by a pgx pool. Every transition
// is a single conditional UPDATE, so claims and the artifact
// compare-and-clear stay atomic without coordination between workers.
type Postgres struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

// NewPostgres creates the store and bootstraps the schema.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	st := &Postgres{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("store: schema bootstrap failed: %w", err)
	}
	return st, nil
}

const jobColumns = `id, owner_id, status, progress, input_payload,
COALESCE(artifact_key,''), artifact_size, COALESCE(error_text,''),
attempts, max_attempts, priority, created_at, started_at, completed_at, expires_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var status string
	err := row.Scan(
		&j.ID, &j.Owner, &status, &j.Progress, &j.InputPayload,
		&j.ArtifactKey, &j.ArtifactSize, &j.ErrorMessage,
		&j.Attempts, &j.MaxAttempts, &j.Priority,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Status = job.Status(status)
	return &j, nil
}

func (st *Postgres) Create(ctx context.Context, j *job.Job) error {
	query, args, err := st.sb.Insert("jobs").
		Columns("id", "owner_id", "status", "progress", "input_payload",
			"artifact_key", "artifact_size", "error_text",
			"attempts", "max_attempts", "priority",
			"created_at", "started_at", "completed_at", "expires_at").
		Values(j.ID, j.Owner, string(j.Status), j.Progress, j.InputPayload,
			nullIfEmpty(j.ArtifactKey), j.ArtifactSize, nullIfEmpty(j.ErrorMessage),
			j.Attempts, j.MaxAttempts, j.Priority,
			j.CreatedAt, j.StartedAt, j.CompletedAt, j.ExpiresAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err = st.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// isUniqueViolation reports a PostgreSQL 23505 unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (st *Postgres) Delete(ctx context.Context, id string) error {
	query, args, err := st.sb.Delete("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	tag, err := st.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (st *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	query, args, err := st.sb.Select(jobColumns).From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanJob(st.pool.QueryRow(ctx, query, args...))
}

// ListByOwner returns the owner's most recent jobs, newest first.
func (st *Postgres) ListByOwner(ctx context.Context, owner string, limit int) ([]*job.Job, error) {
	query, args, err := st.sb.Select(jobColumns).From("jobs").
		Where(sq.Eq{"owner_id": owner}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := st.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (st *Postgres) Claim(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	query, args, err := st.sb.Update("jobs").
		Set("status", string(job.StatusProcessing)).
		Set("started_at", now).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("progress", 0).
		Where(sq.Eq{"id": id, "status": string(job.StatusPending)}).
		Suffix("RETURNING " + jobColumns).
		ToSql()
	if err != nil {
		return nil, err
	}
	j, err := scanJob(st.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		// Either the id is gone or another worker already claimed it;
		// both mean this queue entry must be dropped.
		return nil, ErrConflict
	}
	return j, err
}

func (st *Postgres) UpdateProgress(ctx context.Context, id string, pct int) error {
	query, args, err := st.sb.Update("jobs").
		Set("progress", pct).
		Where(sq.Eq{"id": id, "status": string(job.StatusProcessing)}).
		Where(sq.Lt{"progress": pct}).
		ToSql()
	if err != nil {
		return err
	}
	// Zero rows affected means the write lost a race or arrived out of
	// order; progress is best-effort, so that is not an error.
	_, err = st.pool.Exec(ctx, query, args...)
	return err
}

func (st *Postgres) MarkCompleted(ctx context.Context, id, artifactKey string, size int64, completedAt, expiresAt time.Time) error {
	return st.transition(ctx, id, st.sb.Update("jobs").
		Set("status", string(job.StatusCompleted)).
		Set("progress", 100).
		Set("artifact_key", artifactKey).
		Set("artifact_size", size).
		Set("error_text", nil).
		Set("completed_at", completedAt).
		Set("expires_at", expiresAt).
		Where(sq.Eq{"id": id, "status": string(job.StatusProcessing)}))
}

func (st *Postgres) MarkRetrying(ctx context.Context, id, errMsg string) error {
	return st.transition(ctx, id, st.sb.Update("jobs").
		Set("status", string(job.StatusPending)).
		Set("error_text", truncateError(errMsg)).
		Where(sq.Eq{"id": id, "status": string(job.StatusProcessing)}))
}

func (st *Postgres) MarkFailed(ctx context.Context, id, errMsg string) error {
	return st.transition(ctx, id, st.sb.Update("jobs").
		Set("status", string(job.StatusFailed)).
		Set("error_text", truncateError(errMsg)).
		Set("completed_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "status": string(job.StatusProcessing)}))
}

func (st *Postgres) RequeueForRetry(ctx context.Context, id string) error {
	return st.transition(ctx, id, st.sb.Update("jobs").
		Set("status", string(job.StatusPending)).
		Set("completed_at", nil).
		Where(sq.Eq{"id": id, "status": string(job.StatusFailed)}))
}

func (st *Postgres) ClearArtifact(ctx context.Context, id string) (string, error) {
	// RETURNING yields the post-update row, so the previous pointer is
	// captured through a self-join on the locked row.
	const query = `UPDATE jobs j SET artifact_key = NULL
FROM (SELECT id, artifact_key FROM jobs WHERE id = $1 FOR UPDATE) prev
WHERE j.id = prev.id AND j.artifact_key IS NOT NULL
RETURNING prev.artifact_key`

	var key string
	if err := st.pool.QueryRow(ctx, query, id).Scan(&key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := st.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
				return "", ErrNotFound
			}
			return "", ErrConflict
		}
		return "", err
	}
	return key, nil
}

func (st *Postgres) MarkExpired(ctx context.Context, id string) error {
	return st.transition(ctx, id, st.sb.Update("jobs").
		Set("status", string(job.StatusFailed)).
		Set("artifact_key", nil).
		Set("error_text", ExpiredArtifactMessage).
		Where(sq.Eq{"id": id, "status": string(job.StatusCompleted)}))
}

func (st *Postgres) ReapStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	// Jobs stranded on their last attempt fail outright; re-queueing
	// them would push attempts past max_attempts on the next claim.
	failQuery, failArgs, err := st.sb.Update("jobs").
		Set("status", string(job.StatusFailed)).
		Set("error_text", StaleWorkerMessage).
		Set("completed_at", time.Now().UTC()).
		Where(sq.Eq{"status": string(job.StatusProcessing)}).
		Where(sq.Lt{"started_at": cutoff}).
		Where(sq.Expr("attempts >= max_attempts")).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := st.pool.Exec(ctx, failQuery, failArgs...); err != nil {
		return nil, err
	}

	query, args, err := st.sb.Update("jobs").
		Set("status", string(job.StatusPending)).
		Where(sq.Eq{"status": string(job.StatusProcessing)}).
		Where(sq.Lt{"started_at": cutoff}).
		Where(sq.Expr("attempts < max_attempts")).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := st.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// transition executes a conditional UPDATE; zero rows touched maps to
// ErrNotFound when the id is absent, ErrConflict otherwise.
func (st *Postgres) transition(ctx context.Context, id string, b sq.UpdateBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	tag, err := st.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := st.Get(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrConflict
}

func truncateError(msg string) string {
	if len(msg) > 2000 {
		return msg[:2000]
	}
	return msg
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
