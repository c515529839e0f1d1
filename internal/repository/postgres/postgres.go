package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ReleaseRepository = (*Repository)(nil)
	_ repository.StepRepository    = (*Repository)(nil)
	_ repository.LogRepository     = (*Repository)(nil)
)

const releaseColumns = `id, version, environment, applications, sprint_ref, source_branch, status,
	release_branch, release_notes, started_at, completed_at, created_at, updated_at`

const stepColumns = `id, release_id, step_type, step_order, status, started_at, completed_at,
	duration_seconds, error_message, output`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateRelease inserts the release, its steps and the opening log entry atomically.
func (r *Repository) CreateRelease(ctx context.Context, release *domain.Release, steps []domain.Step, entry *domain.LogEntry) error {
	if release == nil {
		return fmt.Errorf("release required")
	}
	apps, err := json.Marshal(release.Applications)
	if err != nil {
		return fmt.Errorf("encode applications: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const releaseInsert = `INSERT INTO releases (id, version, environment, applications, sprint_ref, source_branch, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`
	if err := tx.QueryRow(ctx, releaseInsert,
		release.ID,
		release.Version,
		release.Environment,
		apps,
		release.SprintRef,
		release.SourceBranch,
		string(release.Status),
	).Scan(&release.CreatedAt, &release.UpdatedAt); err != nil {
		return translate(err)
	}

	const stepInsert = `INSERT INTO release_steps (id, release_id, step_type, step_order, status)
		VALUES ($1, $2, $3, $4, $5)`
	batch := &pgx.Batch{}
	for _, step := range steps {
		batch.Queue(stepInsert, step.ID, step.ReleaseID, string(step.Type), step.Order, string(step.Status))
	}
	br := tx.SendBatch(ctx, batch)
	for range steps {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return translate(err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	if entry != nil {
		if err := insertLog(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetRelease fetches a release by identifier.
func (r *Repository) GetRelease(ctx context.Context, releaseID string) (*domain.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1`
	release, err := scanRelease(r.pool.QueryRow(ctx, query, releaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translate(err)
	}
	return release, nil
}

// ListReleases returns the most recent releases first.
func (r *Repository) ListReleases(ctx context.Context, limit int) ([]domain.Release, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + releaseColumns + ` FROM releases ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	releases := make([]domain.Release, 0)
	for rows.Next() {
		release, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, *release)
	}
	return releases, rows.Err()
}

// TransitionRelease updates the release status while it is still in one of the expected states.
func (r *Repository) TransitionRelease(ctx context.Context, t domain.ReleaseTransition) (*domain.Release, error) {
	from := make([]string, 0, len(t.From))
	for _, status := range t.From {
		from = append(from, string(status))
	}
	query := `UPDATE releases
		SET status = $2,
			started_at = COALESCE($3, started_at),
			completed_at = COALESCE($4, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
		RETURNING ` + releaseColumns
	release, err := scanRelease(r.pool.QueryRow(ctx, query, t.ReleaseID, string(t.To), t.StartedAt, t.CompletedAt, from))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missingOrConflict(ctx, `SELECT 1 FROM releases WHERE id = $1`, t.ReleaseID)
		}
		return nil, translate(err)
	}
	return release, nil
}

// UpdateReleaseDetails records data produced by steps on the release row.
func (r *Repository) UpdateReleaseDetails(ctx context.Context, details domain.ReleaseDetails) error {
	const query = `UPDATE releases
		SET release_branch = COALESCE($2, release_branch),
			release_notes = COALESCE($3, release_notes),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, details.ReleaseID, details.ReleaseBranch, details.ReleaseNotes)
	if err != nil {
		return translate(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetStep returns one step of a release.
func (r *Repository) GetStep(ctx context.Context, releaseID string, stepType domain.StepType) (*domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM release_steps WHERE release_id = $1 AND step_type = $2`
	step, err := scanStep(r.pool.QueryRow(ctx, query, releaseID, string(stepType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translate(err)
	}
	return step, nil
}

// ListSteps returns the steps of a release in execution order.
func (r *Repository) ListSteps(ctx context.Context, releaseID string) ([]domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM release_steps WHERE release_id = $1 ORDER BY step_order`
	rows, err := r.pool.Query(ctx, query, releaseID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	steps := make([]domain.Step, 0, len(domain.StepSequence))
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// TransitionStep overwrites the mutable step columns while the stored status equals t.From.
func (r *Repository) TransitionStep(ctx context.Context, t domain.StepTransition) (*domain.Step, error) {
	query := `UPDATE release_steps
		SET status = $4,
			started_at = $5,
			completed_at = $6,
			duration_seconds = $7,
			error_message = $8,
			output = $9
		WHERE release_id = $1 AND step_type = $2 AND status = $3
		RETURNING ` + stepColumns
	var output any
	if len(t.Output) > 0 {
		output = []byte(t.Output)
	}
	step, err := scanStep(r.pool.QueryRow(ctx, query,
		t.ReleaseID,
		string(t.Type),
		string(t.From),
		string(t.To),
		t.StartedAt,
		t.CompletedAt,
		t.DurationSeconds,
		t.ErrorMessage,
		output,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missingOrConflict(ctx, `SELECT 1 FROM release_steps WHERE release_id = $1 AND step_type = $2`, t.ReleaseID, string(t.Type))
		}
		return nil, translate(err)
	}
	return step, nil
}

// AppendLog inserts a log entry and assigns its identifier.
func (r *Repository) AppendLog(ctx context.Context, entry *domain.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("log entry required")
	}
	return insertLog(ctx, r.pool, entry)
}

// ListLogs returns log entries of a release ordered by timestamp then id.
func (r *Repository) ListLogs(ctx context.Context, releaseID string, limit, offset int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, release_id, step_id, level, message, logged_at
		FROM release_logs
		WHERE release_id = $1
		ORDER BY logged_at, id
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, releaseID, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	entries := make([]domain.LogEntry, 0)
	for rows.Next() {
		var (
			entry domain.LogEntry
			level string
		)
		if err := rows.Scan(&entry.ID, &entry.ReleaseID, &entry.StepID, &level, &entry.Message, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Level = domain.LogLevel(level)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertLog(ctx context.Context, q queryRower, entry *domain.LogEntry) error {
	const query = `INSERT INTO release_logs (release_id, step_id, level, message, logged_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := q.QueryRow(ctx, query, entry.ReleaseID, entry.StepID, string(entry.Level), entry.Message, entry.Timestamp).Scan(&entry.ID); err != nil {
		return translate(err)
	}
	return nil
}

func (r *Repository) missingOrConflict(ctx context.Context, query string, args ...any) error {
	var one int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return repository.ErrConflict
}

func scanRelease(row rowScanner) (*domain.Release, error) {
	var (
		release domain.Release
		apps    []byte
		status  string
	)
	if err := row.Scan(
		&release.ID,
		&release.Version,
		&release.Environment,
		&apps,
		&release.SprintRef,
		&release.SourceBranch,
		&status,
		&release.ReleaseBranch,
		&release.ReleaseNotes,
		&release.StartedAt,
		&release.CompletedAt,
		&release.CreatedAt,
		&release.UpdatedAt,
	); err != nil {
		return nil, err
	}
	release.Status = domain.ReleaseStatus(status)
	if len(apps) > 0 {
		if err := json.Unmarshal(apps, &release.Applications); err != nil {
			return nil, fmt.Errorf("decode applications: %w", err)
		}
	}
	return &release, nil
}

func scanStep(row rowScanner) (*domain.Step, error) {
	var (
		step     domain.Step
		stepType string
		status   string
		output   []byte
	)
	if err := row.Scan(
		&step.ID,
		&step.ReleaseID,
		&stepType,
		&step.Order,
		&status,
		&step.StartedAt,
		&step.CompletedAt,
		&step.DurationSeconds,
		&step.ErrorMessage,
		&output,
	); err != nil {
		return nil, err
	}
	step.Type = domain.StepType(stepType)
	step.Status = domain.StepStatus(status)
	if len(output) > 0 {
		step.Output = json.RawMessage(output)
	}
	return &step, nil
}

// translate maps constraint violations onto repository errors.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if strings.Contains(pgErr.ConstraintName, "version") {
				return repository.ErrDuplicate
			}
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "22P02":
			return repository.ErrNotFound
		}
	}
	return err
}
