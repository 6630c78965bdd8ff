// Package sqldb is the SQL-backed run store shared by the SQLite and
// PostgreSQL adapters.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/storage/dialect"
)

// Store persists pipeline runs, their stage history, and their lifecycle
// event log.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.RunStore = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite, postgres, pgx
	DSN    string
}

// New opens the database, applies connection pragmas, and creates the schema.
// The caller must have registered the driver (modernc.org/sqlite is always
// linked; pgx is linked by the postgres adapter).
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.SingleWriter() {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite opens a SQLite database at path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

// DB returns the underlying sqlx.DB.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect in use.
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	pipeline TEXT NOT NULL,
	provider_kind TEXT NOT NULL,
	source TEXT NOT NULL,
	change_ref TEXT NOT NULL,
	change_request_id TEXT,
	current_stage TEXT NOT NULL,
	status TEXT NOT NULL,
	artifacts TEXT,
	created_at ` + ts + ` NOT NULL,
	updated_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS stage_history (
	id ` + s.dialect.AutoIncrementClause() + `,
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT,
	recorded_at ` + ts + ` NOT NULL,
	FOREIGN KEY (run_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
)`,
		`CREATE TABLE IF NOT EXISTS run_events (
	id ` + s.dialect.AutoIncrementClause() + `,
	event_id TEXT NOT NULL,
	run_id TEXT,
	source TEXT NOT NULL,
	detail_type TEXT NOT NULL,
	status TEXT,
	payload TEXT NOT NULL,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_pipeline ON pipeline_runs(pipeline, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_history_run ON stage_history(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type runRow struct {
	ID              string         `db:"id"`
	Pipeline        string         `db:"pipeline"`
	ProviderKind    string         `db:"provider_kind"`
	Source          string         `db:"source"`
	ChangeRef       string         `db:"change_ref"`
	ChangeRequestID sql.NullString `db:"change_request_id"`
	CurrentStage    string         `db:"current_stage"`
	Status          string         `db:"status"`
	Artifacts       sql.NullString `db:"artifacts"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

type stageRow struct {
	RunID      string         `db:"run_id"`
	Stage      string         `db:"stage"`
	Status     string         `db:"status"`
	Message    sql.NullString `db:"message"`
	RecordedAt time.Time      `db:"recorded_at"`
}

const runColumns = `id, pipeline, provider_kind, source, change_ref, change_request_id, current_stage, status, artifacts, created_at, updated_at`

// SaveRun upserts the run row and rewrites its stage history in one
// transaction.
func (s *Store) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	source, err := json.Marshal(run.Source)
	if err != nil {
		return fmt.Errorf("failed to marshal source: %w", err)
	}
	change, err := json.Marshal(run.Change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	artifacts, err := json.Marshal(run.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := s.dialect.Rebind(`INSERT INTO pipeline_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"current_stage", "status", "artifacts", "updated_at"}))

	_, err = tx.ExecContext(ctx, upsert,
		run.RunID, run.Pipeline, string(run.SourceProviderKind), string(source), string(change),
		nullString(run.Change.ChangeRequestID), string(run.CurrentStage), string(run.Status),
		string(artifacts), run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM stage_history WHERE run_id = ?`), run.RunID); err != nil {
		return fmt.Errorf("failed to clear stage history: %w", err)
	}

	insert := s.dialect.Rebind(`INSERT INTO stage_history (run_id, seq, stage, status, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for i, rec := range run.StageHistory {
		if _, err := tx.ExecContext(ctx, insert,
			run.RunID, i, string(rec.Stage), string(rec.Status), nullString(rec.Message), rec.Timestamp.UTC()); err != nil {
			return fmt.Errorf("failed to insert stage record: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun loads a run and its stage history.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.dialect.Rebind(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	var stages []stageRow
	if err := s.db.SelectContext(ctx, &stages, s.dialect.Rebind(
		`SELECT run_id, stage, status, message, recorded_at FROM stage_history WHERE run_id = ? ORDER BY seq ASC`), runID); err != nil {
		return nil, fmt.Errorf("failed to query stage history: %w", err)
	}
	run.StageHistory = stageRecords(stages)

	return run, nil
}

// ListRuns lists runs newest first. Stage history is loaded with one extra
// query for the whole page.
func (s *Store) ListRuns(ctx context.Context, opts ports.RunListOptions) ([]*domain.PipelineRun, error) {
	var (
		where []string
		args  []any
	)
	if opts.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, opts.Pipeline)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	if len(rows) == 0 {
		return []*domain.PipelineRun{}, nil
	}

	runs := make([]*domain.PipelineRun, 0, len(rows))
	ids := make([]string, 0, len(rows))
	byID := make(map[string]*domain.PipelineRun, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
		ids = append(ids, run.RunID)
		byID[run.RunID] = run
	}

	inQuery, inArgs, err := sqlx.In(`SELECT run_id, stage, status, message, recorded_at FROM stage_history WHERE run_id IN (?) ORDER BY run_id, seq ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}
	var stages []stageRow
	if err := s.db.SelectContext(ctx, &stages, s.dialect.Rebind(inQuery), inArgs...); err != nil {
		return nil, fmt.Errorf("failed to query stage history: %w", err)
	}
	for _, st := range stages {
		if run := byID[st.RunID]; run != nil {
			run.StageHistory = append(run.StageHistory, stageRecords([]stageRow{st})...)
		}
	}

	return runs, nil
}

// AppendEvent records an event in the audit log. Build events carry no run
// id.
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var runID string
	if event.Pipeline != nil {
		runID = event.Pipeline.RunID
	}

	query := s.dialect.Rebind(`INSERT INTO run_events (event_id, run_id, source, detail_type, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		event.ID, nullString(runID), string(event.Source), string(event.DetailType),
		nullString(event.Status()), string(payload), event.Time.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in the order they were appended.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*domain.Event, error) {
	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, s.dialect.Rebind(
		`SELECT payload FROM run_events WHERE run_id = ? ORDER BY id ASC`), runID); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]*domain.Event, 0, len(payloads))
	for _, p := range payloads {
		var e domain.Event
		if err := json.Unmarshal([]byte(p), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &e)
	}
	return events, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (r *runRow) toDomain() (*domain.PipelineRun, error) {
	run := &domain.PipelineRun{
		RunID:              r.ID,
		Pipeline:           r.Pipeline,
		SourceProviderKind: domain.ProviderKind(r.ProviderKind),
		CurrentStage:       domain.StageName(r.CurrentStage),
		Status:             domain.RunStatus(r.Status),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Source), &run.Source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ChangeRef), &run.Change); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	if r.Artifacts.Valid && r.Artifacts.String != "" && r.Artifacts.String != "null" {
		if err := json.Unmarshal([]byte(r.Artifacts.String), &run.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	return run, nil
}

func stageRecords(rows []stageRow) []domain.StageRecord {
	out := make([]domain.StageRecord, 0, len(rows))
	for _, st := range rows {
		out = append(out, domain.StageRecord{
			Stage:     domain.StageName(st.Stage),
			Status:    domain.StageStatus(st.Status),
			Timestamp: st.RecordedAt,
			Message:   st.Message.String,
		})
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
