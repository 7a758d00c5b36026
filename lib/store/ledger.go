package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/specsweep"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema creates the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS sweep_runs (
	run_id      UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	mode        TEXT NOT NULL,
	axis        TEXT NOT NULL,
	x           DOUBLE PRECISION[] NOT NULL,
	ranged      BOOLEAN NOT NULL,
	steps       INTEGER NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sweep_steps (
	run_id           UUID NOT NULL REFERENCES sweep_runs (run_id) ON DELETE CASCADE,
	idx              INTEGER NOT NULL,
	wavelength       DOUBLE PRECISION NOT NULL,
	primary_values   DOUBLE PRECISION[] NOT NULL,
	secondary_values DOUBLE PRECISION[] NOT NULL,
	temperature      DOUBLE PRECISION NOT NULL,
	lockin_frequency DOUBLE PRECISION NOT NULL,
	lockin_magnitude DOUBLE PRECISION NOT NULL,
	lockin_phase     DOUBLE PRECISION NOT NULL,
	quality          TEXT NOT NULL,
	PRIMARY KEY (run_id, idx)
);
`

const insertRun = `
	INSERT INTO sweep_runs (
		run_id, name, mode, axis, x, ranged, steps, started_at, finished_at
	) VALUES (
		:run_id, :name, :mode, :axis, :x, :ranged, :steps, :started_at, :finished_at
	)`

const insertStep = `
	INSERT INTO sweep_steps (
		run_id, idx, wavelength, primary_values, secondary_values,
		temperature, lockin_frequency, lockin_magnitude, lockin_phase, quality
	) VALUES (
		:run_id, :idx, :wavelength, :primary_values, :secondary_values,
		:temperature, :lockin_frequency, :lockin_magnitude, :lockin_phase, :quality
	)`

// RunRow is one sweep_runs row.
type RunRow struct {
	RunID      uuid.UUID       `db:"run_id"`
	Name       string          `db:"name"`
	Mode       string          `db:"mode"`
	Axis       string          `db:"axis"`
	X          pq.Float64Array `db:"x"`
	Ranged     bool            `db:"ranged"`
	Steps      int             `db:"steps"`
	StartedAt  time.Time       `db:"started_at"`
	FinishedAt time.Time       `db:"finished_at"`
}

// StepRow is one sweep_steps row.
type StepRow struct {
	RunID           uuid.UUID       `db:"run_id"`
	Index           int             `db:"idx"`
	Wavelength      float64         `db:"wavelength"`
	Primary         pq.Float64Array `db:"primary_values"`
	Secondary       pq.Float64Array `db:"secondary_values"`
	Temperature     float64         `db:"temperature"`
	LockInFrequency float64         `db:"lockin_frequency"`
	LockInMagnitude float64         `db:"lockin_magnitude"`
	LockInPhase     float64         `db:"lockin_phase"`
	Quality         string          `db:"quality"`
}

func runRow(r *specsweep.Result) RunRow {
	return RunRow{
		RunID:      r.RunID,
		Name:       r.Name,
		Mode:       r.Mode.String(),
		Axis:       r.Axis.String(),
		X:          nonNil(r.X),
		Ranged:     r.Ranged,
		Steps:      len(r.Steps),
		StartedAt:  r.Started,
		FinishedAt: r.Finished,
	}
}

func stepRows(r *specsweep.Result) []StepRow {
	rows := make([]StepRow, len(r.Steps))
	for i, s := range r.Steps {
		rows[i] = StepRow{
			RunID:           r.RunID,
			Index:           s.Index,
			Wavelength:      s.Wavelength,
			Primary:         nonNil(s.Primary),
			Secondary:       nonNil(s.Secondary),
			Temperature:     s.Temperature,
			LockInFrequency: s.LockIn.Frequency,
			LockInMagnitude: s.LockIn.Magnitude,
			LockInPhase:     s.LockIn.Phase,
			Quality:         s.Quality.String(),
		}
	}
	return rows
}

// nonNil keeps NOT NULL array columns satisfied: a nil Float64Array is
// written as NULL.
func nonNil(v []float64) pq.Float64Array {
	if v == nil {
		return pq.Float64Array{}
	}
	return v
}

// Ledger records every run in postgres.
type Ledger struct {
	db *sqlx.DB
}

var _ specsweep.Sink = (*Ledger)(nil)

func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

// OpenLedger connects to the database at url.
func OpenLedger(url string) (*Ledger, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connecting to ledger: %w", err)
	}
	return NewLedger(db), nil
}

// Migrate creates the tables when missing.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ledger schema: %w", err)
	}
	return nil
}

// Save records the run and its steps in one transaction.
func (l *Ledger) Save(ctx context.Context, r *specsweep.Result) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertRun, runRow(r)); err != nil {
		return fmt.Errorf("ledger run %s: %w", r.RunID, err)
	}
	for _, row := range stepRows(r) {
		if _, err := tx.NamedExecContext(ctx, insertStep, row); err != nil {
			return fmt.Errorf("ledger run %s step %d: %w", r.RunID, row.Index, err)
		}
	}
	return tx.Commit()
}

// Runs lists the most recent runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	var runs []RunRow
	err := l.db.SelectContext(ctx, &runs, `
		SELECT run_id, name, mode, axis, x, ranged, steps, started_at, finished_at
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	return runs, err
}

// Steps loads the steps of one run in sweep order.
func (l *Ledger) Steps(ctx context.Context, runID uuid.UUID) ([]StepRow, error) {
	var steps []StepRow
	err := l.db.SelectContext(ctx, &steps, `
		SELECT run_id, idx, wavelength, primary_values, secondary_values,
		       temperature, lockin_frequency, lockin_magnitude, lockin_phase, quality
		FROM sweep_steps
		WHERE run_id = $1
		ORDER BY idx
	`, runID)
	return steps, err
}

func (l *Ledger) Close() error { return l.db.Close() }
