package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the SQLite driver
	"github.com/rs/zerolog/log"

	"picresize/batch"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	output_root TEXT NOT NULL,
	width INTEGER NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	bytes_in INTEGER NOT NULL DEFAULT 0,
	bytes_out INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	elapsed_ms INTEGER,
	finished BOOLEAN DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	input_path TEXT NOT NULL,
	output_path TEXT,
	succeeded BOOLEAN NOT NULL,
	error TEXT,
	format TEXT,
	kind TEXT,
	source_width INTEGER,
	source_height INTEGER,
	width INTEGER,
	height INTEGER,
	frames INTEGER,
	bytes_in INTEGER,
	bytes_out INTEGER,
	md5 TEXT,
	phash TEXT,
	device_make TEXT,
	device_model TEXT,
	create_date DATETIME,
	UNIQUE(run_id, input_path)
);
CREATE INDEX IF NOT EXISTS outcomes_md5 ON outcomes(md5);
`

var _ batch.Recorder = (*Catalog)(nil)

// Catalog records resize runs and their per-file outcomes in SQLite.
type Catalog struct {
	db *sql.DB
}

// Run is a catalogued run.
type Run struct {
	ID         string
	Root       string
	OutputRoot string
	Width      int
	Total      int
	Succeeded  int
	BytesIn    int64
	BytesOut   int64
	StartedAt  time.Time
	Elapsed    time.Duration
	Finished   bool
}

// Failed returns the number of files the run could not process.
func (r Run) Failed() int {
	return r.Total - r.Succeeded
}

// Open connects to the catalog at path and creates the schema if it doesn't
// exist. ":memory:" gives a private in-memory catalog.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps an in-memory catalog alive across calls and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.Debug().Str("path", path).Msg("catalog opened")
	return &Catalog{db: db}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// BeginRun inserts the run row.
func (c *Catalog) BeginRun(ctx context.Context, s *batch.Summary) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO runs (id, root, output_root, width, total, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Root, s.OutputRoot, s.Width, s.Total, s.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", s.RunID, err)
	}
	return nil
}

// RecordOutcome stores the result of one file. Recording the same input twice
// for a run keeps the latest result.
func (c *Catalog) RecordOutcome(ctx context.Context, runID string, o *batch.Outcome) error {
	stmt, err := c.db.PrepareContext(ctx, `
		INSERT OR REPLACE INTO outcomes (
			run_id, input_path, output_path, succeeded, error, format, kind,
			source_width, source_height, width, height, frames, bytes_in, bytes_out,
			md5, phash, device_make, device_model, create_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	var md5, phash, devMake, devModel, created sql.NullString
	if fp := o.Fingerprint; fp != nil {
		md5 = nullString(fp.MD5)
		phash = nullString(fp.PHash)
		devMake = nullString(fp.DeviceMake)
		devModel = nullString(fp.DeviceModel)
		if !fp.CreateDate.IsZero() {
			created = nullString(fp.CreateDate.Format(time.RFC3339))
		}
	}
	var format, kind sql.NullString
	if o.Succeeded {
		format = nullString(string(o.Format))
		kind = nullString(o.Kind.String())
	}

	_, err = stmt.ExecContext(ctx,
		runID,
		o.Task.Input,
		nullString(o.OutputPath),
		o.Succeeded,
		nullString(o.Message),
		format,
		kind,
		o.SourceWidth,
		o.SourceHeight,
		o.Width,
		o.Height,
		o.Frames,
		o.BytesIn,
		o.BytesOut,
		md5,
		phash,
		devMake,
		devModel,
		created,
	)
	if err != nil {
		return fmt.Errorf("failed to execute insert statement: %w", err)
	}
	return nil
}

// FinishRun stores the final counts of a run.
func (c *Catalog) FinishRun(ctx context.Context, s *batch.Summary) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE runs SET total = ?, succeeded = ?, bytes_in = ?, bytes_out = ?, elapsed_ms = ?, finished = TRUE
		WHERE id = ?`,
		s.Total, s.Succeeded, s.BytesIn, s.BytesOut, s.Elapsed.Milliseconds(), s.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", s.RunID, err)
	}
	return nil
}

// RecentRuns returns up to n runs, newest first.
func (c *Catalog) RecentRuns(ctx context.Context, n int) ([]Run, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, root, output_root, width, total, succeeded, bytes_in, bytes_out,
			started_at, COALESCE(elapsed_ms, 0), finished
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("error querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var elapsedMs int64
		if err := rows.Scan(&r.ID, &r.Root, &r.OutputRoot, &r.Width, &r.Total, &r.Succeeded,
			&r.BytesIn, &r.BytesOut, &started, &elapsedMs, &r.Finished); err != nil {
			return nil, fmt.Errorf("error scanning run: %w", err)
		}
		r.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			log.Warn().Err(err).Str("run", r.ID).Msg("could not parse run start time")
		}
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Duplicates groups the inputs of a run that share an MD5, so identical
// source files resized more than once can be spotted.
func (c *Catalog) Duplicates(ctx context.Context, runID string) ([][]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT md5 FROM outcomes
		WHERE run_id = ? AND md5 IS NOT NULL
		GROUP BY md5 HAVING COUNT(*) > 1 ORDER BY MIN(id)`, runID)
	if err != nil {
		return nil, fmt.Errorf("error querying for duplicate MD5s: %w", err)
	}
	var sums []string
	for rows.Next() {
		var sum string
		if err := rows.Scan(&sum); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning duplicate MD5: %w", err)
		}
		sums = append(sums, sum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var groups [][]string
	for _, sum := range sums {
		paths, err := c.inputsWithMD5(ctx, runID, sum)
		if err != nil {
			return nil, err
		}
		groups = append(groups, paths)
	}
	return groups, nil
}

func (c *Catalog) inputsWithMD5(ctx context.Context, runID, sum string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT input_path FROM outcomes WHERE run_id = ? AND md5 = ? ORDER BY id ASC", runID, sum)
	if err != nil {
		return nil, fmt.Errorf("error querying images for MD5 %s: %w", sum, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("error scanning image for MD5 %s: %w", sum, err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
