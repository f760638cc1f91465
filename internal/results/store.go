package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/logging"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

// ErrStoreRetryable marks failures caused by a busy database.
var ErrStoreRetryable = errors.New("results store busy")

// RunSummary is one row of the run history.
type RunSummary struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Policy       string    `json:"policy"`
	Total        int       `json:"total"`
	Records      int       `json:"records"`
	Failures     int       `json:"failures"`
	Aborted      bool      `json:"aborted"`
	Cancelled    bool      `json:"cancelled"`
	BestConfig   string    `json:"best_config,omitempty"`
	BestDownload float64   `json:"best_download_mbps"`
}

// Store keeps the history of benchmark runs in SQLite.
type Store struct {
	db        *sql.DB
	maxRuns   int
	closeOnce sync.Once
}

func New(dbPath string, maxRuns int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite requires explicit PRAGMAs (not query-string params)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, maxRuns: maxRuns}, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			logging.Warn("results store: close failed", logging.F("error", err))
		}
	})
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			policy TEXT NOT NULL DEFAULT '',
			total INTEGER NOT NULL DEFAULT 0,
			aborted INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS records (
			run_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			name TEXT NOT NULL,
			config_index INTEGER NOT NULL DEFAULT 0,
			ip TEXT NOT NULL DEFAULT '',
			ip_version TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			longitude REAL NOT NULL DEFAULT 0,
			latitude REAL NOT NULL DEFAULT 0,
			coordinate_known INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, rank)
		)`,
		`CREATE TABLE IF NOT EXISTS measurements (
			run_id TEXT NOT NULL,
			record_rank INTEGER NOT NULL,
			position INTEGER NOT NULL,
			server_name TEXT NOT NULL DEFAULT '',
			server_id TEXT NOT NULL DEFAULT '',
			server_host TEXT NOT NULL DEFAULT '',
			upload_mbps REAL NOT NULL,
			download_mbps REAL NOT NULL,
			ping_ms REAL NOT NULL,
			ok INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, record_rank, position)
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			run_id TEXT NOT NULL,
			config TEXT NOT NULL,
			config_index INTEGER NOT NULL DEFAULT 0,
			code TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return errors.Join(ErrStoreRetryable, err)
	}
	return err
}

// Save stores a finished run and trims the history to the newest maxRuns
// runs.
func (s *Store) Save(ctx context.Context, r *bench.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", classify(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, policy, total, aborted, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), string(r.Policy), r.Total, r.Aborted, r.Cancelled,
	); err != nil {
		return fmt.Errorf("insert run: %w", classify(err))
	}

	for rank, rec := range r.Records {
		loc := rec.Location
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (run_id, rank, name, config_index, ip, ip_version, city, region,
				country, longitude, latitude, coordinate_known)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, rank+1, rec.Name, rec.Index, loc.IP, loc.Version, loc.City, loc.Region,
			loc.Country, loc.Coordinate.Longitude, loc.Coordinate.Latitude, loc.Coordinate.Known,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.Name, classify(err))
		}
		for pos, m := range rec.Results {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO measurements (run_id, record_rank, position, server_name, server_id,
					server_host, upload_mbps, download_mbps, ping_ms, ok)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.RunID, rank+1, pos+1, m.ServerName, m.ServerID, m.ServerHost,
				m.Upload, m.Download, m.Ping, m.OK,
			); err != nil {
				return fmt.Errorf("insert measurement: %w", classify(err))
			}
		}
	}

	for _, f := range r.Failures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, config, config_index, code, error) VALUES (?, ?, ?, ?, ?)`,
			r.RunID, f.Config, f.Index, f.Code, f.Error,
		); err != nil {
			return fmt.Errorf("insert failure: %w", classify(err))
		}
	}

	if err := s.trim(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// trim keeps the newest maxRuns runs.
func (s *Store) trim(ctx context.Context, tx *sql.Tx) error {
	if s.maxRuns <= 0 {
		return nil
	}
	const stale = `SELECT id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?`
	var removed int64
	for _, table := range []string{"measurements", "records", "failures"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE run_id IN (`+stale+`)`, s.maxRuns); err != nil {
			return fmt.Errorf("trim %s: %w", table, classify(err))
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, s.maxRuns)
	if err != nil {
		return fmt.Errorf("trim runs: %w", classify(err))
	}
	if removed, _ = res.RowsAffected(); removed > 0 {
		logging.Info("results history: trimmed to max",
			logging.F("removed", removed),
			logging.F("max", s.maxRuns))
	}
	return nil
}

// Get loads a run. It returns nil, nil when id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*bench.Report, error) {
	r := &bench.Report{RunID: id, Records: []types.ConnectionRecord{}}
	var policy string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at, finished_at, policy, total, aborted, cancelled FROM runs WHERE id = ?`, id,
	).Scan(&r.StartedAt, &r.FinishedAt, &policy, &r.Total, &r.Aborted, &r.Cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", classify(err))
	}
	r.Policy = config.ErrorPolicy(policy)

	if err := s.loadRecords(ctx, r); err != nil {
		return nil, err
	}
	if err := s.loadFailures(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Latest loads the most recent run, or nil when the history is empty.
func (s *Store) Latest(ctx context.Context) (*bench.Report, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest run: %w", classify(err))
	}
	return s.Get(ctx, id)
}

func (s *Store) loadRecords(ctx context.Context, r *bench.Report) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, config_index, ip, ip_version, city, region, country, longitude, latitude, coordinate_known
		FROM records WHERE run_id = ? ORDER BY rank`, r.RunID)
	if err != nil {
		return fmt.Errorf("query records: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var rec types.ConnectionRecord
		loc := &rec.Location
		if err := rows.Scan(&rec.Name, &rec.Index, &loc.IP, &loc.Version, &loc.City, &loc.Region,
			&loc.Country, &loc.Coordinate.Longitude, &loc.Coordinate.Latitude, &loc.Coordinate.Known); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		r.Records = append(r.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT record_rank, server_name, server_id, server_host, upload_mbps, download_mbps, ping_ms, ok
		FROM measurements WHERE run_id = ? ORDER BY record_rank, position`, r.RunID)
	if err != nil {
		return fmt.Errorf("query measurements: %w", classify(err))
	}
	defer mrows.Close()
	for mrows.Next() {
		var rank int
		var m types.MeasurementResult
		if err := mrows.Scan(&rank, &m.ServerName, &m.ServerID, &m.ServerHost,
			&m.Upload, &m.Download, &m.Ping, &m.OK); err != nil {
			return fmt.Errorf("scan measurement: %w", err)
		}
		if rank < 1 || rank > len(r.Records) {
			continue
		}
		r.Records[rank-1].Results = append(r.Records[rank-1].Results, m)
	}
	return mrows.Err()
}

func (s *Store) loadFailures(ctx context.Context, r *bench.Report) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config, config_index, code, error FROM failures WHERE run_id = ? ORDER BY config_index`, r.RunID)
	if err != nil {
		return fmt.Errorf("query failures: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var f bench.Failure
		if err := rows.Scan(&f.Config, &f.Index, &f.Code, &f.Error); err != nil {
			return fmt.Errorf("scan failure: %w", err)
		}
		r.Failures = append(r.Failures, f)
	}
	return rows.Err()
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_at, r.finished_at, r.policy, r.total, r.aborted, r.cancelled,
			(SELECT COUNT(*) FROM records WHERE run_id = r.id),
			(SELECT COUNT(*) FROM failures WHERE run_id = r.id),
			COALESCE((SELECT name FROM records WHERE run_id = r.id AND rank = 1), ''),
			COALESCE((SELECT MAX(download_mbps) FROM measurements WHERE run_id = r.id AND record_rank = 1 AND ok = 1), 0)
		FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", classify(err))
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.ID, &rs.StartedAt, &rs.FinishedAt, &rs.Policy, &rs.Total,
			&rs.Aborted, &rs.Cancelled, &rs.Records, &rs.Failures, &rs.BestConfig, &rs.BestDownload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
