// Package history records generation sessions and their units in SQLite. The
// store is advisory: the daemon logs write failures and keeps generating, so
// a broken database never fails a request.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spokelabs/speakd/internal/config"
	_ "modernc.org/sqlite"
)

// SessionRecord is one generation session row. The finish columns are zero
// until FinishSession runs; Finished reports whether they are set.
type SessionRecord struct {
	SessionID  string
	Method     string
	Model      string
	Voice      string
	Chars      int
	UnitsTotal int
	StartedAt  time.Time

	Finished     bool
	Complete     bool
	UnitsDone    int
	OutputPath   string
	DurationSecs float64
	RTF          float64
	Reason       string
	FinishedAt   time.Time
}

// UnitRecord is one synthesized unit row.
type UnitRecord struct {
	ID          int64
	SessionID   string
	UnitIndex   int
	Chars       int
	SampleRate  int
	SampleCount int
	ScratchPath string
	CreatedAt   time.Time
}

// SessionFinish carries the outcome columns written when a session ends.
type SessionFinish struct {
	SessionID    string
	Complete     bool
	UnitsDone    int
	OutputPath   string
	DurationSecs float64
	RTF          float64
	Reason       string
}

// Store wraps the SQLite-backed session history.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config. Retention mode
// ephemeral yields a no-op store with no database behind it.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	path, err := cfg.ResolvePath()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	s.reportAbandoned(ctx)

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    method TEXT NOT NULL,
    model TEXT NOT NULL,
    voice TEXT,
    chars INTEGER NOT NULL,
    units_total INTEGER NOT NULL,
    started_at TIMESTAMP NOT NULL,
    complete INTEGER,
    units_done INTEGER,
    output_path TEXT,
    duration_secs REAL,
    rtf REAL,
    reason TEXT,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS units (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    unit_index INTEGER NOT NULL,
    chars INTEGER NOT NULL,
    sample_rate INTEGER NOT NULL,
    sample_count INTEGER NOT NULL,
    scratch_path TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_units_session ON units(session_id, unit_index);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// reportAbandoned surfaces scratch files a previous run left behind. The
// daemon never deletes them; it only makes them findable.
func (s *Store) reportAbandoned(ctx context.Context) {
	units, err := s.AbandonedUnits(ctx, 50)
	if err != nil {
		s.log.Warn("history abandoned-session query failed", slog.String("error", err.Error()))
		return
	}
	if len(units) == 0 {
		return
	}
	s.log.Warn("previous runs left unfinished sessions with scratch files",
		slog.Int("units", len(units)))
	for _, u := range units {
		s.log.Debug("abandoned scratch file",
			slog.String("session_id", u.SessionID),
			slog.String("path", u.ScratchPath))
	}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession inserts the session row at generation start.
func (s *Store) StartSession(ctx context.Context, rec SessionRecord) error {
	if s.db == nil {
		return nil
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, method, model, voice, chars, units_total, started_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		rec.SessionID, rec.Method, rec.Model, rec.Voice, rec.Chars, rec.UnitsTotal, started.UTC())
	return err
}

// RecordUnit inserts one unit row after its scratch file is persisted.
func (s *Store) RecordUnit(ctx context.Context, u UnitRecord) error {
	if s.db == nil {
		return nil
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO units(session_id, unit_index, chars, sample_rate, sample_count, scratch_path, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		u.SessionID, u.UnitIndex, u.Chars, u.SampleRate, u.SampleCount, u.ScratchPath, created.UTC())
	return err
}

// FinishSession writes the outcome columns when a session ends, on both the
// complete and the partial path.
func (s *Store) FinishSession(ctx context.Context, fin SessionFinish) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET complete = ?, units_done = ?, output_path = ?,
		    duration_secs = ?, rtf = ?, reason = ?, finished_at = ?
		 WHERE session_id = ?`,
		fin.Complete, fin.UnitsDone, fin.OutputPath, fin.DurationSecs, fin.RTF, fin.Reason,
		s.clock().UTC(), fin.SessionID)
	return err
}

// GetSession loads one session row. It returns sql.ErrNoRows when the id is
// unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if s.db == nil {
		return SessionRecord{}, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, method, model, voice, chars, units_total, started_at,
		        complete, units_done, output_path, duration_secs, rtf, reason, finished_at
		 FROM sessions WHERE session_id = ?`, sessionID)

	var rec SessionRecord
	var started string
	var complete sql.NullBool
	var unitsDone sql.NullInt64
	var outputPath, reason, finished sql.NullString
	var duration, rtf sql.NullFloat64
	if err := row.Scan(&rec.SessionID, &rec.Method, &rec.Model, &rec.Voice, &rec.Chars,
		&rec.UnitsTotal, &started, &complete, &unitsDone, &outputPath, &duration, &rtf,
		&reason, &finished); err != nil {
		return SessionRecord{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		rec.StartedAt = ts
	}
	if finished.Valid {
		rec.Finished = true
		rec.Complete = complete.Bool
		rec.UnitsDone = int(unitsDone.Int64)
		rec.OutputPath = outputPath.String
		rec.DurationSecs = duration.Float64
		rec.RTF = rtf.Float64
		rec.Reason = reason.String
		if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			rec.FinishedAt = ts
		}
	}
	return rec, nil
}

// SessionUnits lists a session's units ordered by unit index.
func (s *Store) SessionUnits(ctx context.Context, sessionID string) ([]UnitRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, unit_index, chars, sample_rate, sample_count, scratch_path, created_at
		 FROM units WHERE session_id = ? ORDER BY unit_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []UnitRecord
	for rows.Next() {
		var u UnitRecord
		var created string
		if err := rows.Scan(&u.ID, &u.SessionID, &u.UnitIndex, &u.Chars, &u.SampleRate,
			&u.SampleCount, &u.ScratchPath, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			u.CreatedAt = ts
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// AbandonedUnits lists units whose session never finished, oldest first.
// Their scratch paths are the files an interrupted run left on disk.
func (s *Store) AbandonedUnits(ctx context.Context, limit int) ([]UnitRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.session_id, u.unit_index, u.chars, u.sample_rate, u.sample_count, u.scratch_path, u.created_at
		 FROM units u JOIN sessions s ON s.session_id = u.session_id
		 WHERE s.finished_at IS NULL AND u.scratch_path != ''
		 ORDER BY u.created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []UnitRecord
	for rows.Next() {
		var u UnitRecord
		var created string
		if err := rows.Scan(&u.ID, &u.SessionID, &u.UnitIndex, &u.Chars, &u.SampleRate,
			&u.SampleCount, &u.ScratchPath, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			u.CreatedAt = ts
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// Prune applies the configured retention. It runs at startup; session ids
// removed here cascade to their unit rows.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
