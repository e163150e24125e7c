//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "groupcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasFired(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ledger WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkFired(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(key) VALUES(?) ON CONFLICT(key) DO NOTHING`, key)
	return err
}

func (s *sqliteStore) ResetLedger(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger`)
	return err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(id, recipient_id, recipient_name, status, at, position, message, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RecipientID, nullStr(rec.RecipientName), string(rec.Status),
		rec.Timestamp.Format(time.RFC3339Nano), rec.Position, rec.Message, nullStr(rec.ErrorDetail),
	)
	return err
}

func (s *sqliteStore) ListHistory(ctx context.Context) ([]HistoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, recipient_name, status, at, position, message, err
		 FROM history ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var name, errDetail sql.NullString
		var status, at string
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &name, &status, &at,
			&rec.Position, &rec.Message, &errDetail); err != nil {
			return nil, err
		}
		rec.RecipientName = name.String
		rec.ErrorDetail = errDetail.String
		rec.Status = Status(status)
		ts, perr := time.Parse(time.RFC3339Nano, at)
		if perr != nil {
			return nil, fmt.Errorf("%w: bad timestamp %q: %v", ErrCorruptHistory, at, perr)
		}
		rec.Timestamp = ts
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearHistory(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
