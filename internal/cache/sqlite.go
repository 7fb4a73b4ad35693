package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/quire/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS envelopes (
	key         TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	folder_path TEXT NOT NULL,
	saved_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
	key      TEXT NOT NULL,
	rel_path TEXT NOT NULL,
	mod_time INTEGER NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	preview  TEXT NOT NULL DEFAULT '',
	UNIQUE(key, rel_path)
);

CREATE INDEX IF NOT EXISTS idx_entries_key ON entries(key);
`

// SQLiteStore keeps the envelopes of every folder in one SQLite database.
type SQLiteStore struct {
	conn   *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the cache database at dsn and applies the schema.
func OpenSQLite(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	return &SQLiteStore{conn: conn, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Load returns the cached entries for folder, or false on any kind of miss.
func (s *SQLiteStore) Load(folder string) ([]models.CachedEntry, bool) {
	folder = absFolder(folder)
	key := Key(folder)

	env := models.CacheEnvelope{}
	err := s.conn.QueryRow(`SELECT version, folder_path FROM envelopes WHERE key = ?`, key).
		Scan(&env.Version, &env.FolderPath)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("cache: envelope query failed", slog.String("folder", folder), slog.String("error", err.Error()))
		}
		return nil, false
	}
	if !env.Accepts(folder) {
		s.logger.Info("cache: envelope rejected",
			slog.String("folder", folder),
			slog.Int("version", env.Version),
			slog.String("envelope_folder", env.FolderPath))
		return nil, false
	}

	rows, err := s.conn.Query(`SELECT rel_path, mod_time, title, preview FROM entries WHERE key = ?`, key)
	if err != nil {
		s.logger.Warn("cache: entries query failed", slog.String("folder", folder), slog.String("error", err.Error()))
		return nil, false
	}
	defer rows.Close()

	var out []models.CachedEntry
	for rows.Next() {
		var e models.CachedEntry
		var nanos int64
		if err := rows.Scan(&e.RelPath, &nanos, &e.Title, &e.Preview); err != nil {
			s.logger.Warn("cache: corrupt entry", slog.String("folder", folder), slog.String("error", err.Error()))
			return nil, false
		}
		e.ModTime = time.Unix(0, nanos)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("cache: entries scan failed", slog.String("folder", folder), slog.String("error", err.Error()))
		return nil, false
	}
	return out, true
}

// Save replaces the envelope of folder inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, notes []models.Note, folder string) error {
	folder = absFolder(folder)
	key := Key(folder)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: clear entries: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO envelopes (key, version, folder_path, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version     = excluded.version,
			folder_path = excluded.folder_path,
			saved_at    = excluded.saved_at
	`, key, models.CacheFormatVersion, folder, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cache: upsert envelope: %w", err)
	}

	entries := models.Entries(notes)
	if len(entries) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO entries (key, rel_path, mod_time, title, preview) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("cache: prepare entry insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, key, e.RelPath, e.ModTime.UnixNano(), e.Title, e.Preview); err != nil {
				return fmt.Errorf("cache: insert entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit: %w", err)
	}
	s.logger.Debug("cache: saved", slog.String("folder", folder), slog.Int("entries", len(entries)))
	return nil
}

// Invalidate removes the envelope and entries of folder.
func (s *SQLiteStore) Invalidate(folder string) error {
	key := Key(folder)
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: invalidate entries: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM envelopes WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: invalidate envelope: %w", err)
	}
	return tx.Commit()
}

var _ Store = (*SQLiteStore)(nil)
