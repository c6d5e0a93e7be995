package sink

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/user/translateq/internal/job"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLitePersister writes translations into a local SQLite database.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies migrations.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLitePersister, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialize writes and keep a single connection so :memory: stays one database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("translation database opened", "path", path)
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	_, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := p.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}
	if current >= 1 {
		slog.Debug("migrations up to date", "version", current)
		return nil
	}

	sqlBytes, err := migrations.ReadFile("migrations/001_translations.sql")
	if err != nil {
		return fmt.Errorf("read migration 001: %w", err)
	}
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		return fmt.Errorf("execute migration 001: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("record migration 001: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration 001: %w", err)
	}
	slog.Info("applied migration", "version", 1)
	return nil
}

// PersistResult upserts every translated field of docs in one transaction.
func (p *SQLitePersister) PersistResult(ctx context.Context, kind job.Kind, docs []Document) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO translations (kind, entity_id, parent_id, language, field, text, job_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, entity_id, language, field) DO UPDATE SET
			parent_id = excluded.parent_id,
			text = excluded.text,
			job_id = excluded.job_id,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := 0
	for _, d := range docs {
		for lang, fields := range d.Translations {
			for field, text := range fields {
				if _, err := stmt.ExecContext(ctx, string(kind), d.EntityID, d.ParentID, lang, field, text, d.JobID, now); err != nil {
					return fmt.Errorf("upsert %s/%s %s.%s: %w", kind, d.EntityID, lang, field, err)
				}
				rows++
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	slog.Debug("translations stored", "kind", kind, "documents", len(docs), "rows", rows)
	return nil
}

// Lookup returns the stored translations of one entity as language -> field -> text.
func (p *SQLitePersister) Lookup(ctx context.Context, kind job.Kind, entityID string) (map[string]map[string]string, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT language, field, text FROM translations WHERE kind = ? AND entity_id = ?",
		string(kind), entityID)
	if err != nil {
		return nil, fmt.Errorf("query translations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var lang, field, text string
		if err := rows.Scan(&lang, &field, &text); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		if out[lang] == nil {
			out[lang] = make(map[string]string)
		}
		out[lang][field] = text
	}
	return out, rows.Err()
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
