// Package sqlite provides the SQLite-backed session store (§3, §6).
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	taskrepo "github.com/kandev/kandev/internal/task/repository"
)

// Repository is the SQLite-backed implementation of repository.Repository.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

var _ taskrepo.Repository = (*Repository)(nil)

// New opens (and migrates) a SQLite-backed repository at dbPath, owning the
// resulting connections.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

// NewWithDB wraps existing, externally-owned connections.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections if this repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if r.ro != nil && r.ro != r.db {
		_ = r.ro.Close()
	}
	return r.db.Close()
}

// DB returns the underlying *sql.DB for shared access (migrations, health checks).
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// reader returns the read-only pool if one was configured, else the writer.
func (r *Repository) reader() *sqlx.DB {
	if r.ro != nil {
		return r.ro
	}
	return r.db
}

func (r *Repository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			display_name TEXT,
			version_group_id TEXT,
			version_number INTEGER,
			repository_path TEXT NOT NULL,
			repository_name TEXT NOT NULL,
			branch TEXT NOT NULL,
			parent_branch TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_activity TIMESTAMP,
			initial_prompt TEXT,
			spec_content TEXT,
			ready_to_merge INTEGER NOT NULL DEFAULT 0,
			was_auto_generated INTEGER NOT NULL DEFAULT 0,
			pending_name_generation INTEGER NOT NULL DEFAULT 0,
			resume_allowed INTEGER NOT NULL DEFAULT 1,
			prompted INTEGER NOT NULL DEFAULT 0,
			original_agent_type TEXT,
			original_skip_permissions INTEGER,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			UNIQUE(repository_path, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(repository_path)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_repo_state ON sessions(repository_path, state)`,
		`CREATE TABLE IF NOT EXISTS session_git_stats (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			files_changed INTEGER NOT NULL DEFAULT 0,
			lines_added INTEGER NOT NULL DEFAULT 0,
			lines_removed INTEGER NOT NULL DEFAULT 0,
			has_uncommitted INTEGER NOT NULL DEFAULT 0,
			last_diff_change_ts TIMESTAMP,
			calculated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS archived_specs (
			id TEXT PRIMARY KEY,
			session_name TEXT NOT NULL,
			repository_path TEXT NOT NULL,
			repository_name TEXT NOT NULL,
			content TEXT NOT NULL,
			archived_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_specs_repo ON archived_specs(repository_path, archived_at)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema migration failed (%q): %w", stmt, err)
		}
	}
	return nil
}
