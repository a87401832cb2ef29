// Package repository defines the persistence contract for sessions and
// archived specs (§3, §6): a local relational database exposing the entity
// model, with the schema itself implementation-defined.
package repository

import (
	"context"

	"github.com/kandev/kandev/internal/task/models"
)

// Repository is the session store (§3, §4.1, §6).
type Repository interface {
	// CreateSession inserts a new session row. Returns ErrConflict-kind errors
	// (via internal/common/errors) on name collision.
	CreateSession(ctx context.Context, s *models.Session) error

	// GetSessionByName fetches one session by (repository_path, name).
	GetSessionByName(ctx context.Context, repositoryPath, name string) (*models.Session, error)

	// GetSessionByID fetches one session by id.
	GetSessionByID(ctx context.Context, id string) (*models.Session, error)

	// UpdateSession persists the full row back (optimistic: callers read-modify-write).
	UpdateSession(ctx context.Context, s *models.Session) error

	// DeleteSession removes a session row permanently (used by cancel-cleanup
	// and archive_spec_session).
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns every non-deleted session for a repository.
	ListSessions(ctx context.Context, repositoryPath string) ([]*models.Session, error)

	// ListSessionsByState filters ListSessions by state.
	ListSessionsByState(ctx context.Context, repositoryPath string, state models.SessionState) ([]*models.Session, error)

	// NameExists reports whether name is already used by a row in this repo
	// (used by the unique-name allocator, §4.1).
	NameExists(ctx context.Context, repositoryPath, name string) (bool, error)

	// GetGitStats returns the cached stats for a session, or nil if never computed.
	GetGitStats(ctx context.Context, sessionID string) (*models.GitStats, error)

	// PutGitStats upserts the cached stats for a session.
	PutGitStats(ctx context.Context, stats *models.GitStats) error

	// CreateArchivedSpec inserts a new archived spec row.
	CreateArchivedSpec(ctx context.Context, a *models.ArchivedSpec) error

	// ListArchivedSpecs returns archived specs for a repository, newest first.
	ListArchivedSpecs(ctx context.Context, repositoryPath string) ([]*models.ArchivedSpec, error)

	// GetArchivedSpec fetches one archived spec by id.
	GetArchivedSpec(ctx context.Context, id string) (*models.ArchivedSpec, error)

	// DeleteArchivedSpec removes an archived spec row.
	DeleteArchivedSpec(ctx context.Context, id string) error

	// CountArchivedSpecs reports how many archived specs exist for a repository
	// (used to enforce archive.max_entries, §6).
	CountArchivedSpecs(ctx context.Context, repositoryPath string) (int, error)

	// DeleteOldestArchivedSpec evicts the oldest archived spec for a repository.
	DeleteOldestArchivedSpec(ctx context.Context, repositoryPath string) error

	Close() error
}
