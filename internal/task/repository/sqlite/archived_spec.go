package sqlite

import (
	"context"
	"database/sql"
	"time"

	commonerrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/task/models"
)

// CreateArchivedSpec inserts a new archived spec row (§4.1 archive_spec_session).
func (r *Repository) CreateArchivedSpec(ctx context.Context, a *models.ArchivedSpec) error {
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO archived_specs (id, session_name, repository_path, repository_name, content, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), a.ID, a.SessionName, a.RepositoryPath, a.RepositoryName, a.Content, a.ArchivedAt)
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to insert archived spec")
	}
	return nil
}

// ListArchivedSpecs returns archived specs for a repository, newest first.
func (r *Repository) ListArchivedSpecs(ctx context.Context, repositoryPath string) ([]*models.ArchivedSpec, error) {
	rows, err := r.reader().QueryContext(ctx, r.db.Rebind(`
		SELECT id, session_name, repository_path, repository_name, content, archived_at
		FROM archived_specs WHERE repository_path = ? ORDER BY archived_at DESC
	`), repositoryPath)
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to list archived specs")
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ArchivedSpec
	for rows.Next() {
		a := &models.ArchivedSpec{}
		if err := rows.Scan(&a.ID, &a.SessionName, &a.RepositoryPath, &a.RepositoryName, &a.Content, &a.ArchivedAt); err != nil {
			return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to scan archived spec row")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to iterate archived spec rows")
	}
	return out, nil
}

// GetArchivedSpec fetches one archived spec by id.
func (r *Repository) GetArchivedSpec(ctx context.Context, id string) (*models.ArchivedSpec, error) {
	a := &models.ArchivedSpec{}
	err := r.reader().QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, session_name, repository_path, repository_name, content, archived_at
		FROM archived_specs WHERE id = ?
	`), id).Scan(&a.ID, &a.SessionName, &a.RepositoryPath, &a.RepositoryName, &a.Content, &a.ArchivedAt)
	if err == sql.ErrNoRows {
		return nil, commonerrors.Wrap(commonerrors.KindNotFound, err, "archived spec %q not found", id)
	}
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to query archived spec")
	}
	return a, nil
}

// DeleteArchivedSpec removes an archived spec row.
func (r *Repository) DeleteArchivedSpec(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM archived_specs WHERE id = ?`), id)
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to delete archived spec")
	}
	return nil
}

// CountArchivedSpecs reports how many archived specs exist for a repository.
func (r *Repository) CountArchivedSpecs(ctx context.Context, repositoryPath string) (int, error) {
	var count int
	err := r.reader().QueryRowContext(ctx, r.db.Rebind(`
		SELECT COUNT(1) FROM archived_specs WHERE repository_path = ?
	`), repositoryPath).Scan(&count)
	if err != nil {
		return 0, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to count archived specs")
	}
	return count, nil
}

// DeleteOldestArchivedSpec evicts the oldest archived spec for a repository
// (used to enforce archive.max_entries, §6).
func (r *Repository) DeleteOldestArchivedSpec(ctx context.Context, repositoryPath string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM archived_specs WHERE id = (
			SELECT id FROM archived_specs WHERE repository_path = ? ORDER BY archived_at ASC LIMIT 1
		)
	`), repositoryPath)
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to evict oldest archived spec")
	}
	return nil
}
