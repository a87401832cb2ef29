package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	commonerrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/task/models"
)

const sessionColumns = `
	id, name, display_name, version_group_id, version_number,
	repository_path, repository_name, branch, parent_branch, worktree_path,
	created_at, updated_at, last_activity, initial_prompt, spec_content,
	ready_to_merge, was_auto_generated, pending_name_generation, resume_allowed, prompted,
	original_agent_type, original_skip_permissions, status, state
`

func scanSession(row interface {
	Scan(dest ...any) error
}) (*models.Session, error) {
	s := &models.Session{}
	var lastActivity sql.NullTime
	var originalSkipPerm sql.NullBool
	var versionNumber sql.NullInt64

	err := row.Scan(
		&s.ID, &s.Name, &s.DisplayName, &s.VersionGroupID, &versionNumber,
		&s.RepositoryPath, &s.RepositoryName, &s.Branch, &s.ParentBranch, &s.WorktreePath,
		&s.CreatedAt, &s.UpdatedAt, &lastActivity, &s.InitialPrompt, &s.SpecContent,
		&s.ReadyToMerge, &s.WasAutoGenerated, &s.PendingNameGeneration, &s.ResumeAllowed, &s.Prompted,
		&s.OriginalAgentType, &originalSkipPerm, &s.Status, &s.State,
	)
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		t := lastActivity.Time
		s.LastActivity = &t
	}
	if originalSkipPerm.Valid {
		v := originalSkipPerm.Bool
		s.OriginalSkipPermissions = &v
	}
	if versionNumber.Valid {
		v := int(versionNumber.Int64)
		s.VersionNumber = &v
	}
	return s, nil
}

// CreateSession inserts a new session row (§4.1 create_session).
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`) VALUES (
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?
		)
	`),
		s.ID, s.Name, s.DisplayName, s.VersionGroupID, s.VersionNumber,
		s.RepositoryPath, s.RepositoryName, s.Branch, s.ParentBranch, s.WorktreePath,
		s.CreatedAt, s.UpdatedAt, s.LastActivity, s.InitialPrompt, s.SpecContent,
		s.ReadyToMerge, s.WasAutoGenerated, s.PendingNameGeneration, s.ResumeAllowed, s.Prompted,
		s.OriginalAgentType, s.OriginalSkipPermissions, s.Status, s.State,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return commonerrors.Wrap(commonerrors.KindConflict, err, "session name %q already exists in %s", s.Name, s.RepositoryPath)
		}
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to insert session")
	}
	return nil
}

// GetSessionByName fetches one session by (repository_path, name).
func (r *Repository) GetSessionByName(ctx context.Context, repositoryPath, name string) (*models.Session, error) {
	row := r.reader().QueryRowxContext(ctx, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE repository_path = ? AND name = ?
	`), repositoryPath, name)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, commonerrors.Wrap(commonerrors.KindNotFound, err, "session %q not found", name)
	}
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to query session")
	}
	return s, nil
}

// GetSessionByID fetches one session by id.
func (r *Repository) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	row := r.reader().QueryRowxContext(ctx, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, commonerrors.Wrap(commonerrors.KindNotFound, err, "session id %q not found", id)
	}
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to query session")
	}
	return s, nil
}

// UpdateSession persists the full row back.
func (r *Repository) UpdateSession(ctx context.Context, s *models.Session) error {
	s.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET
			name = ?, display_name = ?, version_group_id = ?, version_number = ?,
			repository_path = ?, repository_name = ?, branch = ?, parent_branch = ?, worktree_path = ?,
			updated_at = ?, last_activity = ?, initial_prompt = ?, spec_content = ?,
			ready_to_merge = ?, was_auto_generated = ?, pending_name_generation = ?, resume_allowed = ?, prompted = ?,
			original_agent_type = ?, original_skip_permissions = ?, status = ?, state = ?
		WHERE id = ?
	`),
		s.Name, s.DisplayName, s.VersionGroupID, s.VersionNumber,
		s.RepositoryPath, s.RepositoryName, s.Branch, s.ParentBranch, s.WorktreePath,
		s.UpdatedAt, s.LastActivity, s.InitialPrompt, s.SpecContent,
		s.ReadyToMerge, s.WasAutoGenerated, s.PendingNameGeneration, s.ResumeAllowed, s.Prompted,
		s.OriginalAgentType, s.OriginalSkipPermissions, s.Status, s.State,
		s.ID,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return commonerrors.Wrap(commonerrors.KindConflict, err, "session name %q already exists in %s", s.Name, s.RepositoryPath)
		}
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to confirm session update")
	}
	if n == 0 {
		return commonerrors.New(commonerrors.KindNotFound, "session id %q not found", s.ID)
	}
	return nil
}

// DeleteSession removes a session row permanently.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to delete session")
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM session_git_stats WHERE session_id = ?`), id)
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to delete session git stats")
	}
	return nil
}

// ListSessions returns every session for a repository.
func (r *Repository) ListSessions(ctx context.Context, repositoryPath string) ([]*models.Session, error) {
	return r.listSessions(ctx, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE repository_path = ? ORDER BY created_at ASC
	`), repositoryPath)
}

// ListSessionsByState filters ListSessions by state.
func (r *Repository) ListSessionsByState(ctx context.Context, repositoryPath string, state models.SessionState) ([]*models.Session, error) {
	return r.listSessions(ctx, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE repository_path = ? AND state = ? ORDER BY created_at ASC
	`), repositoryPath, string(state))
}

func (r *Repository) listSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := r.reader().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to list sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to scan session row")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to iterate session rows")
	}
	return out, nil
}

// NameExists reports whether name is already used by a row in this repo.
func (r *Repository) NameExists(ctx context.Context, repositoryPath, name string) (bool, error) {
	var count int
	err := r.reader().QueryRowContext(ctx, r.db.Rebind(`
		SELECT COUNT(1) FROM sessions WHERE repository_path = ? AND name = ?
	`), repositoryPath, name).Scan(&count)
	if err != nil {
		return false, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to check name existence")
	}
	return count > 0, nil
}

// GetGitStats returns the cached stats for a session, or nil if never computed.
func (r *Repository) GetGitStats(ctx context.Context, sessionID string) (*models.GitStats, error) {
	g := &models.GitStats{}
	var lastDiff sql.NullTime
	err := r.reader().QueryRowContext(ctx, r.db.Rebind(`
		SELECT session_id, files_changed, lines_added, lines_removed, has_uncommitted, last_diff_change_ts, calculated_at
		FROM session_git_stats WHERE session_id = ?
	`), sessionID).Scan(&g.SessionID, &g.FilesChanged, &g.LinesAdded, &g.LinesRemoved, &g.HasUncommitted, &lastDiff, &g.CalculatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to query git stats")
	}
	if lastDiff.Valid {
		t := lastDiff.Time
		g.LastDiffChangeTS = &t
	}
	return g, nil
}

// PutGitStats upserts the cached stats for a session.
func (r *Repository) PutGitStats(ctx context.Context, stats *models.GitStats) error {
	if stats.CalculatedAt.IsZero() {
		stats.CalculatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO session_git_stats (session_id, files_changed, lines_added, lines_removed, has_uncommitted, last_diff_change_ts, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			files_changed = excluded.files_changed,
			lines_added = excluded.lines_added,
			lines_removed = excluded.lines_removed,
			has_uncommitted = excluded.has_uncommitted,
			last_diff_change_ts = excluded.last_diff_change_ts,
			calculated_at = excluded.calculated_at
	`), stats.SessionID, stats.FilesChanged, stats.LinesAdded, stats.LinesRemoved, stats.HasUncommitted, stats.LastDiffChangeTS, stats.CalculatedAt)
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindIOFailure, err, "failed to upsert git stats")
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
