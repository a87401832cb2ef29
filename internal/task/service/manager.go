package service

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/task/models"
	"github.com/kandev/kandev/internal/task/repository"
	"go.uber.org/zap"
)

// Manager is the session manager (§4.1): it owns session creation, lifecycle
// transitions, and the per-repository mutex that serializes mutating
// operations against a single git repository (§5).
type Manager struct {
	repo repository.Repository
	git  *GitFacade
	log  *logger.Logger
	bus  bus.EventBus

	names *nameAllocator

	repoMu *repoMutexSet

	defaultArchiveMax int
}

// NewManager builds a session manager over repo, using git for worktree
// provisioning and publishing lifecycle events on eventBus.
func NewManager(repo repository.Repository, git *GitFacade, log *logger.Logger, eventBus bus.EventBus) *Manager {
	return &Manager{
		repo:              repo,
		git:               git,
		log:               log,
		bus:               eventBus,
		names:             newNameAllocator(),
		repoMu:            newRepoMutexSet(),
		defaultArchiveMax: 50,
	}
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "session-manager", data)); err != nil && m.log != nil {
		m.log.Warn("failed to publish session event", zap.Error(err))
	}
}

// CreateSessionParams are the inputs to CreateSession (§4.1 create_session).
type CreateSessionParams struct {
	RepositoryPath  string
	RepositoryName  string
	RequestedName   string
	DisplayName     string
	ParentBranch    string // explicit request; "" resolves to HEAD then default branch
	InitialPrompt   string
	AgentType       string
	SkipPermissions bool
	AsSpec          bool // create in Spec state with no worktree yet
	SpecContent     string
}

// CreateSession allocates a unique session name, provisions its git worktree
// and branch (unless AsSpec), and persists the new session row (§4.1).
func (m *Manager) CreateSession(ctx context.Context, p CreateSessionParams) (*models.Session, error) {
	if p.RepositoryPath == "" {
		return nil, commonerrors.New(commonerrors.KindValidation, "repository_path is required")
	}

	unlockRepo := m.repoMu.Lock(p.RepositoryPath)
	defer unlockRepo()

	name, release, err := m.names.Allocate(ctx, p.RepositoryPath, firstNonEmpty(p.RequestedName, p.DisplayName, "session"), m.repo.NameExists)
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.KindConflict, err, "failed to allocate session name")
	}
	defer release()

	now := time.Now().UTC()
	session := &models.Session{
		ID:                    uuid.New().String(),
		Name:                  name,
		RepositoryPath:        p.RepositoryPath,
		RepositoryName:        p.RepositoryName,
		ParentBranch:          p.ParentBranch,
		CreatedAt:             now,
		UpdatedAt:             now,
		ResumeAllowed:         true,
		PendingNameGeneration: p.DisplayName == "" && p.RequestedName == "",
		Status:                models.SessionStatusSpec,
		State:                 models.SessionStateSpec,
	}
	if p.DisplayName != "" {
		session.DisplayName = &p.DisplayName
	}
	if p.InitialPrompt != "" {
		session.InitialPrompt = &p.InitialPrompt
	}
	if p.SpecContent != "" {
		session.SpecContent = &p.SpecContent
	}
	if p.AgentType != "" {
		session.OriginalAgentType = &p.AgentType
		session.OriginalSkipPermissions = &p.SkipPermissions
	}

	if p.AsSpec {
		if err := m.repo.CreateSession(ctx, session); err != nil {
			return nil, err
		}
		m.publish(ctx, EventSessionAdded, eventData("session_id", session.ID, "name", session.Name, "state", string(session.State)))
		return session, nil
	}

	if err := m.provisionWorktree(ctx, session); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusActive
	session.State = models.SessionStateRunning

	if err := m.repo.CreateSession(ctx, session); err != nil {
		_ = m.git.RemoveWorktree(ctx, session.RepositoryPath, session.WorktreePath, session.Branch, false)
		return nil, err
	}

	m.publish(ctx, EventSessionAdded, eventData("session_id", session.ID, "name", session.Name, "state", string(session.State)))
	return session, nil
}

// provisionWorktree resolves the parent ref, creates a repository-empty
// initial commit if necessary, and materializes the session's worktree and
// branch in place on session.
func (m *Manager) provisionWorktree(ctx context.Context, session *models.Session) error {
	repoPath := session.RepositoryPath
	if !m.git.IsGitRepo(repoPath) {
		return commonerrors.New(commonerrors.KindGitFailure, "%q is not a git repository", repoPath)
	}
	if !m.git.HasCommits(repoPath) {
		if err := m.git.CreateInitialCommit(ctx, repoPath); err != nil {
			return commonerrors.Wrap(commonerrors.KindGitFailure, err, "failed to create initial commit in empty repository")
		}
	}

	baseRef := m.git.ResolveParentRef(repoPath, session.ParentBranch)
	if !m.git.BranchExists(repoPath, baseRef) {
		return commonerrors.New(commonerrors.KindValidation, "base branch %q does not exist", baseRef)
	}

	worktreePath, branch, err := m.git.CreateWorktree(ctx, repoPath, session.Name, baseRef)
	if err != nil {
		return commonerrors.Wrap(commonerrors.KindGitFailure, err, "failed to create worktree")
	}
	session.WorktreePath = worktreePath
	session.Branch = branch
	session.ParentBranch = baseRef

	if isClaudeAgent(session) {
		copyClaudeLocalFiles(repoPath, worktreePath, m.log)
	}
	return nil
}

func isClaudeAgent(s *models.Session) bool {
	return s.OriginalAgentType != nil && *s.OriginalAgentType == "claude"
}

// copyClaudeLocalFiles copies CLAUDE.local.* files from the repository root
// into the new worktree, since they are gitignored and so never land there
// via `git worktree add` (§4.1).
func copyClaudeLocalFiles(repoPath, worktreePath string, log *logger.Logger) {
	entries, err := os.ReadDir(repoPath)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "CLAUDE.local.") {
			continue
		}
		src := filepath.Join(repoPath, e.Name())
		dst := filepath.Join(worktreePath, e.Name())
		data, err := os.ReadFile(src)
		if err != nil {
			if log != nil {
				log.Warn("failed to read CLAUDE.local file for copy-in", zap.Error(err))
			}
			continue
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil && log != nil {
			log.Warn("failed to copy CLAUDE.local file into worktree", zap.Error(err))
		}
	}
}

// CreateSpecSession creates a session in Spec state with no worktree (§4.1).
func (m *Manager) CreateSpecSession(ctx context.Context, p CreateSessionParams) (*models.Session, error) {
	p.AsSpec = true
	return m.CreateSession(ctx, p)
}

// StartSpecSession promotes a Spec session to Running by provisioning its
// worktree and branch (§4.1 start_spec_session).
func (m *Manager) StartSpecSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != models.SessionStateSpec {
		return nil, commonerrors.New(commonerrors.KindConflict, "session %q is not a spec", session.Name)
	}

	unlockRepo := m.repoMu.Lock(session.RepositoryPath)
	defer unlockRepo()

	if err := m.provisionWorktree(ctx, session); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusActive
	session.State = models.SessionStateRunning
	session.ResumeAllowed = false
	if session.SpecContent != nil {
		session.InitialPrompt = session.SpecContent
	}

	if err := m.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	m.refreshGitStats(ctx, session)
	m.publish(ctx, EventSessionsRefreshed, eventData("session_id", session.ID))
	return session, nil
}

// CreateAndStartSpecSession persists a new session in Spec state, then
// immediately transitions it to Running (§4.1).
func (m *Manager) CreateAndStartSpecSession(ctx context.Context, p CreateSessionParams) (*models.Session, error) {
	spec, err := m.CreateSpecSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return m.StartSpecSession(ctx, spec.ID)
}

// ConvertSessionToSpec demotes a Running session back to Spec: its worktree
// is removed and its branch archived, but the row (and any spec_content) is
// kept so it can be restarted later (§4.1 convert_session_to_spec).
func (m *Manager) ConvertSessionToSpec(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != models.SessionStateRunning {
		return nil, commonerrors.New(commonerrors.KindConflict, "session %q is not running", session.Name)
	}

	unlockRepo := m.repoMu.Lock(session.RepositoryPath)
	defer unlockRepo()

	// Best-effort: warn but continue on failure (§4.1 convert_session_to_spec).
	if err := m.git.RemoveWorktree(ctx, session.RepositoryPath, session.WorktreePath, session.Branch, false); err != nil && m.log != nil {
		m.log.Warn("failed to remove worktree while converting to spec", zap.Error(err))
	}
	if err := m.git.DeleteBranch(ctx, session.RepositoryPath, session.Branch); err != nil && m.log != nil {
		m.log.Warn("failed to delete branch while converting to spec", zap.Error(err))
	}

	session.WorktreePath = ""
	session.Branch = ""
	session.Status = models.SessionStatusSpec
	session.State = models.SessionStateSpec
	session.ReadyToMerge = false
	session.Prompted = false
	session.ResumeAllowed = false

	if err := m.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	m.publish(ctx, EventSessionsRefreshed, eventData("session_id", session.ID))
	return session, nil
}

// CancelSession is the synchronous cancel variant: it removes the worktree,
// archives the branch as a lightweight tag, and deletes the session row, each
// step run in turn (§4.1 cancel_session).
func (m *Manager) CancelSession(ctx context.Context, sessionID string) error {
	return m.cancelSession(ctx, sessionID, false)
}

// FastCancelSession is the asynchronous cancel variant: worktree removal and
// branch archival run as two parallel background tasks, and the DB row is
// only deleted once both have joined. Join errors are logged but never abort
// the DB update (§4.1 fast_cancel_session, §5 "Session fast_cancel spawns two
// tasks... and joins both before DB status update").
func (m *Manager) FastCancelSession(ctx context.Context, sessionID string) error {
	return m.cancelSession(ctx, sessionID, true)
}

func (m *Manager) cancelSession(ctx context.Context, sessionID string, parallel bool) error {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	unlockRepo := m.repoMu.Lock(session.RepositoryPath)
	defer unlockRepo()

	m.publish(ctx, EventSessionCancelling, eventData("session_id", session.ID))

	if session.SpecContent != nil && *session.SpecContent != "" {
		if err := m.archiveSpecContent(ctx, session); err != nil && m.log != nil {
			m.log.Warn("failed to archive spec content on cancel", zap.Error(err))
		}
	}

	if session.WorktreePath != "" {
		if parallel {
			m.cancelWorktreeAndBranchParallel(ctx, session)
		} else if err := m.git.RemoveWorktree(ctx, session.RepositoryPath, session.WorktreePath, session.Branch, true); err != nil {
			m.publish(ctx, EventCancelError, eventData("session_id", session.ID, "error", err.Error()))
			if m.log != nil {
				m.log.Warn("failed to remove worktree on cancel", zap.Error(err))
			}
		}
	}

	if err := m.repo.DeleteSession(ctx, session.ID); err != nil {
		return err
	}
	m.publish(ctx, EventSessionRemoved, eventData("session_id", session.ID, "name", session.Name))
	return nil
}

// cancelWorktreeAndBranchParallel runs worktree removal and branch archival
// as two independent background tasks and joins both; neither error aborts
// the caller, matching fast_cancel_session's best-effort teardown (§5).
func (m *Manager) cancelWorktreeAndBranchParallel(ctx context.Context, session *models.Session) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := m.git.RemoveWorktreeDirOnly(ctx, session.RepositoryPath, session.WorktreePath); err != nil && m.log != nil {
			m.log.Warn("fast cancel: worktree removal failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.git.ArchiveBranchOnly(ctx, session.RepositoryPath, session.Branch); err != nil && m.log != nil {
			m.log.Warn("fast cancel: branch archival failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}()

	wg.Wait()
}

// archiveSpecContent snapshots a session's spec content into the repository's
// archived-spec ring buffer, evicting the oldest entry if over max (§4.1
// archive_spec_session, §6 archive.max_entries).
func (m *Manager) archiveSpecContent(ctx context.Context, session *models.Session) error {
	count, err := m.repo.CountArchivedSpecs(ctx, session.RepositoryPath)
	if err != nil {
		return err
	}
	if count >= m.defaultArchiveMax {
		if err := m.repo.DeleteOldestArchivedSpec(ctx, session.RepositoryPath); err != nil {
			return err
		}
	}
	archived := &models.ArchivedSpec{
		ID:             uuid.New().String(),
		SessionName:    session.Name,
		RepositoryPath: session.RepositoryPath,
		RepositoryName: session.RepositoryName,
		Content:        *session.SpecContent,
		ArchivedAt:     time.Now().UTC(),
	}
	if err := m.repo.CreateArchivedSpec(ctx, archived); err != nil {
		return err
	}
	m.publish(ctx, EventArchiveUpdated, eventData("repository_path", session.RepositoryPath))
	return nil
}

// MarkSessionReady flags a session ready_to_merge, rejecting Spec sessions
// and optionally committing uncommitted worktree changes first (§4.1
// mark_session_ready).
func (m *Manager) MarkSessionReady(ctx context.Context, sessionID string, autoCommit bool) error {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State == models.SessionStateSpec {
		return commonerrors.New(commonerrors.KindConflict, "spec sessions cannot be marked ready")
	}

	if autoCommit {
		diff, err := m.git.ComputeDiffStats(ctx, session.WorktreePath, session.ParentBranch)
		if err != nil {
			return commonerrors.Wrap(commonerrors.KindGitFailure, err, "failed to inspect worktree before auto-commit")
		}
		if diff.HasUncommitted {
			msg := "Complete development work for " + session.Name
			if err := m.git.CommitAll(ctx, session.WorktreePath, msg); err != nil {
				return commonerrors.Wrap(commonerrors.KindGitFailure, err, "failed to auto-commit worktree changes")
			}
		}
	}

	session.ReadyToMerge = true
	session.State = models.SessionStateReviewed
	if err := m.repo.UpdateSession(ctx, session); err != nil {
		return err
	}
	m.refreshGitStats(ctx, session)
	m.publish(ctx, EventSessionsRefreshed, eventData("session_id", session.ID))
	return nil
}

// UnmarkSessionReady clears ready_to_merge (§4.1 unmark_session_ready).
func (m *Manager) UnmarkSessionReady(ctx context.Context, sessionID string) error {
	return m.updateSession(ctx, sessionID, func(s *models.Session) {
		s.ReadyToMerge = false
		if s.State == models.SessionStateReviewed {
			s.State = models.SessionStateRunning
		}
	})
}

// UnmarkReviewedOnFollowUp reverts a Reviewed session to Running whenever the
// user sends it a new follow-up prompt, since review status no longer applies
// to the now-changed session (§4.1).
func (m *Manager) UnmarkReviewedOnFollowUp(ctx context.Context, sessionID string) error {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != models.SessionStateReviewed {
		return nil
	}
	return m.updateSession(ctx, sessionID, func(s *models.Session) {
		s.ReadyToMerge = false
		s.State = models.SessionStateRunning
	})
}

// RenameDraftSession renames a Spec-state session, re-running the name
// allocator against the new requested name (§4.1 rename_draft_session).
func (m *Manager) RenameDraftSession(ctx context.Context, sessionID, newName string) (*models.Session, error) {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != models.SessionStateSpec {
		return nil, commonerrors.New(commonerrors.KindConflict, "only spec sessions can be renamed")
	}

	unlockRepo := m.repoMu.Lock(session.RepositoryPath)
	defer unlockRepo()

	name, release, err := m.names.Allocate(ctx, session.RepositoryPath, newName, m.repo.NameExists)
	if err != nil {
		return nil, err
	}
	defer release()

	session.Name = name
	session.PendingNameGeneration = false
	if err := m.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	m.publish(ctx, EventSessionsRefreshed, eventData("session_id", session.ID))
	return session, nil
}

// UpdateSpecContent overwrites a session's spec content (§4.1 update_spec_content).
func (m *Manager) UpdateSpecContent(ctx context.Context, sessionID, content string) error {
	return m.updateSession(ctx, sessionID, func(s *models.Session) {
		s.SpecContent = &content
	})
}

// AppendSpecContent appends to a session's existing spec content, separated
// by a blank line (§4.1 append_spec_content).
func (m *Manager) AppendSpecContent(ctx context.Context, sessionID, content string) error {
	return m.updateSession(ctx, sessionID, func(s *models.Session) {
		existing := ""
		if s.SpecContent != nil {
			existing = *s.SpecContent
		}
		merged := content
		if existing != "" {
			merged = existing + "\n\n" + content
		}
		s.SpecContent = &merged
	})
}

// ResetSessionWorktree discards all uncommitted changes in a session's
// worktree (§4.1 reset_session_worktree).
func (m *Manager) ResetSessionWorktree(ctx context.Context, sessionID string) error {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.WorktreePath == "" {
		return commonerrors.New(commonerrors.KindConflict, "session %q has no worktree", session.Name)
	}
	if err := m.git.ResetWorktree(ctx, session.WorktreePath); err != nil {
		return commonerrors.Wrap(commonerrors.KindGitFailure, err, "failed to reset worktree")
	}
	return nil
}

// DiscardFileInSession reverts a single file in a session's worktree to its
// HEAD version (§4.1 discard_file_in_session).
func (m *Manager) DiscardFileInSession(ctx context.Context, sessionID, relPath string) error {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.WorktreePath == "" {
		return commonerrors.New(commonerrors.KindConflict, "session %q has no worktree", session.Name)
	}
	if err := m.git.DiscardFile(ctx, session.WorktreePath, relPath); err != nil {
		return commonerrors.Wrap(commonerrors.KindGitFailure, err, "failed to discard file")
	}
	return nil
}

func (m *Manager) updateSession(ctx context.Context, sessionID string, mutate func(*models.Session)) error {
	session, err := m.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	mutate(session)
	if err := m.repo.UpdateSession(ctx, session); err != nil {
		return err
	}
	m.publish(ctx, EventSessionsRefreshed, eventData("session_id", session.ID))
	return nil
}

// ListEnrichedSessionsSorted returns sessions for repositoryPath matching
// filter, enriched with freshly-computed git stats, partitioned so unreviewed
// sessions precede Reviewed ones, and sorted within each partition by mode
// (§4.1 list_enriched_sessions_sorted).
func (m *Manager) ListEnrichedSessionsSorted(ctx context.Context, repositoryPath string, filter models.Filter, sort_ models.SortMode) ([]*models.EnrichedSession, error) {
	sessions, err := m.repo.ListSessions(ctx, repositoryPath)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if matchesFilter(s, filter) {
			filtered = append(filtered, s)
		}
	}

	enriched := make([]*models.EnrichedSession, 0, len(filtered))
	for _, s := range filtered {
		e := &models.EnrichedSession{Session: *s}
		e.HasWorktree = s.WorktreePath != "" && m.git.IsWorktreeValid(s.WorktreePath)
		if e.HasWorktree {
			e.GitStats = m.refreshGitStats(ctx, s)
		}
		enriched = append(enriched, e)
	}

	var unreviewed, reviewed []*models.EnrichedSession
	for _, e := range enriched {
		if e.State == models.SessionStateReviewed {
			reviewed = append(reviewed, e)
		} else {
			unreviewed = append(unreviewed, e)
		}
	}
	sortEnriched(unreviewed, sort_)
	sortEnriched(reviewed, sort_)

	return append(unreviewed, reviewed...), nil
}

func matchesFilter(s *models.Session, filter models.Filter) bool {
	switch filter {
	case models.FilterSpec:
		return s.State == models.SessionStateSpec
	case models.FilterRunning:
		return s.State == models.SessionStateRunning
	case models.FilterReviewed:
		return s.State == models.SessionStateReviewed
	default:
		return true
	}
}

func sortEnriched(sessions []*models.EnrichedSession, mode models.SortMode) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		switch mode {
		case models.SortModeName:
			return a.Name < b.Name
		case models.SortModeLastEdited:
			return lastEditedOf(a) > lastEditedOf(b)
		default: // SortModeCreated
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}

func lastEditedOf(e *models.EnrichedSession) time.Time {
	if e.LastActivity != nil {
		return *e.LastActivity
	}
	return e.UpdatedAt
}

// refreshGitStats recomputes a session's GitStats if the cached value is
// older than the 60s freshness window (§3, §4.1).
func (m *Manager) refreshGitStats(ctx context.Context, s *models.Session) *models.GitStats {
	cached, err := m.repo.GetGitStats(ctx, s.ID)
	if err != nil && m.log != nil {
		m.log.Warn("failed to read cached git stats", zap.Error(err))
	}
	if cached != nil && !cached.Stale(time.Now().UTC()) {
		return cached
	}

	diff, err := m.git.ComputeDiffStats(ctx, s.WorktreePath, s.ParentBranch)
	if err != nil {
		if m.log != nil {
			m.log.Warn("failed to compute git diff stats", zap.Error(err))
		}
		return cached
	}

	stats := &models.GitStats{
		SessionID:      s.ID,
		FilesChanged:   diff.FilesChanged,
		LinesAdded:     diff.LinesAdded,
		LinesRemoved:   diff.LinesRemoved,
		HasUncommitted: diff.HasUncommitted,
		CalculatedAt:   time.Now().UTC(),
	}
	if diff.HasUncommitted || diff.FilesChanged > 0 {
		now := stats.CalculatedAt
		stats.LastDiffChangeTS = &now
	}
	if err := m.repo.PutGitStats(ctx, stats); err != nil && m.log != nil {
		m.log.Warn("failed to persist git stats", zap.Error(err))
	}
	m.publish(ctx, EventSessionGitStats, eventData("session_id", s.ID, "files_changed", stats.FilesChanged))
	return stats
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
