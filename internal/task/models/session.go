// Package models defines the core session entities (§3): Session, ArchivedSpec,
// and GitStats, plus the enums used by the session manager to enrich, sort, and
// filter sessions.
package models

import "time"

// SessionState is the fine-grained lifecycle state of a session.
type SessionState string

const (
	SessionStateSpec    SessionState = "spec"
	SessionStateRunning SessionState = "running"
	SessionStateReviewed SessionState = "reviewed"
)

// SessionStatus is the coarse-grained status of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusSpec      SessionStatus = "spec"
)

// SortMode controls how list_enriched_sessions_sorted orders sessions (§4.1).
type SortMode string

const (
	SortModeName       SortMode = "name"
	SortModeCreated    SortMode = "created"
	SortModeLastEdited SortMode = "last_edited"
)

// Filter selects which sessions list_enriched_sessions_sorted returns (§4.1).
type Filter string

const (
	FilterAll      Filter = "all"
	FilterSpec     Filter = "spec"
	FilterRunning  Filter = "running"
	FilterReviewed Filter = "reviewed"
)

// Session is the central entity (§3).
type Session struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	DisplayName *string `db:"display_name"`

	VersionGroupID *string `db:"version_group_id"`
	VersionNumber  *int    `db:"version_number"`

	RepositoryPath string `db:"repository_path"`
	RepositoryName string `db:"repository_name"`

	Branch       string `db:"branch"`
	ParentBranch string `db:"parent_branch"`

	WorktreePath string `db:"worktree_path"`

	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	LastActivity *time.Time `db:"last_activity"`

	InitialPrompt *string `db:"initial_prompt"`
	SpecContent   *string `db:"spec_content"`

	ReadyToMerge          bool `db:"ready_to_merge"`
	WasAutoGenerated      bool `db:"was_auto_generated"`
	PendingNameGeneration bool `db:"pending_name_generation"`
	ResumeAllowed         bool `db:"resume_allowed"`
	Prompted              bool `db:"prompted"`

	OriginalAgentType        *string `db:"original_agent_type"`
	OriginalSkipPermissions  *bool   `db:"original_skip_permissions"`

	Status SessionStatus `db:"status"`
	State  SessionState  `db:"state"`

	// GitStats is populated by enrichment; not a DB column (the store caches
	// its fields inline on the row but the service projects it as a struct).
	GitStats *GitStats `db:"-"`
}

// IsSpec reports whether the session currently has no worktree/branch on disk.
func (s *Session) IsSpec() bool { return s.State == SessionStateSpec }

// EffectiveAgentType resolves the agent identity pinned at session start,
// falling back to globalDefault when the session never recorded one (§4.2).
func (s *Session) EffectiveAgentType(globalDefault string) string {
	if s.OriginalAgentType != nil && *s.OriginalAgentType != "" {
		return *s.OriginalAgentType
	}
	return globalDefault
}

// EffectiveSkipPermissions resolves skip-permissions pinned at session start,
// falling back to globalDefault (§4.2).
func (s *Session) EffectiveSkipPermissions(globalDefault bool) bool {
	if s.OriginalSkipPermissions != nil {
		return *s.OriginalSkipPermissions
	}
	return globalDefault
}

// GitStats is the cached diff-statistics snapshot for a session (§3).
type GitStats struct {
	SessionID         string    `db:"session_id"`
	FilesChanged      int       `db:"files_changed"`
	LinesAdded        int       `db:"lines_added"`
	LinesRemoved      int       `db:"lines_removed"`
	HasUncommitted    bool      `db:"has_uncommitted"`
	LastDiffChangeTS  *time.Time `db:"last_diff_change_ts"`
	CalculatedAt      time.Time `db:"calculated_at"`
}

// Stale reports whether the stats are older than the 60-second freshness
// window (§3, §4.1) and should be recomputed before being returned.
func (g *GitStats) Stale(now time.Time) bool {
	if g == nil {
		return true
	}
	return now.Sub(g.CalculatedAt) > 60*time.Second
}

// ArchivedSpec is a capped, per-repository ring-buffer entry holding the text
// of a spec session after it is archived (§3, §4.1 archive_spec_session).
type ArchivedSpec struct {
	ID             string    `db:"id"`
	SessionName    string    `db:"session_name"`
	RepositoryPath string    `db:"repository_path"`
	RepositoryName string    `db:"repository_name"`
	Content        string    `db:"content"`
	ArchivedAt     time.Time `db:"archived_at"`
}

// EnrichedSession is the projection list_enriched_sessions returns: session
// fields plus derived display data (§4.1).
type EnrichedSession struct {
	Session
	HasWorktree      bool   `json:"has_worktree"`
	HasMergeConflict bool   `json:"has_merge_conflict"`
	TopTerminalID    string `json:"top_terminal_id"`
	BottomTerminalID string `json:"bottom_terminal_id"`
}
