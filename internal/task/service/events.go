package service

// Event subjects published on the event bus for session lifecycle changes
// (§4.5 SchaltEvent kinds).
const (
	EventSessionAdded      = "session.added"
	EventSessionRemoved    = "session.removed"
	EventSessionCancelling = "session.cancelling"
	EventCancelError       = "session.cancel_error"
	EventSessionsRefreshed = "session.refreshed"
	EventFileChanges       = "session.file_changes"
	EventSessionGitStats   = "session.git_stats"
	EventArchiveUpdated    = "session.archive_updated"
)

func eventData(pairs ...any) map[string]any {
	out := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		out[key] = pairs[i+1]
	}
	return out
}
