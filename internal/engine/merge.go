package engine

import "github.com/cafrisales/notification-gateway/internal/model"

// merge resolves two records sharing an id. The policy is last-writer-wins:
// the record processed most recently replaces the cached one wholesale,
// read state included, regardless of which operation was initiated first.
// There is no version field to compare; rare staleness from a slow refresh
// overwriting a fresher push is an accepted tradeoff for notification
// content.
func merge(existing, incoming model.Notification) model.Notification {
	resolved := incoming
	if resolved.Timestamp == 0 {
		resolved.Timestamp = existing.Timestamp
	}
	return resolved
}
