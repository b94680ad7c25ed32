package model

import "time"

// Notification is the canonical record every wire shape (push event, REST
// item) is normalized into before it touches the cache.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"` // ms since epoch, sort key (desc)
	Read      bool           `json:"read"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
	// Synthetic marks records whose id was derived from content because the
	// source carried none. Identity-sensitive operations (mark-as-read)
	// should not be trusted for these.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Severity classifies a notification for the ephemeral alert feed.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// TypeDescriptor is one entry of the notification type catalog.
type TypeDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Preference holds the per-category delivery-channel flags. A type with no
// preference row on the backend is projected as all channels disabled.
type Preference struct {
	TypeID string `json:"type_id"`
	Push   bool   `json:"push_enabled"`
	Email  bool   `json:"email_enabled"`
	SMS    bool   `json:"sms_enabled"`
}

// MutationResult is returned by mark-read and subscription operations so the
// caller can surface a toast; these operations never panic outward.
type MutationResult struct {
	Success bool  `json:"success"`
	Err     error `json:"-"`
}

func Ok() MutationResult { return MutationResult{Success: true} }

func Fail(err error) MutationResult { return MutationResult{Success: false, Err: err} }
