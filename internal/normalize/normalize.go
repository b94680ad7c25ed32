package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cafrisales/notification-gateway/internal/model"
)

// The upstream backend and the push channel do not agree on field names
// (id vs _id, timestamp vs createdAt, read vs isRead). Normalization is
// deliberately tolerant: missing fields fall back to safe zero values
// instead of failing the merge.

var ErrEmptyPayload = errors.New("empty notification payload")

// FromJSON decodes one wire item (push event data or REST list element)
// into the canonical record.
func FromJSON(raw []byte) (model.Notification, error) {
	if len(raw) == 0 {
		return model.Notification{}, ErrEmptyPayload
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return FromMap(m), nil
}

// FromMap builds the canonical record from an already-decoded wire item.
func FromMap(m map[string]any) model.Notification {
	n := model.Notification{
		Type:    str(m, "type", "typeId", "category"),
		Title:   str(m, "title"),
		Message: str(m, "message", "body", "text"),
		Read:    boolean(m, "read", "isRead"),
	}
	if d, ok := m["data"].(map[string]any); ok {
		n.Data = d
	}
	n.Timestamp = timestamp(m)
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	if at := str(m, "readAt", "read_at"); at != "" {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			n.ReadAt = &t
		}
	}
	n.ID = str(m, "id", "_id", "notificationId")
	if n.ID == "" {
		n.ID = SyntheticID(n.Timestamp, n.Title, n.Message)
		n.Synthetic = true
	}
	return n
}

// SyntheticID derives a stable content-hash identity for records the source
// did not assign an id to. Two distinct notifications with identical
// timestamp, title and message still collide; callers see the Synthetic
// flag and treat such records as degraded.
func SyntheticID(ts int64, title, message string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", ts, title, message)))
	return "syn_" + hex.EncodeToString(sum[:8])
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func boolean(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v
		}
	}
	return false
}

func timestamp(m map[string]any) int64 {
	for _, k := range []string{"timestamp", "createdAt", "created_at"} {
		switch v := m[k].(type) {
		case float64:
			// small values are seconds, not millis
			if v < 1e12 {
				return int64(v) * 1000
			}
			return int64(v)
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UnixMilli()
			}
		}
	}
	return 0
}
