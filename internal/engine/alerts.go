package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cafrisales/notification-gateway/internal/model"
)

// Alert is the ephemeral toast projection of a novel record. Alert ids come
// from a local monotonic counter, never from the notification id, so the
// bridge cannot misclassify its own duplicates even though it is
// denormalized from the same stream as the durable cache.
type Alert struct {
	ID             uint64         `json:"id"`
	NotificationID string         `json:"notification_id"`
	Severity       model.Severity `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	CreatedAt      time.Time      `json:"created_at"`
}

var severityByType = map[string]model.Severity{
	"order_approved":  model.SeveritySuccess,
	"order_delivered": model.SeveritySuccess,
	"order_rejected":  model.SeverityError,
	"credit_blocked":  model.SeverityError,
	"sync_error":      model.SeverityError,
	"payment_due":     model.SeverityWarning,
	"picking_delayed": model.SeverityWarning,
	"stock_low":       model.SeverityWarning,
}

func severityFor(notifType string) model.Severity {
	if s, ok := severityByType[notifType]; ok {
		return s
	}
	return model.SeverityInfo
}

// AlertBridge keeps a bounded list of live toasts with TTL auto-expiry and
// fans new ones out to subscribed consumers (the websocket feed).
type AlertBridge struct {
	ttl time.Duration
	max int

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	mu     sync.Mutex
	active []Alert
	subs   map[uint64]chan Alert
}

func newAlertBridge(ttl time.Duration, max int) *AlertBridge {
	if ttl == 0 {
		ttl = 6 * time.Second
	}
	if max == 0 {
		max = 5
	}
	return &AlertBridge{ttl: ttl, max: max, subs: make(map[uint64]chan Alert)}
}

func (b *AlertBridge) Publish(n model.Notification) Alert {
	a := Alert{
		ID:             b.nextID.Add(1),
		NotificationID: n.ID,
		Severity:       severityFor(n.Type),
		Title:          n.Title,
		Message:        n.Message,
		CreatedAt:      time.Now(),
	}
	b.mu.Lock()
	b.active = append(b.active, a)
	if len(b.active) > b.max {
		b.active = b.active[len(b.active)-b.max:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- a:
		default:
			// slow consumer loses the toast, never blocks the stream
		}
	}
	b.mu.Unlock()

	time.AfterFunc(b.ttl, func() { b.Dismiss(a.ID) })
	return a
}

func (b *AlertBridge) Active() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, len(b.active))
	copy(out, b.active)
	return out
}

func (b *AlertBridge) Dismiss(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.active {
		if b.active[i].ID == id {
			b.active = append(b.active[:i], b.active[i+1:]...)
			return
		}
	}
}

// Subscribe returns a buffered alert feed and its detach func.
func (b *AlertBridge) Subscribe() (<-chan Alert, func()) {
	ch := make(chan Alert, 16)
	id := b.nextSub.Add(1)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
