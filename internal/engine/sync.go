package engine

import (
	"context"

	"github.com/cafrisales/notification-gateway/internal/events"
	"github.com/cafrisales/notification-gateway/internal/model"
	"github.com/cafrisales/notification-gateway/internal/normalize"
	"github.com/cafrisales/notification-gateway/internal/upstream"
)

// Refresh pulls the most recent page from the backend and reconciles it
// into the cache. It is idempotent and safe to call repeatedly; every
// reconnect calls it to close the gap left by undelivered push events.
// Errors are returned for callers that care and absorbed by those that
// don't (the reconnect hook just logs).
func (c *Center) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	raws, err := c.backend.ListNotifications(ctx, upstream.ListQuery{Limit: c.pageLimit, Page: 1})
	if err != nil {
		return err
	}
	recs := make([]model.Notification, 0, len(raws))
	for _, raw := range raws {
		rec, err := normalize.FromJSON(raw)
		if err != nil {
			c.log.Debugw("skipping malformed notification", "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	c.applyBatch(ctx, epoch, recs)
	return nil
}

// PushNotification feeds one raw push payload through normalization and the
// same upsert path a refresh uses. Exposed so callers (and the channel's
// event hook) can inject events.
func (c *Center) PushNotification(raw []byte) {
	rec, err := normalize.FromJSON(raw)
	if err != nil {
		c.log.Debugw("dropping malformed push event", "err", err)
		return
	}
	ctx := context.Background()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.list = upsert(c.list, rec)
	sortByTimestamp(c.list)
	novel := c.novelty.siftOne(rec)
	c.persistLocked(ctx)
	c.mu.Unlock()

	if novel {
		c.alerts.Publish(rec)
		if err := c.producer.Publish(ctx, events.Event{
			Kind: "delivered", SessionKey: c.sessionKey, NotificationID: rec.ID,
		}); err != nil {
			c.log.Debugw("event publish failed", "err", err)
		}
	}
}

// applyBatch upserts a refresh batch. The epoch captured when the fetch was
// dispatched guards against a stale response landing after the identity it
// belonged to was torn down.
func (c *Center) applyBatch(ctx context.Context, epoch uint64, recs []model.Notification) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	for _, rec := range recs {
		c.list = upsert(c.list, rec)
	}
	sortByTimestamp(c.list)
	novel := c.novelty.siftBatch(recs)
	c.persistLocked(ctx)
	c.mu.Unlock()

	for _, rec := range novel {
		c.alerts.Publish(rec)
	}
}

// upsert replaces the entry sharing the record's id or appends; the cache
// never holds two entries for one logical id.
func upsert(list []model.Notification, rec model.Notification) []model.Notification {
	for i := range list {
		if list[i].ID == rec.ID {
			list[i] = merge(list[i], rec)
			return list
		}
	}
	return append(list, rec)
}

func (c *Center) persistLocked(ctx context.Context) {
	if err := c.store.Save(ctx, c.sessionKey, c.list); err != nil {
		c.log.Warnw("session store save failed", "err", err)
	}
}
