package engine

import (
	"context"
	"errors"

	"github.com/cafrisales/notification-gateway/internal/model"
)

var ErrUnknownType = errors.New("notification type not in catalog")

// LoadPreferences fetches the full type catalog plus the user's preference
// rows, once per session. A type with no row is projected as all channels
// disabled; the backend never creates rows implicitly.
func (c *Center) LoadPreferences(ctx context.Context) error {
	types, err := c.backend.ListTypes(ctx)
	if err != nil {
		return err
	}
	rows, err := c.backend.ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	byType := make(map[string]model.Preference, len(rows))
	for _, r := range rows {
		byType[r.TypeID] = r
	}
	c.mu.Lock()
	c.types = types
	c.prefs = make(map[string]model.Preference, len(types))
	for _, t := range types {
		if p, ok := byType[t.ID]; ok {
			c.prefs[t.ID] = p
		} else {
			c.prefs[t.ID] = model.Preference{TypeID: t.ID}
		}
	}
	c.mu.Unlock()
	return nil
}

// Types returns the catalog in backend order.
func (c *Center) Types() []model.TypeDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.TypeDescriptor, len(c.types))
	copy(out, c.types)
	return out
}

// Preferences returns the projected preference rows, catalog order.
func (c *Center) Preferences() []model.Preference {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Preference, 0, len(c.types))
	for _, t := range c.types {
		out = append(out, c.prefs[t.ID])
	}
	return out
}

// SetChannels replaces the channel flags for one type, optimistically. The
// local flip happens before the upsert; on failure it is rolled back to the
// prior value. Unlike the read-state path this is a discrete setting, not an
// event stream; a settings screen showing a state the backend refused is
// worse than a reverted toggle.
func (c *Center) SetChannels(ctx context.Context, typeID string, push, email, sms bool) model.MutationResult {
	return c.applyPreference(ctx, typeID, func(model.Preference) model.Preference {
		return model.Preference{TypeID: typeID, Push: push, Email: email, SMS: sms}
	})
}

// applyPreference does the optimistic flip. mutate runs on the current row
// inside the critical section, so a toggle can never resurrect flags a
// concurrent mutation already changed.
func (c *Center) applyPreference(ctx context.Context, typeID string, mutate func(model.Preference) model.Preference) model.MutationResult {
	c.mu.Lock()
	prev, ok := c.prefs[typeID]
	if !ok {
		c.mu.Unlock()
		return model.Fail(ErrUnknownType)
	}
	next := mutate(prev)
	c.prefs[typeID] = next
	c.mu.Unlock()

	if err := c.backend.UpsertSubscription(ctx, next); err != nil {
		c.log.Warnw("subscription upsert failed, rolling back", "type", typeID, "err", err)
		c.mu.Lock()
		c.prefs[typeID] = prev
		c.mu.Unlock()
		return model.Fail(err)
	}
	return model.Ok()
}

// Subscribe enables push delivery for a category; other channel flags keep
// their current value. Also nudges the live channel so the session starts
// receiving the category without waiting for the backend to fan the change
// out (best effort).
func (c *Center) Subscribe(ctx context.Context, typeID string) model.MutationResult {
	return c.togglePush(ctx, typeID, true)
}

func (c *Center) Unsubscribe(ctx context.Context, typeID string) model.MutationResult {
	return c.togglePush(ctx, typeID, false)
}

func (c *Center) togglePush(ctx context.Context, typeID string, enabled bool) model.MutationResult {
	res := c.applyPreference(ctx, typeID, func(p model.Preference) model.Preference {
		p.Push = enabled
		return p
	})
	if res.Success && c.channel != nil {
		event := "subscribe"
		if !enabled {
			event = "unsubscribe"
		}
		if err := c.channel.Send(ctx, event, map[string]string{"typeId": typeID}); err != nil {
			c.log.Debugw("channel subscribe frame failed", "type", typeID, "err", err)
		}
	}
	return res
}
