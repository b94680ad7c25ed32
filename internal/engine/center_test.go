package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafrisales/notification-gateway/internal/cache"
	"github.com/cafrisales/notification-gateway/internal/model"
	"github.com/cafrisales/notification-gateway/internal/upstream"
)

type fakeBackend struct {
	mu    sync.Mutex
	items []map[string]any

	listGate   chan struct{} // when set, ListNotifications blocks until closed
	upsertGate chan struct{} // when set, UpsertSubscription blocks until closed

	markReadErr error
	markAllErr  error
	upsertErr   error

	markReadCalls []string
	markAllCalls  int
	upserts       []model.Preference

	types []model.TypeDescriptor
	subs  []model.Preference
}

func (f *fakeBackend) ListNotifications(ctx context.Context, q upstream.ListQuery) ([]json.RawMessage, error) {
	f.mu.Lock()
	gate := f.listGate
	items := make([]map[string]any, len(f.items))
	copy(items, f.items)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeBackend) UnreadCount(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeBackend) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, id)
	return f.markReadErr
}

func (f *fakeBackend) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllCalls++
	return f.markAllErr
}

func (f *fakeBackend) MarkBatch(ctx context.Context, ids []string, read bool) error { return nil }

func (f *fakeBackend) ListTypes(ctx context.Context) ([]model.TypeDescriptor, error) {
	return f.types, nil
}

func (f *fakeBackend) ListSubscriptions(ctx context.Context) ([]model.Preference, error) {
	return f.subs, nil
}

func (f *fakeBackend) UpsertSubscription(ctx context.Context, pref model.Preference) error {
	f.mu.Lock()
	gate := f.upsertGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, pref)
	return f.upsertErr
}

func item(id string, ts int64, title string, read bool) map[string]any {
	return map[string]any{
		"id": id, "type": "order_approved", "title": title,
		"message": "m-" + id, "timestamp": ts, "isRead": read,
	}
}

func newTestCenter(t *testing.T, backend *fakeBackend) (*Center, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore()
	c := New(Options{
		SessionKey: "user-1",
		Token:      "tok-1",
		Backend:    backend,
		Store:      store,
		AlertTTL:   time.Minute, // keep toasts visible to assertions
	})
	require.NoError(t, c.Start(context.Background()))
	return c, store
}

func push(c *Center, m map[string]any) {
	b, _ := json.Marshal(m)
	c.PushNotification(b)
}

func TestRefreshIsIdempotent(t *testing.T) {
	backend := &fakeBackend{items: []map[string]any{
		item("a", 300, "A", false),
		item("b", 200, "B", true),
	}}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx))
	first := c.Notifications()
	require.NoError(t, c.Refresh(ctx))
	second := c.Notifications()

	assert.Equal(t, first, second)
	require.Len(t, second, 2)
	assert.Equal(t, "a", second[0].ID) // newest first
	assert.Equal(t, "b", second[1].ID)
}

func TestInterleavedPushAndRefreshNeverDuplicate(t *testing.T) {
	backend := &fakeBackend{items: []map[string]any{
		item("a", 300, "A", false),
		item("b", 200, "B", false),
	}}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx))
	push(c, item("b", 200, "B again", false))
	push(c, item("c", 400, "C", false))
	require.NoError(t, c.Refresh(ctx))
	push(c, item("a", 300, "A again", false))

	list := c.Notifications()
	seen := map[string]int{}
	for _, n := range list {
		seen[n.ID]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
	assert.Equal(t, "c", list[0].ID)
}

func TestNoveltyGating(t *testing.T) {
	backend := &fakeBackend{items: []map[string]any{
		item("a", 300, "A", false),
		item("b", 200, "B", false),
		item("c", 100, "C", false),
	}}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()

	// first batch primes, nothing is announced
	require.NoError(t, c.Refresh(ctx))
	assert.Empty(t, c.Alerts())

	// a genuinely new push is announced once
	push(c, item("d", 400, "D", false))
	alerts := c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "d", alerts[0].NotificationID)

	// replaying a known id (second refresh, repeated push) announces nothing
	require.NoError(t, c.Refresh(ctx))
	push(c, item("a", 300, "A", false))
	assert.Len(t, c.Alerts(), 1)
}

func TestEmptyFirstBatchStillPrimes(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newTestCenter(t, backend)

	require.NoError(t, c.Refresh(context.Background()))
	assert.Empty(t, c.Alerts())

	push(c, item("x", 100, "X", false))
	require.Len(t, c.Alerts(), 1)
}

func TestRestoredRecordsAreNotReannounced(t *testing.T) {
	store := cache.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "user-1", []model.Notification{
		{ID: "old", Type: "order_approved", Title: "Old", Timestamp: 100},
	}))
	backend := &fakeBackend{items: []map[string]any{item("old", 100, "Old", false)}}
	c := New(Options{
		SessionKey: "user-1", Token: "tok-1",
		Backend: backend, Store: store, AlertTTL: time.Minute,
	})
	require.NoError(t, c.Start(context.Background()))

	require.Len(t, c.Notifications(), 1)
	require.NoError(t, c.Refresh(context.Background()))
	assert.Empty(t, c.Alerts())
}

func TestMarkAsReadIsOptimisticAndDoesNotRollBack(t *testing.T) {
	backend := &fakeBackend{
		items:       []map[string]any{item("a", 300, "A", false)},
		markReadErr: errors.New("backend down"),
	}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))

	res := c.MarkAsRead(ctx, "a")
	assert.False(t, res.Success)

	// the optimistic flag survives the failed confirmation; this is the
	// deliberate opposite of the preference-toggle policy below, where a
	// failed upsert reverts the flag. The next refresh reconciles.
	list := c.Notifications()
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)
	require.NotNil(t, list[0].ReadAt)
	assert.Equal(t, 0, c.UnreadCount())
}

func TestMarkAsReadUnknownID(t *testing.T) {
	c, _ := newTestCenter(t, &fakeBackend{})
	res := c.MarkAsRead(context.Background(), "nope")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUnknownNotification)
}

func TestMarkAllAsReadFlipsSynchronously(t *testing.T) {
	backend := &fakeBackend{
		items: []map[string]any{
			item("a", 300, "A", false),
			item("b", 200, "B", false),
		},
		markAllErr: errors.New("backend down"),
	}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, 2, c.UnreadCount())

	res := c.MarkAllAsRead(ctx)
	assert.False(t, res.Success)
	assert.Equal(t, 0, c.UnreadCount()) // flipped despite the failed confirm
	assert.Equal(t, 1, backend.markAllCalls)
}

func TestLastWriterWinsForSharedIDs(t *testing.T) {
	backend := &fakeBackend{items: []map[string]any{item("a", 300, "A", false)}}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))
	require.True(t, c.MarkAsRead(ctx, "a").Success)

	// incoming record wins wholesale: message updates AND its read=false
	// overrides the optimistic read flag
	push(c, map[string]any{
		"id": "a", "type": "order_approved", "title": "A",
		"message": "updated text", "timestamp": 300, "isRead": false,
	})
	list := c.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, "updated text", list[0].Message)
	assert.False(t, list[0].Read)
}

func TestIdentityTeardownClearsEverything(t *testing.T) {
	backend := &fakeBackend{items: []map[string]any{item("a", 300, "A", false)}}
	c, store := newTestCenter(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))
	require.Len(t, c.Notifications(), 1)

	c.Close(ctx)
	assert.Empty(t, c.Notifications())
	persisted, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, persisted)

	// a new identity starts clean on the same store
	c2 := New(Options{
		SessionKey: "user-2", Token: "tok-2",
		Backend: &fakeBackend{}, Store: store, AlertTTL: time.Minute,
	})
	require.NoError(t, c2.Start(ctx))
	assert.Empty(t, c2.Notifications())
}

func TestStaleRefreshResultDiscardedAfterTeardown(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{
		items:    []map[string]any{item("a", 300, "A", false)},
		listGate: gate,
	}
	c, store := newTestCenter(t, backend)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()

	// teardown fires while the fetch is in flight; its late result must not
	// repopulate the cleared cache
	time.Sleep(10 * time.Millisecond)
	c.Close(ctx)
	close(gate)
	require.NoError(t, <-done)

	assert.Empty(t, c.Notifications())
	persisted, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestClearAllIsLocalOnly(t *testing.T) {
	backend := &fakeBackend{items: []map[string]any{item("a", 300, "A", false)}}
	c, store := newTestCenter(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))

	c.ClearAll(ctx)
	assert.Empty(t, c.Notifications())
	assert.Empty(t, backend.markReadCalls)
	assert.Zero(t, backend.markAllCalls)
	persisted, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, persisted)

	// the backend remains authoritative: the next refresh repopulates
	require.NoError(t, c.Refresh(ctx))
	assert.Len(t, c.Notifications(), 1)
}

func TestPreferenceProjectionDefaultsToDisabled(t *testing.T) {
	backend := &fakeBackend{
		types: []model.TypeDescriptor{
			{ID: "11111111-2222-3333-4444-555555555555", Name: "Orders"},
			{ID: "route_updates", Name: "Routes"},
		},
		subs: []model.Preference{
			{TypeID: "11111111-2222-3333-4444-555555555555", Push: true, Email: true},
		},
	}
	c, _ := newTestCenter(t, backend)
	require.NoError(t, c.LoadPreferences(context.Background()))

	prefs := c.Preferences()
	require.Len(t, prefs, 2)
	assert.True(t, prefs[0].Push)
	assert.True(t, prefs[0].Email)
	// no row on the backend projects as all channels disabled
	assert.Equal(t, model.Preference{TypeID: "route_updates"}, prefs[1])
}

func TestPreferenceToggleRollsBackOnFailure(t *testing.T) {
	backend := &fakeBackend{
		types: []model.TypeDescriptor{{ID: "route_updates", Name: "Routes"}},
	}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()
	require.NoError(t, c.LoadPreferences(ctx))

	backend.mu.Lock()
	backend.upsertErr = errors.New("backend down")
	backend.mu.Unlock()

	res := c.Subscribe(ctx, "route_updates")
	assert.False(t, res.Success)
	// discrete setting: the failed toggle reverts, unlike mark-as-read
	assert.False(t, c.Preferences()[0].Push)

	backend.mu.Lock()
	backend.upsertErr = nil
	backend.mu.Unlock()

	require.True(t, c.Subscribe(ctx, "route_updates").Success)
	assert.True(t, c.Preferences()[0].Push)
}

func TestToggleUnknownType(t *testing.T) {
	c, _ := newTestCenter(t, &fakeBackend{})
	res := c.Subscribe(context.Background(), "ghost")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUnknownType)
}

func TestTogglePushCarriesConcurrentChannelEdits(t *testing.T) {
	const typeID = "route_updates"
	backend := &fakeBackend{
		types: []model.TypeDescriptor{{ID: typeID, Name: "Routes"}},
	}
	c, _ := newTestCenter(t, backend)
	ctx := context.Background()
	require.NoError(t, c.LoadPreferences(ctx))

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.upsertGate = gate
	backend.mu.Unlock()

	// an email edit is applied locally and parked in its upsert call
	setDone := make(chan model.MutationResult, 1)
	go func() { setDone <- c.SetChannels(ctx, typeID, false, true, false) }()
	require.Eventually(t, func() bool {
		for _, p := range c.Preferences() {
			if p.TypeID == typeID {
				return p.Email
			}
		}
		return false
	}, time.Second, time.Millisecond)

	// the toggle must read the row as it is now, not as it was loaded
	subDone := make(chan model.MutationResult, 1)
	go func() { subDone <- c.Subscribe(ctx, typeID) }()

	close(gate)
	require.True(t, (<-setDone).Success)
	require.True(t, (<-subDone).Success)

	prefs := c.Preferences()
	require.Len(t, prefs, 1)
	assert.True(t, prefs[0].Push)
	assert.True(t, prefs[0].Email)

	var toggled *model.Preference
	backend.mu.Lock()
	for i := range backend.upserts {
		if backend.upserts[i].Push {
			toggled = &backend.upserts[i]
		}
	}
	backend.mu.Unlock()
	require.NotNil(t, toggled)
	assert.True(t, toggled.Email, "toggle upsert lost the concurrent email edit")
}

type countingStore struct {
	*cache.MemoryStore
	mu    sync.Mutex
	saves int
}

func (s *countingStore) Save(ctx context.Context, key string, list []model.Notification) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, key, list)
}

func TestClearAllAfterTeardownKeepsStoreEmpty(t *testing.T) {
	backend := &fakeBackend{items: []map[string]any{item("a", 300, "A", false)}}
	store := &countingStore{MemoryStore: cache.NewMemoryStore()}
	c := New(Options{
		SessionKey: "user-1", Token: "tok-1",
		Backend: backend, Store: store, AlertTTL: time.Minute,
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Refresh(ctx))

	c.Close(ctx)
	store.mu.Lock()
	saved := store.saves
	store.mu.Unlock()

	// a clear racing the teardown must not recreate the session key
	c.ClearAll(ctx)
	store.mu.Lock()
	assert.Equal(t, saved, store.saves)
	store.mu.Unlock()
	restored, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestMergeKeepsExistingTimestampWhenIncomingHasNone(t *testing.T) {
	existing := model.Notification{ID: "a", Timestamp: 123, Read: true}
	incoming := model.Notification{ID: "a", Message: "new"}
	resolved := merge(existing, incoming)
	assert.Equal(t, int64(123), resolved.Timestamp)
	assert.Equal(t, "new", resolved.Message)
	assert.False(t, resolved.Read) // incoming read state wins
}
