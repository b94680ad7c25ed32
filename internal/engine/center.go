package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cafrisales/notification-gateway/internal/cache"
	"github.com/cafrisales/notification-gateway/internal/events"
	"github.com/cafrisales/notification-gateway/internal/model"
	"github.com/cafrisales/notification-gateway/internal/upstream"
)

// Center is the per-identity notification engine: it owns the merged cache,
// the push channel, read-state mutation, novelty gating, the toast bridge
// and preference sync. One Center lives exactly as long as its identity;
// teardown clears every trace of the session.
type Center struct {
	log      *zap.SugaredLogger
	backend  upstream.Backend
	store    cache.Store
	producer *events.Producer

	sessionKey string
	pageLimit  int

	wsURL        string
	channelToken string
	channelOpts  upstream.ChannelOptions
	channel      *upstream.Channel
	onAuthError  func(error)

	alerts *AlertBridge

	mu      sync.Mutex
	epoch   uint64
	closed  bool
	list    []model.Notification
	novelty noveltyClassifier
	types   []model.TypeDescriptor
	prefs   map[string]model.Preference
}

type Options struct {
	SessionKey string
	Token      string
	Backend    upstream.Backend
	Store      cache.Store
	Producer   *events.Producer
	Logger     *zap.SugaredLogger

	// WSURL empty means no push channel (REST-only operation, used by
	// tests and degraded deployments).
	WSURL                string
	ReconnectMaxAttempts uint64
	ReconnectDelay       time.Duration
	// OnAuthError receives channel auth rejections so the session layer
	// can drop the identity and force re-authentication.
	OnAuthError func(error)

	PageLimit int
	AlertTTL  time.Duration
	AlertMax  int
}

func New(opts Options) *Center {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.PageLimit == 0 {
		opts.PageLimit = 100
	}
	c := &Center{
		log:         log,
		backend:     opts.Backend,
		store:       opts.Store,
		producer:    opts.Producer,
		sessionKey:  opts.SessionKey,
		pageLimit:   opts.PageLimit,
		wsURL:       opts.WSURL,
		onAuthError: opts.OnAuthError,
		alerts:      newAlertBridge(opts.AlertTTL, opts.AlertMax),
		novelty:     newNoveltyClassifier(),
		prefs:       make(map[string]model.Preference),
	}
	c.channelOpts = upstream.ChannelOptions{
		MaxAttempts:    opts.ReconnectMaxAttempts,
		ReconnectDelay: opts.ReconnectDelay,
		Logger:         log,
		OnConnect: func() {
			// the channel has no replay; the refresh after every
			// (re)connect is the sole gap-closing mechanism
			go func() {
				if err := c.Refresh(context.Background()); err != nil {
					log.Warnw("post-connect refresh failed", "err", err)
				}
			}()
		},
		OnEvent: c.PushNotification,
		OnAuthError: func(err error) {
			if c.onAuthError != nil {
				c.onAuthError(err)
			}
		},
	}
	c.channelToken = opts.Token
	return c
}

// Start restores the persisted inbox for this session and opens the push
// channel. Restored records are known-historical: they seed the seen set so
// a reload does not replay them as toasts.
func (c *Center) Start(ctx context.Context) error {
	restored, err := c.store.Load(ctx, c.sessionKey)
	if err != nil {
		c.log.Warnw("session store load failed, starting empty", "err", err)
	}
	c.mu.Lock()
	c.list = restored
	sortByTimestamp(c.list)
	c.novelty.markSeen(ids(restored))
	c.mu.Unlock()

	if c.wsURL != "" {
		ch, err := upstream.NewChannel(c.wsURL, c.channelToken, c.channelOpts)
		if err != nil {
			return err
		}
		c.channel = ch
		ch.Start(ctx)
	}
	return nil
}

// Close tears the identity down: channel stopped, cache emptied, session
// storage removed. In-flight refreshes dispatched before Close observe the
// epoch bump and discard their results.
func (c *Center) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	c.list = nil
	c.novelty = newNoveltyClassifier()
	c.prefs = make(map[string]model.Preference)
	c.types = nil
	c.mu.Unlock()

	if c.channel != nil {
		c.channel.Stop()
	}
	if err := c.store.Clear(ctx, c.sessionKey); err != nil {
		c.log.Warnw("session store clear failed", "err", err)
	}
}

// Shutdown stops the engine without destroying the session: the persisted
// inbox stays so it is restored when the gateway comes back. Used on
// process shutdown, not on logout.
func (c *Center) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.epoch++
	c.mu.Unlock()
	if c.channel != nil {
		c.channel.Stop()
	}
}

// Notifications returns a snapshot of the merged inbox, newest first.
func (c *Center) Notifications() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Notification, len(c.list))
	copy(out, c.list)
	return out
}

// UnreadCount is always derived from the cache, never stored, so it cannot
// drift from the list it describes.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rec := range c.list {
		if !rec.Read {
			n++
		}
	}
	return n
}

func (c *Center) IsConnected() bool {
	return c.channel != nil && c.channel.IsConnected()
}

// ClearAll empties the durable cache without touching the backend; the next
// Refresh repopulates from the server's view. After teardown it is a no-op:
// saving here would recreate the session key Close just deleted.
func (c *Center) ClearAll(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.list = nil
	c.mu.Unlock()
	if err := c.store.Save(ctx, c.sessionKey, nil); err != nil {
		c.log.Warnw("session store save failed", "err", err)
	}
}

func (c *Center) Alerts() []Alert { return c.alerts.Active() }

func (c *Center) DismissAlert(id uint64) { c.alerts.Dismiss(id) }

// SubscribeAlerts attaches a toast consumer; the returned func detaches it.
func (c *Center) SubscribeAlerts() (<-chan Alert, func()) {
	return c.alerts.Subscribe()
}

func sortByTimestamp(list []model.Notification) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})
}

func ids(list []model.Notification) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.ID
	}
	return out
}
