package api

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cafrisales/notification-gateway/internal/auth"
	"github.com/cafrisales/notification-gateway/internal/engine"
)

// CenterFactory builds the per-identity engine. onAuthError fires when the
// upstream rejects the session's token mid-flight.
type CenterFactory func(token, sessionKey string, onAuthError func(error)) *engine.Center

// Session binds one identity token to its Center.
type Session struct {
	Token  string
	Key    string
	Center *engine.Center
}

// SessionRegistry enforces the identity lifecycle: one live engine per
// identity, torn down when the token disappears or changes. A token change
// for the same user closes the old engine (cache cleared, channel stopped)
// before the new one starts; stale notifications must never leak across
// identities sharing a device.
type SessionRegistry struct {
	factory CenterFactory
	log     *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*Session // session key -> session
}

func NewSessionRegistry(factory CenterFactory, log *zap.SugaredLogger) *SessionRegistry {
	return &SessionRegistry{
		factory:  factory,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the live session for the token, creating or replacing as
// needed.
func (r *SessionRegistry) Acquire(ctx context.Context, token string) (*Session, error) {
	key := auth.SessionKey(token)

	r.mu.Lock()
	if s, ok := r.sessions[key]; ok && s.Token == token {
		r.mu.Unlock()
		return s, nil
	}
	old := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if old != nil {
		r.log.Infow("identity rotated, tearing down previous session", "session", key)
		old.Center.Close(ctx)
	}

	center := r.factory(token, key, func(err error) {
		r.log.Warnw("upstream rejected session credential", "session", key, "err", err)
		r.Drop(context.Background(), key)
	})
	s := &Session{Token: token, Key: key, Center: center}

	r.mu.Lock()
	// a concurrent Acquire may have won; keep the first engine
	if cur, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return cur, nil
	}
	r.sessions[key] = s
	r.mu.Unlock()

	// registered before the channel opens so an immediate auth rejection
	// finds the session to drop. The engine outlives the request that
	// created it; its channel must not inherit the request's cancellation.
	if err := center.Start(context.Background()); err != nil {
		r.mu.Lock()
		if r.sessions[key] == s {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
		center.Shutdown()
		return nil, err
	}
	// preference catalog is fetched once per session, off the hot path
	go func() {
		if err := center.LoadPreferences(context.Background()); err != nil {
			r.log.Warnw("preference load failed", "session", key, "err", err)
		}
	}()
	return s, nil
}

// Drop tears one session down (logout or auth rejection).
func (r *SessionRegistry) Drop(ctx context.Context, key string) {
	r.mu.Lock()
	s := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if s != nil {
		s.Center.Close(ctx)
	}
}

// CloseAll stops every engine on process shutdown; persisted inboxes are
// kept for the restart.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range all {
		s.Center.Shutdown()
	}
}
