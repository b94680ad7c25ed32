package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrChannelAuth is reported through OnAuthError when the server rejects the
// credential during the handshake; the channel does not keep retrying with a
// known-bad token.
var ErrChannelAuth = errors.New("channel authentication rejected")

const notificationEvent = "notification"

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChannelOptions tunes the reconnect budget. Delay is fixed between attempts
// (no jitter, no growth): a blown budget only means stale notifications, the
// post-reconnect refresh closes the gap.
type ChannelOptions struct {
	MaxAttempts    uint64
	ReconnectDelay time.Duration
	Logger         *zap.SugaredLogger

	// OnConnect fires after every successful (re)connect; the engine hangs
	// its reconciliation refresh here.
	OnConnect func()
	OnEvent   func(data []byte)
	// OnAuthError runs on its own goroutine so the handler may call Stop.
	OnAuthError func(err error)
}

// Channel owns one live push connection scoped to the notifications
// namespace for a single identity token.
type Channel struct {
	dialURL string
	token   string
	opts    ChannelOptions
	log     *zap.SugaredLogger

	connected atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewChannel(wsURL, token string, opts ChannelOptions) (*Channel, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 10
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	// token rides both as query parameter and (at dial time) as header;
	// server-side auth extraction differs between deployments
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("namespace", "notifications")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return &Channel{dialURL: u.String(), token: token, opts: opts, log: log}, nil
}

func (c *Channel) IsConnected() bool { return c.connected.Load() }

// Start runs the connect/read/reconnect loop until Stop or context
// cancellation. Auth rejection stops the loop after OnAuthError.
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer c.connected.Store(false)
		for {
			err := c.runOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrChannelAuth) {
				c.log.Warnw("channel auth rejected, giving up", "err", err)
				if h := c.opts.OnAuthError; h != nil {
					// the handler tears the owning session down, which
					// calls Stop and waits for this goroutine to exit;
					// it must run detached
					go h(err)
				}
				return
			}
			if err != nil {
				c.log.Warnw("channel closed, retrying", "err", err)
				continue
			}
			// retry budget exhausted inside runOnce
			return
		}
	}()
}

// Stop tears the channel down; safe to call more than once.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// runOnce dials with the bounded constant-delay budget, then reads until the
// connection drops. Returns nil when the budget is exhausted.
func (c *Channel) runOnce(ctx context.Context) error {
	var conn *websocket.Conn
	dial := func() error {
		dc, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelAuth) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = dc
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.ReconnectDelay), c.opts.MaxAttempts),
		ctx,
	)
	if err := backoff.Retry(dial, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Errorw("channel retry budget exhausted", "attempts", c.opts.MaxAttempts, "err", err)
		return nil
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.log.Infow("channel connected")
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	err := c.readLoop(ctx, conn)
	c.connected.Store(false)
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	return err
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.token)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, c.dialURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrChannelAuth
		}
		return nil, err
	}
	conn.SetReadLimit(64 * 1024)
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debugw("dropping malformed frame", "err", err)
			continue
		}
		if env.Event != notificationEvent {
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(env.Data)
		}
	}
}

// Send writes one outbound frame (category subscribe/unsubscribe). Best
// effort: an error just means the REST upsert is the only record of the
// change.
func (c *Channel) Send(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("channel not connected")
	}
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}
