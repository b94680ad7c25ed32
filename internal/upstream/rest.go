package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/cafrisales/notification-gateway/internal/model"
)

// ErrUnauthorized is surfaced on 401 responses so the identity layer can
// refresh the token or force a sign-out; the client never retries with a
// credential the backend already rejected.
var ErrUnauthorized = errors.New("upstream rejected credential")

// APIError carries the upstream status for non-auth failures.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// ListQuery mirrors the filter parameters of GET /notifications.
type ListQuery struct {
	Limit    int
	Page     int
	IsRead   *bool
	Priority string
	TypeID   string
	FromDate string
	ToDate   string
}

// Backend is the REST surface of the out-of-scope notification backend.
// List returns raw items; normalization happens in the engine so push and
// REST records go through the same path.
type Backend interface {
	ListNotifications(ctx context.Context, q ListQuery) ([]json.RawMessage, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	MarkBatch(ctx context.Context, ids []string, read bool) error
	ListTypes(ctx context.Context) ([]model.TypeDescriptor, error)
	ListSubscriptions(ctx context.Context) ([]model.Preference, error)
	UpsertSubscription(ctx context.Context, pref model.Preference) error
}

// RESTClient talks to the backend on behalf of one identity. Calls are not
// auto-retried (a failed refresh is closed by the next reconnect pass); a
// circuit breaker keeps a dead backend from piling up timeouts.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

type RESTOptions struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func NewRESTClient(baseURL, token string, opts RESTOptions) *RESTClient {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "notification-backend",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
	})
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: opts.Timeout},
		cb:      cb,
	}
}

func (c *RESTClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	// auth failures must stay recognizable through the breaker wrap
	if err != nil && errors.Is(err, ErrUnauthorized) {
		return ErrUnauthorized
	}
	return err
}

func (c *RESTClient) ListNotifications(ctx context.Context, q ListQuery) ([]json.RawMessage, error) {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.IsRead != nil {
		v.Set("isRead", strconv.FormatBool(*q.IsRead))
	}
	if q.Priority != "" {
		v.Set("priority", q.Priority)
	}
	if q.TypeID != "" {
		v.Set("typeId", q.TypeID)
	}
	if q.FromDate != "" {
		v.Set("fromDate", q.FromDate)
	}
	if q.ToDate != "" {
		v.Set("toDate", q.ToDate)
	}
	path := "/notifications"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	// the backend wraps lists as {"data": [...]} but some deployments return
	// the bare array; accept both
	var wrapped struct {
		Data []json.RawMessage `json:"data"`
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode notification list: %w", err)
	}
	return items, nil
}

func (c *RESTClient) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *RESTClient) MarkRead(ctx context.Context, id string) error {
	body := map[string]any{"isRead": true}
	return c.doJSON(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id), body, nil)
}

func (c *RESTClient) MarkAllRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPatch, "/notifications/mark-all-read", nil, nil)
}

func (c *RESTClient) MarkBatch(ctx context.Context, ids []string, read bool) error {
	body := map[string]any{"ids": ids, "isRead": read}
	return c.doJSON(ctx, http.MethodPatch, "/notifications/batch", body, nil)
}

func (c *RESTClient) ListTypes(ctx context.Context) ([]model.TypeDescriptor, error) {
	var out []model.TypeDescriptor
	if err := c.doJSON(ctx, http.MethodGet, "/notifications/types", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) ListSubscriptions(ctx context.Context) ([]model.Preference, error) {
	var out []struct {
		TypeID   string `json:"typeId"`
		TypeCode string `json:"typeCode"`
		Push     bool   `json:"pushEnabled"`
		Email    bool   `json:"emailEnabled"`
		SMS      bool   `json:"smsEnabled"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notifications/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	prefs := make([]model.Preference, 0, len(out))
	for _, r := range out {
		id := r.TypeID
		if id == "" {
			id = r.TypeCode
		}
		prefs = append(prefs, model.Preference{TypeID: id, Push: r.Push, Email: r.Email, SMS: r.SMS})
	}
	return prefs, nil
}

// UpsertSubscription creates or updates the preference row; there is no
// delete, disabling a channel is an upsert with the flag false. Types that
// are not canonical UUIDs are addressed by symbolic code instead.
func (c *RESTClient) UpsertSubscription(ctx context.Context, pref model.Preference) error {
	body := map[string]any{
		"pushEnabled":  pref.Push,
		"emailEnabled": pref.Email,
		"smsEnabled":   pref.SMS,
	}
	if uuid.Validate(pref.TypeID) == nil {
		body["typeId"] = pref.TypeID
	} else {
		body["typeCode"] = pref.TypeID
	}
	return c.doJSON(ctx, http.MethodPut, "/notifications/subscriptions", body, nil)
}
