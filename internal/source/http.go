package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"subdash/internal/events"
	appLog "subdash/internal/log"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// BaseURL is the API root; subscriptions live at BaseURL + "/subscriptions".
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retries is the transport-level retry count. The query client already
	// retries whole operations, so this is usually zero.
	Retries int
}

// HTTPSource reads and writes subscriptions through a JSON API. List sends
// If-None-Match with the last ETag and reuses the previous body on 304.
type HTTPSource struct {
	base   string
	token  string
	client *retryablehttp.Client

	mu   sync.Mutex
	etag string
	last []events.Subscription
}

func NewHTTPSource(opts HTTPOptions) (*HTTPSource, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("http source: base URL is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	c := retryablehttp.NewClient()
	c.RetryMax = opts.Retries
	c.HTTPClient.Timeout = opts.Timeout
	c.Logger = leveledLogger{}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPSource{base: base, token: opts.Token, client: c}, nil
}

func (h *HTTPSource) List(ctx context.Context) ([]events.Subscription, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.base+"/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	h.authorize(req)
	req.Header.Set("Accept", "application/json")

	h.mu.Lock()
	if h.etag != "" {
		req.Header.Set("If-None-Match", h.etag)
	}
	h.mu.Unlock()

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var subs []events.Subscription
		if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
			return nil, fmt.Errorf("list subscriptions: decode: %w", err)
		}
		h.mu.Lock()
		h.etag = resp.Header.Get("ETag")
		h.last = subs
		h.mu.Unlock()
		appLog.Debug("subscriptions fetched", "count", len(subs), "url", redactURL(h.base))
		return subs, nil

	case http.StatusNotModified:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.last == nil {
			return nil, errors.New("list subscriptions: 304 without cached body")
		}
		appLog.Debug("subscriptions not modified", "url", redactURL(h.base))
		return h.last, nil

	default:
		return nil, statusError("list subscriptions", resp)
	}
}

func (h *HTTPSource) Create(ctx context.Context, s events.Subscription) (events.Subscription, error) {
	if err := s.Validate(); err != nil {
		return events.Subscription{}, err
	}
	body, err := json.Marshal(s)
	if err != nil {
		return events.Subscription{}, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.base+"/subscriptions", body)
	if err != nil {
		return events.Subscription{}, err
	}
	h.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return events.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var created events.Subscription
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return events.Subscription{}, fmt.Errorf("create subscription: decode: %w", err)
		}
		return created, nil
	case http.StatusConflict:
		return events.Subscription{}, fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	default:
		return events.Subscription{}, statusError("create subscription", resp)
	}
}

func (h *HTTPSource) authorize(req *retryablehttp.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(msg)))
}

// leveledLogger routes retryablehttp logs into the app logger.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { appLog.Error(msg, nil, kv...) }
func (leveledLogger) Info(msg string, kv ...interface{})  { appLog.Debug(msg, kv...) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { appLog.Debug(msg, kv...) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { appLog.Info(msg, kv...) }

// redactURL keeps only scheme and host, since API URLs may carry tokens.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"
	_, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "...(redacted)"
	}
	host, _, _ := strings.Cut(rest, "/")
	return u[:len(u)-len(rest)] + host + redactedSuffix
}
