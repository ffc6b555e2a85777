// Package marketplace implements source.Source against the upstream marketplace
// JSON API.
//
// Expected endpoints:
//
//	GET {base}/{resource}?limit=...&cursor=...&since=...
//	  -> either {"items":[...],"nextCursor":"..."} or [...]
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/metrics"
	"github.com/timmy/playermarket/internal/ratelimit"
	"github.com/timmy/playermarket/internal/source"
)

const (
	SourceID   = "marketplace"
	SourceName = "Marketplace API"
)

// Options configures the adapter.
type Options struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	UserAgent      string
}

// Adapter fetches pages from the marketplace API through a shared rate limiter.
type Adapter struct {
	client     *resty.Client
	limiter    ratelimit.Limiter
	metrics    *metrics.Metrics
	limiterKey string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewAdapter creates a marketplace adapter.
// Parameters:
//   - opts: endpoint, credentials and retry policy.
//   - limiter: limiter shared by every stage hitting the same host; nil disables limiting.
//   - m: optional metrics sink.
// Returns:
//   - *Adapter: configured adapter.
//   - error: non-nil if BaseURL is missing or invalid.
func NewAdapter(opts Options, limiter ratelimit.Limiter, m *metrics.Metrics) (*Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "playermarket-sync/1.0"
	}

	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	client.SetHeader("User-Agent", ua)
	if opts.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+opts.APIKey)
	}

	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	return &Adapter{
		client:     client,
		limiter:    limiter,
		metrics:    m,
		limiterKey: u.Host,
		maxRetries: opts.MaxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

// GetSourceID returns the unique identifier for this source
func (a *Adapter) GetSourceID() string {
	return SourceID
}

// GetDisplayName returns a human-readable name for this source
func (a *Adapter) GetDisplayName() string {
	return SourceName
}

// FetchPage fetches one page, retrying transient failures with capped
// exponential backoff. A Retry-After header longer than the backoff wins.
func (a *Adapter) FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			a.metrics.IncUpstreamRetry(string(req.Resource))
			delay := Backoff(a.baseDelay, a.maxDelay, attempt-1)
			var te *transientError
			if errors.As(lastErr, &te) && te.retryAfter > delay {
				delay = te.retryAfter
			}
			logger.CtxWarn(ctx, "marketplace %s fetch attempt %d failed, retrying in %s: %v",
				req.Resource, attempt, delay, lastErr)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx, a.limiterKey); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		page, err := a.fetchOnce(ctx, req)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, source.ErrTransient) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", source.ErrRetriesExhausted, a.maxRetries+1, lastErr)
}

// Backoff returns min(base * 2^attempt, max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

type transientError struct {
	msg        string
	retryAfter time.Duration
}

func (e *transientError) Error() string { return e.msg }

func (e *transientError) Is(target error) bool { return target == source.ErrTransient }

func (a *Adapter) fetchOnce(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	start := time.Now()
	params := map[string]string{}
	if req.PageSize > 0 {
		params["limit"] = strconv.Itoa(req.PageSize)
	}
	if req.Cursor != "" {
		params["cursor"] = req.Cursor
	}
	if !req.Since.IsZero() {
		params["since"] = req.Since.UTC().Format(time.RFC3339Nano)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/" + string(req.Resource))
	if err != nil {
		a.metrics.ObserveUpstream(string(req.Resource), "error", time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNetworkError(err) {
			return nil, &transientError{msg: fmt.Sprintf("request %s: %v", req.Resource, err)}
		}
		return nil, fmt.Errorf("request %s: %w", req.Resource, err)
	}

	status := resp.StatusCode()
	a.metrics.ObserveUpstream(string(req.Resource), strconv.Itoa(status), time.Since(start))

	switch {
	case status == http.StatusTooManyRequests:
		return nil, &transientError{
			msg:        fmt.Sprintf("%s: rate limited (429)", req.Resource),
			retryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
		}
	case status >= 500:
		return nil, &transientError{
			msg:        fmt.Sprintf("%s: upstream status %d", req.Resource, status),
			retryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
		}
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("%s: upstream status %d", req.Resource, status)
	}

	return ParsePage(resp.Body(), req.PageSize)
}

// ParsePage accepts both object-wrapped and bare-array payloads. Elements that
// are not JSON objects are reported as malformed instead of failing the page.
// For bare arrays the next cursor is the last record's id when the page is full.
func ParsePage(body []byte, pageSize int) (*source.Page, error) {
	trimmed := bytes.TrimSpace(body)
	var items []json.RawMessage
	next := ""

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Items      []json.RawMessage `json:"items"`
			Data       []json.RawMessage `json:"data"`
			NextCursor *string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("page payload parse: %w", err)
		}
		items = wrapped.Items
		if items == nil {
			items = wrapped.Data
		}
		if wrapped.NextCursor != nil {
			next = *wrapped.NextCursor
		}
	} else {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("page payload parse: %w", err)
		}
		if pageSize > 0 && len(items) >= pageSize {
			next = lastID(items)
		}
	}

	page := &source.Page{Records: make([]json.RawMessage, 0, len(items)), NextCursor: next}
	for i, raw := range items {
		r := bytes.TrimSpace(raw)
		if len(r) == 0 || r[0] != '{' {
			page.Malformed = append(page.Malformed, source.RecordError{Index: i, Err: "record is not a JSON object"})
			continue
		}
		page.Records = append(page.Records, raw)
	}
	return page, nil
}

func lastID(items []json.RawMessage) string {
	for i := len(items) - 1; i >= 0; i-- {
		var probe struct {
			ID json.RawMessage `json:"id"`
		}
		if json.Unmarshal(items[i], &probe) != nil || len(probe.ID) == 0 {
			continue
		}
		return strings.Trim(string(probe.ID), `"`)
	}
	return ""
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
