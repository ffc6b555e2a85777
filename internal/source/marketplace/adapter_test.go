package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/playermarket/internal/source"
)

func newTestAdapter(t *testing.T, url string, retries int) *Adapter {
	t.Helper()
	a, err := NewAdapter(Options{
		BaseURL:        url,
		Timeout:        2 * time.Second,
		MaxRetries:     retries,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return a
}

func TestFetchPageWrappedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/players", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":1},{"id":2}],"nextCursor":"def"}`))
	}))
	defer srv.Close()

	page, err := newTestAdapter(t, srv.URL, 0).FetchPage(context.Background(), source.PageRequest{
		Resource: source.ResourcePlayers, Cursor: "abc", PageSize: 2,
	})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, "def", page.NextCursor)
}

func TestParsePageBareArray(t *testing.T) {
	page, err := ParsePage([]byte(`[{"id":"a"},{"id":"b"}]`), 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, "b", page.NextCursor, "full bare page continues from the last id")

	page, err = ParsePage([]byte(`[{"id":"a"}]`), 2)
	require.NoError(t, err)
	assert.Empty(t, page.NextCursor, "short page is the last one")
}

func TestParsePageMalformedRecordDoesNotAbort(t *testing.T) {
	page, err := ParsePage([]byte(`{"items":[{"id":1},42,null,{"id":2}],"nextCursor":null}`), 10)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	require.Len(t, page.Malformed, 2)
	assert.Equal(t, 1, page.Malformed[0].Index)
	assert.Empty(t, page.NextCursor)
}

func TestFetchPageRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	page, err := newTestAdapter(t, srv.URL, 3).FetchPage(context.Background(), source.PageRequest{Resource: source.ResourceSales})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchPageExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL, 2).FetchPage(context.Background(), source.PageRequest{Resource: source.ResourceSales})
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrRetriesExhausted)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchPageClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL, 3).FetchPage(context.Background(), source.PageRequest{Resource: source.ResourceListings})
	require.Error(t, err)
	assert.NotErrorIs(t, err, source.ErrRetriesExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(100*time.Millisecond, time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}
