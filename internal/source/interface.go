package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Resource names an upstream collection.
type Resource string

const (
	ResourcePlayers  Resource = "players"
	ResourceSales    Resource = "sales"
	ResourceListings Resource = "listings"
)

var (
	// ErrTransient marks upstream failures worth retrying (timeouts, 429, 5xx).
	ErrTransient = errors.New("transient upstream error")
	// ErrRetriesExhausted is returned once every retry of a transient failure has failed.
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
)

// PageRequest describes one paginated fetch.
type PageRequest struct {
	Resource Resource
	Cursor   string    // empty for the first page
	PageSize int       // maximum records per page
	Since    time.Time // exclusive lower bound; zero means none
}

// RecordError describes a record the adapter could not hand over.
type RecordError struct {
	Index int    `json:"index"`
	Err   string `json:"error"`
}

// Page is one page of raw upstream records.
type Page struct {
	Records    []json.RawMessage
	Malformed  []RecordError
	NextCursor string // empty when there are no more pages
}

// Source defines the interface for marketplace data sources.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	// Parameters: none.
	// Returns:
	//   - string: stable source identifier.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this source.
	GetDisplayName() string

	// FetchPage fetches one page of records starting from req.Cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - req: resource, cursor, page size and optional lower time bound.
	// Returns:
	//   - *Page: records and the cursor of the next page.
	//   - error: ErrRetriesExhausted after transient failures, or a permanent error.
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}
