// Package storage defines the origin and secondary store interfaces the
// range proxy serves from.
package storage

import (
	"context"
	"io"
	"time"
)

// FetchResult is a streaming response from the origin store. Body must be
// closed by the caller; it streams, the whole object is never buffered.
type FetchResult struct {
	StatusCode    int
	ContentType   string
	ContentRange  string
	ContentLength int64 // -1 when the origin did not say
	Body          io.ReadCloser
}

// Partial reports whether the origin answered with a partial-content range.
func (r *FetchResult) Partial() bool {
	return r.StatusCode == 206
}

// OK reports whether the origin response is servable (full or partial).
func (r *FetchResult) OK() bool {
	return r.StatusCode == 200 || r.StatusCode == 206
}

// Origin fetches file bytes from the primary backing store. rangeHeader is
// forwarded verbatim ("" means the full object). Transport-level failures
// return an error; HTTP-level failures return the result for the caller to
// classify.
type Origin interface {
	Fetch(ctx context.Context, storagePath, rangeHeader string) (*FetchResult, error)

	// Ping cheaply probes origin liveness.
	Ping(ctx context.Context) error
}

// Signer issues time-limited pre-authorized URLs against the secondary
// store, used when the origin is unreachable.
type Signer interface {
	SignURL(ctx context.Context, storagePath string, ttl time.Duration) (string, error)

	// Exists reports whether the secondary store holds a copy of the object.
	Exists(ctx context.Context, storagePath string) (bool, error)
}
