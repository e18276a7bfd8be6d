package storage

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPOrigin fetches file bytes from an origin host over HTTP, typically a
// reverse tunnel in front of the machine actually holding the files.
type HTTPOrigin struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOrigin creates an origin client with a bounded connection pool.
// Per-fetch deadlines are the caller's job via context; the client itself
// carries no overall timeout so long streams are not cut off.
func NewHTTPOrigin(baseURL string) *HTTPOrigin {
	return &HTTPOrigin{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxConnsPerHost:       64,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func (o *HTTPOrigin) objectURL(storagePath string) string {
	u := url.URL{Path: "/" + strings.TrimLeft(storagePath, "/")}
	return o.baseURL + u.EscapedPath()
}

// Fetch requests the object, forwarding rangeHeader verbatim.
func (o *HTTPOrigin) Fetch(ctx context.Context, storagePath, rangeHeader string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.objectURL(storagePath), nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch %s: %w", storagePath, err)
	}

	length := int64(-1)
	if resp.ContentLength >= 0 {
		length = resp.ContentLength
	}

	return &FetchResult{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentRange:  resp.Header.Get("Content-Range"),
		ContentLength: length,
		Body:          resp.Body,
	}, nil
}

// Ping probes the origin base URL with a HEAD request.
func (o *HTTPOrigin) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("origin returned %d", resp.StatusCode)
	}
	return nil
}
