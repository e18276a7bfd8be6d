package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/berrycast/berrycast/pkg/retry"
)

// HTTPIssuer requests playback bundles from the delivery server's issuing
// endpoint over HTTP.
type HTTPIssuer struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// IssuerConfig holds HTTPIssuer configuration.
type IssuerConfig struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
}

// NewHTTPIssuer creates an issuer client with a pooled transport.
func NewHTTPIssuer(cfg IssuerConfig) *HTTPIssuer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPIssuer{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

type issueErrorPayload struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Retryable bool   `json:"retryable"`
}

// IssuePlayback fetches the playback URL bundle for a file.
// Service-unavailable-class responses and transport errors come back marked
// retryable; permission and not-found errors are terminal.
func (c *HTTPIssuer) IssuePlayback(ctx context.Context, identity, storagePath string) (*PlaybackBundle, error) {
	q := url.Values{}
	q.Set("id", identity)
	q.Set("path", storagePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/playback?"+q.Encode(), nil)
	if err != nil {
		return nil, &ResolveError{Kind: FailNetwork, Err: err}
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Retryable(&ResolveError{Kind: FailNetwork, Err: err})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var bundle PlaybackBundle
		if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
			return nil, retry.Retryable(&ResolveError{Kind: FailNetwork, Err: err})
		}
		return &bundle, nil

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, &ResolveError{Kind: FailForbidden, Err: decodeIssueError(resp)}

	case resp.StatusCode == http.StatusNotFound:
		return nil, &ResolveError{Kind: FailNotFound, Err: decodeIssueError(resp)}

	case resp.StatusCode >= 500:
		return nil, retry.Retryable(&ResolveError{Kind: FailOriginUnavailable, Err: decodeIssueError(resp)})

	default:
		return nil, &ResolveError{Kind: FailNetwork, Err: decodeIssueError(resp)}
	}
}

func decodeIssueError(resp *http.Response) error {
	var payload issueErrorPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
