package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/berrycast/berrycast/pkg/retry"
)

func issuerAgainst(t *testing.T, handler http.HandlerFunc) (*HTTPIssuer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPIssuer(IssuerConfig{BaseURL: srv.URL}), srv
}

func TestIssuePlayback(t *testing.T) {
	issuer, _ := issuerAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/playback" {
			t.Errorf("path = %q, want /files/playback", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "u1" {
			t.Errorf("id = %q, want u1", got)
		}
		if got := r.URL.Query().Get("path"); got != "/videos/clip.mp4" {
			t.Errorf("path param = %q", got)
		}
		json.NewEncoder(w).Encode(PlaybackBundle{
			PrimaryURL:   "https://cdn.example.com/clip.mp4",
			FallbackURL:  "https://bucket.example.com/clip.mp4?sig=x",
			OriginOnline: true,
		})
	})

	bundle, err := issuer.IssuePlayback(context.Background(), "u1", "/videos/clip.mp4")
	if err != nil {
		t.Fatalf("IssuePlayback error: %v", err)
	}
	if bundle.PrimaryURL != "https://cdn.example.com/clip.mp4" {
		t.Errorf("PrimaryURL = %q", bundle.PrimaryURL)
	}
	if bundle.FallbackURL == "" || !bundle.OriginOnline {
		t.Errorf("bundle fields lost: %+v", bundle)
	}
}

func TestIssuePlaybackSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(PlaybackBundle{PrimaryURL: "https://x/y", OriginOnline: true})
	}))
	defer srv.Close()

	issuer := NewHTTPIssuer(IssuerConfig{BaseURL: srv.URL, AuthToken: "tok123"})
	if _, err := issuer.IssuePlayback(context.Background(), "u1", "/v.mp4"); err != nil {
		t.Fatalf("IssuePlayback error: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

func TestIssuePlaybackErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantKind      FailureKind
		wantRetryable bool
	}{
		{"forbidden", http.StatusForbidden, FailForbidden, false},
		{"unauthorized", http.StatusUnauthorized, FailForbidden, false},
		{"not found", http.StatusNotFound, FailNotFound, false},
		{"unavailable", http.StatusServiceUnavailable, FailOriginUnavailable, true},
		{"bad gateway", http.StatusBadGateway, FailOriginUnavailable, true},
		{"bad request", http.StatusBadRequest, FailNetwork, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer, _ := issuerAgainst(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(issueErrorPayload{Error: "nope", Code: tt.status})
			})

			_, err := issuer.IssuePlayback(context.Background(), "u1", "/v.mp4")
			if err == nil {
				t.Fatal("IssuePlayback succeeded, want error")
			}

			var rerr *ResolveError
			if !errors.As(err, &rerr) {
				t.Fatalf("error type %T, want *ResolveError", err)
			}
			if rerr.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", rerr.Kind, tt.wantKind)
			}
			if retry.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("IsRetryable = %v, want %v", retry.IsRetryable(err), tt.wantRetryable)
			}
		})
	}
}

func TestIssuePlaybackTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	issuer := NewHTTPIssuer(IssuerConfig{BaseURL: srv.URL})
	_, err := issuer.IssuePlayback(context.Background(), "u1", "/v.mp4")
	if err == nil {
		t.Fatal("IssuePlayback succeeded against a closed server")
	}
	if !retry.IsRetryable(err) {
		t.Errorf("transport error not retryable: %v", err)
	}

	var rerr *ResolveError
	if !errors.As(err, &rerr) || rerr.Kind != FailNetwork {
		t.Errorf("error = %v, want network ResolveError", err)
	}
}
