// Package proxy implements the range-serving HTTP surface: authenticated
// byte-range delivery from the origin store with a presigned secondary-store
// fallback, plus the playback URL issuing endpoint.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/berrycast/berrycast/internal/access"
	"github.com/berrycast/berrycast/internal/analytics"
	"github.com/berrycast/berrycast/internal/auth"
	"github.com/berrycast/berrycast/internal/logging"
	"github.com/berrycast/berrycast/internal/media"
	"github.com/berrycast/berrycast/internal/metrics"
	"github.com/berrycast/berrycast/internal/storage"
)

// Config holds proxy behavior settings.
type Config struct {
	// OriginBaseURL is the public URL of the origin store; issued primary
	// playback URLs point at it.
	OriginBaseURL string

	// OriginTimeout bounds each origin fetch via cancellation.
	OriginTimeout time.Duration

	// SignedURLTTL is the validity window of fallback URLs.
	SignedURLTTL time.Duration
}

// Server serves /files and /files/playback. It is stateless per request:
// any number of concurrent range requests, including overlapping windows of
// the same file, are independent.
type Server struct {
	gate     access.Gate
	origin   storage.Origin
	signer   storage.Signer
	prober   *storage.Prober
	recorder *analytics.Recorder
	tokens   *auth.TokenParser
	cfg      Config
}

// NewServer creates the proxy server. signer may be nil when no secondary
// store is configured; fallback then degrades to 503.
func NewServer(
	gate access.Gate,
	origin storage.Origin,
	signer storage.Signer,
	prober *storage.Prober,
	recorder *analytics.Recorder,
	tokens *auth.TokenParser,
	cfg Config,
) *Server {
	if cfg.OriginTimeout == 0 {
		cfg.OriginTimeout = 30 * time.Second
	}
	if cfg.SignedURLTTL == 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}
	return &Server{
		gate:     gate,
		origin:   origin,
		signer:   signer,
		prober:   prober,
		recorder: recorder,
		tokens:   tokens,
		cfg:      cfg,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /files", s.handleFile)
	mux.HandleFunc("HEAD /files", s.handleFile)
	mux.HandleFunc("OPTIONS /files", s.handlePreflight)
	mux.HandleFunc("GET /files/playback", s.handlePlayback)
	mux.HandleFunc("OPTIONS /files/playback", s.handlePreflight)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, Content-Type")
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Range, Authorization")
	w.WriteHeader(http.StatusNoContent)
}

type errorPayload struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendErrorRetryable(w, code, message, false)
}

func (s *Server) sendErrorRetryable(w http.ResponseWriter, code int, message string, retryable bool) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorPayload{Error: message, Code: code, Retryable: retryable})
}

// identify resolves the requester: bearer-token claims win over the id
// query parameter. The empty string means no identity was supplied.
func (s *Server) identify(r *http.Request) string {
	if s.tokens != nil {
		if id := s.tokens.IdentityFromRequest(r); id != "" {
			return id
		}
	}
	return r.URL.Query().Get("id")
}

// authorize runs the identity and access checks shared by /files and
// /files/playback. Identity problems are reported before any file lookup so
// invalid identities learn nothing about file existence. On failure it has
// already written the response and returns nil.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, identity, path string) *access.Result {
	principal, err := s.gate.ResolveIdentity(r.Context(), identity)
	if err != nil {
		if errors.Is(err, access.ErrIdentityNotFound) {
			s.sendError(w, http.StatusNotFound, "identity not found")
		} else {
			logging.Error("identity resolution failed", zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "identity lookup failed")
		}
		return nil
	}
	if principal.Banned {
		s.sendError(w, http.StatusForbidden, "identity is banned")
		return nil
	}

	res, err := s.gate.Check(r.Context(), identity, path)
	if err != nil {
		logging.Error("access check failed", zap.String("path", path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "access check failed")
		return nil
	}
	if res.FileID == "" {
		s.sendError(w, http.StatusNotFound, "file not found")
		return nil
	}
	if !res.HasAccess {
		s.sendError(w, http.StatusForbidden, "access denied")
		return nil
	}
	return res
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	identity := s.identify(r)
	path := r.URL.Query().Get("path")
	if identity == "" || path == "" {
		s.sendError(w, http.StatusBadRequest, "id and path are required")
		return
	}

	res := s.authorize(w, r, identity, path)
	if res == nil {
		return
	}
	md := res.Metadata

	setCORS(w)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "public, max-age=3600, stale-while-revalidate=7200")

	if r.Method == http.MethodHead {
		// Players probe seekability with HEAD before transferring bytes.
		w.Header().Set("Content-Type", contentType(md))
		w.Header().Set("Content-Length", strconv.FormatInt(md.SizeBytes, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rng, err := ParseRange(r.Header.Get("Range"), md.SizeBytes)
	if errors.Is(err, ErrUnsatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", md.SizeBytes))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		metrics.RecordRangeRequest(http.StatusRequestedRangeNotSatisfiable, 0)
		return
	}

	// Hard per-fetch timeout; the same cancellation path aborts the origin
	// fetch when the client disconnects mid-stream.
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OriginTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.origin.Fetch(ctx, md.StoragePath, r.Header.Get("Range"))
	if err != nil || !result.OK() {
		metrics.RecordOriginFetch(time.Since(start), false)
		if err == nil {
			result.Body.Close()
			logging.Warn("origin returned unservable status",
				zap.String("path", path),
				zap.Int("status", result.StatusCode))
		} else {
			logging.Warn("origin fetch failed", zap.String("path", path), zap.Error(err))
		}
		s.redirectFallback(w, r, md, identity)
		return
	}
	metrics.RecordOriginFetch(time.Since(start), true)
	defer result.Body.Close()

	status := s.writeContentHeaders(w, r, md, rng, result)
	w.WriteHeader(status)

	n, err := io.Copy(w, result.Body)
	if err != nil {
		// Client went away or the timeout fired mid-stream.
		logging.Debug("content transfer interrupted",
			zap.String("path", path),
			zap.Int64("bytes", n),
			zap.Error(err))
	}
	metrics.RecordRangeRequest(status, n)
	s.recordView(r, md, identity, n)
}

// writeContentHeaders sets the entity headers for a servable origin
// response and returns the response status. Origin headers win; when the
// origin is silent, values are computed from the parsed range and the known
// total size.
func (s *Server) writeContentHeaders(w http.ResponseWriter, r *http.Request, md *media.FileDescriptor, rng *ByteRange, result *storage.FetchResult) int {
	if ct := result.ContentType; ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", contentType(md))
	}

	if result.Partial() {
		switch {
		case result.ContentRange != "":
			w.Header().Set("Content-Range", result.ContentRange)
		case rng != nil:
			w.Header().Set("Content-Range", rng.ContentRange(md.SizeBytes))
		}
		switch {
		case result.ContentLength >= 0:
			w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
		case rng != nil:
			w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
		}
		return http.StatusPartialContent
	}

	if result.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(md.SizeBytes, 10))
	}

	disposition := "inline"
	if isDownload(r) {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`%s; filename="%s"`, disposition, md.OriginalName))
	return http.StatusOK
}

// redirectFallback answers with a presigned secondary-store URL, or 503
// when the secondary store cannot serve either.
func (s *Server) redirectFallback(w http.ResponseWriter, r *http.Request, md *media.FileDescriptor, identity string) {
	if s.signer == nil {
		s.sendErrorRetryable(w, http.StatusServiceUnavailable, "storage server unavailable", true)
		metrics.RecordRangeRequest(http.StatusServiceUnavailable, 0)
		return
	}

	signed, err := s.signer.SignURL(r.Context(), md.StoragePath, s.cfg.SignedURLTTL)
	if err != nil {
		logging.Error("fallback signing failed", zap.String("path", md.StoragePath), zap.Error(err))
		s.sendErrorRetryable(w, http.StatusServiceUnavailable, "storage server unavailable", true)
		metrics.RecordRangeRequest(http.StatusServiceUnavailable, 0)
		return
	}

	setCORS(w)
	w.Header().Set("Location", signed)
	w.WriteHeader(http.StatusFound)
	metrics.RecordFallbackRedirect()
	metrics.RecordRangeRequest(http.StatusFound, 0)
	s.recordView(r, md, identity, 0)
}

// recordView hands the view off to the analytics recorder. Never blocks and
// never affects the already-written response.
func (s *Server) recordView(r *http.Request, md *media.FileDescriptor, identity string, bytes int64) {
	if s.recorder == nil {
		return
	}
	viewType := analytics.ViewPreview
	if r.Header.Get("Range") != "" {
		viewType = analytics.ViewStream
	}
	if isDownload(r) {
		viewType = analytics.ViewDownload
	}
	s.recorder.Record(analytics.ViewRecord{
		FileID:           md.ID,
		ViewerID:         identity,
		IP:               clientIP(r),
		UserAgent:        r.UserAgent(),
		ViewType:         viewType,
		BytesTransferred: bytes,
	})
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	identity := s.identify(r)
	path := r.URL.Query().Get("path")
	if identity == "" || path == "" {
		s.sendError(w, http.StatusBadRequest, "id and path are required")
		return
	}

	res := s.authorize(w, r, identity, path)
	if res == nil {
		return
	}
	md := res.Metadata

	bundle := media.PlaybackBundle{
		PrimaryURL:   originURL(s.cfg.OriginBaseURL, md.StoragePath),
		OriginOnline: true,
	}
	if s.prober != nil {
		bundle.OriginOnline = s.prober.Online(r.Context())
	}

	if s.signer != nil {
		if ok, _ := s.signer.Exists(r.Context(), md.StoragePath); ok {
			signed, err := s.signer.SignURL(r.Context(), md.StoragePath, s.cfg.SignedURLTTL)
			if err != nil {
				logging.Warn("fallback signing failed, issuing without fallback",
					zap.String("path", md.StoragePath), zap.Error(err))
			} else {
				bundle.FallbackURL = signed
			}
		}
	}

	if !bundle.OriginOnline && bundle.FallbackURL == "" {
		s.sendErrorRetryable(w, http.StatusServiceUnavailable, "origin unavailable", true)
		return
	}

	metrics.RecordPlaybackIssued(bundle.OriginOnline)
	s.recordView(r, md, identity, 0)

	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bundle)
}

func originURL(base, storagePath string) string {
	u := url.URL{Path: "/" + strings.TrimLeft(storagePath, "/")}
	return strings.TrimRight(base, "/") + u.EscapedPath()
}

func contentType(md *media.FileDescriptor) string {
	if md.MimeType != "" {
		return md.MimeType
	}
	return "application/octet-stream"
}

func isDownload(r *http.Request) bool {
	v := r.URL.Query().Get("download")
	return v == "1" || v == "true"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
