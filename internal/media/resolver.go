package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/berrycast/berrycast/internal/logging"
	"github.com/berrycast/berrycast/internal/metrics"
	"github.com/berrycast/berrycast/pkg/retry"
)

// Phase is the resolution state machine phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseResolved
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseResolving:
		return "resolving"
	case PhaseResolved:
		return "resolved"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// FailureKind classifies a terminal resolution failure.
type FailureKind int

const (
	FailForbidden FailureKind = iota
	FailNotFound
	FailOriginUnavailable
	FailNetwork
)

func (k FailureKind) String() string {
	switch k {
	case FailForbidden:
		return "forbidden"
	case FailNotFound:
		return "not_found"
	case FailOriginUnavailable:
		return "origin_unavailable"
	case FailNetwork:
		return "network_error"
	}
	return "unknown"
}

// ResolveError is a classified resolution failure. Forbidden and NotFound
// are terminal; the UI offers a retry for the other kinds.
type ResolveError struct {
	Kind FailureKind
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Retryable reports whether the UI should offer a retry for this failure.
func (e *ResolveError) Retryable() bool {
	return e.Kind == FailOriginUnavailable || e.Kind == FailNetwork
}

// ErrSessionClosed is returned when a resolution result arrives after the
// session was closed; the result is discarded, never committed.
var ErrSessionClosed = errors.New("resolution session closed")

// ErrResolveInFlight is returned when Resolve is called while a previous
// resolution on the same session has not finished.
var ErrResolveInFlight = errors.New("resolution already in flight")

// PlaybackBundle is the payload of the URL issuing endpoint.
type PlaybackBundle struct {
	PrimaryURL   string `json:"primary_url"`
	FallbackURL  string `json:"fallback_url,omitempty"`
	OriginOnline bool   `json:"origin_online"`
}

// Issuer requests a playback URL bundle for a file. Transient failures are
// marked retryable via the retry package; terminal failures carry a
// *ResolveError.
type Issuer interface {
	IssuePlayback(ctx context.Context, identity, storagePath string) (*PlaybackBundle, error)
}

// sessionState is the immutable state of the resolution machine. Attempt
// counters and the committed descriptor live here, not in scattered fields.
type sessionState struct {
	Phase      Phase
	Attempt    int
	Generation uint64
	Descriptor *StreamDescriptor
	Failure    *ResolveError
}

type event interface{ isEvent() }

type eventAttempt struct{}
type eventCommit struct{ desc *StreamDescriptor }
type eventFail struct{ err *ResolveError }
type eventReset struct{}

func (eventAttempt) isEvent() {}
func (eventCommit) isEvent()  {}
func (eventFail) isEvent()    {}
func (eventReset) isEvent()   {}

// advance is the pure transition function of the resolution machine.
func advance(cur sessionState, ev event) sessionState {
	next := cur
	switch ev := ev.(type) {
	case eventAttempt:
		next.Phase = PhaseResolving
		next.Attempt++
		next.Descriptor = nil
		next.Failure = nil
	case eventCommit:
		next.Phase = PhaseResolved
		next.Descriptor = ev.desc
		next.Failure = nil
	case eventFail:
		next.Phase = PhaseFailed
		next.Descriptor = nil
		next.Failure = ev.err
	case eventReset:
		next.Phase = PhaseIdle
		next.Attempt = 0
		next.Generation++
		next.Descriptor = nil
		next.Failure = nil
	}
	return next
}

// Session resolves playback for one open preview. At most one resolution is
// in flight at a time; a result arriving after Close is discarded along with
// any locally held resource. The committed descriptor is superseded
// wholesale on retry, never patched.
type Session struct {
	issuer     Issuer
	policy     OriginPolicy
	publicBase string
	identity   string
	retryCfg   retry.Config

	mu       sync.Mutex
	state    sessionState
	inflight bool
	closed   bool
	resource io.Closer
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithRetryConfig overrides the issuance retry configuration.
func WithRetryConfig(cfg retry.Config) SessionOption {
	return func(s *Session) { s.retryCfg = cfg }
}

// NewSession creates a resolution session for one viewer and preview.
// publicBase is the externally reachable base URL of the range proxy, used
// when an unstable origin must be rerouted.
func NewSession(issuer Issuer, policy OriginPolicy, publicBase, identity string, opts ...SessionOption) *Session {
	s := &Session{
		issuer:     issuer,
		policy:     policy,
		publicBase: publicBase,
		identity:   identity,
		// 2 extra attempts after the first, with linearly increasing delay.
		retryCfg: retry.LinearConfig(3, 1500*time.Millisecond),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current machine phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

// Generation returns the remount generation. Players key their mount on it:
// a bump means tear down and rebuild, never patch in place.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Generation
}

// Descriptor returns the committed descriptor, or nil before commit.
func (s *Session) Descriptor() *StreamDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Descriptor
}

// Attach hands the session a locally acquired resource (e.g. an in-memory
// blob handle) tied to the current descriptor. It is released through the
// single cleanup path on close or supersede.
func (s *Session) Attach(res io.Closer) {
	s.mu.Lock()
	old := s.resource
	if s.closed {
		s.resource = nil
	} else {
		s.resource = res
	}
	closed := s.closed
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if closed && res != nil {
		res.Close()
	}
}

// releaseLocked is the single cleanup path for session-held resources.
// Callers hold s.mu.
func (s *Session) releaseLocked() {
	if s.resource != nil {
		s.resource.Close()
		s.resource = nil
	}
}

// Close discards the session. Any in-flight resolution result will be
// dropped instead of committed, and held resources are released.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.releaseLocked()
}

// Resolve determines the playback mode and URLs for file and commits exactly
// one StreamDescriptor. Players must not mount before it returns.
func (s *Session) Resolve(ctx context.Context, file FileDescriptor) (*StreamDescriptor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.inflight {
		s.mu.Unlock()
		return nil, ErrResolveInFlight
	}
	s.inflight = true
	s.mu.Unlock()

	desc, err := s.resolve(ctx, file)

	s.mu.Lock()
	s.inflight = false
	if s.closed {
		// Stale result after close: discard, release, never commit.
		s.releaseLocked()
		s.mu.Unlock()
		if desc != nil {
			logging.Debug("discarding resolution for closed session",
				zap.String("file_id", file.ID))
		}
		return nil, ErrSessionClosed
	}
	if err != nil {
		rerr := classifyResolveErr(err)
		s.state = advance(s.state, eventFail{err: rerr})
		s.mu.Unlock()
		metrics.RecordResolverAttempt(rerr.Kind.String())
		return nil, rerr
	}
	s.state = advance(s.state, eventCommit{desc: desc})
	s.mu.Unlock()
	metrics.RecordResolverAttempt("resolved")
	return desc, nil
}

// Retry discards the current descriptor, bumps the remount generation and
// re-runs resolution from scratch.
func (s *Session) Retry(ctx context.Context, file FileDescriptor) (*StreamDescriptor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.inflight {
		s.mu.Unlock()
		return nil, ErrResolveInFlight
	}
	s.releaseLocked()
	s.state = advance(s.state, eventReset{})
	s.mu.Unlock()
	return s.Resolve(ctx, file)
}

func (s *Session) resolve(ctx context.Context, file FileDescriptor) (*StreamDescriptor, error) {
	mode := ClassifyMode(file.MimeType, file.OriginalName)
	if mode == ModeUnsupported {
		// Terminal but not an error: the UI offers download instead.
		return &StreamDescriptor{Mode: ModeUnsupported}, nil
	}

	bundle, err := retry.DoWithResult(ctx, s.retryCfg, func() (*PlaybackBundle, error) {
		s.mu.Lock()
		s.state = advance(s.state, eventAttempt{})
		attempt := s.state.Attempt
		s.mu.Unlock()

		b, err := s.issuer.IssuePlayback(ctx, s.identity, file.StoragePath)
		if err != nil {
			logging.Warn("playback issuance failed",
				zap.String("file_id", file.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}

	primary := bundle.PrimaryURL
	fallback := bundle.FallbackURL

	if mode == ModeDirect {
		switch {
		case s.policy.IsAdaptive(primary):
			mode = ModeAdaptive
		case s.policy.IsUnstable(primary):
			// Never hand an unstable tunnel host to a video player.
			if fallback != "" {
				primary, fallback = fallback, ""
			} else {
				primary = ProxyURL(s.publicBase, s.identity, file.StoragePath)
			}
			logging.Info("rerouted unstable origin",
				zap.String("file_id", file.ID),
				zap.String("primary", primary))
		}
	}

	return &StreamDescriptor{
		Mode:         mode,
		PrimaryURL:   primary,
		FallbackURL:  fallback,
		OriginOnline: bundle.OriginOnline,
	}, nil
}

func classifyResolveErr(err error) *ResolveError {
	var rerr *ResolveError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &ResolveError{Kind: FailNetwork, Err: err}
}
