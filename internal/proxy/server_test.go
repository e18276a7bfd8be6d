package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/berrycast/berrycast/internal/access"
	"github.com/berrycast/berrycast/internal/analytics"
	"github.com/berrycast/berrycast/internal/auth"
	"github.com/berrycast/berrycast/internal/media"
	"github.com/berrycast/berrycast/internal/storage"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeGate struct {
	mu         sync.Mutex
	principals map[string]*access.Principal
	files      map[string]*media.FileDescriptor
	granted    map[string]bool // storagePath -> access for any identity
	checkCalls int
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		principals: make(map[string]*access.Principal),
		files:      make(map[string]*media.FileDescriptor),
		granted:    make(map[string]bool),
	}
}

func (g *fakeGate) ResolveIdentity(ctx context.Context, id string) (*access.Principal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.principals[id]
	if !ok {
		return nil, access.ErrIdentityNotFound
	}
	return p, nil
}

func (g *fakeGate) Check(ctx context.Context, identity, storagePath string) (*access.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkCalls++
	fd, ok := g.files[storagePath]
	if !ok {
		return &access.Result{}, nil
	}
	if !g.granted[storagePath] {
		return &access.Result{FileID: fd.ID}, nil
	}
	return &access.Result{HasAccess: true, FileID: fd.ID, Metadata: fd}, nil
}

func (g *fakeGate) checkCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkCalls
}

// fakeOrigin serves ranges out of an in-memory object, mimicking an HTTP
// origin that honors Range headers.
type fakeOrigin struct {
	data    []byte
	failErr error
	status  int // non-zero forces this status with an empty body
}

func (o *fakeOrigin) Fetch(ctx context.Context, storagePath, rangeHeader string) (*storage.FetchResult, error) {
	if o.failErr != nil {
		return nil, o.failErr
	}
	if o.status != 0 {
		return &storage.FetchResult{
			StatusCode:    o.status,
			ContentLength: -1,
			Body:          io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}

	total := int64(len(o.data))
	rng, err := ParseRange(rangeHeader, total)
	if err != nil {
		return &storage.FetchResult{
			StatusCode:    http.StatusRequestedRangeNotSatisfiable,
			ContentLength: -1,
			Body:          io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}
	if rng == nil {
		return &storage.FetchResult{
			StatusCode:    http.StatusOK,
			ContentType:   "video/mp4",
			ContentLength: total,
			Body:          io.NopCloser(bytes.NewReader(o.data)),
		}, nil
	}
	return &storage.FetchResult{
		StatusCode:    http.StatusPartialContent,
		ContentType:   "video/mp4",
		ContentRange:  rng.ContentRange(total),
		ContentLength: rng.Length(),
		Body:          io.NopCloser(bytes.NewReader(o.data[rng.Start : rng.End+1])),
	}, nil
}

func (o *fakeOrigin) Ping(ctx context.Context) error {
	return o.failErr
}

type fakeSigner struct {
	url    string
	err    error
	exists bool
}

func (s *fakeSigner) SignURL(ctx context.Context, storagePath string, ttl time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

func (s *fakeSigner) Exists(ctx context.Context, storagePath string) (bool, error) {
	return s.exists, nil
}

type captureSink struct {
	mu      sync.Mutex
	records []analytics.ViewRecord
	failErr error
}

func (s *captureSink) InsertView(ctx context.Context, v *analytics.ViewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *v)
	return s.failErr
}

func (s *captureSink) all() []analytics.ViewRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analytics.ViewRecord(nil), s.records...)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

const testPath = "/videos/demo.mp4"

func testFile(size int64) *media.FileDescriptor {
	return &media.FileDescriptor{
		ID:           "file-1",
		DisplayName:  "demo",
		OriginalName: "demo.mp4",
		MimeType:     "video/mp4",
		SizeBytes:    size,
		StoragePath:  testPath,
	}
}

type testEnv struct {
	gate     *fakeGate
	origin   *fakeOrigin
	signer   *fakeSigner
	sink     *captureSink
	recorder *analytics.Recorder
	handler  http.Handler
}

func newTestEnv(t *testing.T, data []byte) *testEnv {
	t.Helper()

	gate := newFakeGate()
	gate.principals["u1"] = &access.Principal{ID: "u1", Kind: access.KindUser}
	gate.principals["banned"] = &access.Principal{ID: "banned", Kind: access.KindGuest, Banned: true}
	gate.files[testPath] = testFile(int64(len(data)))
	gate.granted[testPath] = true

	origin := &fakeOrigin{data: data}
	signer := &fakeSigner{url: "https://secondary.example.com/signed", exists: true}
	sink := &captureSink{}
	recorder := analytics.NewRecorder(sink, 64)
	recorder.Start(context.Background())

	srv := NewServer(gate, origin, signer, nil, recorder, auth.NewTokenParser(""), Config{
		OriginBaseURL: "https://origin.example.com",
		OriginTimeout: 5 * time.Second,
	})

	return &testEnv{
		gate:     gate,
		origin:   origin,
		signer:   signer,
		sink:     sink,
		recorder: recorder,
		handler:  srv.Handler(),
	}
}

func (e *testEnv) get(t *testing.T, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// ─── Serving ────────────────────────────────────────────────────────────────

func TestServeFullFile(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	env := newTestEnv(t, data)
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != "1000" {
		t.Errorf("Content-Length = %q, want 1000", got)
	}
	if got := w.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=3600, stale-while-revalidate=7200" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := w.Header().Get("Content-Disposition"); got != `inline; filename="demo.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if !bytes.Equal(w.Body.Bytes(), data) {
		t.Errorf("body length = %d, want %d", w.Body.Len(), len(data))
	}
}

func TestServeRange(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	env := newTestEnv(t, data)
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, map[string]string{"Range": "bytes=100-199"})

	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Errorf("Content-Range = %q, want %q", got, "bytes 100-199/1000")
	}
	if got := w.Header().Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q, want 100", got)
	}
	if !bytes.Equal(w.Body.Bytes(), data[100:200]) {
		t.Errorf("body does not match requested slice")
	}
}

func TestServeOpenEndedRange(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 1000)
	env := newTestEnv(t, data)
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, map[string]string{"Range": "bytes=500-"})

	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 500-999/1000" {
		t.Errorf("Content-Range = %q, want %q", got, "bytes 500-999/1000")
	}
	if w.Body.Len() != 500 {
		t.Errorf("body length = %d, want 500", w.Body.Len())
	}
}

func TestServeRangeUnsatisfiable(t *testing.T) {
	env := newTestEnv(t, bytes.Repeat([]byte("z"), 1000))
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, map[string]string{"Range": "bytes=1000-"})

	if w.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes */1000" {
		t.Errorf("Content-Range = %q, want %q", got, "bytes */1000")
	}
}

func TestHeadProbesSeekability(t *testing.T) {
	env := newTestEnv(t, bytes.Repeat([]byte("h"), 512))
	defer env.recorder.Stop()

	req := httptest.NewRequest(http.MethodHead, "/files?id=u1&path="+testPath, nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != "512" {
		t.Errorf("Content-Length = %q, want 512", got)
	}
	if got := w.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", got)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD response has a body (%d bytes)", w.Body.Len())
	}
}

// ─── Auth ordering ──────────────────────────────────────────────────────────

func TestMissingParams(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	defer env.recorder.Stop()

	for _, target := range []string{"/files", "/files?id=u1", "/files?path=" + testPath} {
		w := env.get(t, target, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, w.Code)
		}
	}
}

func TestUnknownIdentity(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=nobody&path="+testPath, nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if n := env.gate.checkCount(); n != 0 {
		t.Errorf("access check ran %d times for unknown identity, want 0", n)
	}
}

func TestBannedIdentityRejectedBeforeFileLookup(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=banned&path="+testPath, nil)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if n := env.gate.checkCount(); n != 0 {
		t.Errorf("access check ran %d times for banned identity, want 0", n)
	}
}

func TestFileNotFound(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path=/nope.bin", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAccessDenied(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	env.gate.granted[testPath] = false
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

// ─── Fallback ───────────────────────────────────────────────────────────────

func TestFallbackRedirect(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	env.origin.failErr = errors.New("connection refused")
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, nil)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://secondary.example.com/signed" {
		t.Errorf("Location = %q", got)
	}
}

func TestFallbackOnOriginErrorStatus(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	env.origin.status = http.StatusBadGateway
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, nil)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
}

func TestBothStoresUnavailable(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	env.origin.failErr = errors.New("connection refused")
	env.signer.err = errors.New("presign failed")
	defer env.recorder.Stop()

	w := env.get(t, "/files?id=u1&path="+testPath, nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var payload struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !payload.Retryable {
		t.Errorf("503 payload not marked retryable")
	}
}

// ─── Analytics isolation ────────────────────────────────────────────────────

func TestAnalyticsRecordsServedSlice(t *testing.T) {
	env := newTestEnv(t, bytes.Repeat([]byte("a"), 1000))

	w := env.get(t, "/files?id=u1&path="+testPath, map[string]string{"Range": "bytes=100-199"})
	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", w.Code)
	}

	env.recorder.Stop()

	records := env.sink.all()
	if len(records) != 1 {
		t.Fatalf("got %d view records, want 1", len(records))
	}
	v := records[0]
	if v.BytesTransferred != 100 {
		t.Errorf("BytesTransferred = %d, want 100 (served slice, not file size)", v.BytesTransferred)
	}
	if v.ViewType != analytics.ViewStream {
		t.Errorf("ViewType = %q, want %q", v.ViewType, analytics.ViewStream)
	}
	if v.FileID != "file-1" || v.ViewerID != "u1" {
		t.Errorf("record identity = (%q, %q)", v.FileID, v.ViewerID)
	}
}

func TestAnalyticsFailureDoesNotAffectResponse(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 1000)
	env := newTestEnv(t, data)
	env.sink.failErr = errors.New("analytics database down")

	w := env.get(t, "/files?id=u1&path="+testPath, map[string]string{"Range": "bytes=0-499"})

	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206 despite failing recorder", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), data[:500]) {
		t.Errorf("body corrupted by recorder failure")
	}

	env.recorder.Stop()
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestConcurrentDisjointRanges(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	env := newTestEnv(t, data)
	defer env.recorder.Stop()

	type result struct {
		code         int
		contentRange string
		body         []byte
	}

	ranges := []struct {
		header string
		want   string
		slice  []byte
	}{
		{"bytes=0-99", "bytes 0-99/1000", data[0:100]},
		{"bytes=500-599", "bytes 500-599/1000", data[500:600]},
	}

	results := make([]result, len(ranges))
	var wg sync.WaitGroup
	for i, rr := range ranges {
		wg.Add(1)
		go func(i int, header string) {
			defer wg.Done()
			w := env.get(t, "/files?id=u1&path="+testPath, map[string]string{"Range": header})
			results[i] = result{
				code:         w.Code,
				contentRange: w.Header().Get("Content-Range"),
				body:         w.Body.Bytes(),
			}
		}(i, rr.header)
	}
	wg.Wait()

	for i, rr := range ranges {
		if results[i].code != http.StatusPartialContent {
			t.Errorf("request %d status = %d, want 206", i, results[i].code)
		}
		if results[i].contentRange != rr.want {
			t.Errorf("request %d Content-Range = %q, want %q", i, results[i].contentRange, rr.want)
		}
		if !bytes.Equal(results[i].body, rr.slice) {
			t.Errorf("request %d body does not match its slice", i)
		}
	}
}

// ─── Playback issuance ──────────────────────────────────────────────────────

func TestPlaybackIssuesBundle(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	defer env.recorder.Stop()

	w := env.get(t, "/files/playback?id=u1&path="+testPath, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var bundle media.PlaybackBundle
	if err := json.Unmarshal(w.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	want := "https://origin.example.com" + testPath
	if bundle.PrimaryURL != want {
		t.Errorf("PrimaryURL = %q, want %q", bundle.PrimaryURL, want)
	}
	if bundle.FallbackURL != "https://secondary.example.com/signed" {
		t.Errorf("FallbackURL = %q", bundle.FallbackURL)
	}
	if !bundle.OriginOnline {
		t.Errorf("OriginOnline = false, want true")
	}
}

func TestPlaybackDeniedForbidden(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	env.gate.granted[testPath] = false
	defer env.recorder.Stop()

	w := env.get(t, "/files/playback?id=u1&path="+testPath, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t, []byte("d"))
	defer env.recorder.Stop()

	req := httptest.NewRequest(http.MethodOptions, "/files", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Range, Authorization" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
}

func TestDownloadDisposition(t *testing.T) {
	env := newTestEnv(t, bytes.Repeat([]byte("c"), 10))

	w := env.get(t, fmt.Sprintf("/files?id=u1&path=%s&download=1", testPath), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="demo.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}

	env.recorder.Stop()
	records := env.sink.all()
	if len(records) != 1 || records[0].ViewType != analytics.ViewDownload {
		t.Errorf("download not recorded as download view: %+v", records)
	}
}
