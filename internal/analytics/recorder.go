// Package analytics records file view events off the response path.
// Recording is best-effort: a full queue drops, a failed write logs.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/berrycast/berrycast/internal/logging"
	"github.com/berrycast/berrycast/internal/metrics"
)

// ViewType classifies how a file was consumed.
type ViewType string

const (
	ViewPreview  ViewType = "preview"
	ViewStream   ViewType = "stream"
	ViewDownload ViewType = "download"
)

// ViewRecord is one append-only usage event. The delivery path writes these
// and never reads them back.
type ViewRecord struct {
	ID               string
	FileID           string
	ViewerID         string
	IP               string
	UserAgent        string
	ViewType         ViewType
	BytesTransferred int64
	CreatedAt        time.Time
}

// Sink persists view records.
type Sink interface {
	InsertView(ctx context.Context, v *ViewRecord) error
}

// Recorder consumes view records from a bounded queue on a background
// worker. Failures are logged and swallowed; they can never reach the HTTP
// response path, and Record never blocks it.
type Recorder struct {
	sink   Sink
	queue  chan ViewRecord
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates a recorder with the given queue capacity.
func NewRecorder(sink Sink, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		sink:  sink,
		queue: make(chan ViewRecord, queueSize),
	}
}

// Start launches the worker goroutine.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.worker(ctx)
	logging.Info("analytics recorder started", zap.Int("queue_size", cap(r.queue)))
}

// Stop drains the queue and waits for the worker to finish. Safe to call
// more than once; records arriving after Stop are dropped.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
	logging.Info("analytics recorder stopped")
}

// Record enqueues a view record. Non-blocking: drops with a warning when the
// queue is full, and silently after Stop. Handlers can outlive the server's
// shutdown deadline, so a late Record must never hit the closed queue.
func (r *Recorder) Record(v ViewRecord) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.RecordViewDropped()
		logging.Debug("recorder stopped, dropping view",
			zap.String("file_id", v.FileID),
			zap.String("viewer_id", v.ViewerID))
		return
	}

	select {
	case r.queue <- v:
		depth := len(r.queue)
		r.mu.Unlock()
		metrics.SetViewQueueDepth(depth)
	default:
		r.mu.Unlock()
		metrics.RecordViewDropped()
		logging.Warn("analytics queue full, dropping view",
			zap.String("file_id", v.FileID),
			zap.String("viewer_id", v.ViewerID))
	}
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	for v := range r.queue {
		metrics.SetViewQueueDepth(len(r.queue))

		insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.sink.InsertView(insertCtx, &v)
		cancel()

		metrics.RecordViewWrite(err == nil)
		if err != nil {
			logging.Warn("view record write failed",
				zap.String("file_id", v.FileID),
				zap.Error(err))
		}
	}
}
