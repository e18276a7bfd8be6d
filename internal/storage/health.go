package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/berrycast/berrycast/internal/logging"
)

// Prober caches origin liveness. Every issued playback bundle carries the
// flag; probing per issuance would hammer the tunnel.
type Prober struct {
	origin Origin
	ttl    time.Duration

	mu      sync.Mutex
	online  bool
	checked time.Time
	probing bool
}

// NewProber creates a prober with the given cache TTL.
func NewProber(origin Origin, ttl time.Duration) *Prober {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	// Optimistic until the first probe completes.
	return &Prober{origin: origin, ttl: ttl, online: true}
}

// Online reports origin liveness, probing at most once per TTL. The probe is
// single-flight and runs outside the lock: a slow ping against a dead origin
// must not stall concurrent callers, they get the cached value instead.
func (p *Prober) Online(ctx context.Context) bool {
	p.mu.Lock()
	if time.Since(p.checked) < p.ttl || p.probing {
		online := p.online
		p.mu.Unlock()
		return online
	}
	p.probing = true
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := p.origin.Ping(probeCtx)
	cancel()

	p.mu.Lock()
	wasOnline := p.online
	p.online = err == nil
	p.checked = time.Now()
	p.probing = false
	online := p.online
	p.mu.Unlock()

	if online != wasOnline {
		if online {
			logging.Info("origin is back online")
		} else {
			logging.Warn("origin went offline", zap.Error(err))
		}
	}
	return online
}
