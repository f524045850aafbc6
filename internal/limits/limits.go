// Package limits protects the accept path: a token-bucket rate limiter for
// new connections and a resource guard that tracks the connection count and
// process CPU so an overloaded server refuses work instead of degrading
// every existing session.
package limits

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter bounds the rate of new WebSocket connections.
type ConnectionRateLimiter struct {
	limiter *rate.Limiter
}

// NewConnectionRateLimiter allows perSec sustained connections with the
// given burst. perSec <= 0 disables limiting.
func NewConnectionRateLimiter(perSec float64, burst int) *ConnectionRateLimiter {
	if perSec <= 0 {
		return &ConnectionRateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &ConnectionRateLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether one more connection may be accepted right now.
func (l *ConnectionRateLimiter) Allow() bool {
	return l.limiter.Allow()
}

// ResourceGuard admits connections while the server stays inside its
// configured connection and CPU budgets.
type ResourceGuard struct {
	maxConnections int64
	cpuThreshold   float64

	current atomic.Int64
	cpuBits atomic.Uint64 // float64 bits of the last CPU sample

	logger zerolog.Logger
}

// NewResourceGuard creates a guard. cpuThreshold is a percentage; 0 or 100
// effectively disables the CPU check.
func NewResourceGuard(maxConnections int, cpuThreshold float64, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{
		maxConnections: int64(maxConnections),
		cpuThreshold:   cpuThreshold,
		logger:         logger,
	}
}

// Start samples CPU usage on the given interval until ctx is cancelled.
func (g *ResourceGuard) Start(ctx context.Context, interval time.Duration) {
	go func() {
		// Prime the delta-based sampler.
		_, _ = cpu.Percent(0, false)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percents, err := cpu.Percent(0, false)
				if err != nil || len(percents) == 0 {
					continue
				}
				g.cpuBits.Store(math.Float64bits(percents[0]))
			}
		}
	}()
}

// CPUPercent returns the most recent CPU sample.
func (g *ResourceGuard) CPUPercent() float64 {
	return math.Float64frombits(g.cpuBits.Load())
}

// Acquire reserves a connection slot. The caller must Release when the
// connection ends. Returns false when the server is at capacity or the CPU
// threshold is exceeded.
func (g *ResourceGuard) Acquire() bool {
	if g.cpuThreshold > 0 && g.cpuThreshold < 100 {
		if cpuNow := g.CPUPercent(); cpuNow > g.cpuThreshold {
			g.logger.Warn().
				Float64("cpu_percent", cpuNow).
				Float64("threshold", g.cpuThreshold).
				Msg("Rejecting connection: CPU above threshold")
			return false
		}
	}

	if g.current.Add(1) > g.maxConnections {
		g.current.Add(-1)
		g.logger.Warn().
			Int64("max_connections", g.maxConnections).
			Msg("Rejecting connection: at capacity")
		return false
	}
	return true
}

// Release frees a slot taken by Acquire.
func (g *ResourceGuard) Release() {
	g.current.Add(-1)
}

// Current returns the number of reserved connection slots.
func (g *ResourceGuard) Current() int {
	return int(g.current.Load())
}
