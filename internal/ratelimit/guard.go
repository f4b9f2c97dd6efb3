// Package ratelimit implements the resource guard that gates new
// subscription creation under CPU/memory pressure, grounded on the
// teacher's internal/shared/limits.ResourceGuard and
// internal/single/platform cgroup-aware CPU sampling.
package ratelimit

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// Config mirrors the IB_STREAM_MAX_* / IB_STREAM_CPU_* environment knobs.
type Config struct {
	MaxStreams          int
	CPURejectThreshold  float64 // percent of allocated CPU; reject new streams above this
	MemoryRejectPercent float64 // percent of system memory; reject above this
	SampleInterval       time.Duration
}

// Guard enforces static resource limits before admitting a new
// subscription (§5/§6: "gate new subscription creation under load").
// It never throttles already-active streams; it only affects admission.
type Guard struct {
	cfg    Config
	logger zerolog.Logger
	proc   *process.Process

	currentCPU    atomic.Value // float64
	currentMemPct atomic.Value // float64

	streamCount atomic.Int64

	admissionLimiter *rate.Limiter
}

// New builds a Guard sampling this process's own CPU/memory via gopsutil.
func New(cfg Config, logger zerolog.Logger) (*Guard, error) {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: resolve self process: %w", err)
	}
	g := &Guard{
		cfg: cfg, logger: logger, proc: proc,
		admissionLimiter: rate.NewLimiter(rate.Limit(200), 50),
	}
	g.currentCPU.Store(0.0)
	g.currentMemPct.Store(0.0)
	return g, nil
}

// StartSampling launches a background loop refreshing currentCPU/currentMemPct
// every SampleInterval, until ctx is cancelled.
func (g *Guard) StartSampling(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *Guard) sample() {
	if cpuPct, err := g.proc.CPUPercent(); err == nil {
		g.currentCPU.Store(cpuPct / float64(runtime.NumCPU()))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMemPct.Store(vm.UsedPercent)
	}
}

// AllowNewSubscription reports whether a new subscription should be
// admitted, and a human-readable reason when it's refused.
func (g *Guard) AllowNewSubscription() (ok bool, reason string) {
	if g.cfg.MaxStreams > 0 && int(g.streamCount.Load()) >= g.cfg.MaxStreams {
		return false, fmt.Sprintf("at max streams (%d)", g.cfg.MaxStreams)
	}
	if !g.admissionLimiter.Allow() {
		return false, "admission rate exceeded"
	}
	cpu := g.currentCPU.Load().(float64)
	if g.cfg.CPURejectThreshold > 0 && cpu > g.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpu, g.cfg.CPURejectThreshold)
	}
	memPct := g.currentMemPct.Load().(float64)
	if g.cfg.MemoryRejectPercent > 0 && memPct > g.cfg.MemoryRejectPercent {
		return false, fmt.Sprintf("memory %.1f%% > %.1f%%", memPct, g.cfg.MemoryRejectPercent)
	}
	return true, ""
}

// TrackAdmitted/TrackReleased keep the guard's view of active stream count
// in sync with the registry (the registry remains the source of truth for
// per-connection caps; this is only for the global admission gate).
func (g *Guard) TrackAdmitted() { g.streamCount.Add(1) }
func (g *Guard) TrackReleased() { g.streamCount.Add(-1) }

// Stats returns a snapshot of the guard's current readings and limits. The
// /stats handler does not include it.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"cpu_percent":      g.currentCPU.Load().(float64),
		"memory_percent":   g.currentMemPct.Load().(float64),
		"active_streams":   g.streamCount.Load(),
		"max_streams":      g.cfg.MaxStreams,
		"cpu_reject_above": g.cfg.CPURejectThreshold,
	}
}
