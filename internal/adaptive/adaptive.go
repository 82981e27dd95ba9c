// ============================================================================
// taskengine Adaptive Configurator
// ============================================================================
//
// Package: internal/adaptive
// Purpose: Probe the host system and recent workload, and propose a full
//          retuning configuration the facade can apply on its next
//          Optimize call
//
// Propose is a pure function rather than an in-place scaler: it never
// mutates a running pool itself, so retuning never preempts work already
// in flight. The facade computes and applies a proposal only when Optimize
// is called; Configure does not consult the configurator.
// ============================================================================

package adaptive

import (
	"math"
	"runtime"
)

// Profile is a workload shape hint.
type Profile string

const (
	CPUIntensive    Profile = "cpu_intensive"
	IOIntensive     Profile = "io_intensive"
	MemoryIntensive Profile = "memory_intensive"
	Balanced        Profile = "balanced"
)

// Tier is a coarse hardware classification derived from the system probe.
type Tier string

const (
	LowEnd   Tier = "low_end"
	MidRange Tier = "mid_range"
	HighEnd  Tier = "high_end"
)

// SystemInfo is a one-shot probe of the host machine.
type SystemInfo struct {
	LogicalCores int
	TotalRAMMB   uint64
	Platform     string
	Tier         Tier
}

// ProbeSystem reads runtime.NumCPU/GOOS and the supplied total RAM
// (typically sourced from internal/memory.Manager.Stats, since procfs
// already owns that probe) and classifies the machine into a tier.
func ProbeSystem(totalRAMBytes uint64) SystemInfo {
	cores := runtime.NumCPU()
	ramMB := totalRAMBytes / (1 << 20)

	info := SystemInfo{
		LogicalCores: cores,
		TotalRAMMB:   ramMB,
		Platform:     runtime.GOOS,
	}
	switch {
	case cores >= 8 && ramMB >= 16*1024:
		info.Tier = HighEnd
	case cores >= 4 && ramMB >= 8*1024:
		info.Tier = MidRange
	default:
		info.Tier = LowEnd
	}
	return info
}

// Snapshot is one sample of recent engine performance, fed into the ring
// buffer backing both auto-detection and trend damping.
type Snapshot struct {
	CPUPercent       float64
	MemPercent       float64
	ThroughputPerSec float64
	AvgExecMs        float64
	TimestampNano    int64
}

const ringSize = 20

// Fixed tuple members spec.md names but gives no per-profile literal
// values for: stack size is a runtime concern with no load-bearing
// per-profile number in the source; min task duration and the
// auto-detection sample floor are likewise left as constants rather than
// tier/profile-derived.
const (
	defaultStackSizeBytes      = 1 << 20 // 1 MiB
	defaultMinTaskDurationMs   = 1
	defaultHeuristicMinSamples = 5
)

// Configurator accumulates recent Snapshots and proposes worker-pool
// sizing from them plus a one-shot SystemInfo probe.
type Configurator struct {
	system SystemInfo

	ring     [ringSize]Snapshot
	ringLen  int
	ringNext int

	lastProposals [5]proposalHistory
	lastCount     int
}

type proposalHistory struct {
	Workers int
	Batch   int
}

// New creates a Configurator for the given system probe.
func New(system SystemInfo) *Configurator {
	return &Configurator{system: system}
}

// Observe appends a performance snapshot to the ring buffer.
func (c *Configurator) Observe(s Snapshot) {
	c.ring[c.ringNext] = s
	c.ringNext = (c.ringNext + 1) % ringSize
	if c.ringLen < ringSize {
		c.ringLen++
	}
}

func (c *Configurator) latest() (Snapshot, bool) {
	if c.ringLen == 0 {
		return Snapshot{}, false
	}
	return c.ring[(c.ringNext-1+ringSize)%ringSize], true
}

// DetectProfile classifies the most recent metrics sample per spec.md's
// literal auto-detection rules, checked in order: cpu-intensive,
// io-intensive, memory-intensive, else balanced.
func (c *Configurator) DetectProfile() Profile {
	s, ok := c.latest()
	if !ok {
		return Balanced
	}
	switch {
	case s.CPUPercent > 80 && s.AvgExecMs > 100:
		return CPUIntensive
	case s.CPUPercent < 50 && s.AvgExecMs < 50 && s.ThroughputPerSec > 500:
		return IOIntensive
	case s.MemPercent > 70 && s.AvgExecMs > 200:
		return MemoryIntensive
	default:
		return Balanced
	}
}

// baseConfig is the target configuration tuple before tier and metric
// adjustments are folded in.
type baseConfig struct {
	Workers    int
	Batch      int
	PollMs     int
	MemPercent float64
	PoolInit   int
	PoolMax    int
	TimeoutMs  int
}

// baseTable is spec.md §4.6's base table, literal per profile.
func baseTable(cores int, profile Profile) baseConfig {
	switch profile {
	case CPUIntensive:
		return baseConfig{Workers: minInt(2*cores, 32), Batch: 200, PollMs: 5, MemPercent: 70, PoolInit: 50, PoolMax: 200, TimeoutMs: 60000}
	case IOIntensive:
		return baseConfig{Workers: minInt(4*cores, 64), Batch: 50, PollMs: 1, MemPercent: 60, PoolInit: 100, PoolMax: 500, TimeoutMs: 30000}
	case MemoryIntensive:
		return baseConfig{Workers: minInt(cores, 16), Batch: 25, PollMs: 10, MemPercent: 50, PoolInit: 25, PoolMax: 100, TimeoutMs: 120000}
	default: // Balanced
		return baseConfig{Workers: minInt(int(1.5*float64(cores)), 24), Batch: 100, PollMs: 5, MemPercent: 65, PoolInit: 75, PoolMax: 300, TimeoutMs: 45000}
	}
}

// applyTierAdjustment folds in spec.md §4.6's tier table plus the
// system-memory-usage-over-80% rule, which rides along with the tier
// pass since both apply before per-sample metric adjustments.
func applyTierAdjustment(tier Tier, cfg baseConfig, systemMemUsedPercent float64) baseConfig {
	switch tier {
	case HighEnd:
		cfg.Workers = minInt(int(float64(cfg.Workers)*1.5), 128)
		cfg.Batch = minInt(int(float64(cfg.Batch)*1.2), 500)
		cfg.PoolMax = minInt(int(float64(cfg.PoolMax)*1.5), 1000)
	case LowEnd:
		cfg.Workers = maxInt(int(float64(cfg.Workers)*0.7), 2)
		cfg.Batch = maxInt(int(float64(cfg.Batch)*0.8), 10)
		cfg.PoolMax = maxInt(int(float64(cfg.PoolMax)*0.7), 50)
	}
	if systemMemUsedPercent > 80 {
		cfg.MemPercent = math.Max(cfg.MemPercent*0.8, 40)
		cfg.Batch = maxInt(int(float64(cfg.Batch)*0.7), 10)
	}
	return cfg
}

// applyMetricAdjustments folds in spec.md §4.6's six per-sample metric
// rules, then clamps workers/batch back to the absolute bounds the tier
// table established (2-128 workers, 10-500 batch) so a run of extreme
// samples can't push either outside what the tier rules allow.
//
// The three upper-bound comparisons (cpu>=90, mem>=85, throughput>=1000)
// are inclusive of the threshold itself: spec.md §8's own retune scenario
// feeds cpu:90 and expects the shrink rule to fire, so the boundary value
// is read as triggering, not falling just short of, its rule.
func applyMetricAdjustments(cfg baseConfig, s Snapshot) baseConfig {
	switch {
	case s.CPUPercent >= 90:
		cfg.Workers = int(float64(cfg.Workers) * 0.8)
		cfg.Batch = int(float64(cfg.Batch) * 0.8)
	case s.CPUPercent < 30:
		cfg.Workers = int(float64(cfg.Workers) * 1.2)
		cfg.Batch = int(float64(cfg.Batch) * 1.2)
	}

	switch {
	case s.MemPercent >= 85:
		cfg.MemPercent *= 0.7
		cfg.Batch = int(float64(cfg.Batch) * 0.6)
	case s.MemPercent < 20:
		cfg.MemPercent *= 1.1
		cfg.Batch = int(float64(cfg.Batch) * 1.3)
	}

	switch {
	case s.ThroughputPerSec >= 1000:
		cfg.PollMs = int(float64(cfg.PollMs) * 0.8)
		cfg.Batch = int(float64(cfg.Batch) * 1.1)
	case s.ThroughputPerSec < 50:
		cfg.PollMs = int(float64(cfg.PollMs) * 1.2)
		cfg.Batch = int(float64(cfg.Batch) * 0.9)
	}

	cfg.Workers = clampInt(cfg.Workers, 2, 128)
	cfg.Batch = clampInt(cfg.Batch, 10, 500)
	cfg.MemPercent = clampFloat(cfg.MemPercent, 0, 100)
	if cfg.PollMs < 1 {
		cfg.PollMs = 1
	}
	return cfg
}

// Proposal is the full retuning configuration tuple spec.md §4.6 names,
// that the facade may apply.
type Proposal struct {
	Profile Profile

	WorkerCount         int
	BatchSize           int
	PollIntervalMs      int
	MemoryLimitPercent  float64
	PoolInitial         int
	PoolMax             int
	DefaultTimeoutMs    int
	StackSizeBytes      int
	MinTaskDurationMs   int
	HeuristicMinSamples int
}

// Propose derives a full configuration tuple from the system tier, the
// auto-detected (or explicitly pinned) profile, the most recent metrics
// sample, and a damped trend over the last five proposals, so a single
// noisy sample never causes a sharp resize.
func (c *Configurator) Propose(pinned Profile) Proposal {
	profile := pinned
	if profile == "" {
		profile = c.DetectProfile()
	}

	cfg := baseTable(c.system.LogicalCores, profile)

	s, hasSample := c.latest()
	systemMemUsedPercent := 0.0
	if hasSample {
		systemMemUsedPercent = s.MemPercent
	}
	cfg = applyTierAdjustment(c.system.Tier, cfg, systemMemUsedPercent)
	if hasSample {
		cfg = applyMetricAdjustments(cfg, s)
	}

	workers, batch := c.dampen(cfg.Workers, cfg.Batch)

	return Proposal{
		Profile:             profile,
		WorkerCount:         workers,
		BatchSize:           batch,
		PollIntervalMs:      cfg.PollMs,
		MemoryLimitPercent:  cfg.MemPercent,
		PoolInitial:         cfg.PoolInit,
		PoolMax:             cfg.PoolMax,
		DefaultTimeoutMs:    cfg.TimeoutMs,
		StackSizeBytes:      defaultStackSizeBytes,
		MinTaskDurationMs:   defaultMinTaskDurationMs,
		HeuristicMinSamples: defaultHeuristicMinSamples,
	}
}

// dampen applies spec.md §4.6's trend adjustment: if the moving average
// of the last five recorded proposals drifts more than 10% from the
// newly proposed value, nudge the proposal 10% toward that average,
// independently for workers and batch. The pre-nudge values are what
// gets recorded, so the history tracks actual proposals rather than
// chasing its own damped output.
func (c *Configurator) dampen(workers, batch int) (int, int) {
	nudgedWorkers, nudgedBatch := workers, batch
	if c.lastCount > 0 {
		var sumW, sumB int
		for i := 0; i < c.lastCount; i++ {
			sumW += c.lastProposals[i].Workers
			sumB += c.lastProposals[i].Batch
		}
		avgWorkers := float64(sumW) / float64(c.lastCount)
		avgBatch := float64(sumB) / float64(c.lastCount)

		if drifted(avgWorkers, workers) {
			nudgedWorkers = nudgeToward(workers, avgWorkers)
		}
		if drifted(avgBatch, batch) {
			nudgedBatch = nudgeToward(batch, avgBatch)
		}
	}

	entry := proposalHistory{Workers: workers, Batch: batch}
	if c.lastCount < len(c.lastProposals) {
		c.lastProposals[c.lastCount] = entry
		c.lastCount++
	} else {
		copy(c.lastProposals[:], c.lastProposals[1:])
		c.lastProposals[len(c.lastProposals)-1] = entry
	}

	return maxInt(nudgedWorkers, 1), maxInt(nudgedBatch, 1)
}

func drifted(avg float64, proposed int) bool {
	if proposed == 0 {
		return false
	}
	return math.Abs(avg-float64(proposed))/float64(proposed) > 0.10
}

func nudgeToward(proposed int, avg float64) int {
	return int(math.Round(float64(proposed) + 0.10*(avg-float64(proposed))))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	return minInt(maxInt(v, lo), hi)
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
