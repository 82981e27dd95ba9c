package memory

import (
	"runtime"
	"runtime/debug"

	"github.com/prometheus/procfs"

	"taskengine/internal/logger"
)

// systemProbe reports how much memory is available for new allocations.
// It is an interface so tests can substitute a deterministic fake instead
// of depending on the real /proc/meminfo contents.
type systemProbe interface {
	// availableBytes returns free+reclaimable system memory, and totalBytes
	// returns the machine's total installed memory.
	probe() (availableBytes, totalBytes uint64, err error)
}

// procfsProbe reads /proc/meminfo for a real accounting of free, cached,
// and total system memory, using prometheus/procfs (already pulled in
// transitively through prometheus/client_golang) as a direct import.
type procfsProbe struct {
	fs procfs.FS
}

func newProcfsProbe() (*procfsProbe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &procfsProbe{fs: fs}, nil
}

func (p *procfsProbe) probe() (availableBytes, totalBytes uint64, err error) {
	info, err := p.fs.Meminfo()
	if err != nil {
		return 0, 0, err
	}

	var free, buffers, cached, total uint64
	if info.MemFree != nil {
		free = *info.MemFree * 1024
	}
	if info.Buffers != nil {
		buffers = *info.Buffers * 1024
	}
	if info.Cached != nil {
		cached = *info.Cached * 1024
	}
	if info.MemTotal != nil {
		total = *info.MemTotal * 1024
	}
	return free + buffers + cached, total, nil
}

// runtimeProbe is the fallback used on platforms without /proc (and in
// test environments), estimating availability from the Go runtime's own
// heap statistics against the process's configured soft memory limit.
type runtimeProbe struct{}

func (runtimeProbe) probe() (availableBytes, totalBytes uint64, err error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := debug.SetMemoryLimit(-1) // read without changing
	if limit <= 0 || limit == 1<<62 {
		// no limit configured; report four times the heap's current size
		// as "total" so percentage-based gating still behaves sanely in tests.
		totalBytes = ms.HeapSys * 4
	} else {
		totalBytes = uint64(limit)
	}
	if ms.HeapSys >= totalBytes {
		return 0, totalBytes, nil
	}
	return totalBytes - ms.HeapSys, totalBytes, nil
}

func detectProbe() systemProbe {
	if p, err := newProcfsProbe(); err == nil {
		return p
	}
	logger.With("component", "memory").Debug("procfs unavailable, falling back to runtime memory probe")
	return runtimeProbe{}
}
