package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/autopicker/gateway/dispatch"
)

type (
	// HealthSnapshot is the monitoring endpoint payload.
	HealthSnapshot struct {
		Status        string                 `json:"status"`
		UptimeSeconds float64                `json:"uptime_seconds"`
		CPUPercent    float64                `json:"cpu_percent"`
		MemPercent    float64                `json:"memory_percent"`
		DiskPercent   float64                `json:"disk_percent"`
		Goroutines    int                    `json:"goroutines"`
		HeapBytes     uint64                 `json:"heap_bytes"`
		Providers     []dispatch.ProbeResult `json:"providers"`
	}

	// HealthReporter assembles health snapshots from process and host
	// stats plus the provider prober.
	HealthReporter struct {
		started  time.Time
		diskPath string
		prober   *dispatch.Prober
	}
)

// NewHealthReporter builds a reporter. diskPath is the mount whose usage
// is reported, typically the blob store root.
func NewHealthReporter(started time.Time, diskPath string, prober *dispatch.Prober) *HealthReporter {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HealthReporter{started: started, diskPath: diskPath, prober: prober}
}

// Snapshot gathers the current health view. Host stat failures degrade to
// zero values rather than failing the endpoint.
func (h *HealthReporter) Snapshot(ctx context.Context) HealthSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HeapBytes:     ms.HeapAlloc,
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		snap.DiskPercent = du.UsedPercent
	}
	if h.prober != nil {
		snap.Providers = h.prober.Results()
		for _, p := range snap.Providers {
			if !p.Reachable {
				snap.Status = "degraded"
				break
			}
		}
	}
	return snap
}
