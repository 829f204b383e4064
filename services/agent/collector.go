// Package agent is the process running on each monitored server. It answers
// the poller's metrics probe and scans directories into inventory batches.
package agent

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"fleetwatch/pkg/fleet"
)

// TimestampLayout is the wire format of Reading.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Reading is the document served at the metrics endpoint.
type Reading struct {
	Hostname      string  `json:"hostname"`
	CPUPercent    float64 `json:"cpu_percent"`
	RAMPercent    float64 `json:"ram_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	TotalDiskGB   float64 `json:"total_disk"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Timestamp     string  `json:"timestamp"`
}

// Collector produces host readings.
type Collector interface {
	Collect(ctx context.Context) (Reading, error)
}

// HostCollector reads the local machine through gopsutil.
type HostCollector struct {
	// DiskPath is the mount whose usage is reported.
	DiskPath string
	// CPUSample is how long CPU usage is sampled; zero compares against the
	// previous call.
	CPUSample time.Duration
	Now       func() time.Time
}

// Collect gathers one reading. CPU, memory and disk failures are errors;
// a missing hostname or uptime is not.
func (c HostCollector) Collect(ctx context.Context) (Reading, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	path := c.DiskPath
	if path == "" {
		path = "/"
	}

	cpuPct, err := cpu.PercentWithContext(ctx, c.CPUSample, false)
	if err != nil {
		return Reading{}, fmt.Errorf("cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("memory usage: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Reading{}, fmt.Errorf("disk usage of %s: %w", path, err)
	}

	r := Reading{
		RAMPercent:  vm.UsedPercent,
		DiskPercent: usage.UsedPercent,
		TotalDiskGB: RoundGB(float64(usage.Total) / fleet.BytesPerGB),
		Timestamp:   now().UTC().Format(TimestampLayout),
	}
	if len(cpuPct) > 0 {
		r.CPUPercent = cpuPct[0]
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		r.UptimeSeconds = float64(uptime)
	}
	if name, err := os.Hostname(); err == nil {
		r.Hostname = name
	}
	return r, nil
}

// RoundGB rounds a size to two decimals.
func RoundGB(v float64) float64 {
	return math.Round(v*100) / 100
}
