// Package sysinfo samples host resource usage for the osmetrics endpoint.
package sysinfo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/reforgermon/reforgermon/internal/metrics"
)

// MaxDiskThroughputMBps is the combined read+write rate treated as a fully
// busy disk.
const MaxDiskThroughputMBps = 500.0

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
)

// DiskMetric holds per-device throughput.
type DiskMetric struct {
	ReadMBps        float64 `json:"read_mbps"`
	WriteMBps       float64 `json:"write_mbps"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// OSData is the host snapshot served to dashboards, merged with the latest
// game figures.
type OSData struct {
	OverallCPUUsage       float64               `json:"overall_cpu_usage"`
	PerCoreCPUUsage       map[string]float64    `json:"per_core_cpu_usage"`
	DiskReadMBps          float64               `json:"disk_read_mbps"`
	DiskWriteMBps         float64               `json:"disk_write_mbps"`
	DiskUsagePercentage   float64               `json:"disk_usage_percentage"`
	DiskMetrics           map[string]DiskMetric `json:"disk_metrics"`
	NetworkInMBps         float64               `json:"network_in_mbps"`
	NetworkOutMBps        float64               `json:"network_out_mbps"`
	TotalMemoryGB         float64               `json:"total_memory_gb"`
	MemoryUsedGB          float64               `json:"memory_used_gb"`
	MemoryUsagePercentage float64               `json:"memory_usage_percentage"`
	FPS                   float64               `json:"fps"`
	FrameTime             float64               `json:"frame_time"`
	ActivePlayers         int                   `json:"active_players"`
	CollectedAt           time.Time             `json:"collected_at"`
}

// WithGame copies the game figures into the snapshot.
func (d OSData) WithGame(g metrics.GameMetrics, activePlayers int) OSData {
	d.FPS = g.FPS
	d.FrameTime = g.FrameTimeAvg
	d.ActivePlayers = activePlayers
	return d
}

type ioSample struct {
	read, write uint64
}

// Collector computes rates between successive calls to Collect.
type Collector struct {
	mu     sync.Mutex
	logger zerolog.Logger

	lastAt   time.Time
	lastDisk map[string]ioSample
	lastNet  ioSample
	now      func() time.Time
}

// NewCollector creates a collector. The first Collect reports zero rates.
func NewCollector() *Collector {
	return &Collector{
		logger: log.With().Str("component", "sysinfo").Logger(),
		now:    time.Now,
	}
}

// Collect samples CPU, disk, network and memory usage. Individual probe
// failures are logged and leave their fields zero.
func (c *Collector) Collect(ctx context.Context) (OSData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := OSData{
		PerCoreCPUUsage: make(map[string]float64),
		DiskMetrics:     make(map[string]DiskMetric),
		CollectedAt:     c.now(),
	}

	if overall, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Debug().Err(err).Msg("cpu usage unavailable")
	} else if len(overall) > 0 {
		data.OverallCPUUsage = overall[0]
	}
	if cores, err := cpu.PercentWithContext(ctx, 0, true); err != nil {
		c.logger.Debug().Err(err).Msg("per-core cpu usage unavailable")
	} else {
		for i, pct := range cores {
			data.PerCoreCPUUsage[fmt.Sprintf("Core %d", i)] = pct
		}
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return data, fmt.Errorf("read memory usage: %w", err)
	}
	data.TotalMemoryGB = float64(vm.Total) / bytesPerGB
	data.MemoryUsedGB = float64(vm.Used) / bytesPerGB
	data.MemoryUsagePercentage = vm.UsedPercent

	elapsed := time.Duration(0)
	if !c.lastAt.IsZero() {
		elapsed = data.CollectedAt.Sub(c.lastAt)
	}

	diskNow := make(map[string]ioSample)
	if counters, err := disk.IOCountersWithContext(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("disk counters unavailable")
	} else {
		for name, s := range counters {
			diskNow[name] = ioSample{read: s.ReadBytes, write: s.WriteBytes}
		}
	}
	data.DiskMetrics, data.DiskReadMBps, data.DiskWriteMBps = diskRates(c.lastDisk, diskNow, elapsed)
	data.DiskUsagePercentage = busyPercent(data.DiskReadMBps + data.DiskWriteMBps)

	var netNow ioSample
	if counters, err := net.IOCountersWithContext(ctx, false); err != nil {
		c.logger.Debug().Err(err).Msg("network counters unavailable")
	} else if len(counters) > 0 {
		netNow = ioSample{read: counters[0].BytesRecv, write: counters[0].BytesSent}
	}
	data.NetworkInMBps = rateMBps(c.lastNet.read, netNow.read, elapsed)
	data.NetworkOutMBps = rateMBps(c.lastNet.write, netNow.write, elapsed)

	c.lastAt = data.CollectedAt
	c.lastDisk = diskNow
	c.lastNet = netNow
	return data, nil
}

// diskRates returns per-device metrics plus the summed read and write rates.
// Devices without a previous sample are skipped.
func diskRates(prev, cur map[string]ioSample, elapsed time.Duration) (map[string]DiskMetric, float64, float64) {
	out := make(map[string]DiskMetric)
	var totalRead, totalWrite float64

	names := make([]string, 0, len(cur))
	for name := range cur {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		before, ok := prev[name]
		if !ok {
			continue
		}
		now := cur[name]
		m := DiskMetric{
			ReadMBps:  rateMBps(before.read, now.read, elapsed),
			WriteMBps: rateMBps(before.write, now.write, elapsed),
		}
		m.UsagePercentage = busyPercent(m.ReadMBps + m.WriteMBps)
		out[name] = m
		totalRead += m.ReadMBps
		totalWrite += m.WriteMBps
	}
	return out, totalRead, totalWrite
}

// rateMBps converts a counter delta into MB/s. Counter resets yield 0.
func rateMBps(before, after uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 || after < before {
		return 0
	}
	return float64(after-before) / bytesPerMB / elapsed.Seconds()
}

func busyPercent(mbps float64) float64 {
	pct := mbps / MaxDiskThroughputMBps * 100
	if pct > 100 {
		return 100
	}
	return pct
}
