package session

import (
	"log/slog"

	"github.com/AlessioNetti/finj-go/internal/protocol"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// GopsutilSampler returns a HostMonitor sampler backed by gopsutil. It
// never errors out to the caller: any individual metric that fails to
// read is reported as zero, with a warning logged.
func GopsutilSampler(resultsDir string, logger *slog.Logger) func() protocol.HostStats {
	return func() protocol.HostStats {
		var stats protocol.HostStats

		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			stats.CPUPercent = pcts[0]
		} else if err != nil {
			logger.Debug("cpu stats unavailable", "error", err)
		}

		if vm, err := mem.VirtualMemory(); err == nil {
			stats.MemPercent = vm.UsedPercent
		} else {
			logger.Debug("memory stats unavailable", "error", err)
		}

		if avg, err := load.Avg(); err == nil {
			stats.LoadAvg1 = avg.Load1
		} else {
			logger.Debug("load stats unavailable", "error", err)
		}

		if usage, err := disk.Usage(resultsDir); err == nil {
			stats.DiskFreeMB = usage.Free / (1024 * 1024)
		} else {
			logger.Debug("disk stats unavailable", "error", err, "path", resultsDir)
		}

		return stats
	}
}
