// Package telemetry reads device health numbers (disk, CPU, temperature)
// for inclusion in bundle metadata. Every reader degrades to a zero value
// on failure: missing telemetry must never abort packaging.
package telemetry

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Snapshot is the aggregate telemetry block attached to bundle metadata.
type Snapshot struct {
	SystemTime  int64   `json:"systemtime"`
	DiskUsedPct float64 `json:"diskUsedPct"`
	CpuLoad     float64 `json:"cpuLoad"`
	Temperature float64 `json:"temperature"`
}

// Collect gathers a best-effort snapshot for the given data mount.
func Collect(dataPath string) Snapshot {
	return Snapshot{
		SystemTime:  time.Now().UnixMilli(),
		DiskUsedPct: DiskUsedPct(dataPath),
		CpuLoad:     CpuLoad(),
		Temperature: SocTemperature(),
	}
}

// DiskUsedPct returns the used fraction of the filesystem holding path,
// in percent. Returns 0 when the statfs call fails.
func DiskUsedPct(path string) float64 {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0
	}
	total := fs.Blocks * uint64(fs.Bsize)
	if total == 0 {
		return 0
	}
	free := fs.Bavail * uint64(fs.Bsize)
	return float64(total-free) / float64(total) * 100
}

// CpuLoad returns the 1-minute load average, or 0 when unreadable.
func CpuLoad() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}

// SocTemperature returns the SoC temperature in Celsius, or 0 when the
// thermal zone is unreadable.
func SocTemperature() float64 {
	raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	return milli / 1000
}
