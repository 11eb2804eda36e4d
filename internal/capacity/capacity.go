// Package capacity sizes the connection pool from the host hardware.
package capacity

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostClass buckets hosts by size
type HostClass string

const (
	HostSmall  HostClass = "small"
	HostMedium HostClass = "medium"
	HostLarge  HostClass = "large"
)

const (
	largeMinThreads = 16
	largeMinRAMGB   = 32
	smallMaxThreads = 4
	smallMaxRAMGB   = 4
)

// Hardware is what Detect found about the host
type Hardware struct {
	CPUModel     string    `json:"cpu_model" yaml:"cpu_model"`
	CPUThreads   int       `json:"cpu_threads" yaml:"cpu_threads"`
	RAMBytes     uint64    `json:"ram_bytes" yaml:"ram_bytes"`
	RAMAvailable uint64    `json:"ram_available" yaml:"ram_available"`
	Class        HostClass `json:"class" yaml:"class"`
	OS           string    `json:"os" yaml:"os"`
	Architecture string    `json:"architecture" yaml:"architecture"`
}

// Recommendation is the suggested server section for a host
type Recommendation struct {
	Hardware       Hardware `json:"hardware" yaml:"hardware"`
	Environment    string   `json:"environment" yaml:"environment"`
	MaxConnections int      `json:"max_connections" yaml:"max_connections"`
	StatsInterval  string   `json:"stats_interval" yaml:"stats_interval"`
	Rationale      string   `json:"rationale" yaml:"rationale"`
}

// Detect reads CPU and memory information. Missing details fall back to
// runtime values so a recommendation can always be made.
func Detect() (Hardware, error) {
	hw := Hardware{
		CPUModel:     "Unknown",
		CPUThreads:   runtime.NumCPU(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		hw.CPUModel = infos[0].ModelName
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		hw.CPUThreads = n
	}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return hw, fmt.Errorf("failed to read memory info: %w", err)
	}
	hw.RAMBytes = vmem.Total
	hw.RAMAvailable = vmem.Available
	hw.Class = Classify(hw.CPUThreads, hw.RAMBytes)

	return hw, nil
}

// Classify buckets a host by thread count and total RAM
func Classify(threads int, ramBytes uint64) HostClass {
	ramGB := float64(ramBytes) / (1024 * 1024 * 1024)
	switch {
	case threads >= largeMinThreads && ramGB >= largeMinRAMGB:
		return HostLarge
	case threads <= smallMaxThreads || ramGB <= smallMaxRAMGB:
		return HostSmall
	default:
		return HostMedium
	}
}

func classLimit(c HostClass) int {
	switch c {
	case HostSmall:
		return 16
	case HostMedium:
		return 64
	default:
		return 256
	}
}

// Recommend suggests max_connections for hw. Downloads are I/O bound so the
// base is four slots per thread, halved outside production.
func Recommend(hw Hardware, environment string) Recommendation {
	if hw.Class == "" {
		hw.Class = Classify(hw.CPUThreads, hw.RAMBytes)
	}

	conns := hw.CPUThreads * 4
	factor := "100% (production environment)"
	if environment != "production" {
		conns /= 2
		factor = fmt.Sprintf("50%% (%s environment)", environment)
	}

	limit := classLimit(hw.Class)
	if conns > limit {
		conns = limit
	}
	if conns < 1 {
		conns = 1
	}

	interval := "1s"
	if environment == "development" {
		interval = "2s"
	}

	return Recommendation{
		Hardware:       hw,
		Environment:    environment,
		MaxConnections: conns,
		StatsInterval:  interval,
		Rationale: fmt.Sprintf(
			"Based on %d CPU threads and %s RAM: recommended %d connection slots (capacity factor: %s, %s host limit: %d)",
			hw.CPUThreads, FormatRAM(hw.RAMBytes), conns, factor, hw.Class, limit,
		),
	}
}

// FormatRAM formats RAM bytes to human-readable string
func FormatRAM(bytes uint64) string {
	gb := float64(bytes) / (1024 * 1024 * 1024)
	return fmt.Sprintf("%.1f GB", gb)
}
