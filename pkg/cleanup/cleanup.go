// Package cleanup keeps the download statistics in step with the files on
// disk and runs periodic store maintenance.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/fileserver/pkg/logging"
)

// Config defines the pruning and vacuum intervals
type Config struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Interval       time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval" json:"vacuum_interval" yaml:"vacuum_interval"`
}

// DefaultConfig returns the stock intervals
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Interval:       10 * time.Minute,
		VacuumInterval: 24 * time.Hour,
	}
}

// Store is the part of store.Store the manager needs
type Store interface {
	All() (map[string]int64, error)
	Delete(name string) error
	Vacuum() error
}

// Files reports whether a name is still servable
type Files interface {
	Exists(name string) bool
}

// Stats tracks cleanup runs
type Stats struct {
	LastPruneTime      time.Time     `json:"last_prune_time" yaml:"last_prune_time"`
	LastVacuumTime     time.Time     `json:"last_vacuum_time" yaml:"last_vacuum_time"`
	TotalPruned        int64         `json:"total_pruned" yaml:"total_pruned"`
	TotalVacuumRuns    int64         `json:"total_vacuum_runs" yaml:"total_vacuum_runs"`
	LastPruneDuration  time.Duration `json:"last_prune_duration" yaml:"last_prune_duration"`
	LastVacuumDuration time.Duration `json:"last_vacuum_duration" yaml:"last_vacuum_duration"`
}

// Manager prunes counters of deleted files and vacuums the store
type Manager struct {
	config Config
	store  Store
	files  Files
	logger *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a cleanup manager
func NewManager(config Config, st Store, files Files, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Manager{
		config: config,
		store:  st,
		files:  files,
		logger: logger.WithField("component", "cleanup"),
	}
}

// Start begins the periodic loops. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("Starting cleanup manager", map[string]interface{}{
		"interval":        m.config.Interval.String(),
		"vacuum_interval": m.config.VacuumInterval.String(),
	})

	if m.config.Interval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.Interval, func() { m.Prune() })
	}
	if m.config.VacuumInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.VacuumInterval, func() { m.Vacuum() })
	}
}

// Stop ends the loops and waits for a running pass to finish
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, run func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Prune deletes counters for files that are no longer on disk and returns
// how many were removed.
func (m *Manager) Prune() int {
	start := time.Now()

	counts, err := m.store.All()
	if err != nil {
		m.logger.Error("Failed to list download counters", map[string]interface{}{"error": err})
		return 0
	}

	pruned := 0
	for name := range counts {
		if m.files.Exists(name) {
			continue
		}
		if err := m.store.Delete(name); err != nil {
			m.logger.Warn("Failed to prune counter", map[string]interface{}{"file": name, "error": err})
			continue
		}
		pruned++
	}

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastPruneTime = time.Now()
	m.stats.LastPruneDuration = duration
	m.stats.TotalPruned += int64(pruned)
	m.mu.Unlock()

	if pruned > 0 {
		m.logger.Info("Pruned counters of removed files", map[string]interface{}{
			"pruned":   pruned,
			"duration": duration.String(),
		})
	}
	return pruned
}

// Vacuum runs store maintenance
func (m *Manager) Vacuum() error {
	start := time.Now()

	if err := m.store.Vacuum(); err != nil {
		m.logger.Error("Store vacuum failed", map[string]interface{}{"error": err})
		return err
	}

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Debug("Store vacuum complete", map[string]interface{}{"duration": duration.String()})
	return nil
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
