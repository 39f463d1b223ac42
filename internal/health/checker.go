// Package health runs periodic checks on the store and the working
// directories the publisher and evaluator write to. Results are served at
// GET /health.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"
)

// Pinger is satisfied by the sqlite store.
type Pinger interface {
	Ping() error
}

// Check defines a single health check with an optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *slog.Logger
}

// NewChecker creates a checker for the store plus one writable-directory
// check per entry in dirs (name → path). Empty paths are skipped.
func NewChecker(store Pinger, dirs map[string]string, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	c := &Checker{
		interval: 60 * time.Second,
		log:      log.With("component", "health"),
		checks: []Check{{
			Name:    "sqlite",
			CheckFn: func(context.Context) error { return store.Ping() },
		}},
	}
	for _, name := range slices.Sorted(maps.Keys(dirs)) {
		dir := dirs[name]
		if dir == "" {
			continue
		}
		c.checks = append(c.checks, Check{
			Name:      name,
			CheckFn:   func(context.Context) error { return checkWritable(dir) },
			RecoverFn: func(context.Context) error { return os.MkdirAll(dir, 0o755) },
		})
	}
	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check and stores the statuses.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now(), Healthy: true}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			c.log.Warn("health check failed", "check", check.Name, "error", err)
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.log.Warn("health recovery failed", "check", check.Name, "error", rerr)
				}
			}
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
