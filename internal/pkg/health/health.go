// Package health probes the systems the service depends on.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const (
	Mail     = "mail"
	Identity = "identity"
	Cache    = "cache"
	Database = "database"
)

const DefaultTimeout = 5 * time.Second

// Probe returns nil when the dependency is reachable.
type Probe func(ctx context.Context) error

type Checker struct {
	probes  map[string]Probe
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{probes: make(map[string]Probe), timeout: timeout}
}

// Add registers a probe under name, replacing any previous one.
func (c *Checker) Add(name string, probe Probe) *Checker {
	c.probes[name] = probe
	return c
}

// Check runs every probe concurrently and reports one bool per dependency.
func (c *Checker) Check(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		status = make(map[string]bool, len(c.probes))
	)
	for name, probe := range c.probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			err := probe(ctx)
			if err != nil {
				log.Warnf("[Health] %s check failed: %v", name, err)
			}
			mu.Lock()
			status[name] = err == nil
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()
	return status
}

// Healthy reports whether every entry of status is true.
func Healthy(status map[string]bool) bool {
	for _, ok := range status {
		if !ok {
			return false
		}
	}
	return true
}
