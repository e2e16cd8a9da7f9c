package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthChecker periodically probes a dependency until stopped. Failures are
// logged, never fatal; the dependency owner decides what degraded means.
type HealthChecker struct {
	target   string
	interval time.Duration
	check    func(ctx context.Context) error
	logger   *zap.Logger

	quit chan struct{}
	once sync.Once
}

// NewHealthChecker creates a checker that runs check every interval.
//
// Precondition: interval must be positive; check and logger must be non-nil.
func NewHealthChecker(target string, interval time.Duration, check func(ctx context.Context) error, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		target:   target,
		interval: interval,
		check:    check,
		logger:   logger,
		quit:     make(chan struct{}),
	}
}

// Start runs the check loop. Blocks until Stop is called.
func (h *HealthChecker) Start() error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.check(context.Background()); err != nil {
				h.logger.Warn("health check failed",
					zap.String("target", h.target),
					zap.Error(err),
				)
			}
		case <-h.quit:
			return nil
		}
	}
}

// Stop terminates the check loop. Safe to call more than once.
func (h *HealthChecker) Stop() {
	h.once.Do(func() {
		close(h.quit)
	})
}
