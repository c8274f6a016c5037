// Package service holds background workers that run alongside the HTTP server.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/flakeguard/flakeguard/internal/repository"
)

// CleanupService prunes aged webhook delivery records and raw test results
// on a fixed interval.
type CleanupService struct {
	store         repository.DeliveryRepository
	interval      time.Duration
	retentionDays int
	log           *slog.Logger
	stopCh        chan struct{}
}

// NewCleanupService builds the sweeper. Rows older than retentionDays are
// removed every interval.
func NewCleanupService(store repository.DeliveryRepository, interval time.Duration, retentionDays int, log *slog.Logger) *CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupService{
		store:         store,
		interval:      interval,
		retentionDays: retentionDays,
		log:           log,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (s *CleanupService) Start(ctx context.Context) {
	s.log.Info("starting cleanup service", "interval", s.interval, "retention_days", s.retentionDays)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run immediately on start.
		s.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				s.runCleanup(ctx)
			case <-s.stopCh:
				s.log.Info("cleanup service stopped")
				return
			case <-ctx.Done():
				s.log.Info("cleanup service context cancelled")
				return
			}
		}
	}()
}

// Stop stops the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopCh)
}

func (s *CleanupService) runCleanup(ctx context.Context) {
	start := time.Now()
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	deliveries, err := s.store.DeleteDeliveriesBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("delivery cleanup failed", "error", err)
		return
	}
	results, err := s.store.DeleteTestResultsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("test result cleanup failed", "error", err)
		return
	}
	if deliveries > 0 || results > 0 {
		s.log.Info("cleanup sweep completed",
			"deliveries_deleted", deliveries,
			"test_results_deleted", results,
			"duration", time.Since(start))
	}
}
