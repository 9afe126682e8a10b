package cache

import (
	"context"
	"time"

	"klinikpos/backend/internal/domain"
)

// SummaryCache fronts read-only summary lookups for dashboards and the
// EOD screen. Implementations must tolerate being skipped entirely; the
// store remains the source of truth.
type SummaryCache interface {
	Get(ctx context.Context, summaryID string) (*domain.DailyCashSummary, bool, error)
	Set(ctx context.Context, summaryID string, summary *domain.DailyCashSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, summaryID string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.DailyCashSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.DailyCashSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
