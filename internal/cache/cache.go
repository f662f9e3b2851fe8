package cache

import (
	"context"
	"time"

	"dukabook/internal/domain"
)

// SummaryCache holds computed shop summaries. Entries are never invalidated
// explicitly; they carry a short TTL instead.
type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.ShopSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.ShopSummary, ttl time.Duration) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.ShopSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.ShopSummary, _ time.Duration) error {
	return nil
}
