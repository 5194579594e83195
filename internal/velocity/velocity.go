// Package velocity provides windowed usage counts over the ledger.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Source is the slice of the ledger the velocity service reads.
type Source interface {
	Recent(fp string, window time.Duration) []domain.UsageRecord
	Latest(fp string, n int) []domain.UsageRecord
}

// Service counts usage records per fingerprint.
type Service struct {
	source Source
}

// NewService creates a new velocity service.
func NewService(source Source) *Service {
	return &Service{source: source}
}

// CountRecent returns the number of usage records for fp within the trailing window.
// This is the counter the rule engine uses for velocity checks.
func (s *Service) CountRecent(ctx context.Context, fp string, window time.Duration) (int, error) {
	if fp == "" {
		return 0, fmt.Errorf("%w: fingerprint id is required", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(s.source.Recent(fp, window)), nil
}

// CountRecentOutcomes counts records for fp within window whose outcome is one of outcomes.
func (s *Service) CountRecentOutcomes(ctx context.Context, fp string, window time.Duration, outcomes ...domain.Outcome) (int, error) {
	if fp == "" {
		return 0, fmt.Errorf("%w: fingerprint id is required", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return countOutcomes(s.source.Recent(fp, window), outcomes), nil
}

// CountFailures counts failed and declined attempts for fp within window.
func (s *Service) CountFailures(ctx context.Context, fp string, window time.Duration) (int, error) {
	return s.CountRecentOutcomes(ctx, fp, window, domain.OutcomeFailed, domain.OutcomeDeclined)
}

// FailuresInLatest counts failed and declined attempts among the latest n records for fp.
// The pattern detector uses it for card-testing checks.
func (s *Service) FailuresInLatest(fp string, n int) int {
	failures := 0
	for _, rec := range s.source.Latest(fp, n) {
		if rec.Outcome.IsFailure() {
			failures++
		}
	}
	return failures
}

func countOutcomes(recs []domain.UsageRecord, outcomes []domain.Outcome) int {
	count := 0
	for _, rec := range recs {
		for _, o := range outcomes {
			if rec.Outcome == o {
				count++
				break
			}
		}
	}
	return count
}
