package velocity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/ledger"
	"github.com/opensource-finance/harrier/internal/repository"
)

func TestVelocityService(t *testing.T) {
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	l := ledger.New(repository.NewMemoryRepository(), 0)
	l.SetClock(func() time.Time { return now })

	svc := NewService(l)
	ctx := context.Background()
	fp := "pf_velocity"

	record := func(t *testing.T, at time.Time, outcome domain.Outcome) {
		t.Helper()
		_, err := l.Record(ctx, domain.UsageInput{
			FingerprintID: fp,
			UserID:        "user-001",
			TransactionID: fmt.Sprintf("tx-%d", at.UnixNano()),
			Outcome:       outcome,
			Timestamp:     at,
		})
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	t.Run("EmptyLedger", func(t *testing.T) {
		count, err := svc.CountRecent(ctx, fp, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty ledger, got %d", count)
		}
	})

	t.Run("WithRecords", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			record(t, now.Add(-time.Duration(i*10)*time.Minute), domain.OutcomeSuccess)
		}
		record(t, now.Add(-2*time.Hour), domain.OutcomeDeclined)

		count, err := svc.CountRecent(ctx, fp, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected 5 records in the last hour, got %d", count)
		}

		count, _ = svc.CountRecent(ctx, fp, 24*time.Hour)
		if count != 6 {
			t.Errorf("expected 6 records in the last day, got %d", count)
		}
	})

	t.Run("Failures", func(t *testing.T) {
		record(t, now.Add(-time.Minute), domain.OutcomeFailed)
		record(t, now.Add(-2*time.Minute), domain.OutcomeDeclined)
		record(t, now.Add(-3*time.Minute), domain.OutcomeFraudBlocked)

		failures, err := svc.CountFailures(ctx, fp, time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if failures != 2 {
			t.Errorf("expected 2 failures in the last hour, got %d", failures)
		}

		if got := svc.FailuresInLatest(fp, 100); got != 3 {
			t.Errorf("expected 3 failures in latest records, got %d", got)
		}

		blocked, _ := svc.CountRecentOutcomes(ctx, fp, time.Hour, domain.OutcomeFraudBlocked)
		if blocked != 1 {
			t.Errorf("expected 1 fraud_blocked record, got %d", blocked)
		}
	})

	t.Run("MissingFingerprint", func(t *testing.T) {
		if _, err := svc.CountRecent(ctx, "", time.Hour); err == nil {
			t.Error("expected error for empty fingerprint id")
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := svc.CountRecent(cctx, fp, time.Hour); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}
