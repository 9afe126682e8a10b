package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
)

func TestSummaryLifecycleBindsAndLocksFacts(t *testing.T) {
	databaseURL := os.Getenv("KLINIKPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KLINIKPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	branchID := fmt.Sprintf("branch-it-%d", stamp)
	cashierID := fmt.Sprintf("cashier-it-%d", stamp)
	day := domain.DateKey(time.Now().UTC())

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM billing_transactions WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_entries WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM daily_cash_summaries WHERE branch_id = $1`, branchID)
	})

	for i, cents := range []int64{5000, 3000} {
		_, err := s.CreateTransaction(ctx, domain.BillingTransaction{
			ID:              fmt.Sprintf("btx-it-%d-%d", stamp, i),
			BranchID:        branchID,
			CashierID:       cashierID,
			TransactionType: "consultation",
			TotalCents:      cents,
			PaidCents:       cents,
			PaymentStatus:   domain.PaymentStatusPaid,
			PaymentMethod:   domain.PaymentMethodCash,
			TransactionDate: day,
		})
		if err != nil {
			t.Fatalf("insert transaction %d: %v", i, err)
		}
	}
	if _, err := s.CreateCashEntry(ctx, domain.CashEntry{
		ID:          fmt.Sprintf("ce-it-%d", stamp),
		BranchID:    branchID,
		CashierID:   cashierID,
		EntryType:   domain.CashEntryOut,
		Category:    "supplies",
		AmountCents: 1000,
		EntryDate:   day,
	}); err != nil {
		t.Fatalf("insert cash entry: %v", err)
	}

	summary, err := s.CreateSummary(ctx, domain.DailyCashSummary{
		ID:          fmt.Sprintf("eod-it-%d", stamp),
		BranchID:    branchID,
		CashierID:   cashierID,
		SummaryDate: day,
		State:       domain.EODOpen(),
	})
	if err != nil {
		t.Fatalf("create summary: %v", err)
	}
	if summary.Version != 1 {
		t.Fatalf("expected fresh summary at version 1, got %d", summary.Version)
	}

	// A second summary for the same key must conflict.
	_, err = s.CreateSummary(ctx, domain.DailyCashSummary{
		BranchID:    branchID,
		CashierID:   cashierID,
		SummaryDate: day,
		State:       domain.EODOpen(),
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for duplicate summary key, got %v", err)
	}

	if err := s.BindFactsToSummary(ctx, summary.ID, branchID, cashierID, day); err != nil {
		t.Fatalf("bind facts: %v", err)
	}

	transactions, err := s.ListUnlockedTransactions(ctx, branchID, cashierID, day)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 bound transactions, got %d", len(transactions))
	}
	for _, tx := range transactions {
		if tx.EODSummaryID != summary.ID {
			t.Fatalf("expected transaction bound to %s, got %q", summary.ID, tx.EODSummaryID)
		}
	}

	if err := s.LockFactsBySummary(ctx, summary.ID); err != nil {
		t.Fatalf("lock facts: %v", err)
	}
	locked, err := s.ListUnlockedTransactions(ctx, branchID, cashierID, day)
	if err != nil {
		t.Fatalf("list after lock: %v", err)
	}
	if len(locked) != 0 {
		t.Fatalf("expected no unlocked transactions after lock, got %d", len(locked))
	}

	if err := s.UnbindFactsFromSummary(ctx, summary.ID); err != nil {
		t.Fatalf("unbind facts: %v", err)
	}
	unlocked, err := s.ListUnlockedTransactions(ctx, branchID, cashierID, day)
	if err != nil {
		t.Fatalf("list after unbind: %v", err)
	}
	if len(unlocked) != 2 {
		t.Fatalf("expected 2 unlocked transactions after unbind, got %d", len(unlocked))
	}
	for _, tx := range unlocked {
		if tx.EODSummaryID != "" {
			t.Fatalf("expected transaction detached, still bound to %q", tx.EODSummaryID)
		}
	}
}

func TestUpdateSummaryVersionConflict(t *testing.T) {
	databaseURL := os.Getenv("KLINIKPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KLINIKPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	branchID := fmt.Sprintf("branch-cas-%d", stamp)
	day := domain.DateKey(time.Now().UTC())

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM daily_cash_summaries WHERE branch_id = $1`, branchID)
	})

	summary, err := s.CreateSummary(ctx, domain.DailyCashSummary{
		BranchID:    branchID,
		CashierID:   "cashier-cas",
		SummaryDate: day,
		State:       domain.EODOpen(),
	})
	if err != nil {
		t.Fatalf("create summary: %v", err)
	}

	first := *summary
	first.CashTotalCents = 5000
	updated, err := s.UpdateSummary(ctx, first)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated.Version != summary.Version+1 {
		t.Fatalf("expected version bump to %d, got %d", summary.Version+1, updated.Version)
	}

	// A writer holding the stale version loses.
	stale := *summary
	stale.CashTotalCents = 9999
	_, err = s.UpdateSummary(ctx, stale)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}
}
