package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
	"klinikpos/backend/internal/xid"
)

// BuildOrRefreshSummary recomputes the daily cash summary for one
// cashier's day from the unlocked facts currently in the ledger. The
// summary is created on first call and fully overwritten on every
// subsequent call while it remains open. Refreshing a summary that has
// left the open state returns ErrInvalidState.
func (s *Service) BuildOrRefreshSummary(ctx context.Context, req domain.BuildSummaryRequest) (domain.SummaryResponse, error) {
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	req.CashierID = strings.TrimSpace(req.CashierID)
	if req.CashierID == "" {
		return domain.SummaryResponse{}, fmt.Errorf("%w: cashier_id required", store.ErrValidation)
	}
	day, err := parseDateOrToday(req.Date)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	unlock := s.locks.Lock(summaryLockKey(req.BranchID, req.CashierID, day))
	defer unlock()

	summary, err := s.buildLocked(ctx, req.BranchID, req.CashierID, day)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	return domain.SummaryResponse{Summary: *summary}, nil
}

// buildLocked is the recompute pipeline. Callers must hold the key
// mutex for (branchID, cashierID, day).
func (s *Service) buildLocked(ctx context.Context, branchID string, cashierID string, day time.Time) (*domain.DailyCashSummary, error) {
	summary, err := s.repo.GetSummaryByKey(ctx, branchID, cashierID, day)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		summary, err = s.createSummary(ctx, branchID, cashierID, day)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if summary.State.Status != domain.EODStatusOpen {
		return nil, fmt.Errorf("%w: summary %s is %s and can no longer be rebuilt", store.ErrInvalidState, summary.ID, summary.State.Status)
	}

	// Attach any facts recorded since the last build, then aggregate
	// over everything bound to this summary.
	if err := s.repo.BindFactsToSummary(ctx, summary.ID, branchID, cashierID, day); err != nil {
		return nil, err
	}

	transactions, err := s.repo.ListUnlockedTransactions(ctx, branchID, cashierID, day)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListUnlockedCashEntries(ctx, branchID, cashierID, day)
	if err != nil {
		return nil, err
	}

	aggregate(summary, transactions, entries)
	summary.UpdatedAt = time.Now().UTC()

	updated, err := s.repo.UpdateSummary(ctx, *summary)
	if err != nil {
		return nil, err
	}
	s.invalidateSummaryCache(ctx, updated.ID)
	return updated, nil
}

func (s *Service) createSummary(ctx context.Context, branchID string, cashierID string, day time.Time) (*domain.DailyCashSummary, error) {
	now := time.Now().UTC()
	created, err := s.repo.CreateSummary(ctx, domain.DailyCashSummary{
		ID:          xid.New("eod"),
		BranchID:    branchID,
		CashierID:   cashierID,
		SummaryDate: day,
		State:       domain.EODOpen(),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another request created it between our get and create.
		return s.repo.GetSummaryByKey(ctx, branchID, cashierID, day)
	}
	return created, err
}

// aggregate overwrites every derived field on the summary from the
// given facts. Channel totals sum the paid amounts, sales totals sum
// the billed amounts.
func aggregate(summary *domain.DailyCashSummary, transactions []domain.BillingTransaction, entries []domain.CashEntry) {
	summary.CashTotalCents = 0
	summary.CardTotalCents = 0
	summary.OnlineTotalCents = 0
	summary.QRTotalCents = 0
	summary.CashCount = 0
	summary.CardCount = 0
	summary.OnlineCount = 0
	summary.QRCount = 0
	summary.CashInTotalCents = 0
	summary.CashOutTotalCents = 0
	summary.TotalTransactions = len(transactions)
	summary.TotalSalesCents = 0

	for _, tx := range transactions {
		summary.TotalSalesCents += tx.TotalCents
		switch tx.PaymentMethod {
		case domain.PaymentMethodCash:
			summary.CashTotalCents += tx.PaidCents
			summary.CashCount++
		case domain.PaymentMethodCard:
			summary.CardTotalCents += tx.PaidCents
			summary.CardCount++
		case domain.PaymentMethodOnline:
			summary.OnlineTotalCents += tx.PaidCents
			summary.OnlineCount++
		case domain.PaymentMethodQR:
			summary.QRTotalCents += tx.PaidCents
			summary.QRCount++
		}
	}

	for _, entry := range entries {
		switch entry.EntryType {
		case domain.CashEntryIn:
			summary.CashInTotalCents += entry.AmountCents
		case domain.CashEntryOut:
			summary.CashOutTotalCents += entry.AmountCents
		}
	}

	summary.ExpectedCashCents = summary.CashTotalCents + summary.CashInTotalCents - summary.CashOutTotalCents
}

// reconcile applies the counted drawer amount to a freshly rebuilt
// summary and classifies the variance. A non-zero variance must carry
// an explanation from the cashier.
func reconcile(summary *domain.DailyCashSummary, actualCountedCents int64, remarks string) error {
	if actualCountedCents < 0 {
		return fmt.Errorf("%w: counted cash cannot be negative", store.ErrValidation)
	}

	variance := actualCountedCents - summary.ExpectedCashCents
	remarks = strings.TrimSpace(remarks)
	if variance != 0 && remarks == "" {
		return fmt.Errorf("%w: variance_remarks required when counted cash differs from expected", store.ErrValidation)
	}

	summary.ActualCashCountedCents = actualCountedCents
	summary.CashVarianceCents = variance
	summary.VarianceRemarks = remarks
	switch {
	case variance == 0:
		summary.VarianceClass = domain.VarianceExact
	case variance > 0:
		summary.VarianceClass = domain.VarianceOver
	default:
		summary.VarianceClass = domain.VarianceShort
	}
	return nil
}
