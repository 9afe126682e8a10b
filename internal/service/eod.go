package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
)

// SubmitEOD closes a cashier's day: the summary is rebuilt one last
// time from the ledger, reconciled against the counted drawer amount,
// moved to submitted and all underlying facts are locked.
func (s *Service) SubmitEOD(ctx context.Context, summaryID string, req domain.SubmitEODRequest) (domain.SummaryResponse, error) {
	summary, err := s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	unlock := s.locks.Lock(summaryLockKey(summary.BranchID, summary.CashierID, summary.SummaryDate))
	defer unlock()

	// Re-read under the key mutex, then recompute so the submission
	// covers every fact recorded up to this point.
	summary, err = s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	if summary.State.Status != domain.EODStatusOpen {
		return domain.SummaryResponse{}, fmt.Errorf("%w: summary %s is %s and cannot be submitted", store.ErrInvalidState, summary.ID, summary.State.Status)
	}

	summary, err = s.buildLocked(ctx, summary.BranchID, summary.CashierID, summary.SummaryDate)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	if err := reconcile(summary, req.ActualCashCountedCents, req.VarianceRemarks); err != nil {
		return domain.SummaryResponse{}, err
	}

	now := time.Now().UTC()
	summary.State = domain.EODSubmitted(now)
	summary.UpdatedAt = now

	updated, err := s.repo.UpdateSummary(ctx, *summary)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	if err := s.enforcer.LockAll(ctx, updated.ID); err != nil {
		// Facts must not stay writable under a submitted summary.
		// Roll the state back and surface the failure.
		updated.State = domain.EODOpen()
		updated.UpdatedAt = time.Now().UTC()
		if _, revertErr := s.repo.UpdateSummary(ctx, *updated); revertErr != nil {
			log.Printf("[service] WARN: failed to revert summary %s to open after lock failure: %v", updated.ID, revertErr)
		}
		return domain.SummaryResponse{}, fmt.Errorf("lock facts for summary %s: %w", updated.ID, err)
	}

	s.invalidateSummaryCache(ctx, updated.ID)
	s.logAudit(ctx, updated.BranchID, "eod_submit", "daily_cash_summary", updated.ID,
		fmt.Sprintf("expected=%d,counted=%d,variance=%d,class=%s", updated.ExpectedCashCents, updated.ActualCashCountedCents, updated.CashVarianceCents, updated.VarianceClass))

	return domain.SummaryResponse{Summary: *updated}, nil
}

// ApproveEOD finalizes a submitted summary. Approving an already
// approved summary is a no-op so double-clicked approvals stay safe.
func (s *Service) ApproveEOD(ctx context.Context, summaryID string) (domain.SummaryResponse, error) {
	summary, err := s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	actor, err := s.authorizeReviewer(ctx, summary.BranchID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	unlock := s.locks.Lock(summaryLockKey(summary.BranchID, summary.CashierID, summary.SummaryDate))
	defer unlock()

	summary, err = s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	if summary.State.Status == domain.EODStatusApproved {
		return domain.SummaryResponse{Summary: *summary}, nil
	}
	if summary.State.Status != domain.EODStatusSubmitted {
		return domain.SummaryResponse{}, fmt.Errorf("%w: summary %s is %s and cannot be approved", store.ErrInvalidState, summary.ID, summary.State.Status)
	}

	now := time.Now().UTC()
	summary.State = domain.EODApproved(summary.State, actor.Username, now)
	summary.UpdatedAt = now

	updated, err := s.repo.UpdateSummary(ctx, *summary)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	s.invalidateSummaryCache(ctx, updated.ID)
	s.logAudit(ctx, updated.BranchID, "eod_approve", "daily_cash_summary", updated.ID,
		fmt.Sprintf("variance=%d,class=%s", updated.CashVarianceCents, updated.VarianceClass))

	return domain.SummaryResponse{Summary: *updated}, nil
}

// RejectEOD sends a submitted summary back to the cashier: a snapshot
// of the rejected figures is written to the audit trail, the facts are
// unlocked and the summary reopens for correction and rebuild.
func (s *Service) RejectEOD(ctx context.Context, summaryID string, reason string) (domain.SummaryResponse, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.SummaryResponse{}, fmt.Errorf("%w: rejection reason required", store.ErrValidation)
	}

	summary, err := s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	actor, err := s.authorizeReviewer(ctx, summary.BranchID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	unlock := s.locks.Lock(summaryLockKey(summary.BranchID, summary.CashierID, summary.SummaryDate))
	defer unlock()

	summary, err = s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	if summary.State.Status != domain.EODStatusSubmitted {
		return domain.SummaryResponse{}, fmt.Errorf("%w: summary %s is %s and cannot be rejected", store.ErrInvalidState, summary.ID, summary.State.Status)
	}

	return s.reopenSummary(ctx, summary, actor, "eod_reject", reason)
}

// FlagEOD parks a submitted summary for escalation. The day stays
// locked until an admin resolves the flag.
func (s *Service) FlagEOD(ctx context.Context, summaryID string, reason string) (domain.SummaryResponse, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.SummaryResponse{}, fmt.Errorf("%w: flag reason required", store.ErrValidation)
	}

	summary, err := s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	actor, err := s.authorizeReviewer(ctx, summary.BranchID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	unlock := s.locks.Lock(summaryLockKey(summary.BranchID, summary.CashierID, summary.SummaryDate))
	defer unlock()

	summary, err = s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	if summary.State.Status != domain.EODStatusSubmitted {
		return domain.SummaryResponse{}, fmt.Errorf("%w: summary %s is %s and cannot be flagged", store.ErrInvalidState, summary.ID, summary.State.Status)
	}

	now := time.Now().UTC()
	summary.State = domain.EODFlagged(summary.State, actor.Username, now, reason)
	summary.UpdatedAt = now

	updated, err := s.repo.UpdateSummary(ctx, *summary)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	s.invalidateSummaryCache(ctx, updated.ID)
	s.logAudit(ctx, updated.BranchID, "eod_flag", "daily_cash_summary", updated.ID,
		fmt.Sprintf("variance=%d,reason=%s", updated.CashVarianceCents, reason))

	return domain.SummaryResponse{Summary: *updated}, nil
}

// ResolveFlaggedEOD closes out an escalation. Outcome "approve"
// finalizes the flagged figures, outcome "reject" reopens the day.
// Only admins may resolve flags.
func (s *Service) ResolveFlaggedEOD(ctx context.Context, summaryID string, req domain.ResolveFlagRequest) (domain.SummaryResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.SummaryResponse{}, fmt.Errorf("%w: flag resolution requires the admin role", store.ErrUnauthorized)
	}

	outcome := strings.ToLower(strings.TrimSpace(req.Outcome))
	if outcome != "approve" && outcome != "reject" {
		return domain.SummaryResponse{}, fmt.Errorf("%w: outcome must be approve or reject", store.ErrValidation)
	}
	reason := strings.TrimSpace(req.Reason)
	if outcome == "reject" && reason == "" {
		return domain.SummaryResponse{}, fmt.Errorf("%w: rejection reason required", store.ErrValidation)
	}

	summary, err := s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	unlock := s.locks.Lock(summaryLockKey(summary.BranchID, summary.CashierID, summary.SummaryDate))
	defer unlock()

	summary, err = s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	if summary.State.Status != domain.EODStatusFlagged {
		return domain.SummaryResponse{}, fmt.Errorf("%w: summary %s is %s and has no flag to resolve", store.ErrInvalidState, summary.ID, summary.State.Status)
	}

	if outcome == "reject" {
		return s.reopenSummary(ctx, summary, actor, "eod_flag_reject", reason)
	}

	now := time.Now().UTC()
	summary.State = domain.EODApproved(summary.State, actor.Username, now)
	summary.UpdatedAt = now

	updated, err := s.repo.UpdateSummary(ctx, *summary)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	s.invalidateSummaryCache(ctx, updated.ID)
	s.logAudit(ctx, updated.BranchID, "eod_flag_approve", "daily_cash_summary", updated.ID,
		fmt.Sprintf("variance=%d,reason=%s", updated.CashVarianceCents, reason))

	return domain.SummaryResponse{Summary: *updated}, nil
}

// reopenSummary records a snapshot of the rejected figures, resets the
// summary to open and unlocks its facts. Callers hold the key mutex
// and have already validated state and authorization.
func (s *Service) reopenSummary(ctx context.Context, summary *domain.DailyCashSummary, actor domain.Actor, action string, reason string) (domain.SummaryResponse, error) {
	snapshot, err := json.Marshal(map[string]any{
		"expected_cash_cents":       summary.ExpectedCashCents,
		"actual_cash_counted_cents": summary.ActualCashCountedCents,
		"cash_variance_cents":       summary.CashVarianceCents,
		"variance_class":            summary.VarianceClass,
		"variance_remarks":          summary.VarianceRemarks,
		"total_sales_cents":         summary.TotalSalesCents,
		"reason":                    reason,
	})
	if err != nil {
		return domain.SummaryResponse{}, fmt.Errorf("snapshot summary %s: %w", summary.ID, err)
	}

	now := time.Now().UTC()
	summary.State = domain.EODOpen()
	summary.ActualCashCountedCents = 0
	summary.CashVarianceCents = 0
	summary.VarianceClass = ""
	summary.VarianceRemarks = ""
	summary.UpdatedAt = now

	updated, err := s.repo.UpdateSummary(ctx, *summary)
	if err != nil {
		return domain.SummaryResponse{}, err
	}

	if err := s.enforcer.UnlockAll(ctx, updated.ID); err != nil {
		return domain.SummaryResponse{}, fmt.Errorf("unlock facts for summary %s: %w", updated.ID, err)
	}

	s.invalidateSummaryCache(ctx, updated.ID)
	s.logAudit(ctx, updated.BranchID, action, "daily_cash_summary", updated.ID, string(snapshot))

	return domain.SummaryResponse{Summary: *updated}, nil
}

// authorizeReviewer permits supervisors within their own branch and
// admins everywhere.
func (s *Service) authorizeReviewer(ctx context.Context, branchID string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: no authenticated actor", store.ErrUnauthorized)
	}
	switch actor.Role {
	case domain.RoleAdmin:
		return actor, nil
	case domain.RoleSupervisor:
		if actor.BranchID == branchID {
			return actor, nil
		}
		return domain.Actor{}, fmt.Errorf("%w: supervisor %s cannot review summaries for branch %s", store.ErrUnauthorized, actor.Username, branchID)
	default:
		return domain.Actor{}, fmt.Errorf("%w: role %s cannot review end of day summaries", store.ErrUnauthorized, actor.Role)
	}
}
