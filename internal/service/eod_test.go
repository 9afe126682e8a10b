package service

import (
	"errors"
	"testing"

	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
)

func submittedSummary(t *testing.T, svc *Service, day string, cashCents int64, countedCents int64, remarks string) domain.DailyCashSummary {
	t.Helper()
	ctx := cashierCtx()

	recordCash(t, svc, ctx, day, cashCents)
	built, err := svc.BuildOrRefreshSummary(ctx, domain.BuildSummaryRequest{CashierID: "cashier", Date: day})
	if err != nil {
		t.Fatalf("build summary: %v", err)
	}
	resp, err := svc.SubmitEOD(ctx, built.Summary.ID, domain.SubmitEODRequest{
		ActualCashCountedCents: countedCents,
		VarianceRemarks:        remarks,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp.Summary
}

func TestApproveIsIdempotentAndTerminal(t *testing.T) {
	svc := newTestService()
	summary := submittedSummary(t, svc, "2026-04-01", 5000, 5000, "")

	first, err := svc.ApproveEOD(supervisorCtx(), summary.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if first.Summary.State.Status != domain.EODStatusApproved {
		t.Fatalf("expected approved, got %s", first.Summary.State.Status)
	}
	if first.Summary.State.ApprovedBy != "supervisor" {
		t.Fatalf("expected supervisor stamp, got %q", first.Summary.State.ApprovedBy)
	}

	// Re-approval is a no-op, not an error.
	second, err := svc.ApproveEOD(supervisorCtx(), summary.ID)
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if !second.Summary.State.ApprovedAt.Equal(*first.Summary.State.ApprovedAt) {
		t.Fatalf("re-approval changed the approval stamp")
	}

	// Approved is terminal: no reject, flag or rebuild.
	if _, err := svc.RejectEOD(supervisorCtx(), summary.ID, "second thoughts"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on reject after approve, got %v", err)
	}
	if _, err := svc.FlagEOD(supervisorCtx(), summary.ID, "suspicious"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on flag after approve, got %v", err)
	}
	if _, err := svc.BuildOrRefreshSummary(cashierCtx(), domain.BuildSummaryRequest{CashierID: "cashier", Date: "2026-04-01"}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on rebuild after approve, got %v", err)
	}
}

func TestApproveRequiresReviewerRole(t *testing.T) {
	svc := newTestService()
	summary := submittedSummary(t, svc, "2026-04-02", 5000, 5000, "")

	if _, err := svc.ApproveEOD(cashierCtx(), summary.ID); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for cashier, got %v", err)
	}

	otherBranch := WithActor(cashierCtx(), domain.Actor{
		Username: "supervisor-b",
		Role:     domain.RoleSupervisor,
		BranchID: "branch-other",
	})
	if _, err := svc.ApproveEOD(otherBranch, summary.ID); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for foreign-branch supervisor, got %v", err)
	}

	// Admins approve across branches.
	if _, err := svc.ApproveEOD(adminCtx(), summary.ID); err != nil {
		t.Fatalf("admin approve: %v", err)
	}
}

func TestApproveRequiresSubmittedState(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	day := "2026-04-03"

	recordCash(t, svc, ctx, day, 1000)
	built, err := svc.BuildOrRefreshSummary(ctx, domain.BuildSummaryRequest{CashierID: "cashier", Date: day})
	if err != nil {
		t.Fatalf("build summary: %v", err)
	}

	if _, err := svc.ApproveEOD(supervisorCtx(), built.Summary.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state approving an open summary, got %v", err)
	}
}

func TestRejectReopensAndUnlocks(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	day := "2026-04-04"
	summary := submittedSummary(t, svc, day, 5000, 4000, "short, investigating")

	if _, err := svc.RejectEOD(supervisorCtx(), summary.ID, ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty reason, got %v", err)
	}

	rejected, err := svc.RejectEOD(supervisorCtx(), summary.ID, "recount the drawer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Summary.State.Status != domain.EODStatusOpen {
		t.Fatalf("expected reopened summary, got %s", rejected.Summary.State.Status)
	}
	if rejected.Summary.ActualCashCountedCents != 0 || rejected.Summary.VarianceClass != "" {
		t.Fatalf("expected reconciliation fields cleared, got %+v", rejected.Summary)
	}

	// The day accepts writes again and the rebuild includes them.
	recordCash(t, svc, ctx, day, 1500)
	rebuilt, err := svc.BuildOrRefreshSummary(ctx, domain.BuildSummaryRequest{CashierID: "cashier", Date: day})
	if err != nil {
		t.Fatalf("rebuild after reject: %v", err)
	}
	if rebuilt.Summary.ExpectedCashCents != 6500 {
		t.Fatalf("expected rebuilt total 6500, got %d", rebuilt.Summary.ExpectedCashCents)
	}

	// The rejected figures survive in the audit trail.
	logs, err := svc.ListAuditLogs(adminCtx(), testBranch, "", 0)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	var found bool
	for _, entry := range logs {
		if entry.Action == "eod_reject" && entry.EntityID == summary.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected eod_reject audit snapshot for %s", summary.ID)
	}
}

func TestFlagKeepsDayLocked(t *testing.T) {
	svc := newTestService()
	day := "2026-04-05"
	summary := submittedSummary(t, svc, day, 5000, 3000, "large shortfall")

	flagged, err := svc.FlagEOD(supervisorCtx(), summary.ID, "variance exceeds branch threshold")
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if flagged.Summary.State.Status != domain.EODStatusFlagged {
		t.Fatalf("expected flagged, got %s", flagged.Summary.State.Status)
	}
	if flagged.Summary.State.FlagReason == "" || flagged.Summary.State.FlaggedBy != "supervisor" {
		t.Fatalf("expected flag stamp, got %+v", flagged.Summary.State)
	}

	// Flagged days stay locked.
	_, err = svc.RecordTransaction(cashierCtx(), domain.RecordTransactionRequest{
		CashierID:       "cashier",
		TotalCents:      1000,
		PaidCents:       1000,
		PaymentMethod:   "cash",
		TransactionDate: day,
	})
	if !errors.Is(err, store.ErrLockedPeriod) {
		t.Fatalf("expected locked period while flagged, got %v", err)
	}
}

func TestResolveFlagApprove(t *testing.T) {
	svc := newTestService()
	summary := submittedSummary(t, svc, "2026-04-06", 5000, 3000, "large shortfall")
	if _, err := svc.FlagEOD(supervisorCtx(), summary.ID, "needs review"); err != nil {
		t.Fatalf("flag: %v", err)
	}

	// Only admins resolve flags.
	_, err := svc.ResolveFlaggedEOD(supervisorCtx(), summary.ID, domain.ResolveFlagRequest{Outcome: "approve"})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for supervisor, got %v", err)
	}

	resolved, err := svc.ResolveFlaggedEOD(adminCtx(), summary.ID, domain.ResolveFlagRequest{Outcome: "approve", Reason: "shortfall explained"})
	if err != nil {
		t.Fatalf("resolve approve: %v", err)
	}
	if resolved.Summary.State.Status != domain.EODStatusApproved {
		t.Fatalf("expected approved after resolution, got %s", resolved.Summary.State.Status)
	}
}

func TestResolveFlagReject(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	day := "2026-04-07"
	summary := submittedSummary(t, svc, day, 5000, 3000, "large shortfall")
	if _, err := svc.FlagEOD(supervisorCtx(), summary.ID, "needs review"); err != nil {
		t.Fatalf("flag: %v", err)
	}

	_, err := svc.ResolveFlaggedEOD(adminCtx(), summary.ID, domain.ResolveFlagRequest{Outcome: "reject"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for reject without reason, got %v", err)
	}

	resolved, err := svc.ResolveFlaggedEOD(adminCtx(), summary.ID, domain.ResolveFlagRequest{Outcome: "reject", Reason: "recount required"})
	if err != nil {
		t.Fatalf("resolve reject: %v", err)
	}
	if resolved.Summary.State.Status != domain.EODStatusOpen {
		t.Fatalf("expected reopened summary, got %s", resolved.Summary.State.Status)
	}

	// The cashier can correct and close the day again.
	recordCash(t, svc, ctx, day, 500)
	rebuilt, err := svc.BuildOrRefreshSummary(ctx, domain.BuildSummaryRequest{CashierID: "cashier", Date: day})
	if err != nil {
		t.Fatalf("rebuild after flag reject: %v", err)
	}
	if rebuilt.Summary.ExpectedCashCents != 5500 {
		t.Fatalf("expected rebuilt total 5500, got %d", rebuilt.Summary.ExpectedCashCents)
	}
}

func TestSubmitTwiceRejected(t *testing.T) {
	svc := newTestService()
	summary := submittedSummary(t, svc, "2026-04-08", 2000, 2000, "")

	_, err := svc.SubmitEOD(cashierCtx(), summary.ID, domain.SubmitEODRequest{ActualCashCountedCents: 2000})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on double submit, got %v", err)
	}
}
