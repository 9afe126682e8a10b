package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"klinikpos/backend/internal/cache"
	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
	"klinikpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	cache           cache.SummaryCache
	cacheTTL        time.Duration
	enforcer        *LockEnforcer
	locks           *keyMutex
	defaultBranchID string
}

func New(repo store.Repository, summaryCache cache.SummaryCache, cacheTTL time.Duration, defaultBranchID string) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "branch-main"
	}
	if summaryCache == nil {
		summaryCache = cache.NoopSummaryCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:            repo,
		cache:           summaryCache,
		cacheTTL:        cacheTTL,
		enforcer:        NewLockEnforcer(repo),
		locks:           newKeyMutex(),
		defaultBranchID: defaultBranchID,
	}
}

// RecordTransaction appends a billing fact to the ledger. The write is
// rejected outright with ErrLockedPeriod when the cashier's day has
// already been submitted, approved or flagged.
func (s *Service) RecordTransaction(ctx context.Context, req domain.RecordTransactionRequest) (domain.RecordTransactionResponse, error) {
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	req.CashierID = strings.TrimSpace(req.CashierID)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.TransactionType = strings.TrimSpace(req.TransactionType)

	if req.CashierID == "" {
		return domain.RecordTransactionResponse{}, fmt.Errorf("%w: cashier_id required", store.ErrValidation)
	}
	if !domain.IsSupportedPaymentMethod(req.PaymentMethod) {
		return domain.RecordTransactionResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}
	if req.TotalCents < 1 || req.PaidCents < 0 || req.BalanceCents < 0 {
		return domain.RecordTransactionResponse{}, fmt.Errorf("%w: amounts must be non-negative with a positive total", store.ErrValidation)
	}
	if req.PaidCents+req.BalanceCents != req.TotalCents {
		return domain.RecordTransactionResponse{}, fmt.Errorf("%w: paid + balance must equal total", store.ErrValidation)
	}

	day, err := parseDateOrToday(req.TransactionDate)
	if err != nil {
		return domain.RecordTransactionResponse{}, err
	}

	status := strings.ToLower(strings.TrimSpace(req.PaymentStatus))
	if status == "" {
		status = derivePaymentStatus(req.PaidCents, req.BalanceCents)
	}
	switch status {
	case domain.PaymentStatusPaid, domain.PaymentStatusPartial, domain.PaymentStatusPending:
	default:
		return domain.RecordTransactionResponse{}, fmt.Errorf("%w: unknown payment status %q", store.ErrValidation, status)
	}

	// Serialize against build/submit for the same key so the fact is
	// either fully visible to the next rebuild or rejected here.
	unlock := s.locks.Lock(summaryLockKey(req.BranchID, req.CashierID, day))
	defer unlock()

	if err := s.enforcer.AssertWritable(ctx, req.BranchID, req.CashierID, day); err != nil {
		return domain.RecordTransactionResponse{}, err
	}

	created, err := s.repo.CreateTransaction(ctx, domain.BillingTransaction{
		ID:              xid.New("btx"),
		BranchID:        req.BranchID,
		CashierID:       req.CashierID,
		PatientRef:      strings.TrimSpace(req.PatientRef),
		TransactionType: req.TransactionType,
		InvoiceNo:       strings.TrimSpace(req.InvoiceNo),
		ReceiptNo:       strings.TrimSpace(req.ReceiptNo),
		TotalCents:      req.TotalCents,
		PaidCents:       req.PaidCents,
		BalanceCents:    req.BalanceCents,
		PaymentStatus:   status,
		PaymentMethod:   req.PaymentMethod,
		TransactionDate: day,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return domain.RecordTransactionResponse{}, err
	}

	s.logAudit(ctx, req.BranchID, "transaction_record", "billing_transaction", created.ID,
		fmt.Sprintf("method=%s,total=%d,paid=%d,date=%s", created.PaymentMethod, created.TotalCents, created.PaidCents, day.Format("2006-01-02")))

	return domain.RecordTransactionResponse{Transaction: *created}, nil
}

// RecordCashEntry appends a manual cash movement to the ledger under the
// same locked-period guard as billing transactions.
func (s *Service) RecordCashEntry(ctx context.Context, req domain.RecordCashEntryRequest) (domain.RecordCashEntryResponse, error) {
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	req.CashierID = strings.TrimSpace(req.CashierID)
	req.EntryType = strings.ToLower(strings.TrimSpace(req.EntryType))
	req.Category = strings.TrimSpace(req.Category)

	if req.CashierID == "" {
		return domain.RecordCashEntryResponse{}, fmt.Errorf("%w: cashier_id required", store.ErrValidation)
	}
	if req.EntryType != domain.CashEntryIn && req.EntryType != domain.CashEntryOut {
		return domain.RecordCashEntryResponse{}, fmt.Errorf("%w: entry_type must be cash_in or cash_out", store.ErrValidation)
	}
	if req.AmountCents < 1 {
		return domain.RecordCashEntryResponse{}, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}

	day, err := parseDateOrToday(req.EntryDate)
	if err != nil {
		return domain.RecordCashEntryResponse{}, err
	}

	unlock := s.locks.Lock(summaryLockKey(req.BranchID, req.CashierID, day))
	defer unlock()

	if err := s.enforcer.AssertWritable(ctx, req.BranchID, req.CashierID, day); err != nil {
		return domain.RecordCashEntryResponse{}, err
	}

	created, err := s.repo.CreateCashEntry(ctx, domain.CashEntry{
		ID:          xid.New("ce"),
		BranchID:    req.BranchID,
		CashierID:   req.CashierID,
		EntryType:   req.EntryType,
		Category:    req.Category,
		AmountCents: req.AmountCents,
		EntryDate:   day,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.RecordCashEntryResponse{}, err
	}

	s.logAudit(ctx, req.BranchID, "cash_entry_record", "cash_entry", created.ID,
		fmt.Sprintf("type=%s,category=%s,amount=%d,date=%s", created.EntryType, created.Category, created.AmountCents, day.Format("2006-01-02")))

	return domain.RecordCashEntryResponse{Entry: *created}, nil
}

func (s *Service) GetSummary(ctx context.Context, summaryID string) (domain.SummaryResponse, error) {
	summaryID = strings.TrimSpace(summaryID)
	if summaryID == "" {
		return domain.SummaryResponse{}, fmt.Errorf("%w: summary id required", store.ErrValidation)
	}

	if cached, hit, err := s.cache.Get(ctx, summaryID); err == nil && hit {
		return domain.SummaryResponse{Summary: *cached}, nil
	} else if err != nil {
		log.Printf("[service] WARN: summary cache read failed id=%s: %v", summaryID, err)
	}

	summary, err := s.repo.GetSummaryByID(ctx, summaryID)
	if err != nil {
		return domain.SummaryResponse{}, err
	}
	if err := s.cache.Set(ctx, summaryID, summary, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: summary cache write failed id=%s: %v", summaryID, err)
	}
	return domain.SummaryResponse{Summary: *summary}, nil
}

func (s *Service) ListSummaries(ctx context.Context, filter domain.SummaryFilter, limit int) (domain.SummaryListResponse, error) {
	if limit < 1 {
		limit = 100
	}
	summaries, err := s.repo.ListSummaries(ctx, filter, limit)
	if err != nil {
		return domain.SummaryListResponse{}, err
	}
	return domain.SummaryListResponse{Summaries: summaries}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("adt"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}

func (s *Service) invalidateSummaryCache(ctx context.Context, summaryID string) {
	if err := s.cache.Invalidate(ctx, summaryID); err != nil {
		log.Printf("[service] WARN: summary cache invalidation failed id=%s: %v", summaryID, err)
	}
}

func parseDateOrToday(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.DateKey(time.Now().UTC()), nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	return domain.DateKey(parsed), nil
}

func derivePaymentStatus(paidCents int64, balanceCents int64) string {
	switch {
	case balanceCents == 0:
		return domain.PaymentStatusPaid
	case paidCents > 0:
		return domain.PaymentStatusPartial
	default:
		return domain.PaymentStatusPending
	}
}
