package store

import (
	"context"
	"errors"
	"time"

	"klinikpos/backend/internal/domain"
)

// Error taxonomy shared by every store implementation and the service
// layer. Anything not wrapping one of these sentinels is treated as an
// infrastructure failure (retry later), not a caller mistake.
var (
	ErrValidation   = errors.New("validation failed")
	ErrLockedPeriod = errors.New("period is locked")
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("not authorized")
	ErrConflict     = errors.New("concurrent update conflict")
)

type Repository interface {
	CreateTransaction(ctx context.Context, tx domain.BillingTransaction) (*domain.BillingTransaction, error)
	CreateCashEntry(ctx context.Context, entry domain.CashEntry) (*domain.CashEntry, error)
	ListUnlockedTransactions(ctx context.Context, branchID string, cashierID string, date time.Time) ([]domain.BillingTransaction, error)
	ListUnlockedCashEntries(ctx context.Context, branchID string, cashierID string, date time.Time) ([]domain.CashEntry, error)

	GetSummaryByID(ctx context.Context, id string) (*domain.DailyCashSummary, error)
	GetSummaryByKey(ctx context.Context, branchID string, cashierID string, date time.Time) (*domain.DailyCashSummary, error)
	// CreateSummary enforces the one-summary-per-(branch, cashier, date)
	// constraint; a duplicate create returns ErrConflict.
	CreateSummary(ctx context.Context, summary domain.DailyCashSummary) (*domain.DailyCashSummary, error)
	// UpdateSummary persists summary only if the stored Version still
	// matches summary.Version, then bumps it. A mismatch returns ErrConflict.
	UpdateSummary(ctx context.Context, summary domain.DailyCashSummary) (*domain.DailyCashSummary, error)
	ListSummaries(ctx context.Context, filter domain.SummaryFilter, limit int) ([]domain.DailyCashSummary, error)

	// BindFactsToSummary stamps summaryID onto every unlocked fact for the
	// key, so a later LockFacts/UnbindFacts touches exactly that set.
	BindFactsToSummary(ctx context.Context, summaryID string, branchID string, cashierID string, date time.Time) error
	LockFactsBySummary(ctx context.Context, summaryID string) error
	// UnbindFactsFromSummary clears both the binding and the lock (the
	// reject path); the facts become free for the next rebuild.
	UnbindFactsFromSummary(ctx context.Context, summaryID string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
