package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
)

// LockEnforcer is the single place that decides whether a financial
// record may still be touched. The ledger consults it before every
// write; the EOD transitions use it to flip lock state for all facts
// bound to a summary.
type LockEnforcer struct {
	repo store.Repository
}

func NewLockEnforcer(repo store.Repository) *LockEnforcer {
	return &LockEnforcer{repo: repo}
}

// AssertWritable fails with ErrLockedPeriod when the summary owning the
// (branch, cashier, date) key has left Open. A key with no summary yet
// is always writable.
func (l *LockEnforcer) AssertWritable(ctx context.Context, branchID string, cashierID string, date time.Time) error {
	summary, err := l.repo.GetSummaryByKey(ctx, branchID, cashierID, date)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if summary.State.Status == domain.EODStatusOpen {
		return nil
	}
	return fmt.Errorf("%w: summary %s is %s", store.ErrLockedPeriod, summary.ID, summary.State.Status)
}

func (l *LockEnforcer) LockAll(ctx context.Context, summaryID string) error {
	return l.repo.LockFactsBySummary(ctx, summaryID)
}

// UnlockAll clears both the lock and the summary binding, which only the
// reject path is allowed to do.
func (l *LockEnforcer) UnlockAll(ctx context.Context, summaryID string) error {
	return l.repo.UnbindFactsFromSummary(ctx, summaryID)
}

// keyMutex serializes build/reconcile/transition work per
// (branch, cashier, date) key. Writes for other keys never contend.
// Entries are kept for the process lifetime; cardinality is bounded by
// the branch's cashier-days seen since start, which is small for a
// branch deployment.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, exists := k.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func summaryLockKey(branchID string, cashierID string, date time.Time) string {
	return branchID + "|" + cashierID + "|" + domain.DateKey(date).Format("2006-01-02")
}
