package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
	"klinikpos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	transactionsByID map[string]domain.BillingTransaction
	cashEntriesByID  map[string]domain.CashEntry
	summariesByID    map[string]domain.DailyCashSummary
	summaryIDByKey   map[string]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_SUPERVISOR_PASSWORD
// and SEED_CASHIER_PASSWORD; hardcoded dev defaults are used with a
// warning when unset. These never apply in production (the backend uses
// PostgreSQL when DATABASE_URL is set).
func seedUsers(defaultBranchID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	supervisorPwd := envOr("SEED_SUPERVISOR_PASSWORD", "super123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_SUPERVISOR_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		branch   string
	}{
		{"admin", adminPwd, domain.RoleAdmin, ""},
		{"supervisor", supervisorPwd, domain.RoleSupervisor, defaultBranchID},
		{"cashier", cashierPwd, domain.RoleCashier, defaultBranchID},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  u.branch,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		transactionsByID: make(map[string]domain.BillingTransaction),
		cashEntriesByID:  make(map[string]domain.CashEntry),
		summariesByID:    make(map[string]domain.DailyCashSummary),
		summaryIDByKey:   make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

func NewSeeded(defaultBranchID string) *Store {
	s := New()
	s.usersByUsername = seedUsers(defaultBranchID)
	return s
}

func summaryKey(branchID, cashierID string, date time.Time) string {
	return branchID + "|" + cashierID + "|" + domain.DateKey(date).Format("2006-01-02")
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.BillingTransaction) (*domain.BillingTransaction, error) {
	if tx.BranchID == "" || tx.CashierID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = xid.New("btx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.TransactionDate = domain.DateKey(tx.TransactionDate)
	s.transactionsByID[tx.ID] = tx
	created := tx
	return &created, nil
}

func (s *Store) CreateCashEntry(_ context.Context, entry domain.CashEntry) (*domain.CashEntry, error) {
	if entry.BranchID == "" || entry.CashierID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("ce")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.EntryDate = domain.DateKey(entry.EntryDate)
	s.cashEntriesByID[entry.ID] = entry
	created := entry
	return &created, nil
}

func (s *Store) ListUnlockedTransactions(_ context.Context, branchID string, cashierID string, date time.Time) ([]domain.BillingTransaction, error) {
	day := domain.DateKey(date)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BillingTransaction, 0, 32)
	for _, tx := range s.transactionsByID {
		if tx.BranchID != branchID || tx.CashierID != cashierID || !tx.TransactionDate.Equal(day) {
			continue
		}
		if tx.IsLocked {
			continue
		}
		result = append(result, tx)
	}
	sortByCreated(result, func(tx domain.BillingTransaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	return result, nil
}

func (s *Store) ListUnlockedCashEntries(_ context.Context, branchID string, cashierID string, date time.Time) ([]domain.CashEntry, error) {
	day := domain.DateKey(date)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashEntry, 0, 8)
	for _, entry := range s.cashEntriesByID {
		if entry.BranchID != branchID || entry.CashierID != cashierID || !entry.EntryDate.Equal(day) {
			continue
		}
		if entry.IsLocked {
			continue
		}
		result = append(result, entry)
	}
	sortByCreated(result, func(entry domain.CashEntry) (time.Time, string) {
		return entry.CreatedAt, entry.ID
	})
	return result, nil
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	slices.SortFunc(items, func(a, b T) int {
		at, aid := key(a)
		bt, bid := key(b)
		if at.Equal(bt) {
			return strings.Compare(aid, bid)
		}
		if at.Before(bt) {
			return -1
		}
		return 1
	})
}

func (s *Store) GetSummaryByID(_ context.Context, id string) (*domain.DailyCashSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, exists := s.summariesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := summary
	return &found, nil
}

func (s *Store) GetSummaryByKey(_ context.Context, branchID string, cashierID string, date time.Time) (*domain.DailyCashSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.summaryIDByKey[summaryKey(branchID, cashierID, date)]
	if !exists {
		return nil, store.ErrNotFound
	}
	summary := s.summariesByID[id]
	found := summary
	return &found, nil
}

func (s *Store) CreateSummary(_ context.Context, summary domain.DailyCashSummary) (*domain.DailyCashSummary, error) {
	if summary.BranchID == "" || summary.CashierID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := summaryKey(summary.BranchID, summary.CashierID, summary.SummaryDate)
	if _, exists := s.summaryIDByKey[key]; exists {
		return nil, store.ErrConflict
	}

	if summary.ID == "" {
		summary.ID = xid.New("eod")
	}
	now := time.Now().UTC()
	summary.SummaryDate = domain.DateKey(summary.SummaryDate)
	summary.Version = 1
	summary.CreatedAt = now
	summary.UpdatedAt = now

	s.summariesByID[summary.ID] = summary
	s.summaryIDByKey[key] = summary.ID
	created := summary
	return &created, nil
}

func (s *Store) UpdateSummary(_ context.Context, summary domain.DailyCashSummary) (*domain.DailyCashSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.summariesByID[summary.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if current.Version != summary.Version {
		return nil, store.ErrConflict
	}

	summary.Version = current.Version + 1
	summary.CreatedAt = current.CreatedAt
	summary.UpdatedAt = time.Now().UTC()
	s.summariesByID[summary.ID] = summary
	updated := summary
	return &updated, nil
}

func (s *Store) ListSummaries(_ context.Context, filter domain.SummaryFilter, limit int) ([]domain.DailyCashSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailyCashSummary, 0, 32)
	for _, summary := range s.summariesByID {
		if filter.BranchID != "" && summary.BranchID != filter.BranchID {
			continue
		}
		if filter.CashierID != "" && summary.CashierID != filter.CashierID {
			continue
		}
		if !filter.From.IsZero() && summary.SummaryDate.Before(domain.DateKey(filter.From)) {
			continue
		}
		if !filter.To.IsZero() && summary.SummaryDate.After(domain.DateKey(filter.To)) {
			continue
		}
		result = append(result, summary)
	}

	slices.SortFunc(result, func(a, b domain.DailyCashSummary) int {
		if a.SummaryDate.Equal(b.SummaryDate) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.SummaryDate.After(b.SummaryDate) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) BindFactsToSummary(_ context.Context, summaryID string, branchID string, cashierID string, date time.Time) error {
	day := domain.DateKey(date)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tx := range s.transactionsByID {
		if tx.BranchID != branchID || tx.CashierID != cashierID || !tx.TransactionDate.Equal(day) || tx.IsLocked {
			continue
		}
		tx.EODSummaryID = summaryID
		s.transactionsByID[id] = tx
	}
	for id, entry := range s.cashEntriesByID {
		if entry.BranchID != branchID || entry.CashierID != cashierID || !entry.EntryDate.Equal(day) || entry.IsLocked {
			continue
		}
		entry.EODSummaryID = summaryID
		s.cashEntriesByID[id] = entry
	}
	return nil
}

func (s *Store) LockFactsBySummary(_ context.Context, summaryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tx := range s.transactionsByID {
		if tx.EODSummaryID != summaryID {
			continue
		}
		tx.IsLocked = true
		s.transactionsByID[id] = tx
	}
	for id, entry := range s.cashEntriesByID {
		if entry.EODSummaryID != summaryID {
			continue
		}
		entry.IsLocked = true
		s.cashEntriesByID[id] = entry
	}
	return nil
}

func (s *Store) UnbindFactsFromSummary(_ context.Context, summaryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tx := range s.transactionsByID {
		if tx.EODSummaryID != summaryID {
			continue
		}
		tx.EODSummaryID = ""
		tx.IsLocked = false
		s.transactionsByID[id] = tx
	}
	for id, entry := range s.cashEntriesByID {
		if entry.EODSummaryID != summaryID {
			continue
		}
		entry.EODSummaryID = ""
		entry.IsLocked = false
		s.cashEntriesByID[id] = entry
	}
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("adt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 32)
	for _, entry := range s.auditLogs {
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
