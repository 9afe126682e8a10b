package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"klinikpos/backend/internal/domain"
	"klinikpos/backend/internal/store"
	"klinikpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.BillingTransaction) (*domain.BillingTransaction, error) {
	if tx.BranchID == "" || tx.CashierID == "" {
		return nil, store.ErrValidation
	}
	if tx.ID == "" {
		tx.ID = xid.New("btx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.TransactionDate = domain.DateKey(tx.TransactionDate)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_transactions (
			id, branch_id, cashier_id, patient_ref, transaction_type,
			invoice_no, receipt_no, total_cents, paid_cents, balance_cents,
			payment_status, payment_method, transaction_date,
			eod_summary_id, is_locked, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''),$15,$16)
	`, tx.ID, tx.BranchID, tx.CashierID, tx.PatientRef, tx.TransactionType,
		tx.InvoiceNo, tx.ReceiptNo, tx.TotalCents, tx.PaidCents, tx.BalanceCents,
		tx.PaymentStatus, tx.PaymentMethod, tx.TransactionDate,
		tx.EODSummaryID, tx.IsLocked, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := tx
	return &created, nil
}

func (s *Store) CreateCashEntry(ctx context.Context, entry domain.CashEntry) (*domain.CashEntry, error) {
	if entry.BranchID == "" || entry.CashierID == "" {
		return nil, store.ErrValidation
	}
	if entry.ID == "" {
		entry.ID = xid.New("ce")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.EntryDate = domain.DateKey(entry.EntryDate)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_entries (
			id, branch_id, cashier_id, entry_type, category, amount_cents,
			entry_date, approval_status, approved_by,
			eod_summary_id, is_locked, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)
	`, entry.ID, entry.BranchID, entry.CashierID, entry.EntryType, entry.Category, entry.AmountCents,
		entry.EntryDate, entry.ApprovalStatus, entry.ApprovedBy,
		entry.EODSummaryID, entry.IsLocked, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := entry
	return &created, nil
}

func (s *Store) ListUnlockedTransactions(ctx context.Context, branchID string, cashierID string, date time.Time) ([]domain.BillingTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, cashier_id, COALESCE(patient_ref, ''), transaction_type,
		       COALESCE(invoice_no, ''), COALESCE(receipt_no, ''),
		       total_cents, paid_cents, balance_cents,
		       payment_status, payment_method, transaction_date,
		       COALESCE(eod_summary_id, ''), is_locked, created_at
		FROM billing_transactions
		WHERE branch_id = $1 AND cashier_id = $2 AND transaction_date = $3 AND is_locked = false
		ORDER BY created_at, id
	`, branchID, cashierID, domain.DateKey(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.BillingTransaction, 0, 32)
	for rows.Next() {
		var tx domain.BillingTransaction
		if err := rows.Scan(
			&tx.ID, &tx.BranchID, &tx.CashierID, &tx.PatientRef, &tx.TransactionType,
			&tx.InvoiceNo, &tx.ReceiptNo,
			&tx.TotalCents, &tx.PaidCents, &tx.BalanceCents,
			&tx.PaymentStatus, &tx.PaymentMethod, &tx.TransactionDate,
			&tx.EODSummaryID, &tx.IsLocked, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListUnlockedCashEntries(ctx context.Context, branchID string, cashierID string, date time.Time) ([]domain.CashEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, cashier_id, entry_type, category, amount_cents,
		       entry_date, COALESCE(approval_status, ''), COALESCE(approved_by, ''),
		       COALESCE(eod_summary_id, ''), is_locked, created_at
		FROM cash_entries
		WHERE branch_id = $1 AND cashier_id = $2 AND entry_date = $3 AND is_locked = false
		ORDER BY created_at, id
	`, branchID, cashierID, domain.DateKey(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.CashEntry, 0, 8)
	for rows.Next() {
		var entry domain.CashEntry
		if err := rows.Scan(
			&entry.ID, &entry.BranchID, &entry.CashierID, &entry.EntryType, &entry.Category, &entry.AmountCents,
			&entry.EntryDate, &entry.ApprovalStatus, &entry.ApprovedBy,
			&entry.EODSummaryID, &entry.IsLocked, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const summaryColumns = `
	id, branch_id, cashier_id, summary_date,
	cash_total_cents, cash_count, card_total_cents, card_count,
	online_total_cents, online_count, qr_total_cents, qr_count,
	cash_in_total_cents, cash_out_total_cents,
	total_transactions, total_sales_cents,
	expected_cash_cents, actual_cash_counted_cents, cash_variance_cents,
	COALESCE(variance_class, ''), COALESCE(variance_remarks, ''),
	status, submitted_at, COALESCE(approved_by, ''), approved_at,
	COALESCE(flagged_by, ''), flagged_at, COALESCE(flag_reason, ''),
	version, created_at, updated_at`

func scanSummary(row interface{ Scan(...any) error }) (*domain.DailyCashSummary, error) {
	var summary domain.DailyCashSummary
	var submittedAt, approvedAt, flaggedAt sql.NullTime
	err := row.Scan(
		&summary.ID, &summary.BranchID, &summary.CashierID, &summary.SummaryDate,
		&summary.CashTotalCents, &summary.CashCount, &summary.CardTotalCents, &summary.CardCount,
		&summary.OnlineTotalCents, &summary.OnlineCount, &summary.QRTotalCents, &summary.QRCount,
		&summary.CashInTotalCents, &summary.CashOutTotalCents,
		&summary.TotalTransactions, &summary.TotalSalesCents,
		&summary.ExpectedCashCents, &summary.ActualCashCountedCents, &summary.CashVarianceCents,
		&summary.VarianceClass, &summary.VarianceRemarks,
		&summary.State.Status, &submittedAt, &summary.State.ApprovedBy, &approvedAt,
		&summary.State.FlaggedBy, &flaggedAt, &summary.State.FlagReason,
		&summary.Version, &summary.CreatedAt, &summary.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if submittedAt.Valid {
		at := submittedAt.Time
		summary.State.SubmittedAt = &at
	}
	if approvedAt.Valid {
		at := approvedAt.Time
		summary.State.ApprovedAt = &at
	}
	if flaggedAt.Valid {
		at := flaggedAt.Time
		summary.State.FlaggedAt = &at
	}
	return &summary, nil
}

func (s *Store) GetSummaryByID(ctx context.Context, id string) (*domain.DailyCashSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+`
		FROM daily_cash_summaries
		WHERE id = $1
	`, id)
	summary, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return summary, nil
}

func (s *Store) GetSummaryByKey(ctx context.Context, branchID string, cashierID string, date time.Time) (*domain.DailyCashSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+`
		FROM daily_cash_summaries
		WHERE branch_id = $1 AND cashier_id = $2 AND summary_date = $3
	`, branchID, cashierID, domain.DateKey(date))
	summary, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return summary, nil
}

func (s *Store) CreateSummary(ctx context.Context, summary domain.DailyCashSummary) (*domain.DailyCashSummary, error) {
	if summary.BranchID == "" || summary.CashierID == "" {
		return nil, store.ErrValidation
	}
	if summary.ID == "" {
		summary.ID = xid.New("eod")
	}
	now := time.Now().UTC()
	summary.SummaryDate = domain.DateKey(summary.SummaryDate)
	summary.Version = 1
	summary.CreatedAt = now
	summary.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_cash_summaries (
			id, branch_id, cashier_id, summary_date,
			cash_total_cents, cash_count, card_total_cents, card_count,
			online_total_cents, online_count, qr_total_cents, qr_count,
			cash_in_total_cents, cash_out_total_cents,
			total_transactions, total_sales_cents,
			expected_cash_cents, actual_cash_counted_cents, cash_variance_cents,
			variance_class, variance_remarks,
			status, submitted_at, approved_by, approved_at,
			flagged_by, flagged_at, flag_reason,
			version, created_at, updated_at
		)
		VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,$8,
			$9,$10,$11,$12,
			$13,$14,
			$15,$16,
			$17,$18,$19,
			NULLIF($20,''), NULLIF($21,''),
			$22,$23,NULLIF($24,''),$25,
			NULLIF($26,''),$27,NULLIF($28,''),
			$29,$30,$31
		)
	`, summary.ID, summary.BranchID, summary.CashierID, summary.SummaryDate,
		summary.CashTotalCents, summary.CashCount, summary.CardTotalCents, summary.CardCount,
		summary.OnlineTotalCents, summary.OnlineCount, summary.QRTotalCents, summary.QRCount,
		summary.CashInTotalCents, summary.CashOutTotalCents,
		summary.TotalTransactions, summary.TotalSalesCents,
		summary.ExpectedCashCents, summary.ActualCashCountedCents, summary.CashVarianceCents,
		summary.VarianceClass, summary.VarianceRemarks,
		summary.State.Status, nullableTime(summary.State.SubmittedAt), summary.State.ApprovedBy, nullableTime(summary.State.ApprovedAt),
		summary.State.FlaggedBy, nullableTime(summary.State.FlaggedAt), summary.State.FlagReason,
		summary.Version, summary.CreatedAt, summary.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := summary
	return &created, nil
}

func (s *Store) UpdateSummary(ctx context.Context, summary domain.DailyCashSummary) (*domain.DailyCashSummary, error) {
	previousVersion := summary.Version
	summary.Version = previousVersion + 1
	summary.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE daily_cash_summaries
		SET cash_total_cents = $2, cash_count = $3, card_total_cents = $4, card_count = $5,
		    online_total_cents = $6, online_count = $7, qr_total_cents = $8, qr_count = $9,
		    cash_in_total_cents = $10, cash_out_total_cents = $11,
		    total_transactions = $12, total_sales_cents = $13,
		    expected_cash_cents = $14, actual_cash_counted_cents = $15, cash_variance_cents = $16,
		    variance_class = NULLIF($17,''), variance_remarks = NULLIF($18,''),
		    status = $19, submitted_at = $20, approved_by = NULLIF($21,''), approved_at = $22,
		    flagged_by = NULLIF($23,''), flagged_at = $24, flag_reason = NULLIF($25,''),
		    version = $26, updated_at = $27
		WHERE id = $1 AND version = $28
	`, summary.ID,
		summary.CashTotalCents, summary.CashCount, summary.CardTotalCents, summary.CardCount,
		summary.OnlineTotalCents, summary.OnlineCount, summary.QRTotalCents, summary.QRCount,
		summary.CashInTotalCents, summary.CashOutTotalCents,
		summary.TotalTransactions, summary.TotalSalesCents,
		summary.ExpectedCashCents, summary.ActualCashCountedCents, summary.CashVarianceCents,
		summary.VarianceClass, summary.VarianceRemarks,
		summary.State.Status, nullableTime(summary.State.SubmittedAt), summary.State.ApprovedBy, nullableTime(summary.State.ApprovedAt),
		summary.State.FlaggedBy, nullableTime(summary.State.FlaggedAt), summary.State.FlagReason,
		summary.Version, summary.UpdatedAt, previousVersion)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Either the row is gone or another writer bumped the version.
		if _, getErr := s.GetSummaryByID(ctx, summary.ID); errors.Is(getErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	}

	updated := summary
	return &updated, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *Store) ListSummaries(ctx context.Context, filter domain.SummaryFilter, limit int) ([]domain.DailyCashSummary, error) {
	if limit < 1 {
		limit = 100
	}

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if filter.BranchID != "" {
		args = append(args, filter.BranchID)
		conditions = append(conditions, fmt.Sprintf("branch_id = $%d", len(args)))
	}
	if filter.CashierID != "" {
		args = append(args, filter.CashierID)
		conditions = append(conditions, fmt.Sprintf("cashier_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, domain.DateKey(filter.From))
		conditions = append(conditions, fmt.Sprintf("summary_date >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, domain.DateKey(filter.To))
		conditions = append(conditions, fmt.Sprintf("summary_date <= $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM daily_cash_summaries
		%s
		ORDER BY summary_date DESC, id DESC
		LIMIT $%d
	`, summaryColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.DailyCashSummary, 0, limit)
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) BindFactsToSummary(ctx context.Context, summaryID string, branchID string, cashierID string, date time.Time) error {
	day := domain.DateKey(date)

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `
		UPDATE billing_transactions
		SET eod_summary_id = $1
		WHERE branch_id = $2 AND cashier_id = $3 AND transaction_date = $4 AND is_locked = false
	`, summaryID, branchID, cashierID, day); err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, `
		UPDATE cash_entries
		SET eod_summary_id = $1
		WHERE branch_id = $2 AND cashier_id = $3 AND entry_date = $4 AND is_locked = false
	`, summaryID, branchID, cashierID, day); err != nil {
		return err
	}

	return dbTx.Commit()
}

func (s *Store) LockFactsBySummary(ctx context.Context, summaryID string) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `
		UPDATE billing_transactions SET is_locked = true WHERE eod_summary_id = $1
	`, summaryID); err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, `
		UPDATE cash_entries SET is_locked = true WHERE eod_summary_id = $1
	`, summaryID); err != nil {
		return err
	}

	return dbTx.Commit()
}

func (s *Store) UnbindFactsFromSummary(ctx context.Context, summaryID string) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `
		UPDATE billing_transactions SET eod_summary_id = NULL, is_locked = false WHERE eod_summary_id = $1
	`, summaryID); err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, `
		UPDATE cash_entries SET eod_summary_id = NULL, is_locked = false WHERE eod_summary_id = $1
	`, summaryID); err != nil {
		return err
	}

	return dbTx.Commit()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("adt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
		  AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, branch_id, active, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6)
	`, user.Username, user.Password, user.Role, user.BranchID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, COALESCE(branch_id, ''), active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.BranchID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
