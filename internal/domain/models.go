package domain

import "time"

const (
	PaymentMethodCash   = "cash"
	PaymentMethodCard   = "card"
	PaymentMethodOnline = "online"
	PaymentMethodQR     = "qr"
)

const (
	PaymentStatusPaid    = "paid"
	PaymentStatusPartial = "partial"
	PaymentStatusPending = "pending"
)

const (
	CashEntryIn  = "cash_in"
	CashEntryOut = "cash_out"
)

const (
	EODStatusOpen      = "open"
	EODStatusSubmitted = "submitted"
	EODStatusApproved  = "approved"
	EODStatusFlagged   = "flagged"
)

const (
	VarianceExact = "exact"
	VarianceOver  = "over"
	VarianceShort = "short"
)

const (
	RoleCashier    = "cashier"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

// BillingTransaction is a billing fact recorded by a cashier terminal.
// EODSummaryID binds the transaction to a daily summary once the builder
// has picked it up; IsLocked flips to true when that summary leaves Open.
type BillingTransaction struct {
	ID              string    `json:"id"`
	BranchID        string    `json:"branch_id"`
	CashierID       string    `json:"cashier_id"`
	PatientRef      string    `json:"patient_ref,omitempty"`
	TransactionType string    `json:"transaction_type"`
	InvoiceNo       string    `json:"invoice_no,omitempty"`
	ReceiptNo       string    `json:"receipt_no,omitempty"`
	TotalCents      int64     `json:"total_cents"`
	PaidCents       int64     `json:"paid_cents"`
	BalanceCents    int64     `json:"balance_cents"`
	PaymentStatus   string    `json:"payment_status"`
	PaymentMethod   string    `json:"payment_method"`
	TransactionDate time.Time `json:"transaction_date"`
	EODSummaryID    string    `json:"eod_summary_id,omitempty"`
	IsLocked        bool      `json:"is_locked"`
	CreatedAt       time.Time `json:"created_at"`
}

// CashEntry is a manual cash movement (drawer top-up, petty cash, bank
// deposit) outside the billing flow.
type CashEntry struct {
	ID             string    `json:"id"`
	BranchID       string    `json:"branch_id"`
	CashierID      string    `json:"cashier_id"`
	EntryType      string    `json:"entry_type"`
	Category       string    `json:"category"`
	AmountCents    int64     `json:"amount_cents"`
	EntryDate      time.Time `json:"entry_date"`
	ApprovalStatus string    `json:"approval_status,omitempty"`
	ApprovedBy     string    `json:"approved_by,omitempty"`
	EODSummaryID   string    `json:"eod_summary_id,omitempty"`
	IsLocked       bool      `json:"is_locked"`
	CreatedAt      time.Time `json:"created_at"`
}

// EODState carries the lifecycle status of a daily summary together with
// the stamps that only exist in that status. Build values through the
// constructors below so a summary can never hold an approval stamp while
// still open.
type EODState struct {
	Status      string     `json:"status"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	FlaggedBy   string     `json:"flagged_by,omitempty"`
	FlaggedAt   *time.Time `json:"flagged_at,omitempty"`
	FlagReason  string     `json:"flag_reason,omitempty"`
}

func EODOpen() EODState {
	return EODState{Status: EODStatusOpen}
}

func EODSubmitted(at time.Time) EODState {
	return EODState{Status: EODStatusSubmitted, SubmittedAt: &at}
}

func EODApproved(prev EODState, by string, at time.Time) EODState {
	return EODState{
		Status:      EODStatusApproved,
		SubmittedAt: prev.SubmittedAt,
		ApprovedBy:  by,
		ApprovedAt:  &at,
	}
}

func EODFlagged(prev EODState, by string, at time.Time, reason string) EODState {
	return EODState{
		Status:      EODStatusFlagged,
		SubmittedAt: prev.SubmittedAt,
		FlaggedBy:   by,
		FlaggedAt:   &at,
		FlagReason:  reason,
	}
}

// DailyCashSummary is the per (branch, cashier, date) closing record.
// Totals are recomputed in full by the builder while the summary is open;
// Version is bumped on every persisted change for optimistic concurrency.
type DailyCashSummary struct {
	ID                     string    `json:"id"`
	BranchID               string    `json:"branch_id"`
	CashierID              string    `json:"cashier_id"`
	SummaryDate            time.Time `json:"summary_date"`
	CashTotalCents         int64     `json:"cash_total_cents"`
	CashCount              int       `json:"cash_count"`
	CardTotalCents         int64     `json:"card_total_cents"`
	CardCount              int       `json:"card_count"`
	OnlineTotalCents       int64     `json:"online_total_cents"`
	OnlineCount            int       `json:"online_count"`
	QRTotalCents           int64     `json:"qr_total_cents"`
	QRCount                int       `json:"qr_count"`
	CashInTotalCents       int64     `json:"cash_in_total_cents"`
	CashOutTotalCents      int64     `json:"cash_out_total_cents"`
	TotalTransactions      int       `json:"total_transactions"`
	TotalSalesCents        int64     `json:"total_sales_cents"`
	ExpectedCashCents      int64     `json:"expected_cash_cents"`
	ActualCashCountedCents int64     `json:"actual_cash_counted_cents"`
	CashVarianceCents      int64     `json:"cash_variance_cents"`
	VarianceClass          string    `json:"variance_class,omitempty"`
	VarianceRemarks        string    `json:"variance_remarks,omitempty"`
	State                  EODState  `json:"state"`
	Version                int64     `json:"version"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

type RecordTransactionRequest struct {
	BranchID        string `json:"branch_id"`
	CashierID       string `json:"cashier_id"`
	PatientRef      string `json:"patient_ref,omitempty"`
	TransactionType string `json:"transaction_type"`
	InvoiceNo       string `json:"invoice_no,omitempty"`
	ReceiptNo       string `json:"receipt_no,omitempty"`
	TotalCents      int64  `json:"total_cents"`
	PaidCents       int64  `json:"paid_cents"`
	BalanceCents    int64  `json:"balance_cents"`
	PaymentStatus   string `json:"payment_status"`
	PaymentMethod   string `json:"payment_method"`
	TransactionDate string `json:"transaction_date"`
}

type RecordTransactionResponse struct {
	Transaction BillingTransaction `json:"transaction"`
}

type RecordCashEntryRequest struct {
	BranchID    string `json:"branch_id"`
	CashierID   string `json:"cashier_id"`
	EntryType   string `json:"entry_type"`
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
	EntryDate   string `json:"entry_date"`
}

type RecordCashEntryResponse struct {
	Entry CashEntry `json:"entry"`
}

type BuildSummaryRequest struct {
	BranchID  string `json:"branch_id"`
	CashierID string `json:"cashier_id"`
	Date      string `json:"date"`
}

type SubmitEODRequest struct {
	ActualCashCountedCents int64  `json:"actual_cash_counted_cents"`
	VarianceRemarks        string `json:"variance_remarks,omitempty"`
}

type EODActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResolveFlagRequest struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

type SummaryResponse struct {
	Summary DailyCashSummary `json:"summary"`
}

type SummaryListResponse struct {
	Summaries []DailyCashSummary `json:"summaries"`
}

type SummaryFilter struct {
	BranchID  string
	CashierID string
	From      time.Time
	To        time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor identifies the authenticated caller. BranchID is empty for
// cross-branch (admin) scope.
type Actor struct {
	Username string
	Role     string
	BranchID string
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	BranchID  string
	Active    bool
	CreatedAt time.Time
}

// IsSupportedPaymentMethod reports whether method is one of the four
// payment channels a summary aggregates.
func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodOnline, PaymentMethodQR:
		return true
	}
	return false
}

// DateKey truncates t to its UTC calendar day, the grain all summaries
// and ledger lookups share.
func DateKey(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
