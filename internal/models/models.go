package models

import "time"

type Account struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Ledger is the per-account record of conversation-seconds capacity.
// free and paid track total/used pairs; the top-up pool is a plain
// balance that grows on purchase and shrinks on spend.
type Ledger struct {
	AccountID    int64     `json:"account_id"`
	FreeTotal    int       `json:"free_total"`
	FreeUsed     int       `json:"free_used"`
	PaidTotal    int       `json:"paid_total"`
	PaidUsed     int       `json:"paid_used"`
	TopupBalance int       `json:"topup_balance"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (l Ledger) FreeRemaining() int {
	return l.FreeTotal - l.FreeUsed
}

func (l Ledger) PaidRemaining() int {
	return l.PaidTotal - l.PaidUsed
}

func (l Ledger) Remaining() int {
	return l.FreeRemaining() + l.PaidRemaining() + l.TopupBalance
}

type SubscriptionStatus struct {
	AccountID            int64      `json:"account_id"`
	Status               string     `json:"status"`
	Plan                 string     `json:"plan"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsActive reports whether the subscription entitles the account to
// premium (unmetered) usage.
func (s SubscriptionStatus) IsActive() bool {
	return s.Status == SubStatusActive || s.Status == SubStatusTrialing
}

// LedgerEntry is one audit row per bucket mutation.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Bucket       string    `json:"bucket"`
	DeltaSeconds int       `json:"delta_seconds"`
	Reason       string    `json:"reason"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type UsageRecord struct {
	ID               int64     `json:"id"`
	AccountID        int64     `json:"account_id"`
	RequestedSeconds int       `json:"requested_seconds"`
	ChargedSeconds   int       `json:"charged_seconds"`
	FreeSeconds      int       `json:"free_seconds"`
	PaidSeconds      int       `json:"paid_seconds"`
	TopupSeconds     int       `json:"topup_seconds"`
	RequestID        string    `json:"request_id"`
	RecordedAt       time.Time `json:"recorded_at"`
}

const (
	BucketFree  = "free"
	BucketPaid  = "paid"
	BucketTopup = "topup"
)

const (
	SubStatusNone     = "none"
	SubStatusActive   = "active"
	SubStatusTrialing = "trialing"
	SubStatusPastDue  = "past_due"
	SubStatusCanceled = "canceled"
	SubStatusUnpaid   = "unpaid"
)

const (
	EntryReasonSignupGrant       = "signup_grant"
	EntryReasonUsage             = "usage"
	EntryReasonSubscriptionGrant = "subscription_grant"
	EntryReasonTopupPurchase     = "topup_purchase"
)

const (
	EventKindCheckoutSubscription = "checkout_subscription_completed"
	EventKindCheckoutTopup        = "checkout_topup_completed"
	EventKindSubscriptionUpdated  = "subscription_updated"
	EventKindSubscriptionDeleted  = "subscription_deleted"
)
