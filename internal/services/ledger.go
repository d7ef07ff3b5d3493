package services

import (
	"context"
	"errors"
	"time"

	"talktime/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ChargeResult reports how a usage charge was absorbed by the three
// buckets and what is left afterwards.
type ChargeResult struct {
	ChargedSeconds   int    `json:"charged_seconds"`
	FreeSeconds      int    `json:"free_seconds"`
	PaidSeconds      int    `json:"paid_seconds"`
	TopupSeconds     int    `json:"topup_seconds"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Premium          bool   `json:"premium"`
	RequestID        string `json:"request_id,omitempty"`
}

type Entitlement struct {
	RemainingSeconds int    `json:"remaining_seconds"`
	Premium          bool   `json:"premium"`
	Plan             string `json:"plan,omitempty"`
}

// clampSeconds bounds a single report to [0, max] so a misbehaving
// caller cannot burn more than one reporting interval per call.
func clampSeconds(seconds, max int) int {
	if seconds < 0 {
		return 0
	}
	if seconds > max {
		return max
	}
	return seconds
}

// splitCharge draws the requested amount down the buckets in fixed
// order free -> paid -> topup, each absorbing what it can. Anything
// left after all three is dropped; balances never go negative.
func splitCharge(l models.Ledger, seconds int) (free, paid, topup int) {
	free = minInt(l.FreeRemaining(), seconds)
	seconds -= free
	paid = minInt(l.PaidRemaining(), seconds)
	seconds -= paid
	topup = minInt(l.TopupBalance, seconds)
	return free, paid, topup
}

// planCharge decides how a report lands on a loaded ledger: a hard
// rejection when nothing is left, otherwise the free→paid→topup
// draw-down capped to availability.
func planCharge(l models.Ledger, seconds int) (free, paid, topup int, err error) {
	if l.Remaining() <= 0 {
		return 0, 0, 0, ErrExhausted
	}
	free, paid, topup = splitCharge(l, seconds)
	return free, paid, topup, nil
}

// Charge applies a usage report against the account ledger. The read
// of the remainders and the write of the new used/balance fields are
// one transaction holding a row lock, so concurrent reports for the
// same account serialize.
func (s *Service) Charge(ctx context.Context, accountID int64, seconds int, requestID string) (ChargeResult, error) {
	if accountID == 0 {
		return ChargeResult{}, ErrInvalidRequest
	}
	seconds = clampSeconds(seconds, s.config.MaxReportSeconds)
	if seconds == 0 {
		// A zero report never opens a transaction, but it still answers
		// with the same remaining/premium pair a charging call would.
		ent, err := s.GetEntitlement(ctx, accountID)
		if err != nil {
			return ChargeResult{}, err
		}
		return ChargeResult{RemainingSeconds: ent.RemainingSeconds, Premium: ent.Premium}, nil
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ChargeResult{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.ensureLedger(ctx, tx, accountID); err != nil {
		return ChargeResult{}, err
	}
	ledger, err := lockLedger(ctx, tx, accountID)
	if err != nil {
		return ChargeResult{}, err
	}

	premium, err := hasActiveSubscription(ctx, tx, accountID)
	if err != nil {
		return ChargeResult{}, err
	}
	if premium {
		if err := tx.Commit(ctx); err != nil {
			return ChargeResult{}, err
		}
		return ChargeResult{RemainingSeconds: ledger.Remaining(), Premium: true}, nil
	}

	free, paid, topup, err := planCharge(ledger, seconds)
	if err != nil {
		return ChargeResult{}, err
	}
	charged := free + paid + topup

	err = tx.QueryRow(ctx, `
		UPDATE ledgers
		SET free_used = free_used + $1,
			paid_used = paid_used + $2,
			topup_balance = topup_balance - $3,
			updated_at = NOW()
		WHERE account_id = $4
		RETURNING free_total, free_used, paid_total, paid_used, topup_balance`,
		free, paid, topup, accountID,
	).Scan(&ledger.FreeTotal, &ledger.FreeUsed, &ledger.PaidTotal, &ledger.PaidUsed, &ledger.TopupBalance)
	if err != nil {
		return ChargeResult{}, err
	}

	var usageID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO usage_records (account_id, requested_seconds, charged_seconds, free_seconds, paid_seconds, topup_seconds, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		accountID, seconds, charged, free, paid, topup, requestID).Scan(&usageID)
	if err != nil {
		if isUniqueViolation(err) {
			return ChargeResult{}, ErrDuplicateRequest
		}
		return ChargeResult{}, err
	}

	entries := []struct {
		bucket string
		amount int
	}{
		{models.BucketFree, free},
		{models.BucketPaid, paid},
		{models.BucketTopup, topup},
	}
	for _, e := range entries {
		if e.amount == 0 {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_entries (account_id, bucket, delta_seconds, reason, reference)
			VALUES ($1, $2, $3, $4, $5)`,
			accountID, e.bucket, -e.amount, models.EntryReasonUsage, requestID)
		if err != nil {
			return ChargeResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{
		ChargedSeconds:   charged,
		FreeSeconds:      free,
		PaidSeconds:      paid,
		TopupSeconds:     topup,
		RemainingSeconds: ledger.Remaining(),
		RequestID:        requestID,
	}, nil
}

// GetEntitlement is the session check used to gate further service:
// remaining capacity plus whether the account is premium.
func (s *Service) GetEntitlement(ctx context.Context, accountID int64) (Entitlement, error) {
	ent := Entitlement{RemainingSeconds: s.config.FreeSecondsDefault}
	ledger, err := s.GetLedger(ctx, accountID)
	if err == nil {
		ent.RemainingSeconds = ledger.Remaining()
	} else if !errors.Is(err, ErrNotFound) {
		return Entitlement{}, err
	}

	status, err := s.GetSubscriptionStatus(ctx, accountID)
	if err == nil {
		ent.Premium = status.IsActive()
		if ent.Premium {
			ent.Plan = status.Plan
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Entitlement{}, err
	}
	return ent, nil
}

func (s *Service) GetLedger(ctx context.Context, accountID int64) (models.Ledger, error) {
	var l models.Ledger
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, free_total, free_used, paid_total, paid_used, topup_balance, created_at, updated_at
		FROM ledgers WHERE account_id = $1`, accountID,
	).Scan(&l.AccountID, &l.FreeTotal, &l.FreeUsed, &l.PaidTotal, &l.PaidUsed, &l.TopupBalance, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ledger{}, ErrNotFound
	}
	return l, err
}

func (s *Service) GetSubscriptionStatus(ctx context.Context, accountID int64) (models.SubscriptionStatus, error) {
	var st models.SubscriptionStatus
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, status, plan, stripe_customer_id, stripe_subscription_id, current_period_end, created_at, updated_at
		FROM subscription_statuses WHERE account_id = $1`, accountID,
	).Scan(&st.AccountID, &st.Status, &st.Plan, &st.StripeCustomerID, &st.StripeSubscriptionID, &st.CurrentPeriodEnd, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubscriptionStatus{}, ErrNotFound
	}
	return st, err
}

// ensureLedger creates the ledger row with the configured free default
// if the account has none yet. Safe to call inside any transaction.
func (s *Service) ensureLedger(ctx context.Context, tx pgx.Tx, accountID int64) (created bool, err error) {
	ct, err := tx.Exec(ctx, `
		INSERT INTO ledgers (account_id, free_total, free_used, paid_total, paid_used, topup_balance)
		VALUES ($1, $2, 0, 0, 0, 0)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, s.config.FreeSecondsDefault)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, bucket, delta_seconds, reason)
		VALUES ($1, $2, $3, $4)`,
		accountID, models.BucketFree, s.config.FreeSecondsDefault, models.EntryReasonSignupGrant)
	return true, err
}

func lockLedger(ctx context.Context, tx pgx.Tx, accountID int64) (models.Ledger, error) {
	var l models.Ledger
	err := tx.QueryRow(ctx, `
		SELECT account_id, free_total, free_used, paid_total, paid_used, topup_balance, created_at, updated_at
		FROM ledgers WHERE account_id = $1
		FOR UPDATE`, accountID,
	).Scan(&l.AccountID, &l.FreeTotal, &l.FreeUsed, &l.PaidTotal, &l.PaidUsed, &l.TopupBalance, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ledger{}, ErrNotFound
	}
	return l, err
}

func hasActiveSubscription(ctx context.Context, tx pgx.Tx, accountID int64) (bool, error) {
	var count int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(1) FROM subscription_statuses
		WHERE account_id = $1 AND status IN ($2, $3)`,
		accountID, models.SubStatusActive, models.SubStatusTrialing).Scan(&count)
	return count > 0, err
}

// ListUsage returns the account's usage records inside [from, to],
// newest first.
func (s *Service) ListUsage(ctx context.Context, accountID int64, from, to time.Time) ([]models.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, requested_seconds, charged_seconds, free_seconds, paid_seconds, topup_seconds, request_id, recorded_at
		FROM usage_records
		WHERE account_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at DESC`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.UsageRecord{}
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.RequestedSeconds, &rec.ChargedSeconds,
			&rec.FreeSeconds, &rec.PaidSeconds, &rec.TopupSeconds, &rec.RequestID, &rec.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListLedgerEntries returns the newest audit entries for an account.
func (s *Service) ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, bucket, delta_seconds, reason, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Bucket, &e.DeltaSeconds, &e.Reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
