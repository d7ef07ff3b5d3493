package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"talktime/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v76"
)

var (
	// ErrUnknownPack marks a paid top-up whose pack id has no seconds
	// mapping. The money already moved, so callers absorb this after
	// logging instead of asking the provider to retry.
	ErrUnknownPack = errors.New("unknown top-up pack")
)

// ApplySubscriptionCheckout activates a subscription from a completed
// checkout: resolve the plan, mark the status active and reset the
// paid allotment for the new billing period. Unused paid seconds from
// a previous period do not carry over. Any failure here is returned
// so the provider redelivers the event.
func (s *Service) ApplySubscriptionCheckout(ctx context.Context, eventID string, sess *stripe.CheckoutSession) error {
	accountID := checkoutAccountID(sess)
	if accountID == 0 {
		return fmt.Errorf("%w: checkout %s carries no account id", ErrInvalidRequest, sess.ID)
	}

	sub := sess.Subscription
	plan := s.resolvePlan(sess, sub)
	if plan == "" && sub != nil {
		full, err := s.fetchSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		if full != nil {
			sub = full
			plan = s.resolvePlan(sess, sub)
		}
	}
	seconds, ok := s.planSeconds(plan)
	if plan == "" || !ok {
		// Activating a subscription with zero seconds is worse than a
		// retried webhook.
		return fmt.Errorf("%w: checkout %s", ErrUnknownPlan, sess.ID)
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	subscriptionID := ""
	var periodEnd *time.Time
	if sub != nil {
		subscriptionID = sub.ID
		periodEnd = unixTime(sub.CurrentPeriodEnd)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	applied, err := markEventProcessed(ctx, tx, eventID, models.EventKindCheckoutSubscription, accountID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscription_statuses (account_id, status, plan, stripe_customer_id, stripe_subscription_id, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()`,
		accountID, models.SubStatusActive, plan, customerID, subscriptionID, periodEnd)
	if err != nil {
		return err
	}

	if _, err := s.ensureLedger(ctx, tx, accountID); err != nil {
		return err
	}
	ledger, err := lockLedger(ctx, tx, accountID)
	if err != nil {
		return err
	}
	updated := resetPaidAllotment(ledger, seconds)
	_, err = tx.Exec(ctx, `
		UPDATE ledgers
		SET paid_total = $1, paid_used = $2, updated_at = NOW()
		WHERE account_id = $3`, updated.PaidTotal, updated.PaidUsed, accountID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, bucket, delta_seconds, reason, reference)
		VALUES ($1, $2, $3, $4, $5)`,
		accountID, models.BucketPaid, seconds, models.EntryReasonSubscriptionGrant, subscriptionID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyTopupCheckout credits a purchased pack to the top-up pool.
func (s *Service) ApplyTopupCheckout(ctx context.Context, eventID string, sess *stripe.CheckoutSession) error {
	accountID := checkoutAccountID(sess)
	if accountID == 0 {
		return fmt.Errorf("%w: checkout %s carries no account id", ErrInvalidRequest, sess.ID)
	}
	pack := sess.Metadata["pack"]
	seconds, ok := s.packSeconds(pack)
	if !ok {
		return fmt.Errorf("%w: %q (checkout %s)", ErrUnknownPack, pack, sess.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	applied, err := markEventProcessed(ctx, tx, eventID, models.EventKindCheckoutTopup, accountID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if _, err := s.ensureLedger(ctx, tx, accountID); err != nil {
		return err
	}
	ledger, err := lockLedger(ctx, tx, accountID)
	if err != nil {
		return err
	}
	updated := creditTopup(ledger, seconds)
	_, err = tx.Exec(ctx, `
		UPDATE ledgers
		SET topup_balance = $1, updated_at = NOW()
		WHERE account_id = $2`, updated.TopupBalance, accountID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, bucket, delta_seconds, reason, reference)
		VALUES ($1, $2, $3, $4, $5)`,
		accountID, models.BucketTopup, seconds, models.EntryReasonTopupPurchase, sess.ID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplySubscriptionUpdated mirrors a lifecycle change onto the status
// row. Allotments are untouched; only a completed checkout changes
// them.
func (s *Service) ApplySubscriptionUpdated(ctx context.Context, eventID string, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return nil
	}
	return s.applyLifecycle(ctx, eventID, models.EventKindSubscriptionUpdated, sub, providerStatus(sub.Status), unixTime(sub.CurrentPeriodEnd))
}

// ApplySubscriptionDeleted marks the subscription canceled. Already
// purchased seconds stay spendable; only renewal stops.
func (s *Service) ApplySubscriptionDeleted(ctx context.Context, eventID string, sub *stripe.Subscription) error {
	return s.applyLifecycle(ctx, eventID, models.EventKindSubscriptionDeleted, sub, models.SubStatusCanceled, nil)
}

func (s *Service) applyLifecycle(ctx context.Context, eventID, kind string, sub *stripe.Subscription, status string, periodEnd *time.Time) error {
	if sub == nil || sub.ID == "" {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var accountID int64
	err = tx.QueryRow(ctx, `
		SELECT account_id FROM subscription_statuses
		WHERE stripe_subscription_id = $1
		FOR UPDATE`, sub.ID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Event for a subscription we never tracked; not an error.
		return nil
	}
	if err != nil {
		return err
	}

	applied, err := markEventProcessed(ctx, tx, eventID, kind, accountID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE subscription_statuses
		SET status = $1, current_period_end = $2, updated_at = NOW()
		WHERE account_id = $3`, status, periodEnd, accountID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// resetPaidAllotment starts a fresh billing period on the ledger: the
// paid bucket becomes the plan's full allotment with nothing used.
// Unused paid seconds from the previous period do not carry over; the
// free and top-up pools are untouched.
func resetPaidAllotment(l models.Ledger, seconds int) models.Ledger {
	l.PaidTotal = seconds
	l.PaidUsed = 0
	return l
}

// creditTopup credits a purchased pack to the top-up pool. Only the
// top-up balance changes.
func creditTopup(l models.Ledger, seconds int) models.Ledger {
	l.TopupBalance += seconds
	return l
}

// providerStatus maps a Stripe subscription status onto the tracked
// enum. Statuses that carry no entitlement meaning here (incomplete,
// paused) collapse to none.
func providerStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.SubStatusActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubStatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return models.SubStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.SubStatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return models.SubStatusUnpaid
	default:
		return models.SubStatusNone
	}
}

// markEventProcessed claims a provider event id. Returns false when a
// previous delivery already claimed it, making redelivery a no-op.
func markEventProcessed(ctx context.Context, tx pgx.Tx, eventID, kind string, accountID int64) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO billing_events (id, kind, account_id)
		VALUES ($1, $2, NULLIF($3, 0))
		ON CONFLICT (id) DO NOTHING`, eventID, kind, accountID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func checkoutAccountID(sess *stripe.CheckoutSession) int64 {
	if sess == nil {
		return 0
	}
	raw := sess.Metadata["account_id"]
	if raw == "" {
		raw = sess.ClientReferenceID
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
