package services

import (
	"context"
	"errors"
	"testing"

	"talktime/internal/models"
)

func applySplit(l models.Ledger, free, paid, topup int) models.Ledger {
	l.FreeUsed += free
	l.PaidUsed += paid
	l.TopupBalance -= topup
	return l
}

func TestClampSeconds(t *testing.T) {
	if got := clampSeconds(-5, 3600); got != 0 {
		t.Fatalf("negative should clamp to 0, got %d", got)
	}
	if got := clampSeconds(7200, 3600); got != 3600 {
		t.Fatalf("over cap should clamp to 3600, got %d", got)
	}
	if got := clampSeconds(50, 3600); got != 50 {
		t.Fatalf("in-range value should pass through, got %d", got)
	}
	if got := clampSeconds(0, 3600); got != 0 {
		t.Fatalf("zero should stay zero, got %d", got)
	}
}

func TestSplitChargeDrawDownOrder(t *testing.T) {
	l := models.Ledger{FreeTotal: 10, PaidTotal: 5, TopupBalance: 100}
	free, paid, topup := splitCharge(l, 12)
	if free != 10 || paid != 2 || topup != 0 {
		t.Fatalf("expected {free:10, paid:2, topup:0}, got {%d, %d, %d}", free, paid, topup)
	}
}

func TestSplitChargeFullCapacity(t *testing.T) {
	l := models.Ledger{FreeTotal: 120, FreeUsed: 20, PaidTotal: 60, TopupBalance: 30}
	before := l.Remaining()
	free, paid, topup := splitCharge(l, 90)
	if free+paid+topup != 90 {
		t.Fatalf("expected full charge of 90, got %d", free+paid+topup)
	}
	after := applySplit(l, free, paid, topup)
	if before-after.Remaining() != 90 {
		t.Fatalf("remaining should drop by exactly 90, dropped %d", before-after.Remaining())
	}
}

func TestSplitChargePartialCapacity(t *testing.T) {
	l := models.Ledger{FreeTotal: 30, FreeUsed: 10, PaidTotal: 5, TopupBalance: 3}
	free, paid, topup := splitCharge(l, 1000)
	charged := free + paid + topup
	if charged != l.Remaining() {
		t.Fatalf("charge should cap at remaining %d, got %d", l.Remaining(), charged)
	}
	after := applySplit(l, free, paid, topup)
	if after.Remaining() != 0 {
		t.Fatalf("remaining should reach 0, got %d", after.Remaining())
	}
}

func TestSplitChargeFreshAccount(t *testing.T) {
	l := models.Ledger{FreeTotal: 120}
	free, paid, topup := splitCharge(l, 50)
	if free != 50 || paid != 0 || topup != 0 {
		t.Fatalf("expected {free:50, paid:0, topup:0}, got {%d, %d, %d}", free, paid, topup)
	}
	after := applySplit(l, free, paid, topup)
	if after.Remaining() != 70 {
		t.Fatalf("expected 70 remaining, got %d", after.Remaining())
	}
}

func TestPlanChargeExhausted(t *testing.T) {
	cases := []models.Ledger{
		{},
		{FreeTotal: 120, FreeUsed: 120},
		{FreeTotal: 10, FreeUsed: 10, PaidTotal: 5, PaidUsed: 5},
	}
	for i, l := range cases {
		if _, _, _, err := planCharge(l, 30); !errors.Is(err, ErrExhausted) {
			t.Fatalf("case %d: expected exhausted rejection, got %v", i, err)
		}
	}
	if free, paid, topup, err := planCharge(models.Ledger{TopupBalance: 1}, 30); err != nil || free+paid+topup != 1 {
		t.Fatalf("one second left should still charge: %d/%d/%d err=%v", free, paid, topup, err)
	}
}

func TestChargeZeroSecondsPremiumAccount(t *testing.T) {
	db := &scriptedDB{rows: []scriptedRow{
		ledgerRow(7, 300, 120, 0, 0, 0),
		statusRow(7, models.SubStatusActive, "plus"),
	}}
	svc := scriptedService(db)

	res, err := svc.Charge(context.Background(), 7, 0, "")
	if err != nil {
		t.Fatalf("zero report failed: %v", err)
	}
	if !res.Premium {
		t.Fatalf("premium account must be reported premium on a zero report")
	}
	if res.RemainingSeconds != 180 {
		t.Fatalf("expected 180 remaining, got %d", res.RemainingSeconds)
	}
	if res.ChargedSeconds != 0 || db.begun != 0 || len(db.execSQL) != 0 {
		t.Fatalf("zero report must not open a transaction or write")
	}
}

func TestChargeExhaustedAccountRejected(t *testing.T) {
	db := &scriptedDB{
		rows: []scriptedRow{
			ledgerRow(7, 120, 120, 0, 0, 0),
			{vals: []any{0}}, // no active subscription
		},
		tags: []string{"INSERT 0 0"},
	}
	svc := scriptedService(db)

	_, err := svc.Charge(context.Background(), 7, 60, "req-1")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted rejection, got %v", err)
	}
	if db.commits != 0 {
		t.Fatalf("rejected charge must not commit")
	}
	if db.touched("UPDATE ledgers") || db.touched("usage_records") {
		t.Fatalf("rejected charge must leave the ledger untouched")
	}
}

func TestChargePremiumBypassLeavesLedgerUntouched(t *testing.T) {
	db := &scriptedDB{
		rows: []scriptedRow{
			ledgerRow(7, 120, 120, 0, 0, 0),
			{vals: []any{1}}, // active subscription
		},
		tags: []string{"INSERT 0 0"},
	}
	svc := scriptedService(db)

	res, err := svc.Charge(context.Background(), 7, 600, "req-2")
	if err != nil {
		t.Fatalf("premium charge failed: %v", err)
	}
	if !res.Premium || res.ChargedSeconds != 0 {
		t.Fatalf("premium report should bypass without charging: %+v", res)
	}
	if db.commits != 1 {
		t.Fatalf("expected one commit, got %d", db.commits)
	}
	if db.touched("UPDATE ledgers") || db.touched("usage_records") {
		t.Fatalf("premium bypass must not mutate anything")
	}
}

func TestChargeDrawsDownAndRecords(t *testing.T) {
	db := &scriptedDB{
		rows: []scriptedRow{
			ledgerRow(7, 120, 20, 0, 0, 40),
			{vals: []any{0}},                   // no active subscription
			{vals: []any{120, 120, 0, 0, 30}}, // ledger after the update
			{vals: []any{int64(1)}},           // usage record id
		},
		tags: []string{"INSERT 0 0"},
	}
	svc := scriptedService(db)

	res, err := svc.Charge(context.Background(), 7, 110, "req-3")
	if err != nil {
		t.Fatalf("charge failed: %v", err)
	}
	if res.FreeSeconds != 100 || res.PaidSeconds != 0 || res.TopupSeconds != 10 {
		t.Fatalf("expected draw-down {100, 0, 10}, got {%d, %d, %d}",
			res.FreeSeconds, res.PaidSeconds, res.TopupSeconds)
	}
	if res.ChargedSeconds != 110 || res.RemainingSeconds != 30 {
		t.Fatalf("expected 110 charged with 30 remaining, got %d/%d",
			res.ChargedSeconds, res.RemainingSeconds)
	}
	if db.commits != 1 {
		t.Fatalf("expected one commit, got %d", db.commits)
	}
	if !db.touched("usage_records") || !db.touched("ledger_entries") {
		t.Fatalf("charge must record usage and audit entries")
	}
}

func TestSplitChargeNeverOverdraws(t *testing.T) {
	cases := []struct {
		ledger models.Ledger
		amount int
	}{
		{models.Ledger{}, 100},
		{models.Ledger{FreeTotal: 10, FreeUsed: 10}, 1},
		{models.Ledger{FreeTotal: 10, FreeUsed: 3, PaidTotal: 7, PaidUsed: 7, TopupBalance: 2}, 3600},
		{models.Ledger{TopupBalance: 1}, 2},
	}
	for i, tc := range cases {
		free, paid, topup := splitCharge(tc.ledger, tc.amount)
		after := applySplit(tc.ledger, free, paid, topup)
		if after.FreeUsed > after.FreeTotal {
			t.Fatalf("case %d: free_used %d exceeds free_total %d", i, after.FreeUsed, after.FreeTotal)
		}
		if after.PaidUsed > after.PaidTotal {
			t.Fatalf("case %d: paid_used %d exceeds paid_total %d", i, after.PaidUsed, after.PaidTotal)
		}
		if after.TopupBalance < 0 {
			t.Fatalf("case %d: topup_balance went negative: %d", i, after.TopupBalance)
		}
	}
}
