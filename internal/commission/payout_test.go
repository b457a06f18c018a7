package commission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/tenant"
)

func newPayoutService(f *fixture, transfers *fakeTransfers) *PayoutService {
	return NewPayoutService(f.tenants, f.ledger, transfers, f.notifier, "usd", 5000, nil)
}

func (f *fixture) earn(t *testing.T, invoices ...string) {
	t.Helper()
	acme := f.agency(t, "agy_acme")
	for _, inv := range invoices {
		_, err := f.engine.RecordPayment(context.Background(), acme, inv, 10000)
		require.NoError(t, err)
	}
}

func TestPayout_SettlesPendingBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enablePayouts(t, "agy_referrer")
	f.earn(t, "in_1", "in_2", "in_3")

	transfers := &fakeTransfers{}
	res, err := newPayoutService(f, transfers).Payout(ctx, "agy_referrer")
	require.NoError(t, err)

	assert.Equal(t, int64(6000), res.TransferredAmountCents)
	assert.Equal(t, "tr_1", res.TransferRef)
	assert.Equal(t, 3, res.EntryCount)
	assert.NotEmpty(t, res.PayoutID)

	require.Len(t, transfers.requests, 1)
	req := transfers.requests[0]
	assert.Equal(t, "acct_agy_referrer", req.DestinationAccount)
	assert.Equal(t, int64(6000), req.AmountCents)
	assert.Equal(t, "usd", req.Currency)
	assert.NotEmpty(t, req.IdempotencyKey)

	referrer := f.agency(t, "agy_referrer")
	assert.Zero(t, referrer.ReferralBalanceCents)
	assert.Equal(t, int64(6000), referrer.ReferralEarningsCentsLifetime)

	pending, err := f.ledger.PendingEntries(ctx, "agy_referrer")
	require.NoError(t, err)
	assert.Empty(t, pending)

	e, err := f.ledger.GetBySourceInvoice(ctx, "in_2")
	require.NoError(t, err)
	assert.Equal(t, StatusTransferred, e.Status)
	assert.Equal(t, "tr_1", e.TransferRef)
	assert.NotNil(t, e.TransferredAt)

	assert.Contains(t, f.notifier.kinds(), notify.CommissionPaidOut)
}

func TestPayout_CommissionDuringTransferStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enablePayouts(t, "agy_referrer")
	f.earn(t, "in_1", "in_2", "in_3")

	transfers := &fakeTransfers{}
	transfers.during = func() {
		transfers.during = nil
		f.earn(t, "in_late")
	}

	res, err := newPayoutService(f, transfers).Payout(ctx, "agy_referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), res.TransferredAmountCents)

	referrer := f.agency(t, "agy_referrer")
	assert.Equal(t, int64(2000), referrer.ReferralBalanceCents, "late commission stays in the balance")
	assert.Equal(t, int64(8000), referrer.ReferralEarningsCentsLifetime)

	late, err := f.ledger.GetBySourceInvoice(ctx, "in_late")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, late.Status)
	assert.Empty(t, late.TransferRef)
}

func TestPayout_NoDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "in_1", "in_2", "in_3")

	svc := newPayoutService(f, &fakeTransfers{})
	_, err := svc.Payout(ctx, "agy_referrer")
	assert.ErrorIs(t, err, ErrNoPayoutDestination)

	// An account whose payouts are not enabled yet is no destination either.
	_, _, err = f.tenants.MutateAgency(ctx, "agy_referrer", func(a *tenant.Agency) error {
		a.ConnectAccountRef = "acct_pending"
		return nil
	})
	require.NoError(t, err)
	_, err = svc.Payout(ctx, "agy_referrer")
	assert.ErrorIs(t, err, ErrNoPayoutDestination)
}

func TestPayout_BelowMinimum(t *testing.T) {
	f := newFixture(t)
	f.enablePayouts(t, "agy_referrer")
	f.earn(t, "in_1")

	transfers := &fakeTransfers{}
	_, err := newPayoutService(f, transfers).Payout(context.Background(), "agy_referrer")
	assert.ErrorIs(t, err, ErrBelowMinimum)
	assert.Empty(t, transfers.requests)
	assert.Equal(t, int64(2000), f.agency(t, "agy_referrer").ReferralBalanceCents)
}

func TestPayout_NothingPending(t *testing.T) {
	f := newFixture(t)
	f.enablePayouts(t, "agy_referrer")

	svc := NewPayoutService(f.tenants, f.ledger, &fakeTransfers{}, nil, "usd", 0, nil)
	_, err := svc.Payout(context.Background(), "agy_referrer")
	assert.ErrorIs(t, err, ErrBelowMinimum)
}

func TestPayout_TransferFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enablePayouts(t, "agy_referrer")
	f.earn(t, "in_1", "in_2", "in_3")

	transfers := &fakeTransfers{err: errors.New("stripe: insufficient platform balance")}
	_, err := newPayoutService(f, transfers).Payout(ctx, "agy_referrer")
	assert.ErrorIs(t, err, ErrTransferFailed)

	pending, err := f.ledger.PendingEntries(ctx, "agy_referrer")
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assert.Equal(t, int64(6000), f.agency(t, "agy_referrer").ReferralBalanceCents)
}

func TestPayout_UnknownAgency(t *testing.T) {
	f := newFixture(t)
	_, err := newPayoutService(f, &fakeTransfers{}).Payout(context.Background(), "agy_nope")
	assert.ErrorIs(t, err, tenant.ErrAgencyNotFound)
}

func TestPayoutIdempotencyKey(t *testing.T) {
	a := payoutIdempotencyKey("agy_1", []string{"com_b", "com_a"})
	b := payoutIdempotencyKey("agy_1", []string{"com_a", "com_b"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, payoutIdempotencyKey("agy_2", []string{"com_a", "com_b"}))
	assert.NotEqual(t, a, payoutIdempotencyKey("agy_1", []string{"com_a", "com_b", "com_c"}))
}
