package commission

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/tenant"
)

func TestEngine_RecordPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.engine.RecordPayment(ctx, f.agency(t, "agy_acme"), "in_1", 10000)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, "agy_referrer", entry.ReferrerAgencyID)
	assert.Equal(t, "agy_acme", entry.ReferredAgencyID)
	assert.Equal(t, int64(2000), entry.CommissionAmountCents)
	assert.Equal(t, int64(2000), entry.RateBPS)
	assert.Equal(t, StatusPending, entry.Status)

	referrer := f.agency(t, "agy_referrer")
	assert.Equal(t, int64(2000), referrer.ReferralBalanceCents)
	assert.Equal(t, int64(2000), referrer.ReferralEarningsCentsLifetime)
	assert.Equal(t, []notify.Kind{notify.CommissionEarned}, f.notifier.kinds())
}

func TestEngine_RedeliveredInvoiceCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.agency(t, "agy_acme")

	first, err := f.engine.RecordPayment(ctx, acme, "in_1", 10000)
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := f.engine.RecordPayment(ctx, acme, "in_1", 10000)
	require.NoError(t, err)
	assert.Nil(t, again)

	entries, err := f.ledger.ListByReferrer(ctx, "agy_referrer", nil, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(2000), f.agency(t, "agy_referrer").ReferralBalanceCents)
}

func TestEngine_ConcurrentRedeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.agency(t, "agy_acme")

	var wg sync.WaitGroup
	var mu sync.Mutex
	recorded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := f.engine.RecordPayment(ctx, acme, "in_race", 10000)
			assert.NoError(t, err)
			if e != nil {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, recorded)
	assert.Equal(t, int64(2000), f.agency(t, "agy_referrer").ReferralBalanceCents)
}

func TestEngine_NothingToRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		payer  *tenant.Agency
		amount int64
	}{
		{name: "not referred", payer: f.agency(t, "agy_referrer"), amount: 10000},
		{name: "zero amount invoice", payer: f.agency(t, "agy_acme"), amount: 0},
		{name: "orphaned code", payer: &tenant.Agency{ID: "agy_x", ReferredBy: "GONE"}, amount: 10000},
		{name: "code resolves to payer", payer: &tenant.Agency{ID: "agy_referrer", ReferredBy: "NORTHWIND"}, amount: 10000},
		{name: "nil payer", payer: nil, amount: 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := f.engine.RecordPayment(ctx, tt.payer, "in_"+tt.name, tt.amount)
			assert.NoError(t, err)
			assert.Nil(t, e)
		})
	}

	assert.Zero(t, f.agency(t, "agy_referrer").ReferralBalanceCents)
	assert.Empty(t, f.notifier.kinds())
}

func TestEngine_RequiresInvoiceRef(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RecordPayment(context.Background(), f.agency(t, "agy_acme"), "", 10000)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestEngine_RateIsSnapshotted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.agency(t, "agy_acme")

	_, err := f.engine.RecordPayment(ctx, acme, "in_1", 10000)
	require.NoError(t, err)

	raised := NewEngine(f.tenants, f.ledger, nil, 3000, nil)
	e2, err := raised.RecordPayment(ctx, acme, "in_2", 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), e2.CommissionAmountCents)

	e1, err := f.ledger.GetBySourceInvoice(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), e1.RateBPS)
	assert.Equal(t, int64(5000), f.agency(t, "agy_referrer").ReferralBalanceCents)
}
