//go:build integration

package commission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, *tenant.PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	tenants := tenant.NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, tenants.CreateAgency(ctx, &tenant.Agency{
		ID:                 "agy_referrer",
		Name:               "Northwind",
		OwnerEmail:         "owner@northwind.test",
		ReferralCode:       "NORTHWIND",
		SubscriptionStatus: tenant.AgencyActive,
	}))
	require.NoError(t, tenants.CreateAgency(ctx, &tenant.Agency{
		ID:                 "agy_acme",
		Name:               "Acme",
		OwnerEmail:         "owner@acme.test",
		ReferralCode:       "ACME",
		ReferredBy:         "NORTHWIND",
		SubscriptionStatus: tenant.AgencyActive,
	}))
	return NewPostgresStore(db), tenants
}

func pgEntry(id, invoice string, amount int64) *Entry {
	return &Entry{
		ID:                    id,
		ReferrerAgencyID:      "agy_referrer",
		ReferredAgencyID:      "agy_acme",
		SourceInvoiceRef:      invoice,
		PaymentAmountCents:    amount,
		RateBPS:               2000,
		CommissionAmountCents: Compute(amount, 2000),
		Status:                StatusPending,
		CreatedAt:             time.Now().UTC(),
	}
}

func TestPostgresStore_InsertAndCredit(t *testing.T) {
	store, tenants := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, store.InsertAndCredit(ctx, pgEntry("com_1", "in_1", 10000)))
	assert.ErrorIs(t, store.InsertAndCredit(ctx, pgEntry("com_2", "in_1", 10000)), ErrDuplicateEntry)

	referrer, err := tenants.GetAgency(ctx, "agy_referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), referrer.ReferralBalanceCents)
	assert.Equal(t, int64(2000), referrer.ReferralEarningsCentsLifetime)

	got, err := store.GetBySourceInvoice(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "com_1", got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.TransferredAt)
}

func TestPostgresStore_ConcurrentDuplicateInvoice(t *testing.T) {
	store, tenants := setupPostgres(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.InsertAndCredit(ctx, pgEntry("com_"+string(rune('a'+i)), "in_race", 10000))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateEntry)
		}
	}
	assert.Equal(t, 1, ok)

	referrer, err := tenants.GetAgency(ctx, "agy_referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), referrer.ReferralBalanceCents)
}

func TestPostgresStore_UnknownReferrer(t *testing.T) {
	store, _ := setupPostgres(t)
	e := pgEntry("com_1", "in_1", 10000)
	e.ReferrerAgencyID = "agy_missing"
	assert.ErrorIs(t, store.InsertAndCredit(context.Background(), e), ErrReferrerNotFound)
}

func TestPostgresStore_SettlePayout(t *testing.T) {
	store, tenants := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, store.InsertAndCredit(ctx, pgEntry("com_1", "in_1", 10000)))
	require.NoError(t, store.InsertAndCredit(ctx, pgEntry("com_2", "in_2", 10000)))

	pending, err := store.PendingEntries(ctx, "agy_referrer")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// Lands after the snapshot.
	require.NoError(t, store.InsertAndCredit(ctx, pgEntry("com_3", "in_3", 10000)))

	_, err = store.SettlePayout(ctx, "agy_referrer", []string{"com_1", "com_2"}, 3999, "tr_1", time.Now())
	assert.ErrorIs(t, err, ErrPayoutConflict)

	payout, err := store.SettlePayout(ctx, "agy_referrer", []string{"com_1", "com_2"}, 4000, "tr_1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, payout.EntryCount)
	assert.Equal(t, int64(4000), payout.AmountCents)

	referrer, err := tenants.GetAgency(ctx, "agy_referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), referrer.ReferralBalanceCents)
	assert.Equal(t, int64(6000), referrer.ReferralEarningsCentsLifetime)

	pending, err = store.PendingEntries(ctx, "agy_referrer")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "com_3", pending[0].ID)

	settled, err := store.GetBySourceInvoice(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, StatusTransferred, settled.Status)
	assert.Equal(t, "tr_1", settled.TransferRef)
	assert.NotNil(t, settled.TransferredAt)

	_, err = store.SettlePayout(ctx, "agy_referrer", []string{"com_1"}, 2000, "tr_2", time.Now())
	assert.ErrorIs(t, err, ErrPayoutConflict)

	all, err := store.ListByReferrer(ctx, "agy_referrer", nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
