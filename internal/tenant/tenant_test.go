package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAgencies(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateAgency(ctx, &Agency{
		ID: "agy_northwind", Name: "Northwind", OwnerEmail: "owner@northwind.test",
		ReferralCode: "NORTHWIND", SubscriptionStatus: AgencyActive,
	}))
	require.NoError(t, store.CreateAgency(ctx, &Agency{
		ID: "agy_acme", Name: "Acme", OwnerEmail: "owner@acme.test",
		ReferralCode: "ACME", SubscriptionStatus: AgencyPending,
	}))
	return store
}

func TestMemoryStore_AgencyLookups(t *testing.T) {
	ctx := context.Background()
	store := seedAgencies(t)

	got, err := store.GetAgencyByReferralCode(ctx, "NORTHWIND")
	require.NoError(t, err)
	assert.Equal(t, "agy_northwind", got.ID)

	_, err = store.GetAgency(ctx, "agy_missing")
	assert.ErrorIs(t, err, ErrAgencyNotFound)
	_, err = store.GetAgencyByReferralCode(ctx, "")
	assert.ErrorIs(t, err, ErrAgencyNotFound)

	err = store.CreateAgency(ctx, &Agency{ID: "agy_dup", ReferralCode: "ACME"})
	assert.ErrorIs(t, err, ErrReferralCodeTaken)
}

func TestMemoryStore_MutateAgencyIndexesRefs(t *testing.T) {
	ctx := context.Background()
	store := seedAgencies(t)

	before, after, err := store.MutateAgency(ctx, "agy_acme", func(a *Agency) error {
		a.PlatformCustomerRef = "cus_acme"
		a.ConnectAccountRef = "acct_acme"
		a.SubscriptionStatus = AgencyActive
		a.ReferralBalanceCents = 1_000_000 // not writable through a mutation
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, AgencyPending, before.SubscriptionStatus)
	assert.Equal(t, AgencyActive, after.SubscriptionStatus)
	assert.Zero(t, after.ReferralBalanceCents)

	byCustomer, err := store.GetAgencyByPlatformCustomer(ctx, "cus_acme")
	require.NoError(t, err)
	assert.Equal(t, "agy_acme", byCustomer.ID)
	byAccount, err := store.GetAgencyByConnectAccount(ctx, "acct_acme")
	require.NoError(t, err)
	assert.Equal(t, "agy_acme", byAccount.ID)

	// Rebinding drops the stale index entry.
	_, _, err = store.MutateAgency(ctx, "agy_acme", func(a *Agency) error {
		a.PlatformCustomerRef = "cus_acme_2"
		return nil
	})
	require.NoError(t, err)
	_, err = store.GetAgencyByPlatformCustomer(ctx, "cus_acme")
	assert.ErrorIs(t, err, ErrAgencyNotFound)

	// Another agency cannot take a bound ref.
	_, _, err = store.MutateAgency(ctx, "agy_northwind", func(a *Agency) error {
		a.ConnectAccountRef = "acct_acme"
		return nil
	})
	assert.ErrorIs(t, err, ErrConnectAccountTaken)
	_, _, err = store.MutateAgency(ctx, "agy_northwind", func(a *Agency) error {
		a.PlatformCustomerRef = "cus_acme_2"
		return nil
	})
	assert.ErrorIs(t, err, ErrCustomerRefTaken)
}

func TestMemoryStore_MutateNoChange(t *testing.T) {
	ctx := context.Background()
	store := seedAgencies(t)

	before, after, err := store.MutateAgency(ctx, "agy_acme", func(a *Agency) error {
		a.SubscriptionStatus = AgencyCanceled
		return ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, _ := store.GetAgency(ctx, "agy_acme")
	assert.Equal(t, AgencyPending, got.SubscriptionStatus)
}

func TestAttributeReferral(t *testing.T) {
	ctx := context.Background()

	t.Run("attributes once", func(t *testing.T) {
		store := seedAgencies(t)
		a, err := AttributeReferral(ctx, store, "agy_acme", " northwind ")
		require.NoError(t, err)
		assert.Equal(t, "NORTHWIND", a.ReferredBy)

		_, err = AttributeReferral(ctx, store, "agy_acme", "NORTHWIND")
		assert.ErrorIs(t, err, ErrAlreadyReferred)
	})

	t.Run("self referral rejected", func(t *testing.T) {
		store := seedAgencies(t)
		_, err := AttributeReferral(ctx, store, "agy_acme", "acme")
		assert.ErrorIs(t, err, ErrSelfReferral)

		got, _ := store.GetAgency(ctx, "agy_acme")
		assert.Empty(t, got.ReferredBy)
	})

	t.Run("unknown code", func(t *testing.T) {
		store := seedAgencies(t)
		_, err := AttributeReferral(ctx, store, "agy_acme", "NOBODY")
		assert.ErrorIs(t, err, ErrUnknownReferralCode)
	})

	t.Run("malformed code", func(t *testing.T) {
		store := seedAgencies(t)
		_, err := AttributeReferral(ctx, store, "agy_acme", "a!")
		assert.ErrorIs(t, err, ErrInvalidReferralCode)
	})

	t.Run("unknown agency", func(t *testing.T) {
		store := seedAgencies(t)
		_, err := AttributeReferral(ctx, store, "agy_missing", "NORTHWIND")
		assert.ErrorIs(t, err, ErrAgencyNotFound)
	})
}

func TestChangeReferralCode(t *testing.T) {
	ctx := context.Background()
	store := seedAgencies(t)
	_, err := AttributeReferral(ctx, store, "agy_acme", "NORTHWIND")
	require.NoError(t, err)

	a, err := ChangeReferralCode(ctx, store, "agy_acme", "acme-voice")
	require.NoError(t, err)
	assert.Equal(t, "ACME-VOICE", a.ReferralCode)

	got, err := store.GetAgencyByReferralCode(ctx, "ACME-VOICE")
	require.NoError(t, err)
	assert.Equal(t, "agy_acme", got.ID)
	_, err = store.GetAgencyByReferralCode(ctx, "ACME")
	assert.ErrorIs(t, err, ErrAgencyNotFound)

	_, err = ChangeReferralCode(ctx, store, "agy_acme", "NORTHWIND")
	assert.ErrorIs(t, err, ErrSelfReferral, "cannot take the referrer's code")

	_, err = ChangeReferralCode(ctx, store, "agy_northwind", "ACME-VOICE")
	assert.ErrorIs(t, err, ErrReferralCodeTaken)
}

func TestMemoryStore_Clients(t *testing.T) {
	ctx := context.Background()
	store := seedAgencies(t)

	err := store.CreateClient(ctx, &Client{ID: "cli_orphan", AgencyID: "agy_missing"})
	assert.ErrorIs(t, err, ErrAgencyNotFound)

	require.NoError(t, store.CreateClient(ctx, &Client{
		ID: "cli_1", AgencyID: "agy_acme", ConnectCustomerRef: "cus_1",
		SubscriptionStatus: SubActive, Status: ClientActive,
	}))
	err = store.CreateClient(ctx, &Client{ID: "cli_2", AgencyID: "agy_acme", ConnectCustomerRef: "cus_1"})
	assert.ErrorIs(t, err, ErrCustomerRefTaken)

	// The same customer ref under another agency is a different customer.
	require.NoError(t, store.CreateClient(ctx, &Client{ID: "cli_3", AgencyID: "agy_northwind", ConnectCustomerRef: "cus_1"}))

	got, err := store.GetClientByConnectCustomer(ctx, "agy_acme", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cli_1", got.ID)
	_, err = store.GetClientByConnectCustomer(ctx, "agy_acme", "cus_unknown")
	assert.ErrorIs(t, err, ErrClientNotFound)

	page, err := store.ListClients(ctx, "cli_1", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "cli_3", page[0].ID)
}

func TestMemoryStore_ExpireTrialIsConditional(t *testing.T) {
	ctx := context.Background()
	store := seedAgencies(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	require.NoError(t, store.CreateClient(ctx, &Client{
		ID: "cli_old", AgencyID: "agy_acme", SubscriptionStatus: SubTrial, TrialEndsAt: &past, Status: ClientActive,
	}))
	require.NoError(t, store.CreateClient(ctx, &Client{
		ID: "cli_new", AgencyID: "agy_acme", SubscriptionStatus: SubTrial, TrialEndsAt: &future, Status: ClientActive,
	}))

	expired, err := store.ListExpiredTrials(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "cli_old", expired[0].ID)

	changed, err := store.ExpireTrial(ctx, "cli_new", now)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = store.ExpireTrial(ctx, "cli_old", now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.ExpireTrial(ctx, "cli_old", now)
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := store.GetClient(ctx, "cli_old")
	assert.Equal(t, SubTrialExpired, got.SubscriptionStatus)
	assert.Equal(t, ClientSuspended, got.Status)
}

func TestOperationalStatusFor(t *testing.T) {
	tests := []struct {
		sub     SubscriptionStatus
		unpaid  bool
		current ClientStatus
		want    ClientStatus
	}{
		{SubTrial, false, ClientSuspended, ClientActive},
		{SubActive, false, ClientSuspended, ClientActive},
		{SubCanceled, false, ClientActive, ClientSuspended},
		{SubTrialExpired, false, ClientActive, ClientSuspended},
		{SubPastDue, false, ClientActive, ClientActive},
		{SubPastDue, false, ClientSuspended, ClientSuspended},
		{SubPastDue, false, "", ClientActive},
		{SubPastDue, true, ClientActive, ClientSuspended},
	}
	for _, tt := range tests {
		got := OperationalStatusFor(tt.sub, tt.unpaid, tt.current)
		assert.Equal(t, tt.want, got, "%s unpaid=%v current=%s", tt.sub, tt.unpaid, tt.current)
	}
}

func TestPlans(t *testing.T) {
	assert.True(t, ValidPlan(PlanGrowth))
	assert.False(t, ValidPlan("enterprise"))
	assert.Equal(t, 2000, CallLimitForPlan(PlanGrowth))
	assert.Equal(t, Plans[PlanTrial].MonthlyCallLimit, CallLimitForPlan("enterprise"))
}
