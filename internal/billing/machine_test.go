package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/voxreseller/internal/commission"
	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/provisioning"
	"github.com/mbd888/voxreseller/internal/tenant"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []notify.Kind{}
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fakeProvisioner struct {
	mu       sync.Mutex
	enabled  []string
	disabled []string
	err      error
}

func (f *fakeProvisioner) CreateResource(_ context.Context, spec provisioning.ResourceSpec) (string, error) {
	return "res_" + spec.ClientID, f.err
}

func (f *fakeProvisioner) EnableResource(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, id)
	return f.err
}

func (f *fakeProvisioner) DisableResource(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, id)
	return f.err
}

func (f *fakeProvisioner) calls() (enabled, disabled []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enabled...), append([]string(nil), f.disabled...)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) RecordPayment(context.Context, *tenant.Agency, string, int64) (*commission.Entry, error) {
	f.calls++
	return nil, errors.New("ledger unavailable")
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store       *tenant.MemoryStore
	ledger      *commission.MemoryStore
	notifier    *recordingNotifier
	provisioner *fakeProvisioner
	agencies    *AgencyMachine
	clients     *ClientMachine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := tenant.NewMemoryStore()
	ledger := commission.NewMemoryStore(store)
	notifier := &recordingNotifier{}
	prov := &fakeProvisioner{}

	engine := commission.NewEngine(store, ledger, notifier, 2000, nil)
	agencies := NewAgencyMachine(store, engine, notifier, 14)
	agencies.now = func() time.Time { return fixedNow }

	h := &harness{
		store:       store,
		ledger:      ledger,
		notifier:    notifier,
		provisioner: prov,
		agencies:    agencies,
		clients:     NewClientMachine(store, prov, notifier),
	}

	ctx := context.Background()
	require.NoError(t, store.CreateAgency(ctx, &tenant.Agency{
		ID:                 "agy_northwind",
		Name:               "Northwind",
		OwnerEmail:         "owner@northwind.test",
		ReferralCode:       "NORTHWIND",
		SubscriptionStatus: tenant.AgencyActive,
		ConnectAccountRef:  "acct_northwind",
	}))
	require.NoError(t, store.CreateAgency(ctx, &tenant.Agency{
		ID:                 "agy_acme",
		Name:               "Acme",
		OwnerEmail:         "owner@acme.test",
		ReferralCode:       "ACME",
		ReferredBy:         "NORTHWIND",
		SubscriptionStatus: tenant.AgencyPending,
		ConnectAccountRef:  "acct_acme",
	}))
	return h
}

func (h *harness) agency(t *testing.T, id string) *tenant.Agency {
	t.Helper()
	a, err := h.store.GetAgency(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) client(t *testing.T, id string) *tenant.Client {
	t.Helper()
	c, err := h.store.GetClient(context.Background(), id)
	require.NoError(t, err)
	return c
}

// addTrialClient creates a client of acme in its local trial.
func (h *harness) addTrialClient(t *testing.T, id string, trialEnds time.Time) *tenant.Client {
	t.Helper()
	c := &tenant.Client{
		ID:                 id,
		AgencyID:           "agy_acme",
		Name:               "Client " + id,
		OwnerEmail:         id + "@clients.test",
		SubscriptionStatus: tenant.SubTrial,
		PlanType:           "trial",
		MonthlyCallLimit:   tenant.CallLimitForPlan("trial"),
		CallsThisPeriod:    42,
		TrialEndsAt:        &trialEnds,
		Status:             tenant.ClientActive,
		ResourceID:         "res_" + id,
	}
	require.NoError(t, h.store.CreateClient(context.Background(), c))
	return c
}

// handleAgency runs a platform event through the agency machine.
func (h *harness) handleAgency(t *testing.T, ev Event) Outcome {
	t.Helper()
	out, err := h.agencies.Handle(context.Background(), ev)
	require.NoError(t, err)
	return out
}

// handleClient runs a connect event for acme through the client machine.
func (h *harness) handleClient(t *testing.T, ev Event) Outcome {
	t.Helper()
	out, err := h.clients.Handle(context.Background(), h.agency(t, "agy_acme"), ev)
	require.NoError(t, err)
	return out
}

func meta(typ string) Meta {
	return Meta{ID: "evt_" + typ, Type: typ, Created: fixedNow}
}
