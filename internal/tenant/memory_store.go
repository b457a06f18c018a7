package tenant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrBalanceInvariant is returned when an adjustment would take the referral
// balance below zero or above lifetime earnings.
var ErrBalanceInvariant = errors.New("tenant: referral balance invariant violated")

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	agencies  map[string]*Agency // by ID
	codes     map[string]string  // referral code → agency ID
	accounts  map[string]string  // connect account → agency ID
	customers map[string]string  // platform customer → agency ID
	clients   map[string]*Client // by ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agencies:  make(map[string]*Agency),
		codes:     make(map[string]string),
		accounts:  make(map[string]string),
		customers: make(map[string]string),
		clients:   make(map[string]*Client),
	}
}

func (m *MemoryStore) CreateAgency(_ context.Context, a *Agency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.codes[a.ReferralCode]; exists {
		return ErrReferralCodeTaken
	}
	if a.ConnectAccountRef != "" {
		if _, exists := m.accounts[a.ConnectAccountRef]; exists {
			return ErrConnectAccountTaken
		}
	}

	cp := *a
	cp.TrialEndsAt = cloneTime(a.TrialEndsAt)
	m.agencies[a.ID] = &cp
	m.codes[a.ReferralCode] = a.ID
	m.index(&cp)
	return nil
}

func (m *MemoryStore) GetAgency(_ context.Context, id string) (*Agency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agencyCopy(id)
}

func (m *MemoryStore) GetAgencyByReferralCode(_ context.Context, code string) (*Agency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agencyCopy(m.codes[code])
}

func (m *MemoryStore) GetAgencyByPlatformCustomer(_ context.Context, customerRef string) (*Agency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agencyCopy(m.customers[customerRef])
}

func (m *MemoryStore) GetAgencyByConnectAccount(_ context.Context, accountRef string) (*Agency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agencyCopy(m.accounts[accountRef])
}

func (m *MemoryStore) MutateAgency(_ context.Context, id string, fn func(a *Agency) error) (*Agency, *Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.agencies[id]
	if !ok {
		return nil, nil, ErrAgencyNotFound
	}
	before, _ := m.agencyCopy(id)
	work, _ := m.agencyCopy(id)
	if err := fn(work); err != nil {
		if errors.Is(err, ErrNoChange) {
			return before, before, nil
		}
		return nil, nil, err
	}
	if work.ConnectAccountRef != "" && work.ConnectAccountRef != cur.ConnectAccountRef {
		if owner, taken := m.accounts[work.ConnectAccountRef]; taken && owner != id {
			return nil, nil, ErrConnectAccountTaken
		}
	}

	if work.PlatformCustomerRef != "" && work.PlatformCustomerRef != cur.PlatformCustomerRef {
		if owner, taken := m.customers[work.PlatformCustomerRef]; taken && owner != id {
			return nil, nil, ErrCustomerRefTaken
		}
	}
	if cur.ConnectAccountRef != work.ConnectAccountRef {
		delete(m.accounts, cur.ConnectAccountRef)
	}
	if cur.PlatformCustomerRef != work.PlatformCustomerRef {
		delete(m.customers, cur.PlatformCustomerRef)
	}

	cur.PlatformCustomerRef = work.PlatformCustomerRef
	cur.PlatformSubscriptionRef = work.PlatformSubscriptionRef
	cur.SubscriptionStatus = work.SubscriptionStatus
	cur.PlanType = work.PlanType
	cur.TrialEndsAt = cloneTime(work.TrialEndsAt)
	cur.ConnectAccountRef = work.ConnectAccountRef
	cur.ChargesEnabled = work.ChargesEnabled
	cur.PayoutsEnabled = work.PayoutsEnabled
	cur.UpdatedAt = time.Now()
	m.index(cur)

	after, _ := m.agencyCopy(id)
	return before, after, nil
}

func (m *MemoryStore) SetReferredBy(_ context.Context, id, code string) (*Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agencies[id]
	if !ok {
		return nil, ErrAgencyNotFound
	}
	if a.ReferralCode == code {
		return nil, ErrSelfReferral
	}
	if a.ReferredBy != "" {
		return nil, ErrAlreadyReferred
	}
	a.ReferredBy = code
	a.UpdatedAt = time.Now()
	return m.agencyCopy(id)
}

func (m *MemoryStore) SetReferralCode(_ context.Context, id, code string) (*Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agencies[id]
	if !ok {
		return nil, ErrAgencyNotFound
	}
	if owner, taken := m.codes[code]; taken && owner != id {
		return nil, ErrReferralCodeTaken
	}
	if a.ReferredBy == code {
		return nil, ErrSelfReferral
	}
	delete(m.codes, a.ReferralCode)
	a.ReferralCode = code
	a.UpdatedAt = time.Now()
	m.codes[code] = id
	return m.agencyCopy(id)
}

// AdjustReferralBalances applies deltas to an agency's lifetime earnings and
// payable balance atomically. The in-memory commission ledger uses it;
// the Postgres ledger updates the same columns inside its own transaction.
func (m *MemoryStore) AdjustReferralBalances(_ context.Context, agencyID string, earningsDelta, balanceDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agencies[agencyID]
	if !ok {
		return ErrAgencyNotFound
	}
	earnings := a.ReferralEarningsCentsLifetime + earningsDelta
	balance := a.ReferralBalanceCents + balanceDelta
	if earningsDelta < 0 || balance < 0 || balance > earnings {
		return ErrBalanceInvariant
	}
	a.ReferralEarningsCentsLifetime = earnings
	a.ReferralBalanceCents = balance
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agencies[c.AgencyID]; !ok {
		return ErrAgencyNotFound
	}
	if c.ConnectCustomerRef != "" && m.clientByCustomer(c.AgencyID, c.ConnectCustomerRef) != nil {
		return ErrCustomerRefTaken
	}
	cp := *c
	cp.TrialEndsAt = cloneTime(c.TrialEndsAt)
	m.clients[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return copyClient(c), nil
}

func (m *MemoryStore) GetClientByConnectCustomer(_ context.Context, agencyID, customerRef string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c := m.clientByCustomer(agencyID, customerRef); c != nil {
		return copyClient(c), nil
	}
	return nil, ErrClientNotFound
}

func (m *MemoryStore) ListClientsByAgency(_ context.Context, agencyID string) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Client
	for _, c := range m.clients {
		if c.AgencyID == agencyID {
			out = append(out, copyClient(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListClients(_ context.Context, afterID string, limit int) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Client, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyClient(m.clients[id]))
	}
	return out, nil
}

func (m *MemoryStore) MutateClient(_ context.Context, id string, fn func(c *Client) error) (*Client, *Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.clients[id]
	if !ok {
		return nil, nil, ErrClientNotFound
	}
	before := copyClient(cur)
	work := copyClient(cur)
	if err := fn(work); err != nil {
		if errors.Is(err, ErrNoChange) {
			return before, before, nil
		}
		return nil, nil, err
	}
	if work.ConnectCustomerRef != "" && work.ConnectCustomerRef != cur.ConnectCustomerRef {
		if other := m.clientByCustomer(cur.AgencyID, work.ConnectCustomerRef); other != nil && other.ID != id {
			return nil, nil, ErrCustomerRefTaken
		}
	}

	cur.ConnectCustomerRef = work.ConnectCustomerRef
	cur.ConnectSubscriptionRef = work.ConnectSubscriptionRef
	cur.SubscriptionStatus = work.SubscriptionStatus
	cur.PlanType = work.PlanType
	cur.MonthlyCallLimit = work.MonthlyCallLimit
	cur.CallsThisPeriod = work.CallsThisPeriod
	cur.TrialEndsAt = cloneTime(work.TrialEndsAt)
	cur.Status = work.Status
	cur.ResourceID = work.ResourceID
	cur.UpdatedAt = time.Now()

	return before, copyClient(cur), nil
}

func (m *MemoryStore) ListExpiredTrials(_ context.Context, now time.Time, limit int) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Client
	for _, c := range m.clients {
		if trialElapsed(c, now) {
			out = append(out, copyClient(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrialEndsAt.Before(*out[j].TrialEndsAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpireTrial(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok || !trialElapsed(c, now) {
		return false, nil
	}
	c.SubscriptionStatus = SubTrialExpired
	c.Status = ClientSuspended
	c.UpdatedAt = time.Now()
	return true, nil
}

// caller holds m.mu
func (m *MemoryStore) agencyCopy(id string) (*Agency, error) {
	a, ok := m.agencies[id]
	if !ok {
		return nil, ErrAgencyNotFound
	}
	cp := *a
	cp.TrialEndsAt = cloneTime(a.TrialEndsAt)
	return &cp, nil
}

// caller holds m.mu
func (m *MemoryStore) index(a *Agency) {
	if a.ConnectAccountRef != "" {
		m.accounts[a.ConnectAccountRef] = a.ID
	}
	if a.PlatformCustomerRef != "" {
		m.customers[a.PlatformCustomerRef] = a.ID
	}
}

// caller holds m.mu
func (m *MemoryStore) clientByCustomer(agencyID, customerRef string) *Client {
	for _, c := range m.clients {
		if c.AgencyID == agencyID && c.ConnectCustomerRef == customerRef {
			return c
		}
	}
	return nil
}

func trialElapsed(c *Client, now time.Time) bool {
	return c.SubscriptionStatus == SubTrial && c.TrialEndsAt != nil && c.TrialEndsAt.Before(now)
}

func copyClient(c *Client) *Client {
	cp := *c
	cp.TrialEndsAt = cloneTime(c.TrialEndsAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
