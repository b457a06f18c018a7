package tenant

import (
	"context"
	"time"
)

// AgencyStore persists agencies.
//
// MutateAgency performs a locked read-modify-write: fn sees the current
// row and edits it in place; only the billing columns (customer and
// subscription refs, status, plan, trial end, connect account and its
// flags) are written back. Referral fields and balances have their own
// conditional operations and are never overwritten by a mutation.
type AgencyStore interface {
	CreateAgency(ctx context.Context, a *Agency) error
	GetAgency(ctx context.Context, id string) (*Agency, error)
	GetAgencyByReferralCode(ctx context.Context, code string) (*Agency, error)
	GetAgencyByPlatformCustomer(ctx context.Context, customerRef string) (*Agency, error)
	GetAgencyByConnectAccount(ctx context.Context, accountRef string) (*Agency, error)
	MutateAgency(ctx context.Context, id string, fn func(a *Agency) error) (before, after *Agency, err error)
	SetReferredBy(ctx context.Context, id, code string) (*Agency, error)
	SetReferralCode(ctx context.Context, id, code string) (*Agency, error)
}

// ClientStore persists clients.
//
// MutateClient has the same locking contract as MutateAgency; the
// agency binding, identity, and timestamps are not writable through it.
type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	GetClientByConnectCustomer(ctx context.Context, agencyID, customerRef string) (*Client, error)
	ListClientsByAgency(ctx context.Context, agencyID string) ([]*Client, error)
	ListClients(ctx context.Context, afterID string, limit int) ([]*Client, error)
	MutateClient(ctx context.Context, id string, fn func(c *Client) error) (before, after *Client, err error)

	// ListExpiredTrials returns clients still in trial whose trial ended
	// before now, oldest first.
	ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]*Client, error)

	// ExpireTrial moves a client to trial_expired/suspended only if it is
	// still in trial with trial_ends_at before now. It reports whether the
	// row changed; false means another writer got there first.
	ExpireTrial(ctx context.Context, id string, now time.Time) (bool, error)
}

// Store is the full tenant store.
type Store interface {
	AgencyStore
	ClientStore
}
