package tenant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const agencyColumns = `id, name, owner_email, referral_code, referred_by,
	platform_customer_ref, platform_subscription_ref, subscription_status, plan_type, trial_ends_at,
	connect_account_ref, charges_enabled, payouts_enabled,
	referral_earnings_cents_lifetime, referral_balance_cents, created_at, updated_at`

const clientColumns = `id, agency_id, name, owner_email,
	connect_customer_ref, connect_subscription_ref, subscription_status, plan_type,
	monthly_call_limit, calls_this_period, trial_ends_at, status, resource_id,
	created_at, updated_at`

// PostgresStore persists agencies and clients in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) CreateAgency(ctx context.Context, a *Agency) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agencies (id, name, owner_email, referral_code, referred_by,
			platform_customer_ref, platform_subscription_ref, subscription_status, plan_type, trial_ends_at,
			connect_account_ref, charges_enabled, payouts_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10,
			NULLIF($11, ''), $12, $13, $14, $15)`,
		a.ID, a.Name, a.OwnerEmail, a.ReferralCode, a.ReferredBy,
		a.PlatformCustomerRef, a.PlatformSubscriptionRef, string(a.SubscriptionStatus), a.PlanType, nullTime(a.TrialEndsAt),
		a.ConnectAccountRef, a.ChargesEnabled, a.PayoutsEnabled, a.CreatedAt, a.UpdatedAt,
	)
	return mapAgencyErr(err)
}

func (p *PostgresStore) GetAgency(ctx context.Context, id string) (*Agency, error) {
	return scanAgency(p.db.QueryRowContext(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE id = $1`, id))
}

func (p *PostgresStore) GetAgencyByReferralCode(ctx context.Context, code string) (*Agency, error) {
	return scanAgency(p.db.QueryRowContext(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE referral_code = $1`, code))
}

func (p *PostgresStore) GetAgencyByPlatformCustomer(ctx context.Context, customerRef string) (*Agency, error) {
	return scanAgency(p.db.QueryRowContext(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE platform_customer_ref = $1`, customerRef))
}

func (p *PostgresStore) GetAgencyByConnectAccount(ctx context.Context, accountRef string) (*Agency, error) {
	return scanAgency(p.db.QueryRowContext(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE connect_account_ref = $1`, accountRef))
}

// MutateAgency locks the agency row with SELECT ... FOR UPDATE so concurrent
// webhook deliveries for the same agency apply one after another.
func (p *PostgresStore) MutateAgency(ctx context.Context, id string, fn func(a *Agency) error) (*Agency, *Agency, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanAgency(tx.QueryRowContext(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, err
	}
	work := *before
	work.TrialEndsAt = cloneTime(before.TrialEndsAt)
	if err := fn(&work); err != nil {
		if errors.Is(err, ErrNoChange) {
			return before, before, nil
		}
		return nil, nil, err
	}

	after, err := scanAgency(tx.QueryRowContext(ctx, `
		UPDATE agencies SET
			platform_customer_ref = NULLIF($2, ''),
			platform_subscription_ref = NULLIF($3, ''),
			subscription_status = $4,
			plan_type = $5,
			trial_ends_at = $6,
			connect_account_ref = NULLIF($7, ''),
			charges_enabled = $8,
			payouts_enabled = $9,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+agencyColumns,
		id, work.PlatformCustomerRef, work.PlatformSubscriptionRef, string(work.SubscriptionStatus),
		work.PlanType, nullTime(work.TrialEndsAt), work.ConnectAccountRef, work.ChargesEnabled, work.PayoutsEnabled,
	))
	if err != nil {
		return nil, nil, mapAgencyErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// SetReferredBy attributes a referral only while referred_by is still NULL.
func (p *PostgresStore) SetReferredBy(ctx context.Context, id, code string) (*Agency, error) {
	a, err := scanAgency(p.db.QueryRowContext(ctx, `
		UPDATE agencies SET referred_by = $2, updated_at = NOW()
		WHERE id = $1 AND referred_by IS NULL
		RETURNING `+agencyColumns, id, code))
	if errors.Is(err, ErrAgencyNotFound) {
		if _, getErr := p.GetAgency(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyReferred
	}
	if err != nil {
		return nil, mapAgencyErr(err)
	}
	return a, nil
}

func (p *PostgresStore) SetReferralCode(ctx context.Context, id, code string) (*Agency, error) {
	a, err := scanAgency(p.db.QueryRowContext(ctx, `
		UPDATE agencies SET referral_code = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+agencyColumns, id, code))
	if err != nil {
		return nil, mapAgencyErr(err)
	}
	return a, nil
}

func (p *PostgresStore) CreateClient(ctx context.Context, c *Client) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO clients (id, agency_id, name, owner_email, connect_customer_ref, connect_subscription_ref,
			subscription_status, plan_type, monthly_call_limit, calls_this_period, trial_ends_at, status,
			resource_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15)`,
		c.ID, c.AgencyID, c.Name, c.OwnerEmail, c.ConnectCustomerRef, c.ConnectSubscriptionRef,
		string(c.SubscriptionStatus), c.PlanType, c.MonthlyCallLimit, c.CallsThisPeriod, nullTime(c.TrialEndsAt),
		string(c.Status), c.ResourceID, c.CreatedAt, c.UpdatedAt,
	)
	return mapClientErr(err)
}

func (p *PostgresStore) GetClient(ctx context.Context, id string) (*Client, error) {
	return scanClient(p.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
}

func (p *PostgresStore) GetClientByConnectCustomer(ctx context.Context, agencyID, customerRef string) (*Client, error) {
	return scanClient(p.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE agency_id = $1 AND connect_customer_ref = $2`, agencyID, customerRef))
}

func (p *PostgresStore) ListClientsByAgency(ctx context.Context, agencyID string) ([]*Client, error) {
	return p.queryClients(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE agency_id = $1 ORDER BY created_at`, agencyID)
}

func (p *PostgresStore) ListClients(ctx context.Context, afterID string, limit int) ([]*Client, error) {
	if limit <= 0 {
		limit = 500
	}
	return p.queryClients(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
}

// MutateClient is the client counterpart of MutateAgency.
func (p *PostgresStore) MutateClient(ctx context.Context, id string, fn func(c *Client) error) (*Client, *Client, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanClient(tx.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, err
	}
	work := copyClient(before)
	if err := fn(work); err != nil {
		if errors.Is(err, ErrNoChange) {
			return before, before, nil
		}
		return nil, nil, err
	}

	after, err := scanClient(tx.QueryRowContext(ctx, `
		UPDATE clients SET
			connect_customer_ref = NULLIF($2, ''),
			connect_subscription_ref = NULLIF($3, ''),
			subscription_status = $4,
			plan_type = $5,
			monthly_call_limit = $6,
			calls_this_period = $7,
			trial_ends_at = $8,
			status = $9,
			resource_id = NULLIF($10, ''),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+clientColumns,
		id, work.ConnectCustomerRef, work.ConnectSubscriptionRef, string(work.SubscriptionStatus), work.PlanType,
		work.MonthlyCallLimit, work.CallsThisPeriod, nullTime(work.TrialEndsAt), string(work.Status), work.ResourceID,
	))
	if err != nil {
		return nil, nil, mapClientErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func (p *PostgresStore) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]*Client, error) {
	if limit <= 0 {
		limit = 500
	}
	return p.queryClients(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE subscription_status = 'trial' AND trial_ends_at < $1
		ORDER BY trial_ends_at
		LIMIT $2`, now, limit)
}

// ExpireTrial is a conditional update: the WHERE clause re-checks the trial
// predicate so a client activated since the candidate scan is left alone.
func (p *PostgresStore) ExpireTrial(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE clients SET subscription_status = 'trial_expired', status = 'suspended', updated_at = NOW()
		WHERE id = $1 AND subscription_status = 'trial' AND trial_ends_at < $2`, id, now)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) queryClients(ctx context.Context, query string, args ...any) ([]*Client, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanAgency(row rowScanner) (*Agency, error) {
	a := &Agency{}
	var (
		status                                         string
		referredBy, customerRef, subscriptionRef, acct sql.NullString
		trialEndsAt                                    sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Name, &a.OwnerEmail, &a.ReferralCode, &referredBy,
		&customerRef, &subscriptionRef, &status, &a.PlanType, &trialEndsAt,
		&acct, &a.ChargesEnabled, &a.PayoutsEnabled,
		&a.ReferralEarningsCentsLifetime, &a.ReferralBalanceCents, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgencyNotFound
	}
	if err != nil {
		return nil, err
	}
	a.SubscriptionStatus = AgencyStatus(status)
	a.ReferredBy = referredBy.String
	a.PlatformCustomerRef = customerRef.String
	a.PlatformSubscriptionRef = subscriptionRef.String
	a.ConnectAccountRef = acct.String
	if trialEndsAt.Valid {
		t := trialEndsAt.Time
		a.TrialEndsAt = &t
	}
	return a, nil
}

func scanClient(row rowScanner) (*Client, error) {
	c := &Client{}
	var (
		subStatus, status                      string
		customerRef, subscriptionRef, resource sql.NullString
		trialEndsAt                            sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AgencyID, &c.Name, &c.OwnerEmail,
		&customerRef, &subscriptionRef, &subStatus, &c.PlanType,
		&c.MonthlyCallLimit, &c.CallsThisPeriod, &trialEndsAt, &status, &resource,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	c.SubscriptionStatus = SubscriptionStatus(subStatus)
	c.Status = ClientStatus(status)
	c.ConnectCustomerRef = customerRef.String
	c.ConnectSubscriptionRef = subscriptionRef.String
	c.ResourceID = resource.String
	if trialEndsAt.Valid {
		t := trialEndsAt.Time
		c.TrialEndsAt = &t
	}
	return c, nil
}

func mapAgencyErr(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		switch pqErr.Constraint {
		case "agencies_referral_code_key":
			return ErrReferralCodeTaken
		case "agencies_connect_account_ref_key":
			return ErrConnectAccountTaken
		case "agencies_platform_customer_ref_key":
			return ErrCustomerRefTaken
		}
	case "23514": // check_violation
		if pqErr.Constraint == "agencies_no_self_referral" {
			return ErrSelfReferral
		}
	}
	return err
}

func mapClientErr(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		if pqErr.Constraint == "clients_customer_per_agency" {
			return ErrCustomerRefTaken
		}
	case "23503": // foreign_key_violation
		return ErrAgencyNotFound
	}
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ Store = (*PostgresStore)(nil)
