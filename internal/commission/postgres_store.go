package commission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/voxreseller/internal/idgen"
	"github.com/mbd888/voxreseller/internal/pagination"
	"github.com/mbd888/voxreseller/internal/retry"
)

const entryColumns = `id, referrer_agency_id, referred_agency_id, source_invoice_ref,
	payment_amount_cents, rate_bps, commission_amount_cents, status, transfer_ref,
	created_at, transferred_at`

// Serializable transactions can abort under contention; they are retried
// this many times before the error surfaces.
const (
	txAttempts  = 4
	txBaseDelay = 20 * time.Millisecond
)

// PostgresStore persists the ledger in PostgreSQL. Balances live on the
// agencies table and are only ever changed in the same transaction as the
// ledger rows that justify them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) InsertAndCredit(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	start := time.Now()
	defer observeOp("insert_and_credit", start)

	return retry.DoIf(ctx, txAttempts, txBaseDelay, isSerializationFailure, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO commission_entries (id, referrer_agency_id, referred_agency_id, source_invoice_ref,
				payment_amount_cents, rate_bps, commission_amount_cents, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
			ON CONFLICT (source_invoice_ref) DO NOTHING`,
			e.ID, e.ReferrerAgencyID, e.ReferredAgencyID, e.SourceInvoiceRef,
			e.PaymentAmountCents, e.RateBPS, e.CommissionAmountCents, e.CreatedAt)
		if err != nil {
			return mapErr(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrDuplicateEntry
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE agencies SET
				referral_earnings_cents_lifetime = referral_earnings_cents_lifetime + $2,
				referral_balance_cents = referral_balance_cents + $2,
				updated_at = NOW()
			WHERE id = $1`, e.ReferrerAgencyID, e.CommissionAmountCents)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrReferrerNotFound
		}
		return tx.Commit()
	})
}

func (p *PostgresStore) GetBySourceInvoice(ctx context.Context, invoiceRef string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM commission_entries WHERE source_invoice_ref = $1`, invoiceRef)
	return scanEntry(row)
}

func (p *PostgresStore) ListByReferrer(ctx context.Context, referrerID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if after == nil {
		return p.queryEntries(ctx, `
			SELECT `+entryColumns+` FROM commission_entries
			WHERE referrer_agency_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, referrerID, limit)
	}
	return p.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM commission_entries
		WHERE referrer_agency_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, referrerID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) PendingEntries(ctx context.Context, referrerID string) ([]*Entry, error) {
	return p.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM commission_entries
		WHERE referrer_agency_id = $1 AND status = 'pending'
		ORDER BY created_at`, referrerID)
}

// SettlePayout locks the referrer's agency row first, serializing against
// concurrent payouts. Commission inserts only touch that row by increment,
// so one landing mid-payout is neither lost nor marked transferred.
func (p *PostgresStore) SettlePayout(ctx context.Context, referrerID string, entryIDs []string, amountCents int64, transferRef string, at time.Time) (*Payout, error) {
	start := time.Now()
	defer observeOp("settle_payout", start)

	var payout *Payout
	err := retry.DoIf(ctx, txAttempts, txBaseDelay, isSerializationFailure, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var balance int64
		err = tx.QueryRowContext(ctx, `SELECT referral_balance_cents FROM agencies WHERE id = $1 FOR UPDATE`, referrerID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReferrerNotFound
		}
		if err != nil {
			return err
		}
		if balance < amountCents {
			return ErrPayoutConflict
		}

		var settled int
		var sum int64
		err = tx.QueryRowContext(ctx, `
			WITH settled AS (
				UPDATE commission_entries
				SET status = 'transferred', transfer_ref = $3, transferred_at = $4
				WHERE referrer_agency_id = $1 AND id = ANY($2) AND status = 'pending'
				RETURNING commission_amount_cents
			)
			SELECT COUNT(*), COALESCE(SUM(commission_amount_cents), 0) FROM settled`,
			referrerID, pq.Array(entryIDs), transferRef, at).Scan(&settled, &sum)
		if err != nil {
			return err
		}
		if settled != len(entryIDs) || sum != amountCents {
			return ErrPayoutConflict
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agencies SET referral_balance_cents = referral_balance_cents - $2, updated_at = NOW()
			WHERE id = $1`, referrerID, amountCents); err != nil {
			return mapErr(err)
		}

		pay := &Payout{
			ID:          idgen.WithPrefix("pay_"),
			AgencyID:    referrerID,
			AmountCents: amountCents,
			EntryCount:  settled,
			TransferRef: transferRef,
			CreatedAt:   at,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commission_payouts (id, agency_id, amount_cents, entry_count, transfer_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			pay.ID, pay.AgencyID, pay.AmountCents, pay.EntryCount, pay.TransferRef, pay.CreatedAt); err != nil {
			return mapErr(err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		payout = pay
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

func (p *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var (
		status        string
		transferRef   sql.NullString
		transferredAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ReferrerAgencyID, &e.ReferredAgencyID, &e.SourceInvoiceRef,
		&e.PaymentAmountCents, &e.RateBPS, &e.CommissionAmountCents, &status, &transferRef,
		&e.CreatedAt, &transferredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.TransferRef = transferRef.String
	if transferredAt.Valid {
		t := transferredAt.Time
		e.TransferredAt = &t
	}
	return e, nil
}

func mapErr(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23503": // foreign_key_violation
		return ErrReferrerNotFound
	case "23514": // check_violation
		if pqErr.Constraint == "agencies_referral_balance_bounds" {
			return ErrPayoutConflict
		}
		return errors.Join(ErrInvalidEntry, err)
	}
	return err
}

// isSerializationFailure reports whether err is worth retrying the whole
// transaction: serialization_failure or deadlock_detected.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
