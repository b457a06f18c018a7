package commission

import (
	"context"
	"time"

	"github.com/mbd888/voxreseller/internal/pagination"
)

// Store persists the commission ledger.
type Store interface {
	// InsertAndCredit appends e and credits the referrer's lifetime
	// earnings and payable balance in one atomic step. If an entry for
	// e.SourceInvoiceRef already exists nothing changes and
	// ErrDuplicateEntry is returned.
	InsertAndCredit(ctx context.Context, e *Entry) error

	GetBySourceInvoice(ctx context.Context, invoiceRef string) (*Entry, error)
	// ListByReferrer returns entries newest first, starting after the
	// cursor when one is given.
	ListByReferrer(ctx context.Context, referrerID string, after *pagination.Cursor, limit int) ([]*Entry, error)

	// PendingEntries returns the referrer's untransferred entries.
	PendingEntries(ctx context.Context, referrerID string) ([]*Entry, error)

	// SettlePayout marks exactly entryIDs transferred, subtracts
	// amountCents from the referrer's balance, and records the payout.
	// It fails with ErrPayoutConflict unless every id is still pending
	// for this referrer and their commissions sum to amountCents.
	SettlePayout(ctx context.Context, referrerID string, entryIDs []string, amountCents int64, transferRef string, at time.Time) (*Payout, error)
}
