package commission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/voxreseller/internal/idgen"
	"github.com/mbd888/voxreseller/internal/pagination"
	"github.com/mbd888/voxreseller/internal/tenant"
)

// BalanceBook applies referral balance deltas to agencies. The in-memory
// tenant store implements it.
type BalanceBook interface {
	AdjustReferralBalances(ctx context.Context, agencyID string, earningsDelta, balanceDelta int64) error
}

// MemoryStore is an in-memory ledger for demo/development. Entry writes and
// balance adjustments happen under one lock so ledger readers never see an
// entry without its credit.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*Entry // by ID
	byInvoice map[string]string // invoice → entry ID
	payouts   []*Payout
	book      BalanceBook
}

// NewMemoryStore creates an in-memory ledger that credits balances in book.
func NewMemoryStore(book BalanceBook) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*Entry),
		byInvoice: make(map[string]string),
		book:      book,
	}
}

func (m *MemoryStore) InsertAndCredit(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byInvoice[e.SourceInvoiceRef]; exists {
		return ErrDuplicateEntry
	}
	if err := m.book.AdjustReferralBalances(ctx, e.ReferrerAgencyID, e.CommissionAmountCents, e.CommissionAmountCents); err != nil {
		if errors.Is(err, tenant.ErrAgencyNotFound) {
			return ErrReferrerNotFound
		}
		return err
	}

	cp := *e
	m.entries[e.ID] = &cp
	m.byInvoice[e.SourceInvoiceRef] = e.ID
	return nil
}

func (m *MemoryStore) GetBySourceInvoice(_ context.Context, invoiceRef string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byInvoice[invoiceRef]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return copyEntry(m.entries[id]), nil
}

func (m *MemoryStore) ListByReferrer(_ context.Context, referrerID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filter(func(e *Entry) bool {
		return e.ReferrerAgencyID == referrerID && after.After(e.CreatedAt, e.ID)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PendingEntries(_ context.Context, referrerID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filter(func(e *Entry) bool {
		return e.ReferrerAgencyID == referrerID && e.Status == StatusPending
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SettlePayout(ctx context.Context, referrerID string, entryIDs []string, amountCents int64, transferRef string, at time.Time) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, id := range entryIDs {
		e, ok := m.entries[id]
		if !ok || e.ReferrerAgencyID != referrerID || e.Status != StatusPending {
			return nil, ErrPayoutConflict
		}
		sum += e.CommissionAmountCents
	}
	if sum != amountCents {
		return nil, ErrPayoutConflict
	}
	if err := m.book.AdjustReferralBalances(ctx, referrerID, 0, -amountCents); err != nil {
		if errors.Is(err, tenant.ErrBalanceInvariant) {
			return nil, ErrPayoutConflict
		}
		return nil, err
	}

	for _, id := range entryIDs {
		e := m.entries[id]
		e.Status = StatusTransferred
		e.TransferRef = transferRef
		t := at
		e.TransferredAt = &t
	}
	p := &Payout{
		ID:          idgen.WithPrefix("pay_"),
		AgencyID:    referrerID,
		AmountCents: amountCents,
		EntryCount:  len(entryIDs),
		TransferRef: transferRef,
		CreatedAt:   at,
	}
	m.payouts = append(m.payouts, p)
	cp := *p
	return &cp, nil
}

// caller holds m.mu
func (m *MemoryStore) filter(keep func(*Entry) bool) []*Entry {
	var out []*Entry
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, copyEntry(e))
		}
	}
	return out
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	if e.TransferredAt != nil {
		t := *e.TransferredAt
		cp.TransferredAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
