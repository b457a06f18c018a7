// Package commission implements the referral commission ledger: an
// append-only record of commissions earned when a referred agency pays,
// keyed by the paid invoice so redelivered payment events credit once,
// and the payout that settles an agency's pending balance to its
// connected account.
package commission

import (
	"errors"
	"time"
)

var (
	ErrDuplicateEntry      = errors.New("commission: entry already recorded for invoice")
	ErrEntryNotFound       = errors.New("commission: entry not found")
	ErrReferrerNotFound    = errors.New("commission: referrer agency not found")
	ErrInvalidEntry        = errors.New("commission: invalid entry")
	ErrNoPayoutDestination = errors.New("commission: agency has no payout destination")
	ErrBelowMinimum        = errors.New("commission: pending balance below payout minimum")
	ErrPayoutConflict      = errors.New("commission: pending entries changed during payout")
	ErrTransferFailed      = errors.New("commission: transfer failed")
)

// Status is the settlement state of an entry.
type Status string

const (
	StatusPending     Status = "pending"
	StatusTransferred Status = "transferred"
)

// Entry is one commission earned from one paid invoice.
type Entry struct {
	ID                    string     `json:"id"`
	ReferrerAgencyID      string     `json:"referrerAgencyId"`
	ReferredAgencyID      string     `json:"referredAgencyId"`
	SourceInvoiceRef      string     `json:"sourceInvoiceRef"`
	PaymentAmountCents    int64      `json:"paymentAmountCents"`
	RateBPS               int64      `json:"rateBps"` // rate in effect when the entry was written
	CommissionAmountCents int64      `json:"commissionAmountCents"`
	Status                Status     `json:"status"`
	TransferRef           string     `json:"transferRef,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	TransferredAt         *time.Time `json:"transferredAt,omitempty"`
}

// Payout records one settlement of pending entries.
type Payout struct {
	ID          string    `json:"id"`
	AgencyID    string    `json:"agencyId"`
	AmountCents int64     `json:"amountCents"`
	EntryCount  int       `json:"entryCount"`
	TransferRef string    `json:"transferRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Compute returns round(amount × rate) for a rate in basis points,
// rounding half up.
func Compute(amountCents, rateBPS int64) int64 {
	if amountCents <= 0 || rateBPS <= 0 {
		return 0
	}
	return (amountCents*rateBPS + 5000) / 10000
}

func (e *Entry) validate() error {
	switch {
	case e.SourceInvoiceRef == "":
		return errors.Join(ErrInvalidEntry, errors.New("missing source invoice"))
	case e.ReferrerAgencyID == "" || e.ReferredAgencyID == "":
		return errors.Join(ErrInvalidEntry, errors.New("missing agency"))
	case e.ReferrerAgencyID == e.ReferredAgencyID:
		return errors.Join(ErrInvalidEntry, errors.New("self referral"))
	case e.PaymentAmountCents <= 0:
		return errors.Join(ErrInvalidEntry, errors.New("payment amount must be positive"))
	case e.CommissionAmountCents < 0:
		return errors.Join(ErrInvalidEntry, errors.New("negative commission"))
	}
	return nil
}
