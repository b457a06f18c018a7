package commission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/voxreseller/internal/billinggw"
	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/syncutil"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
)

// PayoutResult is what an admin sees after a successful payout.
type PayoutResult struct {
	PayoutID               string `json:"payoutId"`
	TransferredAmountCents int64  `json:"transferredAmountCents"`
	TransferRef            string `json:"transferRef"`
	EntryCount             int    `json:"entryCount"`
}

// PayoutService settles an agency's pending commissions to its connected
// account.
type PayoutService struct {
	agencies       tenant.AgencyStore
	store          Store
	transfers      billinggw.Transferrer
	notifier       notify.Notifier
	locks          *syncutil.KeyedMutex
	currency       string
	minPayoutCents int64
	logger         *slog.Logger
	now            func() time.Time
}

// NewPayoutService creates a payout service. Payouts below minPayoutCents
// are refused.
func NewPayoutService(agencies tenant.AgencyStore, store Store, transfers billinggw.Transferrer, notifier notify.Notifier, currency string, minPayoutCents int64, logger *slog.Logger) *PayoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutService{
		agencies:       agencies,
		store:          store,
		transfers:      transfers,
		notifier:       notifier,
		locks:          syncutil.NewKeyedMutex(),
		currency:       currency,
		minPayoutCents: minPayoutCents,
		logger:         logger,
		now:            time.Now,
	}
}

// Payout transfers the sum of the agency's pending entries and marks exactly
// those entries transferred. Entries recorded after the pending set was read
// stay pending and stay in the balance for the next payout.
func (s *PayoutService) Payout(ctx context.Context, agencyID string) (*PayoutResult, error) {
	ctx, span := traces.StartSpan(ctx, "commission.Payout", traces.AgencyID(agencyID))
	defer span.End()
	logger := logging.L(ctx).With("agency_id", agencyID)

	unlock, err := s.locks.Lock(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	agency, err := s.agencies.GetAgency(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	if !agency.CanReceivePayouts() {
		commPayouts.WithLabelValues("no_destination").Inc()
		return nil, ErrNoPayoutDestination
	}

	pending, err := s.store.PendingEntries(ctx, agencyID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load pending entries: %w", err)
	}
	ids := make([]string, 0, len(pending))
	var amount int64
	for _, e := range pending {
		ids = append(ids, e.ID)
		amount += e.CommissionAmountCents
	}
	if amount <= 0 || amount < s.minPayoutCents {
		commPayouts.WithLabelValues("below_minimum").Inc()
		return nil, fmt.Errorf("%w: pending %d, minimum %d", ErrBelowMinimum, amount, s.minPayoutCents)
	}
	span.SetAttributes(traces.AmountCents(amount))

	transferRef, err := s.transfers.Transfer(ctx, billinggw.TransferRequest{
		DestinationAccount: agency.ConnectAccountRef,
		AmountCents:        amount,
		Currency:           s.currency,
		IdempotencyKey:     payoutIdempotencyKey(agencyID, ids),
		Description:        "Referral commission payout",
		Metadata: map[string]string{
			"agency_id":   agencyID,
			"entry_count": fmt.Sprint(len(ids)),
		},
	})
	if err != nil {
		commPayouts.WithLabelValues("transfer_failed").Inc()
		traces.RecordError(span, err)
		logger.Error("payout transfer failed", "amount_cents", amount, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	payout, err := s.store.SettlePayout(ctx, agencyID, ids, amount, transferRef, s.now().UTC())
	if err != nil {
		// The transfer went out. Retrying the payout sends the same entry
		// set and idempotency key, so Stripe returns the same transfer.
		commPayouts.WithLabelValues("settle_failed").Inc()
		traces.RecordError(span, err)
		logger.Error("payout transferred but not settled",
			"transfer_ref", transferRef,
			"amount_cents", amount,
			"error", err,
		)
		if errors.Is(err, ErrPayoutConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("settle payout %s: %w", transferRef, err)
	}

	commPayouts.WithLabelValues("paid").Inc()
	commPaidOutCents.Add(float64(amount))
	logger.Info("commission payout settled",
		"payout_id", payout.ID,
		"transfer_ref", transferRef,
		"amount_cents", amount,
		"entries", len(ids),
	)

	notify.Send(ctx, s.notifier, notify.Notification{
		Kind:      notify.CommissionPaidOut,
		Recipient: agency.OwnerEmail,
		AgencyID:  agencyID,
		Data: map[string]any{
			"amountCents": amount,
			"currency":    s.currency,
			"transferRef": transferRef,
		},
	})

	return &PayoutResult{
		PayoutID:               payout.ID,
		TransferredAmountCents: amount,
		TransferRef:            transferRef,
		EntryCount:             len(ids),
	}, nil
}

// payoutIdempotencyKey is stable for a given agency and entry set.
func payoutIdempotencyKey(agencyID string, entryIDs []string) string {
	sorted := append([]string(nil), entryIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(agencyID + "|" + strings.Join(sorted, ",")))
	return "payout_" + hex.EncodeToString(sum[:16])
}
