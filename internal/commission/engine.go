package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/voxreseller/internal/idgen"
	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
)

// Engine records commissions for paid invoices of referred agencies.
type Engine struct {
	agencies tenant.AgencyStore
	store    Store
	notifier notify.Notifier
	rateBPS  int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a commission engine crediting rateBPS of every
// qualifying payment.
func NewEngine(agencies tenant.AgencyStore, store Store, notifier notify.Notifier, rateBPS int64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		agencies: agencies,
		store:    store,
		notifier: notifier,
		rateBPS:  rateBPS,
		logger:   logger,
		now:      time.Now,
	}
}

// RateBPS returns the rate applied to new entries.
func (e *Engine) RateBPS() int64 { return e.rateBPS }

// RecordPayment credits the referrer of payer for invoiceRef. It returns the
// new entry, or nil with no error when there is nothing to record: payer was
// not referred, the referral code no longer resolves, or the invoice has
// already been credited.
func (e *Engine) RecordPayment(ctx context.Context, payer *tenant.Agency, invoiceRef string, amountCents int64) (*Entry, error) {
	if payer == nil || payer.ReferredBy == "" || amountCents <= 0 {
		return nil, nil
	}
	if invoiceRef == "" {
		return nil, fmt.Errorf("%w: payment without invoice reference", ErrInvalidEntry)
	}

	ctx, span := traces.StartSpan(ctx, "commission.RecordPayment",
		traces.AgencyID(payer.ID),
		traces.AmountCents(amountCents),
	)
	defer span.End()
	logger := logging.L(ctx).With("referred_agency_id", payer.ID, "invoice", invoiceRef)

	referrer, err := e.agencies.GetAgencyByReferralCode(ctx, payer.ReferredBy)
	if errors.Is(err, tenant.ErrAgencyNotFound) {
		logger.Warn("orphaned referral code, no commission recorded", "referral_code", payer.ReferredBy)
		commEntries.WithLabelValues("orphaned").Inc()
		return nil, nil
	}
	if err != nil {
		commEntries.WithLabelValues("failed").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("resolve referrer: %w", err)
	}
	if referrer.ID == payer.ID {
		logger.Warn("referral code resolves to the paying agency, skipping")
		commEntries.WithLabelValues("self_referral").Inc()
		return nil, nil
	}

	entry := &Entry{
		ID:                    idgen.WithPrefix(idgen.CommissionPrefix),
		ReferrerAgencyID:      referrer.ID,
		ReferredAgencyID:      payer.ID,
		SourceInvoiceRef:      invoiceRef,
		PaymentAmountCents:    amountCents,
		RateBPS:               e.rateBPS,
		CommissionAmountCents: Compute(amountCents, e.rateBPS),
		Status:                StatusPending,
		CreatedAt:             e.now().UTC(),
	}

	err = e.store.InsertAndCredit(ctx, entry)
	if errors.Is(err, ErrDuplicateEntry) {
		logger.Info("commission already recorded for invoice")
		commEntries.WithLabelValues("duplicate").Inc()
		return nil, nil
	}
	if err != nil {
		commEntries.WithLabelValues("failed").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("record commission: %w", err)
	}

	commEntries.WithLabelValues("recorded").Inc()
	commCreditedCents.Add(float64(entry.CommissionAmountCents))
	logger.Info("commission recorded",
		"referrer_agency_id", referrer.ID,
		"commission_cents", entry.CommissionAmountCents,
		"rate_bps", entry.RateBPS,
	)

	notify.Send(ctx, e.notifier, notify.Notification{
		Kind:      notify.CommissionEarned,
		Recipient: referrer.OwnerEmail,
		AgencyID:  referrer.ID,
		Data: map[string]any{
			"referredAgency":  payer.Name,
			"commissionCents": entry.CommissionAmountCents,
			"rateBps":         entry.RateBPS,
		},
	})
	return entry, nil
}
