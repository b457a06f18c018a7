package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/voxreseller/internal/commission"
	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
)

// CommissionRecorder credits the referrer of an agency for a paid invoice.
type CommissionRecorder interface {
	RecordPayment(ctx context.Context, payer *tenant.Agency, invoiceRef string, amountCents int64) (*commission.Entry, error)
}

// AgencyMachine applies platform subscription events to agencies.
//
// Every transition is expressed as the target state the event implies and
// runs inside a locked read-modify-write, so redelivered or reordered
// events converge on the same row. Notifications and commissions happen
// after the row is committed.
type AgencyMachine struct {
	store       tenant.AgencyStore
	commissions CommissionRecorder
	notifier    notify.Notifier
	trialLength time.Duration
	now         func() time.Time
}

// NewAgencyMachine creates an agency state machine. commissions may be nil
// to disable referral commissions.
func NewAgencyMachine(store tenant.AgencyStore, commissions CommissionRecorder, notifier notify.Notifier, trialDays int64) *AgencyMachine {
	return &AgencyMachine{
		store:       store,
		commissions: commissions,
		notifier:    notifier,
		trialLength: time.Duration(trialDays) * 24 * time.Hour,
		now:         time.Now,
	}
}

// Handle applies a platform event. Events that match no agency or are of
// no interest to agencies return an outcome with a nil error; only store
// failures are errors.
func (m *AgencyMachine) Handle(ctx context.Context, ev Event) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "billing.AgencyMachine.Handle",
		traces.EventID(ev.Header().ID),
		traces.EventType(ev.Header().Type),
	)
	defer span.End()

	outcome, err := m.handle(ctx, ev)
	traces.RecordError(span, err)
	return outcome, err
}

func (m *AgencyMachine) handle(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		agency, err := m.resolve(ctx, e.CustomerRef, e.Metadata[MetaAgencyID], e.ClientReferenceID)
		if agency == nil || err != nil {
			return OutcomeUnresolved, err
		}
		return m.checkoutCompleted(ctx, agency.ID, e)

	case SubscriptionUpdated:
		agency, err := m.resolve(ctx, e.CustomerRef, e.Metadata[MetaAgencyID])
		if agency == nil || err != nil {
			return OutcomeUnresolved, err
		}
		return m.subscriptionUpdated(ctx, agency.ID, e)

	case SubscriptionDeleted:
		agency, err := m.resolve(ctx, e.CustomerRef, e.Metadata[MetaAgencyID])
		if agency == nil || err != nil {
			return OutcomeUnresolved, err
		}
		return m.subscriptionDeleted(ctx, agency.ID, e)

	case PaymentSucceeded:
		agency, err := m.resolve(ctx, e.CustomerRef, e.Metadata[MetaAgencyID])
		if agency == nil || err != nil {
			return OutcomeUnresolved, err
		}
		return m.paymentSucceeded(ctx, agency.ID, e)

	case PaymentFailed:
		agency, err := m.resolve(ctx, e.CustomerRef, e.Metadata[MetaAgencyID])
		if agency == nil || err != nil {
			return OutcomeUnresolved, err
		}
		return m.paymentFailed(ctx, agency.ID, e)
	}
	return OutcomeUnrecognized, nil
}

// resolve finds the agency for a platform event: by bound customer first,
// then by any agency id carried in the event. A nil agency with a nil
// error means the event belongs to no known agency.
func (m *AgencyMachine) resolve(ctx context.Context, customerRef string, agencyIDs ...string) (*tenant.Agency, error) {
	if customerRef != "" {
		a, err := m.store.GetAgencyByPlatformCustomer(ctx, customerRef)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, tenant.ErrAgencyNotFound) {
			return nil, err
		}
	}
	for _, id := range agencyIDs {
		if id == "" {
			continue
		}
		a, err := m.store.GetAgency(ctx, id)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, tenant.ErrAgencyNotFound) {
			return nil, err
		}
	}
	logging.L(ctx).Info("event matches no agency", "customer", customerRef)
	return nil, nil
}

func (m *AgencyMachine) checkoutCompleted(ctx context.Context, agencyID string, e CheckoutCompleted) (Outcome, error) {
	now := m.now().UTC()
	trialEnd := now.Add(m.trialLength)

	return m.apply(ctx, agencyID, func(a *tenant.Agency) Outcome {
		if e.SubscriptionRef != "" && a.PlatformSubscriptionRef == e.SubscriptionRef {
			switch a.SubscriptionStatus {
			case tenant.AgencyTrial, tenant.AgencyActive, tenant.AgencyPastDue:
				// Redelivery, or the subscription events got here first.
				return OutcomeUnchanged
			case tenant.AgencyCanceled:
				return OutcomeIgnored
			}
		}
		if e.CustomerRef != "" {
			a.PlatformCustomerRef = e.CustomerRef
		}
		if e.SubscriptionRef != "" {
			a.PlatformSubscriptionRef = e.SubscriptionRef
		}
		a.SubscriptionStatus = tenant.AgencyTrial
		a.TrialEndsAt = &trialEnd
		return OutcomeApplied
	})
}

func (m *AgencyMachine) subscriptionUpdated(ctx context.Context, agencyID string, e SubscriptionUpdated) (Outcome, error) {
	target, ok := MapStripeStatus(e.Status)
	if !ok {
		logging.L(ctx).Info("unmapped subscription status", "status", e.Status, "agency_id", agencyID)
		return OutcomeIgnored, nil
	}

	return m.apply(ctx, agencyID, func(a *tenant.Agency) Outcome {
		if !sameSubscription(a.PlatformSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		if a.SubscriptionStatus == tenant.AgencyCanceled && target != tenant.AgencyCanceled {
			return OutcomeIgnored
		}

		changed := false
		if a.PlatformSubscriptionRef == "" && e.SubscriptionRef != "" {
			a.PlatformSubscriptionRef = e.SubscriptionRef
			changed = true
		}
		if a.PlatformCustomerRef == "" && e.CustomerRef != "" {
			a.PlatformCustomerRef = e.CustomerRef
			changed = true
		}
		if a.SubscriptionStatus != target {
			a.SubscriptionStatus = target
			changed = true
		}
		if e.TrialEnd != nil && !sameTime(a.TrialEndsAt, e.TrialEnd) {
			t := *e.TrialEnd
			a.TrialEndsAt = &t
			changed = true
		}
		if e.PlanType != "" && a.PlanType != e.PlanType {
			a.PlanType = e.PlanType
			changed = true
		}
		if !changed {
			return OutcomeUnchanged
		}
		return OutcomeApplied
	})
}

func (m *AgencyMachine) subscriptionDeleted(ctx context.Context, agencyID string, e SubscriptionDeleted) (Outcome, error) {
	return m.apply(ctx, agencyID, func(a *tenant.Agency) Outcome {
		if !sameSubscription(a.PlatformSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		if a.SubscriptionStatus == tenant.AgencyCanceled {
			return OutcomeUnchanged
		}
		a.SubscriptionStatus = tenant.AgencyCanceled
		return OutcomeApplied
	})
}

func (m *AgencyMachine) paymentSucceeded(ctx context.Context, agencyID string, e PaymentSucceeded) (Outcome, error) {
	// Trial invoices are for zero and say nothing about the subscription.
	if e.AmountPaidCents <= 0 {
		return OutcomeIgnored, nil
	}

	outcome, after, err := m.applyWithAgency(ctx, agencyID, func(a *tenant.Agency) Outcome {
		if !sameSubscription(a.PlatformSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		switch a.SubscriptionStatus {
		case tenant.AgencyCanceled:
			return OutcomeIgnored
		case tenant.AgencyActive:
			return OutcomeUnchanged
		}
		a.SubscriptionStatus = tenant.AgencyActive
		return OutcomeApplied
	})
	if err != nil {
		return "", err
	}
	if after == nil {
		// Agency removed between resolve and the locked update.
		return outcome, nil
	}

	// The money was collected whatever the status outcome, so the referrer
	// earns on it. A failure here must not fail the status update.
	if m.commissions != nil && after.ReferredBy != "" {
		if _, err := m.commissions.RecordPayment(ctx, after, e.InvoiceRef, e.AmountPaidCents); err != nil {
			logging.L(ctx).Error("commission not recorded",
				"agency_id", agencyID,
				"invoice", e.InvoiceRef,
				"error", err,
			)
		}
	}
	return outcome, nil
}

func (m *AgencyMachine) paymentFailed(ctx context.Context, agencyID string, e PaymentFailed) (Outcome, error) {
	return m.apply(ctx, agencyID, func(a *tenant.Agency) Outcome {
		if !sameSubscription(a.PlatformSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		switch a.SubscriptionStatus {
		case tenant.AgencyCanceled:
			return OutcomeIgnored
		case tenant.AgencyPastDue:
			return OutcomeUnchanged
		}
		a.SubscriptionStatus = tenant.AgencyPastDue
		return OutcomeApplied
	})
}

// AccountUpdated records the capability flags of the agency's connected
// account. The connect dispatcher has already resolved the agency.
func (m *AgencyMachine) AccountUpdated(ctx context.Context, agencyID string, e AccountUpdated) (Outcome, error) {
	return m.apply(ctx, agencyID, func(a *tenant.Agency) Outcome {
		if a.ConnectAccountRef != "" && a.ConnectAccountRef != e.AccountRef {
			return OutcomeIgnored
		}
		if a.ConnectAccountRef == e.AccountRef &&
			a.ChargesEnabled == e.ChargesEnabled &&
			a.PayoutsEnabled == e.PayoutsEnabled {
			return OutcomeUnchanged
		}
		a.ConnectAccountRef = e.AccountRef
		a.ChargesEnabled = e.ChargesEnabled
		a.PayoutsEnabled = e.PayoutsEnabled
		return OutcomeApplied
	})
}

func (m *AgencyMachine) apply(ctx context.Context, agencyID string, fn func(a *tenant.Agency) Outcome) (Outcome, error) {
	outcome, _, err := m.applyWithAgency(ctx, agencyID, fn)
	return outcome, err
}

// applyWithAgency runs fn under the agency row lock, writes the row only
// when fn reports a change, and then sends the notification for any status
// edge that was crossed.
func (m *AgencyMachine) applyWithAgency(ctx context.Context, agencyID string, fn func(a *tenant.Agency) Outcome) (Outcome, *tenant.Agency, error) {
	var outcome Outcome
	before, after, err := m.store.MutateAgency(ctx, agencyID, func(a *tenant.Agency) error {
		outcome = fn(a)
		if outcome != OutcomeApplied {
			return tenant.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, tenant.ErrAgencyNotFound) {
		return OutcomeUnresolved, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	logger := logging.L(ctx).With("agency_id", agencyID)
	if outcome != OutcomeApplied {
		logger.Debug("agency event not applied", "outcome", outcome, "status", before.SubscriptionStatus)
		return outcome, after, nil
	}

	from, to := before.SubscriptionStatus, after.SubscriptionStatus
	recordTransition("agency", string(from), string(to))
	if from != to {
		logger.Info("agency subscription transition", "from", from, "to", to)
		m.notifyTransition(ctx, logger, after, from)
	}
	return outcome, after, nil
}

func (m *AgencyMachine) notifyTransition(ctx context.Context, logger *slog.Logger, a *tenant.Agency, from tenant.AgencyStatus) {
	var kind notify.Kind
	switch a.SubscriptionStatus {
	case tenant.AgencyTrial:
		kind = notify.AgencyTrialStarted
	case tenant.AgencyActive:
		kind = notify.AgencyActivated
	case tenant.AgencyPastDue:
		kind = notify.AgencyPaymentFailed
	case tenant.AgencyCanceled:
		kind = notify.AgencyCanceled
	default:
		return
	}
	data := map[string]any{"from": string(from), "plan": a.PlanType}
	if a.TrialEndsAt != nil {
		data["trialEndsAt"] = a.TrialEndsAt.Format(time.RFC3339)
	}
	logger.Debug("sending agency notification", "kind", kind)
	notify.Send(ctx, m.notifier, notify.Notification{
		Kind:      kind,
		Recipient: a.OwnerEmail,
		AgencyID:  a.ID,
		Data:      data,
	})
}

// sameSubscription reports whether an event for ref applies to a tenant
// bound to bound. An unbound tenant, or an event with no subscription, is
// treated as a match.
func sameSubscription(bound, ref string) bool {
	return bound == "" || ref == "" || bound == ref
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
