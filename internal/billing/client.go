package billing

import (
	"context"
	"errors"

	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/provisioning"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
)

// ClientMachine applies connect subscription events to the clients of one
// agency and keeps each client's resource enabled exactly while the client
// is operationally active.
//
// The local status is authoritative. Provisioning calls follow the commit
// and a failed call is not rolled back; the resource sync job converges
// the resource later.
type ClientMachine struct {
	store       tenant.ClientStore
	provisioner provisioning.Collaborator
	notifier    notify.Notifier
}

// NewClientMachine creates a client state machine.
func NewClientMachine(store tenant.ClientStore, provisioner provisioning.Collaborator, notifier notify.Notifier) *ClientMachine {
	return &ClientMachine{store: store, provisioner: provisioner, notifier: notifier}
}

// Handle applies a connect event received for agency's connected account.
func (m *ClientMachine) Handle(ctx context.Context, agency *tenant.Agency, ev Event) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "billing.ClientMachine.Handle",
		traces.EventID(ev.Header().ID),
		traces.EventType(ev.Header().Type),
		traces.AgencyID(agency.ID),
	)
	defer span.End()

	outcome, err := m.handle(ctx, agency, ev)
	traces.RecordError(span, err)
	return outcome, err
}

func (m *ClientMachine) handle(ctx context.Context, agency *tenant.Agency, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return m.withClient(ctx, agency, e.Metadata[MetaClientID], e.CustomerRef, func(id string) (Outcome, error) {
			return m.checkoutCompleted(ctx, id, e)
		})
	case SubscriptionUpdated:
		return m.withClient(ctx, agency, e.Metadata[MetaClientID], e.CustomerRef, func(id string) (Outcome, error) {
			return m.subscriptionUpdated(ctx, id, e)
		})
	case SubscriptionDeleted:
		return m.withClient(ctx, agency, e.Metadata[MetaClientID], e.CustomerRef, func(id string) (Outcome, error) {
			return m.subscriptionDeleted(ctx, id, e)
		})
	case PaymentSucceeded:
		return m.withClient(ctx, agency, e.Metadata[MetaClientID], e.CustomerRef, func(id string) (Outcome, error) {
			return m.paymentSucceeded(ctx, id, e)
		})
	case PaymentFailed:
		return m.withClient(ctx, agency, e.Metadata[MetaClientID], e.CustomerRef, func(id string) (Outcome, error) {
			return m.paymentFailed(ctx, id, e)
		})
	}
	return OutcomeUnrecognized, nil
}

// withClient resolves the client an event is about, inside agency only:
// by the client id in the event metadata, else by the customer within the
// agency's connected account.
func (m *ClientMachine) withClient(ctx context.Context, agency *tenant.Agency, clientID, customerRef string, fn func(id string) (Outcome, error)) (Outcome, error) {
	if clientID != "" {
		c, err := m.store.GetClient(ctx, clientID)
		switch {
		case err == nil && c.AgencyID == agency.ID:
			return fn(c.ID)
		case err == nil:
			logging.L(ctx).Warn("event names a client of another agency", "client_id", clientID, "agency_id", agency.ID)
		case !errors.Is(err, tenant.ErrClientNotFound):
			return "", err
		}
	}
	if customerRef != "" {
		c, err := m.store.GetClientByConnectCustomer(ctx, agency.ID, customerRef)
		if err == nil {
			return fn(c.ID)
		}
		if !errors.Is(err, tenant.ErrClientNotFound) {
			return "", err
		}
	}
	logging.L(ctx).Info("event matches no client", "agency_id", agency.ID, "customer", customerRef)
	return OutcomeUnresolved, nil
}

func (m *ClientMachine) checkoutCompleted(ctx context.Context, clientID string, e CheckoutCompleted) (Outcome, error) {
	return m.apply(ctx, clientID, func(c *tenant.Client) Outcome {
		if e.SubscriptionRef != "" && c.ConnectSubscriptionRef == e.SubscriptionRef {
			switch c.SubscriptionStatus {
			case tenant.SubActive, tenant.SubPastDue:
				return OutcomeUnchanged
			case tenant.SubCanceled:
				return OutcomeIgnored
			}
		}
		bindRefs(c, e.CustomerRef, e.SubscriptionRef)
		enterActive(c)
		return OutcomeApplied
	})
}

func (m *ClientMachine) subscriptionUpdated(ctx context.Context, clientID string, e SubscriptionUpdated) (Outcome, error) {
	target, unpaid, ok := mapClientStatus(e.Status)
	if !ok {
		logging.L(ctx).Info("unmapped subscription status", "status", e.Status, "client_id", clientID)
		return OutcomeIgnored, nil
	}

	return m.apply(ctx, clientID, func(c *tenant.Client) Outcome {
		if !sameSubscription(c.ConnectSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		if c.SubscriptionStatus == tenant.SubCanceled && target != tenant.SubCanceled {
			return OutcomeIgnored
		}
		// Trial expiry is decided locally; the processor cannot restart it.
		if c.SubscriptionStatus == tenant.SubTrialExpired && target == tenant.SubTrial {
			return OutcomeIgnored
		}

		prev := *c
		bindRefs(c, e.CustomerRef, e.SubscriptionRef)
		if e.PlanType != "" && tenant.ValidPlan(e.PlanType) {
			c.PlanType = e.PlanType
			c.MonthlyCallLimit = tenant.CallLimitForPlan(e.PlanType)
		}

		switch target {
		case tenant.SubActive:
			enterActive(c)
		default:
			c.SubscriptionStatus = target
			c.Status = tenant.OperationalStatusFor(target, unpaid, c.Status)
			if e.TrialEnd != nil {
				t := *e.TrialEnd
				c.TrialEndsAt = &t
			}
		}

		if clientUnchanged(&prev, c) {
			return OutcomeUnchanged
		}
		return OutcomeApplied
	})
}

func (m *ClientMachine) subscriptionDeleted(ctx context.Context, clientID string, e SubscriptionDeleted) (Outcome, error) {
	return m.apply(ctx, clientID, func(c *tenant.Client) Outcome {
		if !sameSubscription(c.ConnectSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		if c.SubscriptionStatus == tenant.SubCanceled {
			return OutcomeUnchanged
		}
		c.SubscriptionStatus = tenant.SubCanceled
		c.Status = tenant.ClientSuspended
		return OutcomeApplied
	})
}

func (m *ClientMachine) paymentSucceeded(ctx context.Context, clientID string, e PaymentSucceeded) (Outcome, error) {
	if e.AmountPaidCents <= 0 {
		return OutcomeIgnored, nil
	}
	return m.apply(ctx, clientID, func(c *tenant.Client) Outcome {
		if !sameSubscription(c.ConnectSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		switch c.SubscriptionStatus {
		case tenant.SubCanceled:
			return OutcomeIgnored
		case tenant.SubActive:
			if c.Status == tenant.ClientActive {
				return OutcomeUnchanged
			}
		}
		bindRefs(c, e.CustomerRef, e.SubscriptionRef)
		enterActive(c)
		return OutcomeApplied
	})
}

func (m *ClientMachine) paymentFailed(ctx context.Context, clientID string, e PaymentFailed) (Outcome, error) {
	return m.apply(ctx, clientID, func(c *tenant.Client) Outcome {
		if !sameSubscription(c.ConnectSubscriptionRef, e.SubscriptionRef) {
			return OutcomeIgnored
		}
		switch c.SubscriptionStatus {
		case tenant.SubCanceled:
			return OutcomeIgnored
		case tenant.SubPastDue:
			return OutcomeUnchanged
		}
		bindRefs(c, e.CustomerRef, e.SubscriptionRef)
		c.SubscriptionStatus = tenant.SubPastDue
		c.Status = tenant.OperationalStatusFor(tenant.SubPastDue, false, c.Status)
		return OutcomeApplied
	})
}

// apply runs fn under the client row lock and, once committed, drives the
// provisioning and notification edges the change crossed.
func (m *ClientMachine) apply(ctx context.Context, clientID string, fn func(c *tenant.Client) Outcome) (Outcome, error) {
	var outcome Outcome
	before, after, err := m.store.MutateClient(ctx, clientID, func(c *tenant.Client) error {
		outcome = fn(c)
		if outcome != OutcomeApplied {
			return tenant.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, tenant.ErrClientNotFound) {
		return OutcomeUnresolved, nil
	}
	if err != nil {
		return "", err
	}
	if outcome != OutcomeApplied {
		logging.L(ctx).Debug("client event not applied", "client_id", clientID, "outcome", outcome, "status", before.SubscriptionStatus)
		return outcome, nil
	}
	m.afterCommit(ctx, before, after)
	return outcome, nil
}

// afterCommit performs the side effects of a committed client transition.
func (m *ClientMachine) afterCommit(ctx context.Context, before, after *tenant.Client) {
	logger := logging.L(ctx).With("client_id", after.ID, "agency_id", after.AgencyID)
	from, to := before.SubscriptionStatus, after.SubscriptionStatus
	recordTransition("client", string(from), string(to))
	if from != to || before.Status != after.Status {
		logger.Info("client subscription transition",
			"from", from, "to", to,
			"status_from", before.Status, "status_to", after.Status,
		)
	}

	enteredActive := to == tenant.SubActive && from != tenant.SubActive
	resumed := before.Status != tenant.ClientActive && after.Status == tenant.ClientActive
	suspended := before.Status != tenant.ClientSuspended && after.Status == tenant.ClientSuspended

	switch {
	case enteredActive || resumed:
		provision(ctx, "enable", after.ID, after.ResourceID, m.provisioner.EnableResource)
	case suspended:
		provision(ctx, "disable", after.ID, after.ResourceID, m.provisioner.DisableResource)
	}

	if kind, ok := clientNotification(before, after); ok {
		notify.Send(ctx, m.notifier, notify.Notification{
			Kind:      kind,
			Recipient: after.OwnerEmail,
			AgencyID:  after.AgencyID,
			ClientID:  after.ID,
			Data: map[string]any{
				"from":   string(from),
				"to":     string(to),
				"plan":   after.PlanType,
				"status": string(after.Status),
			},
		})
	}
}

func clientNotification(before, after *tenant.Client) (notify.Kind, bool) {
	from, to := before.SubscriptionStatus, after.SubscriptionStatus
	switch {
	case to == tenant.SubActive && from != tenant.SubActive:
		if from == tenant.SubTrialExpired || from == tenant.SubCanceled {
			return notify.ClientReactivated, true
		}
		return notify.ClientActivated, true
	case to == tenant.SubCanceled && from != tenant.SubCanceled:
		return notify.ClientCanceled, true
	case to == tenant.SubPastDue && after.Status == tenant.ClientSuspended && before.Status != tenant.ClientSuspended:
		return notify.ClientSuspended, true
	case to == tenant.SubPastDue && from != tenant.SubPastDue:
		return notify.ClientPaymentFailed, true
	}
	return "", false
}

// enterActive applies the entering-active edge. Usage resets and the trial
// end clears only when the client was not already active, so reapplying
// it is a no-op.
func enterActive(c *tenant.Client) {
	if c.SubscriptionStatus != tenant.SubActive {
		c.CallsThisPeriod = 0
		c.TrialEndsAt = nil
	}
	c.SubscriptionStatus = tenant.SubActive
	c.Status = tenant.ClientActive
}

func bindRefs(c *tenant.Client, customerRef, subscriptionRef string) {
	if customerRef != "" && c.ConnectCustomerRef == "" {
		c.ConnectCustomerRef = customerRef
	}
	if subscriptionRef != "" {
		c.ConnectSubscriptionRef = subscriptionRef
	}
}

func clientUnchanged(a, b *tenant.Client) bool {
	return a.SubscriptionStatus == b.SubscriptionStatus &&
		a.Status == b.Status &&
		a.ConnectCustomerRef == b.ConnectCustomerRef &&
		a.ConnectSubscriptionRef == b.ConnectSubscriptionRef &&
		a.PlanType == b.PlanType &&
		a.MonthlyCallLimit == b.MonthlyCallLimit &&
		a.CallsThisPeriod == b.CallsThisPeriod &&
		sameTime(a.TrialEndsAt, b.TrialEndsAt)
}
