package billing

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/metrics"
	"github.com/mbd888/voxreseller/internal/tenant"
)

// Outcome describes what handling an event did to the tenant it targets.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"      // state changed
	OutcomeUnchanged    Outcome = "unchanged"    // already in the target state
	OutcomeIgnored      Outcome = "ignored"      // not applicable to the tenant's current subscription
	OutcomeUnresolved   Outcome = "unresolved"   // no tenant matches the event
	OutcomeUnrecognized Outcome = "unrecognized" // event type not handled here
	OutcomeMalformed    Outcome = "malformed"    // signed but undecodable; acknowledged so it is not redelivered
)

// sideEffectTimeout bounds each provisioning call made after a commit.
const sideEffectTimeout = 10 * time.Second

// MapStripeStatus maps a processor subscription status to the agency
// status enum. ok is false for statuses with no local meaning.
func MapStripeStatus(s stripe.SubscriptionStatus) (status tenant.AgencyStatus, ok bool) {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return tenant.AgencyTrial, true
	case stripe.SubscriptionStatusActive:
		return tenant.AgencyActive, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return tenant.AgencyPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return tenant.AgencyCanceled, true
	case stripe.SubscriptionStatusIncomplete:
		return tenant.AgencyPending, true
	}
	return "", false
}

// mapClientStatus narrows a processor status to the client enum. Clients
// have no pending state; an incomplete subscription leaves them as they are.
func mapClientStatus(s stripe.SubscriptionStatus) (status tenant.SubscriptionStatus, unpaid, ok bool) {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return tenant.SubTrial, false, true
	case stripe.SubscriptionStatusActive:
		return tenant.SubActive, false, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusPaused:
		return tenant.SubPastDue, false, true
	case stripe.SubscriptionStatusUnpaid:
		return tenant.SubPastDue, true, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return tenant.SubCanceled, false, true
	}
	return "", false, false
}

func recordTransition(level, from, to string) {
	if from == to {
		return
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(level, from, to).Inc()
}

// provision runs a provisioning call after the state it follows has been
// committed. Failures are logged here and counted by the client; they never
// reach the caller.
func provision(ctx context.Context, op, clientID, resourceID string, call func(context.Context, string) error) {
	logger := logging.L(ctx).With("client_id", clientID, "resource_id", resourceID, "op", op)
	if resourceID == "" {
		logger.Warn("client has no resource, skipping provisioning call")
		metrics.ProvisioningCallsTotal.WithLabelValues(op, "no_resource").Inc()
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := call(callCtx, resourceID); err != nil {
		logger.Error("provisioning call failed", "error", err)
		return
	}
	logger.Info("provisioning call succeeded")
}
