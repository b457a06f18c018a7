// Package webhooks receives signed deliveries from the payment processor.
//
// There is one dispatcher per billing relationship: the platform endpoint
// carries agency subscription events, the connect endpoint carries events
// from each agency's connected account. A dispatcher verifies, decodes, and
// routes; the billing state machines decide what an event means. Every
// route is idempotent, so redeliveries are answered like first deliveries.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/voxreseller/internal/billing"
	"github.com/mbd888/voxreseller/internal/billinggw"
	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/metrics"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
)

// MaxBodyBytes bounds a webhook delivery.
const MaxBodyBytes = 1 << 20

var (
	ErrSignatureInvalid = billinggw.ErrSignatureInvalid
	ErrNotConfigured    = billinggw.ErrNotConfigured
	ErrMalformedEvent   = errors.New("webhooks: malformed event payload")
)

// handledTypes bounds the event type metric label.
var handledTypes = map[string]bool{
	"checkout.session.completed":    true,
	"customer.subscription.created": true,
	"customer.subscription.updated": true,
	"customer.subscription.deleted": true,
	"invoice.payment_succeeded":     true,
	"invoice.paid":                  true,
	"invoice.payment_failed":        true,
	"account.updated":               true,
}

type routeFunc func(ctx context.Context, ev billing.Event) (billing.Outcome, error)

// Dispatcher verifies and routes deliveries for one gateway.
type Dispatcher struct {
	gateway *billinggw.Gateway
	route   routeFunc
}

// NewPlatformDispatcher routes platform events to the agency machine.
func NewPlatformDispatcher(gw *billinggw.Gateway, agencies *billing.AgencyMachine) *Dispatcher {
	return &Dispatcher{gateway: gw, route: agencies.Handle}
}

// NewConnectDispatcher routes connected-account events. The owning agency
// is found from the account the event came from; client events then go to
// the client machine scoped to that agency.
func NewConnectDispatcher(gw *billinggw.Gateway, store tenant.AgencyStore, agencies *billing.AgencyMachine, clients *billing.ClientMachine) *Dispatcher {
	r := &connectRouter{store: store, agencies: agencies, clients: clients}
	return &Dispatcher{gateway: gw, route: r.route}
}

// Gateway returns the gateway name this dispatcher serves.
func (d *Dispatcher) Gateway() string { return d.gateway.Name() }

// Dispatch verifies payload against its signature header, decodes it, and
// applies it. Errors wrap ErrNotConfigured or ErrSignatureInvalid for
// request problems; anything else is a processing failure worth a
// redelivery. A signed event that cannot be decoded would fail the same way
// on every redelivery, so it is logged and acknowledged as OutcomeMalformed.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, sigHeader string) (billing.Outcome, error) {
	gw := d.gateway.Name()
	start := time.Now()
	defer func() {
		metrics.WebhookDuration.WithLabelValues(gw).Observe(time.Since(start).Seconds())
	}()

	raw, err := d.gateway.VerifyEvent(payload, sigHeader)
	if err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			metrics.WebhookSignatureFailuresTotal.WithLabelValues(gw).Inc()
			logging.L(ctx).Warn("SECURITY: webhook signature rejected", "gateway", gw, "error", err)
		}
		return "", err
	}

	ctx, span := traces.StartSpan(ctx, "webhooks.Dispatch",
		traces.Gateway(gw),
		traces.EventID(raw.ID),
		traces.EventType(string(raw.Type)),
	)
	defer span.End()
	ctx = logging.With(ctx, "gateway", gw, "event_id", raw.ID, "event_type", string(raw.Type))

	outcome, err := d.apply(ctx, raw)
	metrics.WebhookEventsTotal.WithLabelValues(gw, typeLabel(string(raw.Type)), outcomeLabel(outcome, err)).Inc()
	if errors.Is(err, ErrMalformedEvent) {
		traces.RecordError(span, err)
		logging.L(ctx).Error("webhook payload undecodable, acknowledged without applying", "error", err)
		return billing.OutcomeMalformed, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		logging.L(ctx).Error("webhook processing failed", "error", err)
		return "", err
	}

	switch outcome {
	case billing.OutcomeUnresolved:
		logging.L(ctx).Info("webhook event matches no tenant")
	case billing.OutcomeUnrecognized:
		logging.L(ctx).Debug("webhook event type not handled")
	default:
		logging.L(ctx).Info("webhook event handled", "outcome", outcome)
	}
	return outcome, nil
}

func (d *Dispatcher) apply(ctx context.Context, raw stripe.Event) (billing.Outcome, error) {
	ev, err := billing.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return d.route(ctx, ev)
}

type connectRouter struct {
	store    tenant.AgencyStore
	agencies *billing.AgencyMachine
	clients  *billing.ClientMachine
}

func (r *connectRouter) route(ctx context.Context, ev billing.Event) (billing.Outcome, error) {
	if _, ok := ev.(billing.Unrecognized); ok {
		return billing.OutcomeUnrecognized, nil
	}

	if e, ok := ev.(billing.AccountUpdated); ok {
		agency, err := r.agencyForAccount(ctx, e.AccountRef, e.Metadata[billing.MetaAgencyID])
		if agency == nil || err != nil {
			return billing.OutcomeUnresolved, err
		}
		return r.agencies.AccountUpdated(ctx, agency.ID, e)
	}

	account := ev.Header().Account
	if account == "" {
		logging.L(ctx).Warn("connect event without account")
		return billing.OutcomeUnresolved, nil
	}
	agency, err := r.agencyForAccount(ctx, account, "")
	if agency == nil || err != nil {
		return billing.OutcomeUnresolved, err
	}
	ctx = logging.With(ctx, "agency_id", agency.ID)
	return r.clients.Handle(ctx, agency, ev)
}

// agencyForAccount finds the agency owning a connected account. An agency
// still onboarding may be named by id in the account metadata instead.
func (r *connectRouter) agencyForAccount(ctx context.Context, account, agencyID string) (*tenant.Agency, error) {
	if account != "" {
		a, err := r.store.GetAgencyByConnectAccount(ctx, account)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, tenant.ErrAgencyNotFound) {
			return nil, err
		}
	}
	if agencyID != "" {
		a, err := r.store.GetAgency(ctx, agencyID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, tenant.ErrAgencyNotFound) {
			return nil, err
		}
	}
	logging.L(ctx).Info("connected account matches no agency", "account", account)
	return nil, nil
}

func typeLabel(t string) string {
	if handledTypes[t] {
		return t
	}
	return "other"
}

func outcomeLabel(o billing.Outcome, err error) string {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case err != nil:
		return "error"
	}
	return string(o)
}
