// Package billing turns verified payment-processor events into subscription
// state transitions for agencies and their clients.
//
// Events are decoded once into a closed set of typed variants; the state
// machines switch on the variant, never on raw event type strings.
package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Metadata keys read from checkout sessions, subscriptions, and invoices.
const (
	MetaAgencyID = "agency_id"
	MetaClientID = "client_id"
	MetaPlan     = "plan"
)

// Event is a decoded processor event. The concrete type is one of
// CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted,
// PaymentSucceeded, PaymentFailed, AccountUpdated, or Unrecognized.
type Event interface {
	Header() Meta
	isEvent()
}

// Meta carries the envelope fields every event shares.
type Meta struct {
	ID      string
	Type    string
	Account string // connected account the event came from, empty on the platform
	Created time.Time
}

func (m Meta) Header() Meta { return m }
func (Meta) isEvent()       {}

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	Meta
	SessionID         string
	ClientReferenceID string
	CustomerRef       string
	SubscriptionRef   string
	Metadata          map[string]string
}

// SubscriptionUpdated covers both creation and update of a subscription.
type SubscriptionUpdated struct {
	Meta
	SubscriptionRef string
	CustomerRef     string
	Status          stripe.SubscriptionStatus
	TrialEnd        *time.Time
	PlanType        string
	Metadata        map[string]string
}

// SubscriptionDeleted is a subscription that has ended.
type SubscriptionDeleted struct {
	Meta
	SubscriptionRef string
	CustomerRef     string
	Metadata        map[string]string
}

// PaymentSucceeded is a paid invoice.
type PaymentSucceeded struct {
	Meta
	InvoiceRef      string
	CustomerRef     string
	SubscriptionRef string
	AmountPaidCents int64
	Currency        string
	Metadata        map[string]string
}

// PaymentFailed is a failed invoice payment attempt.
type PaymentFailed struct {
	Meta
	InvoiceRef      string
	CustomerRef     string
	SubscriptionRef string
	AmountDueCents  int64
	AttemptCount    int64
	Metadata        map[string]string
}

// AccountUpdated reports a connected account's capability flags.
type AccountUpdated struct {
	Meta
	AccountRef     string
	ChargesEnabled bool
	PayoutsEnabled bool
	Metadata       map[string]string
}

// Unrecognized is any event type the billing core does not act on.
type Unrecognized struct {
	Meta
}

// Decode converts a verified Stripe event into its typed variant. Event
// types outside the handled set decode to Unrecognized without error.
func Decode(ev stripe.Event) (Event, error) {
	meta := Meta{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Account: ev.Account,
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil {
		return Unrecognized{Meta: meta}, nil
	}
	raw := ev.Data.Raw

	switch ev.Type {
	case "checkout.session.completed":
		var s checkoutSession
		if err := unmarshal(raw, &s, meta); err != nil {
			return nil, err
		}
		return CheckoutCompleted{
			Meta:              meta,
			SessionID:         s.ID,
			ClientReferenceID: s.ClientReferenceID,
			CustomerRef:       string(s.Customer),
			SubscriptionRef:   string(s.Subscription),
			Metadata:          s.Metadata,
		}, nil

	case "customer.subscription.created", "customer.subscription.updated":
		var s subscription
		if err := unmarshal(raw, &s, meta); err != nil {
			return nil, err
		}
		return SubscriptionUpdated{
			Meta:            meta,
			SubscriptionRef: s.ID,
			CustomerRef:     string(s.Customer),
			Status:          stripe.SubscriptionStatus(s.Status),
			TrialEnd:        unixTime(s.TrialEnd),
			PlanType:        s.planType(),
			Metadata:        s.Metadata,
		}, nil

	case "customer.subscription.deleted":
		var s subscription
		if err := unmarshal(raw, &s, meta); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{
			Meta:            meta,
			SubscriptionRef: s.ID,
			CustomerRef:     string(s.Customer),
			Metadata:        s.Metadata,
		}, nil

	case "invoice.payment_succeeded", "invoice.paid":
		var inv invoice
		if err := unmarshal(raw, &inv, meta); err != nil {
			return nil, err
		}
		return PaymentSucceeded{
			Meta:            meta,
			InvoiceRef:      inv.ID,
			CustomerRef:     string(inv.Customer),
			SubscriptionRef: inv.subscriptionRef(),
			AmountPaidCents: inv.AmountPaid,
			Currency:        inv.Currency,
			Metadata:        inv.metadata(),
		}, nil

	case "invoice.payment_failed":
		var inv invoice
		if err := unmarshal(raw, &inv, meta); err != nil {
			return nil, err
		}
		return PaymentFailed{
			Meta:            meta,
			InvoiceRef:      inv.ID,
			CustomerRef:     string(inv.Customer),
			SubscriptionRef: inv.subscriptionRef(),
			AmountDueCents:  inv.AmountDue,
			AttemptCount:    inv.AttemptCount,
			Metadata:        inv.metadata(),
		}, nil

	case "account.updated":
		var a account
		if err := unmarshal(raw, &a, meta); err != nil {
			return nil, err
		}
		ref := a.ID
		if ref == "" {
			ref = ev.Account
		}
		return AccountUpdated{
			Meta:           meta,
			AccountRef:     ref,
			ChargesEnabled: a.ChargesEnabled,
			PayoutsEnabled: a.PayoutsEnabled,
			Metadata:       a.Metadata,
		}, nil
	}

	return Unrecognized{Meta: meta}, nil
}

func unmarshal(raw json.RawMessage, v any, meta Meta) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("billing: decode %s %s: %w", meta.Type, meta.ID, err)
	}
	return nil
}

func unixTime(sec *int64) *time.Time {
	if sec == nil || *sec <= 0 {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}

// Only the fields the state machines read are decoded.

// objectRef is an id field that Stripe sends either as a bare string or,
// when expanded, as an object with an id.
type objectRef string

func (r *objectRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = objectRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = objectRef(obj.ID)
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          objectRef         `json:"customer"`
	Subscription      objectRef         `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscription struct {
	ID       string            `json:"id"`
	Customer objectRef         `json:"customer"`
	Status   string            `json:"status"`
	TrialEnd *int64            `json:"trial_end"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				LookupKey string            `json:"lookup_key"`
				Metadata  map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// planType prefers the subscription's own metadata, then the first price.
func (s subscription) planType() string {
	if p := s.Metadata[MetaPlan]; p != "" {
		return p
	}
	if len(s.Items.Data) == 0 {
		return ""
	}
	price := s.Items.Data[0].Price
	if p := price.Metadata[MetaPlan]; p != "" {
		return p
	}
	return price.LookupKey
}

type invoice struct {
	ID                  string    `json:"id"`
	Customer            objectRef `json:"customer"`
	Subscription        objectRef `json:"subscription"`
	AmountPaid          int64     `json:"amount_paid"`
	AmountDue           int64     `json:"amount_due"`
	AttemptCount        int64     `json:"attempt_count"`
	Currency            string    `json:"currency"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription objectRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Metadata map[string]string `json:"metadata"`
}

// Newer API versions moved the subscription under parent.subscription_details.
func (inv invoice) subscriptionRef() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// metadata merges the invoice's own metadata with its subscription's;
// subscription metadata wins.
func (inv invoice) metadata() map[string]string {
	out := make(map[string]string, len(inv.Metadata))
	for k, v := range inv.Metadata {
		out[k] = v
	}
	if inv.SubscriptionDetails != nil {
		for k, v := range inv.SubscriptionDetails.Metadata {
			out[k] = v
		}
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		for k, v := range inv.Parent.SubscriptionDetails.Metadata {
			out[k] = v
		}
	}
	return out
}

type account struct {
	ID             string            `json:"id"`
	ChargesEnabled bool              `json:"charges_enabled"`
	PayoutsEnabled bool              `json:"payouts_enabled"`
	Metadata       map[string]string `json:"metadata"`
}
