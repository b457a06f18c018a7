// Package billinggw wraps Stripe for the two billing relationships: the
// platform account that bills agencies, and the Connect accounts through
// which agencies bill their clients.
package billinggw

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Gateway names, used for routing, logging, and metric labels.
const (
	Platform = "platform"
	Connect  = "connect"
)

var (
	// ErrNotConfigured means the gateway has no signing secret.
	ErrNotConfigured = errors.New("billinggw: webhook secret not configured")
	// ErrSignatureInvalid means the delivery failed signature verification.
	ErrSignatureInvalid = errors.New("billinggw: invalid webhook signature")
)

// SignatureHeader carries the delivery signature.
const SignatureHeader = "Stripe-Signature"

// Gateway verifies deliveries for one billing relationship. The platform
// and connect endpoints are signed with different secrets.
type Gateway struct {
	name   string
	secret string
}

// New creates a gateway with the given name and signing secret.
func New(name, secret string) *Gateway {
	return &Gateway{name: name, secret: strings.TrimSpace(secret)}
}

// Name returns the gateway name.
func (g *Gateway) Name() string { return g.name }

// Configured reports whether a signing secret is present.
func (g *Gateway) Configured() bool { return g.secret != "" }

// VerifyEvent checks the signature and timestamp tolerance of payload and
// parses it. Any failure is reported as ErrSignatureInvalid.
func (g *Gateway) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if !g.Configured() {
		return stripe.Event{}, ErrNotConfigured
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}
