// Package tenant holds the two tenant levels of the reseller hierarchy:
// agencies, which subscribe to the platform, and the clients each agency
// bills through its own connected account.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrAgencyNotFound      = errors.New("tenant: agency not found")
	ErrClientNotFound      = errors.New("tenant: client not found")
	ErrReferralCodeTaken   = errors.New("tenant: referral code already taken")
	ErrConnectAccountTaken = errors.New("tenant: connect account already bound to another agency")
	ErrCustomerRefTaken    = errors.New("tenant: customer already bound to another client")
	ErrSelfReferral        = errors.New("tenant: agency cannot refer itself")
	ErrAlreadyReferred     = errors.New("tenant: referral already attributed")
	ErrUnknownReferralCode = errors.New("tenant: unknown referral code")
	ErrInvalidReferralCode = errors.New("tenant: invalid referral code")

	// ErrNoChange may be returned from a Mutate callback to skip the write.
	ErrNoChange = errors.New("tenant: no change")
)

// AgencyStatus is the agency's platform subscription state.
type AgencyStatus string

const (
	AgencyPending  AgencyStatus = "pending"
	AgencyTrial    AgencyStatus = "trial"
	AgencyActive   AgencyStatus = "active"
	AgencyPastDue  AgencyStatus = "past_due"
	AgencyCanceled AgencyStatus = "canceled"
)

// SubscriptionStatus is a client's subscription state with its agency.
type SubscriptionStatus string

const (
	SubTrial        SubscriptionStatus = "trial"
	SubActive       SubscriptionStatus = "active"
	SubPastDue      SubscriptionStatus = "past_due"
	SubCanceled     SubscriptionStatus = "canceled"
	SubTrialExpired SubscriptionStatus = "trial_expired"
)

// ClientStatus is the operational status that gates the client's resource.
type ClientStatus string

const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
)

// Agency is a reseller subscribed to the platform.
type Agency struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	OwnerEmail string `json:"ownerEmail"`

	ReferralCode string `json:"referralCode"`
	ReferredBy   string `json:"referredBy,omitempty"`

	PlatformCustomerRef     string       `json:"platformCustomerRef,omitempty"`
	PlatformSubscriptionRef string       `json:"platformSubscriptionRef,omitempty"`
	SubscriptionStatus      AgencyStatus `json:"subscriptionStatus"`
	PlanType                string       `json:"planType,omitempty"`
	TrialEndsAt             *time.Time   `json:"trialEndsAt,omitempty"`

	ConnectAccountRef string `json:"connectAccountRef,omitempty"`
	ChargesEnabled    bool   `json:"chargesEnabled"`
	PayoutsEnabled    bool   `json:"payoutsEnabled"`

	ReferralEarningsCentsLifetime int64 `json:"referralEarningsCentsLifetime"`
	ReferralBalanceCents          int64 `json:"referralBalanceCents"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanReceivePayouts reports whether the agency has a usable payout destination.
func (a *Agency) CanReceivePayouts() bool {
	return a.ConnectAccountRef != "" && a.PayoutsEnabled
}

// Client is an end customer of an agency.
type Client struct {
	ID         string `json:"id"`
	AgencyID   string `json:"agencyId"`
	Name       string `json:"name"`
	OwnerEmail string `json:"ownerEmail"`

	ConnectCustomerRef     string             `json:"connectCustomerRef,omitempty"`
	ConnectSubscriptionRef string             `json:"connectSubscriptionRef,omitempty"`
	SubscriptionStatus     SubscriptionStatus `json:"subscriptionStatus"`
	PlanType               string             `json:"planType"`
	MonthlyCallLimit       int                `json:"monthlyCallLimit"`
	CallsThisPeriod        int                `json:"callsThisPeriod"`
	TrialEndsAt            *time.Time         `json:"trialEndsAt,omitempty"`

	Status     ClientStatus `json:"status"`
	ResourceID string       `json:"resourceId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OperationalStatusFor derives the gating status from a subscription state.
// unpaid distinguishes a past_due client whose grace period is exhausted.
// For past_due without unpaid the current status is kept.
func OperationalStatusFor(sub SubscriptionStatus, unpaid bool, current ClientStatus) ClientStatus {
	switch sub {
	case SubTrial, SubActive:
		return ClientActive
	case SubCanceled, SubTrialExpired:
		return ClientSuspended
	case SubPastDue:
		if unpaid {
			return ClientSuspended
		}
		if current == "" {
			return ClientActive
		}
		return current
	default:
		return current
	}
}
