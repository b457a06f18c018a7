package tenant

import (
	"context"
	"errors"
	"regexp"

	"github.com/mbd888/voxreseller/internal/idgen"
)

var validReferralCode = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,31}$`)

// ValidReferralCode reports whether code (already normalized) is well formed.
func ValidReferralCode(code string) bool {
	return validReferralCode.MatchString(code)
}

// AttributeReferral records that agencyID was referred by the agency owning
// code. Attribution happens at most once and an agency can never refer
// itself.
func AttributeReferral(ctx context.Context, store AgencyStore, agencyID, code string) (*Agency, error) {
	code = idgen.NormalizeReferralCode(code)
	if !ValidReferralCode(code) {
		return nil, ErrInvalidReferralCode
	}

	agency, err := store.GetAgency(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	if agency.ReferralCode == code {
		return nil, ErrSelfReferral
	}
	if agency.ReferredBy != "" {
		return nil, ErrAlreadyReferred
	}

	referrer, err := store.GetAgencyByReferralCode(ctx, code)
	if errors.Is(err, ErrAgencyNotFound) {
		return nil, ErrUnknownReferralCode
	}
	if err != nil {
		return nil, err
	}
	if referrer.ID == agency.ID {
		return nil, ErrSelfReferral
	}

	return store.SetReferredBy(ctx, agencyID, code)
}

// ChangeReferralCode assigns a new referral code to an agency. The code may
// not collide with another agency's code nor equal the code the agency was
// itself referred by.
func ChangeReferralCode(ctx context.Context, store AgencyStore, agencyID, code string) (*Agency, error) {
	code = idgen.NormalizeReferralCode(code)
	if !ValidReferralCode(code) {
		return nil, ErrInvalidReferralCode
	}
	agency, err := store.GetAgency(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	if agency.ReferredBy == code {
		return nil, ErrSelfReferral
	}
	return store.SetReferralCode(ctx, agencyID, code)
}
