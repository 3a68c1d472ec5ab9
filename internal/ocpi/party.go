package ocpi

import (
	"fmt"
	"strings"
)

// Role is the OCPI role a party plays in the network
type Role string

const (
	RoleCPO   Role = "CPO"
	RoleEMSP  Role = "EMSP"
	RoleHUB   Role = "HUB"
	RoleNAP   Role = "NAP"
	RoleNSP   Role = "NSP"
	RoleSCSP  Role = "SCSP"
	RoleOther Role = "OTHER"
)

// Valid reports whether r is one of the OCPI roles
func (r Role) Valid() bool {
	switch r {
	case RoleCPO, RoleEMSP, RoleHUB, RoleNAP, RoleNSP, RoleSCSP, RoleOther:
		return true
	}
	return false
}

// PartyIdentity is the natural external key of a trading partner
type PartyIdentity struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	Role        Role   `json:"role"`
}

// Validate checks the ISO-3166 alpha-2 country code and the 3 character party id
func (p PartyIdentity) Validate() error {
	if len(p.CountryCode) != 2 {
		return fmt.Errorf("%w: country_code %q must have 2 characters", ErrBadRequest, p.CountryCode)
	}
	if len(p.PartyID) != 3 {
		return fmt.Errorf("%w: party_id %q must have 3 characters", ErrBadRequest, p.PartyID)
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrBadRequest, p.Role)
	}
	return nil
}

// SameParty compares country code and party id, ignoring case and role
func (p PartyIdentity) SameParty(other PartyIdentity) bool {
	return strings.EqualFold(p.CountryCode, other.CountryCode) &&
		strings.EqualFold(p.PartyID, other.PartyID)
}

// Matches compares the party and, when other carries one, the role
func (p PartyIdentity) Matches(other PartyIdentity) bool {
	if !p.SameParty(other) {
		return false
	}
	return other.Role == "" || p.Role == other.Role
}

func (p PartyIdentity) String() string {
	if p.Role == "" {
		return fmt.Sprintf("%s*%s", strings.ToUpper(p.CountryCode), strings.ToUpper(p.PartyID))
	}
	return fmt.Sprintf("%s*%s(%s)", strings.ToUpper(p.CountryCode), strings.ToUpper(p.PartyID), p.Role)
}
