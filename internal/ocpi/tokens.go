package ocpi

import (
	"fmt"
	"strings"
)

// TokenType is the kind of token presented by a driver
type TokenType string

const (
	TokenAdHocUser TokenType = "AD_HOC_USER"
	TokenAppUser   TokenType = "APP_USER"
	TokenOther     TokenType = "OTHER"
	TokenRFID      TokenType = "RFID"
)

// ParseTokenType defaults to RFID, as OCPI does for a missing type
func ParseTokenType(s string) (TokenType, error) {
	if s == "" {
		return TokenRFID, nil
	}
	t := TokenType(strings.ToUpper(s))
	switch t {
	case TokenAdHocUser, TokenAppUser, TokenOther, TokenRFID:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown token type %q", ErrBadRequest, s)
}

// Token is the subset of the OCPI token object the commands and authorization flows need
type Token struct {
	CountryCode string    `json:"country_code"`
	PartyID     string    `json:"party_id"`
	UID         string    `json:"uid"`
	Type        TokenType `json:"type"`
	ContractID  string    `json:"contract_id"`
	Issuer      string    `json:"issuer,omitempty"`
	Valid       bool      `json:"valid"`
}

// AllowedType is the outcome of a real-time authorization
type AllowedType string

const (
	AllowedAllowed    AllowedType = "ALLOWED"
	AllowedBlocked    AllowedType = "BLOCKED"
	AllowedExpired    AllowedType = "EXPIRED"
	AllowedNoCredit   AllowedType = "NO_CREDIT"
	AllowedNotAllowed AllowedType = "NOT_ALLOWED"
)

// Valid reports whether a is one of the OCPI allowed values
func (a AllowedType) Valid() bool {
	switch a {
	case AllowedAllowed, AllowedBlocked, AllowedExpired, AllowedNoCredit, AllowedNotAllowed:
		return true
	}
	return false
}

// LocationReferences narrows an authorization to a location and optionally some EVSEs
type LocationReferences struct {
	LocationID string   `json:"location_id"`
	EVSEUIDs   []string `json:"evse_uids,omitempty"`
}

// AuthorizationInfo is the answer of the token's home party
type AuthorizationInfo struct {
	Allowed                AllowedType         `json:"allowed"`
	Token                  *Token              `json:"token,omitempty"`
	Location               *LocationReferences `json:"location,omitempty"`
	AuthorizationReference string              `json:"authorization_reference,omitempty"`
	Info                   *DisplayText        `json:"info,omitempty"`
}
