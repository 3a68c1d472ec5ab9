package ocpi

import (
	"encoding/base64"
	"strings"
	"unicode"
)

// HTTP headers of the OCPI transport
const (
	HeaderAuthorization   = "Authorization"
	HeaderRequestID       = "X-Request-ID"
	HeaderCorrelationID   = "X-Correlation-ID"
	HeaderFromCountryCode = "OCPI-from-country-code"
	HeaderFromPartyID     = "OCPI-from-party-id"
	HeaderToCountryCode   = "OCPI-to-country-code"
	HeaderToPartyID       = "OCPI-to-party-id"
)

const tokenPrefix = "Token "

// EncodeAuthorization builds the Authorization header value for token (base64, as 2.2.1 requires)
func EncodeAuthorization(token string) string {
	return tokenPrefix + base64.StdEncoding.EncodeToString([]byte(token))
}

// TokenCandidates extracts the token from an Authorization header. Older peers send the token
// unencoded, so both the decoded and the raw value are returned, decoded first.
func TokenCandidates(header string) []string {
	if !strings.HasPrefix(header, tokenPrefix) {
		return nil
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, tokenPrefix))
	if raw == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) == 0 || !printable(decoded) || string(decoded) == raw {
		return []string{raw}
	}
	return []string{string(decoded), raw}
}

func printable(b []byte) bool {
	for _, r := range string(b) {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
