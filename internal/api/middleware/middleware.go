// Package middleware holds the HTTP middleware of the API: OCPI token authentication, the
// gateway key of the internal endpoints and response content type.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	clientKey contextKey = "ocpi.client"
	tokenKey  contextKey = "ocpi.token"
	fromKey   contextKey = "ocpi.from"
)

// TokenResolver resolves the token a partner presents
type TokenResolver interface {
	Identify(ctx context.Context, token string) (*ocpi.ClientInformation, error)
	Authorize(ctx context.Context, token string, from, to *ocpi.PartyIdentity) (*ocpi.ClientInformation, error)
}

// ContentType sets the JSON content type on every response
func ContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// PresentedToken extracts the token and leaves its resolution to the handler. Of the decoded
// and raw header forms, the one known to the registry wins; when neither is known the decoded
// form is passed on so the handler answers for an unknown token.
func PresentedToken(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			candidates := ocpi.TokenCandidates(r.Header.Get(ocpi.HeaderAuthorization))
			if len(candidates) == 0 {
				ocpi.WriteError(w, fmt.Errorf("%w: missing or malformed Authorization header", ocpi.ErrUnauthorized))
				return
			}

			token := candidates[0]
			ctx := r.Context()
			for _, candidate := range candidates {
				client, err := resolver.Identify(ctx, candidate)
				if err == nil {
					token = candidate
					ctx = context.WithValue(ctx, clientKey, client)
					break
				}
				if !errors.Is(err, ocpi.ErrUnauthorized) {
					ocpi.WriteError(w, err)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, tokenKey, token)))
		})
	}
}

// KnownToken admits any partner known to the registry, registered or not
func KnownToken(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var lastErr error
			for _, candidate := range ocpi.TokenCandidates(r.Header.Get(ocpi.HeaderAuthorization)) {
				client, err := resolver.Identify(r.Context(), candidate)
				if err == nil {
					ctx := context.WithValue(r.Context(), clientKey, client)
					ctx = context.WithValue(ctx, tokenKey, candidate)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				lastErr = err
				if !errors.Is(err, ocpi.ErrUnauthorized) {
					break
				}
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("%w: missing or malformed Authorization header", ocpi.ErrUnauthorized)
			}
			ocpi.WriteError(w, lastErr)
		})
	}
}

// RegisteredPartner admits registered partners only. The OCPI-from and OCPI-to headers, when
// present, must name one of the partner's roles and this node.
func RegisteredPartner(resolver TokenResolver, counterpartRole ocpi.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			from := partyFromHeaders(r, ocpi.HeaderFromCountryCode, ocpi.HeaderFromPartyID, counterpartRole)
			to := partyFromHeaders(r, ocpi.HeaderToCountryCode, ocpi.HeaderToPartyID, "")

			var lastErr error
			for _, candidate := range ocpi.TokenCandidates(r.Header.Get(ocpi.HeaderAuthorization)) {
				client, err := resolver.Authorize(r.Context(), candidate, from, to)
				if err == nil {
					ctx := context.WithValue(r.Context(), clientKey, client)
					ctx = context.WithValue(ctx, tokenKey, candidate)
					if from != nil {
						ctx = context.WithValue(ctx, fromKey, *from)
					}
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				lastErr = err
				if !errors.Is(err, ocpi.ErrUnauthorized) {
					break
				}
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("%w: missing or malformed Authorization header", ocpi.ErrUnauthorized)
			}
			logrus.WithError(lastErr).WithField("path", r.URL.Path).Debug("OCPI request rejected")
			ocpi.WriteError(w, lastErr)
		})
	}
}

// GatewayKey protects the internal endpoints with a static bearer key. An empty key
// disables the check.
func GatewayKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		expected := []byte("Bearer " + key)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				ocpi.WriteError(w, fmt.Errorf("%w: invalid gateway key", ocpi.ErrUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientFromContext returns the partner the request was authenticated as, if any
func ClientFromContext(ctx context.Context) (*ocpi.ClientInformation, bool) {
	client, ok := ctx.Value(clientKey).(*ocpi.ClientInformation)
	return client, ok && client != nil
}

// TokenFromContext returns the token the partner presented
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// FromPartyFromContext returns the party named by the OCPI-from headers
func FromPartyFromContext(ctx context.Context) (ocpi.PartyIdentity, bool) {
	party, ok := ctx.Value(fromKey).(ocpi.PartyIdentity)
	return party, ok
}

func partyFromHeaders(r *http.Request, countryHeader, partyHeader string, role ocpi.Role) *ocpi.PartyIdentity {
	countryCode := strings.TrimSpace(r.Header.Get(countryHeader))
	partyID := strings.TrimSpace(r.Header.Get(partyHeader))
	if countryCode == "" || partyID == "" {
		return nil
	}
	return &ocpi.PartyIdentity{
		CountryCode: strings.ToUpper(countryCode),
		PartyID:     strings.ToUpper(partyID),
		Role:        role,
	}
}
