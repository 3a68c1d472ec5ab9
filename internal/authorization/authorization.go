// Package authorization asks a token's home party whether the token may charge.
package authorization

import (
	"context"
	"fmt"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/sirupsen/logrus"
)

// PartnerLookup finds the registered partner holding a role
type PartnerLookup interface {
	ClientByParty(ctx context.Context, party ocpi.PartyIdentity) (*ocpi.ClientInformation, error)
}

// TokenLookup finds the home party of a token known to this node
type TokenLookup interface {
	TokenByUID(ctx context.Context, uid string, tokenType ocpi.TokenType) (*models.StoredToken, error)
}

// Authorizer performs the outbound authorize call
type Authorizer interface {
	PostAuthorize(
		ctx context.Context,
		tokensURL, token string,
		to ocpi.PartyIdentity,
		tokenUID string,
		tokenType ocpi.TokenType,
		location *ocpi.LocationReferences,
	) (*ocpi.AuthorizationInfo, error)
}

// Request is one real-time authorization
type Request struct {
	TokenUID  string
	TokenType ocpi.TokenType
	HomeParty ocpi.PartyIdentity
	Location  *ocpi.LocationReferences
}

// Coordinator implements real-time authorization
type Coordinator struct {
	partners PartnerLookup
	tokens   TokenLookup
	client   Authorizer
}

// NewCoordinator creates a new authorization coordinator
func NewCoordinator(partners PartnerLookup, tokens TokenLookup, client Authorizer) *Coordinator {
	return &Coordinator{
		partners: partners,
		tokens:   tokens,
		client:   client,
	}
}

// Authorize asks the home party of the token. The answer is returned as given; any failure to
// obtain it is ErrUpstreamUnavailable so that callers can tell "denied" from "could not ask".
func (c *Coordinator) Authorize(ctx context.Context, req Request) (*ocpi.AuthorizationInfo, error) {
	if req.TokenUID == "" {
		return nil, fmt.Errorf("%w: token uid is required", ocpi.ErrBadRequest)
	}
	if req.TokenType == "" {
		req.TokenType = ocpi.TokenRFID
	}
	home := ocpi.PartyIdentity{CountryCode: req.HomeParty.CountryCode, PartyID: req.HomeParty.PartyID, Role: ocpi.RoleEMSP}
	if err := home.Validate(); err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"tokenUID":  req.TokenUID,
		"tokenType": req.TokenType,
		"homeParty": home.String(),
	})

	partner, err := c.partners.ClientByParty(ctx, home)
	if err != nil {
		log.WithError(err).Warn("Home party lookup failed")
		return nil, fmt.Errorf("%w: resolving home party %s: %v", ocpi.ErrUpstreamUnavailable, home, err)
	}

	tokensURL := partner.Details(partner.Version).Endpoint(ocpi.ModuleTokens, ocpi.InterfaceSender)
	if tokensURL == "" {
		log.WithField("clientID", partner.ID).Warn("Home party publishes no tokens endpoint")
		return nil, fmt.Errorf("%w: %s publishes no tokens SENDER endpoint", ocpi.ErrUpstreamUnavailable, home)
	}

	info, err := c.client.PostAuthorize(ctx, tokensURL, partner.PartnerToken, home, req.TokenUID, req.TokenType, req.Location)
	if err != nil {
		log.WithError(err).Warn("Real-time authorization failed")
		return nil, err
	}
	if !info.Allowed.Valid() {
		return nil, fmt.Errorf("%w: %s answered with allowed=%q", ocpi.ErrUpstreamUnavailable, home, info.Allowed)
	}

	log.WithField("allowed", info.Allowed).Info("Real-time authorization answered")
	return info, nil
}

// AuthorizeToken authorizes a token presented at a station, finding its home party from the
// token table first
func (c *Coordinator) AuthorizeToken(ctx context.Context, uid string, tokenType ocpi.TokenType, location *ocpi.LocationReferences) (*ocpi.AuthorizationInfo, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("%w: no token table configured", ocpi.ErrUpstreamUnavailable)
	}
	token, err := c.tokens.TokenByUID(ctx, uid, tokenType)
	if err != nil {
		return nil, fmt.Errorf("%w: home party of token %s: %v", ocpi.ErrUpstreamUnavailable, uid, err)
	}
	return c.Authorize(ctx, Request{
		TokenUID:  uid,
		TokenType: tokenType,
		HomeParty: token.HomeParty,
		Location:  location,
	})
}
