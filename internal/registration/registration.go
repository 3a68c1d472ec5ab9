// Package registration runs the OCPI credentials handshake: initiating a partner, completing,
// rotating and removing a registration, and authenticating partner tokens.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/balu-dk/go-ocpi/internal/events"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the partner registry
type Store interface {
	CreateClient(ctx context.Context, client *ocpi.ClientInformation) error
	SaveRegistration(ctx context.Context, client *ocpi.ClientInformation) error
	DeleteClient(ctx context.Context, id int64) error
	ClientByID(ctx context.Context, id int64) (*ocpi.ClientInformation, error)
	ClientByClientToken(ctx context.Context, token string) (*ocpi.ClientInformation, error)
	ClientByServerToken(ctx context.Context, token string) (*ocpi.ClientInformation, error)
}

// PartnerClient performs the outbound calls of the handshake
type PartnerClient interface {
	GetVersions(ctx context.Context, versionsURL, token string) ([]ocpi.Version, error)
	GetVersionDetails(ctx context.Context, detailsURL, token string) (*ocpi.VersionDetails, error)
	PostCredentials(ctx context.Context, credentialsURL, token string, creds ocpi.Credentials) (*ocpi.Credentials, error)
}

// Options describe this node as the handshake presents it
type Options struct {
	Self            ocpi.PartyIdentity
	CounterpartRole ocpi.Role
	Version         string
	VersionsURL     string
	Business        ocpi.BusinessDetails
}

// Coordinator implements the registration operations
type Coordinator struct {
	store     Store
	client    PartnerClient
	publisher events.Publisher
	opts      Options
	newToken  func() string
}

// NewCoordinator creates a new registration coordinator
func NewCoordinator(store Store, client PartnerClient, publisher events.Publisher, opts Options) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Coordinator{
		store:     store,
		client:    client,
		publisher: publisher,
		opts:      opts,
		newToken:  uuid.NewString,
	}
}

// Initiate creates an unregistered partner from the token and versions url it handed over
// out of band. Only the configured OCPI version is accepted; a partner that does not offer
// it is rejected without storing anything.
func (c *Coordinator) Initiate(ctx context.Context, partnerToken, versionsURL string) (*ocpi.ClientInformation, error) {
	if partnerToken == "" || versionsURL == "" {
		return nil, fmt.Errorf("%w: token and versions url are required", ocpi.ErrBadRequest)
	}

	existing, err := c.store.ClientByClientToken(ctx, partnerToken)
	if err == nil && existing != nil {
		return nil, fmt.Errorf("%w: a partner with this token already exists (id %d)", ocpi.ErrConflict, existing.ID)
	}
	if err != nil && !errors.Is(err, ocpi.ErrNotFound) {
		return nil, err
	}

	details, err := c.discover(ctx, versionsURL, "", partnerToken)
	if err != nil {
		return nil, err
	}

	client := &ocpi.ClientInformation{
		ClientToken:  partnerToken,
		PartnerToken: partnerToken,
		VersionsURL:  versionsURL,
		Version:      details.Version,
		Registered:   false,
		Roles:        []ocpi.CredentialsRole{},
		Versions:     []ocpi.VersionDetails{*details},
	}
	if err := c.store.CreateClient(ctx, client); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"clientID":    client.ID,
		"versionsURL": versionsURL,
		"version":     client.Version,
	}).Info("Partner initiated")
	c.publish(ctx, events.RegistrationInitiated, client)

	return client, nil
}

// CompleteRegistration handles a credentials POST. The presented token is the handshake
// token of an initiated partner, or the current server token of a registered one, in which
// case the call acts as a re-registration.
func (c *Coordinator) CompleteRegistration(ctx context.Context, presentedToken string, creds ocpi.Credentials, version string) (*ocpi.ClientInformation, error) {
	client, err := c.store.ClientByClientToken(ctx, presentedToken)
	if errors.Is(err, ocpi.ErrNotFound) {
		client, err = c.store.ClientByServerToken(ctx, presentedToken)
	}
	if err != nil {
		return nil, err
	}
	return c.register(ctx, client, creds, version)
}

// ReRegister handles a credentials PUT: a registered partner rotates its token and refreshes
// its roles and endpoints
func (c *Coordinator) ReRegister(ctx context.Context, presentedToken string, creds ocpi.Credentials, version string) (*ocpi.ClientInformation, error) {
	client, err := c.store.ClientByServerToken(ctx, presentedToken)
	if err != nil {
		return nil, err
	}
	if !client.Registered {
		return nil, fmt.Errorf("%w: partner %d is not registered", ocpi.ErrConflict, client.ID)
	}
	return c.register(ctx, client, creds, version)
}

// Unregister handles a credentials DELETE
func (c *Coordinator) Unregister(ctx context.Context, presentedToken string) error {
	client, err := c.store.ClientByServerToken(ctx, presentedToken)
	if err != nil {
		return err
	}
	if !client.Registered {
		return fmt.Errorf("%w: partner %d is not registered", ocpi.ErrConflict, client.ID)
	}
	if err := c.store.DeleteClient(ctx, client.ID); err != nil {
		return err
	}

	logrus.WithField("clientID", client.ID).Info("Partner unregistered")
	c.publish(ctx, events.RegistrationRemoved, client)
	return nil
}

// RegisterWithPartner runs the handshake in the other direction: this node posts its
// credentials to an initiated partner and stores what the partner answers
func (c *Coordinator) RegisterWithPartner(ctx context.Context, clientID int64) (*ocpi.ClientInformation, error) {
	client, err := c.store.ClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	credentialsURL := client.Details(client.Version).Endpoint(ocpi.ModuleCredentials, "")
	if credentialsURL == "" {
		return nil, fmt.Errorf("%w: partner %d publishes no credentials endpoint for %s", ocpi.ErrBadRequest, client.ID, client.Version)
	}

	serverToken := c.newToken()
	answer, err := c.client.PostCredentials(ctx, credentialsURL, client.PartnerToken, c.OwnCredentials(serverToken))
	if err != nil {
		return nil, err
	}
	if err := c.validateCredentials(*answer); err != nil {
		return nil, fmt.Errorf("%w: partner answered with invalid credentials: %v", ocpi.ErrUpstreamUnavailable, err)
	}

	details, err := c.discover(ctx, answer.URL, answer.Token, answer.Token)
	if err != nil {
		return nil, err
	}

	client.ServerToken = serverToken
	client.PartnerToken = answer.Token
	client.VersionsURL = answer.URL
	client.Version = details.Version
	client.Roles = answer.Roles
	client.Registered = true
	client.Versions = []ocpi.VersionDetails{*details}
	if err := c.store.SaveRegistration(ctx, client); err != nil {
		return nil, err
	}

	logrus.WithField("clientID", client.ID).Info("Registered with partner")
	c.publish(ctx, events.RegistrationCompleted, client)

	return c.store.ClientByID(ctx, client.ID)
}

// Identify resolves any token a partner may present: the server token of a registered
// partner first, then the handshake token of an initiated one
func (c *Coordinator) Identify(ctx context.Context, token string) (*ocpi.ClientInformation, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ocpi.ErrUnauthorized)
	}
	client, err := c.store.ClientByServerToken(ctx, token)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, ocpi.ErrNotFound) {
		return nil, err
	}
	client, err = c.store.ClientByClientToken(ctx, token)
	if errors.Is(err, ocpi.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown token", ocpi.ErrUnauthorized)
	}
	return client, err
}

// Authorize resolves a server token to a registered partner. When the request names the
// parties involved, from must be one of the partner's roles and to must be this node.
func (c *Coordinator) Authorize(ctx context.Context, token string, from, to *ocpi.PartyIdentity) (*ocpi.ClientInformation, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ocpi.ErrUnauthorized)
	}
	client, err := c.store.ClientByServerToken(ctx, token)
	if errors.Is(err, ocpi.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown token", ocpi.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if !client.Registered {
		return nil, fmt.Errorf("%w: partner %d is not registered", ocpi.ErrUnauthorized, client.ID)
	}
	if from != nil && !client.HasRole(*from) {
		return nil, fmt.Errorf("%w: partner %d does not hold role %s", ocpi.ErrUnauthorized, client.ID, from)
	}
	if to != nil && !c.opts.Self.SameParty(*to) {
		return nil, fmt.Errorf("%w: request addressed to %s", ocpi.ErrUnauthorized, to)
	}
	return client, nil
}

// OwnCredentials returns the credentials object this node presents, carrying token
func (c *Coordinator) OwnCredentials(token string) ocpi.Credentials {
	return ocpi.Credentials{
		Token: token,
		URL:   c.opts.VersionsURL,
		Roles: []ocpi.CredentialsRole{{
			Role:            c.opts.Self.Role,
			CountryCode:     c.opts.Self.CountryCode,
			PartyID:         c.opts.Self.PartyID,
			BusinessDetails: c.opts.Business,
		}},
	}
}

// register is the shared update path of POST and PUT. Every outbound call completes before
// the single write.
func (c *Coordinator) register(ctx context.Context, client *ocpi.ClientInformation, creds ocpi.Credentials, version string) (*ocpi.ClientInformation, error) {
	log := logrus.WithFields(logrus.Fields{
		"clientID": client.ID,
		"version":  version,
	})

	if version != c.opts.Version {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnsupportedVersion, version)
	}
	if err := c.validateCredentials(creds); err != nil {
		log.WithError(err).Warn("Rejected credentials")
		return nil, err
	}

	// endpoint urls are always taken from the partner itself, never from the request body
	details, err := c.discover(ctx, creds.URL, creds.Token, creds.Token)
	if err != nil {
		return nil, err
	}

	client.ServerToken = c.newToken()
	client.PartnerToken = creds.Token
	client.VersionsURL = creds.URL
	client.Version = details.Version
	client.Roles = creds.Roles
	client.Registered = true
	client.Versions = []ocpi.VersionDetails{*details}
	if err := c.store.SaveRegistration(ctx, client); err != nil {
		return nil, err
	}

	log.WithField("roles", len(creds.Roles)).Info("Partner registered")
	c.publish(ctx, events.RegistrationCompleted, client)

	return c.store.ClientByID(ctx, client.ID)
}

// discover fetches the partner's versions and the details of the configured version
func (c *Coordinator) discover(ctx context.Context, versionsURL, versionsToken, detailsToken string) (*ocpi.VersionDetails, error) {
	versions, err := c.client.GetVersions(ctx, versionsURL, versionsToken)
	if err != nil {
		return nil, err
	}
	version, ok := ocpi.FindVersion(versions, c.opts.Version)
	if !ok {
		return nil, fmt.Errorf("%w: partner at %s does not offer version %s",
			ocpi.ErrNotFound, versionsURL, c.opts.Version)
	}

	details, err := c.client.GetVersionDetails(ctx, version.URL, detailsToken)
	if err != nil {
		return nil, err
	}
	details.Version = version.Version
	details.URL = version.URL
	return details, nil
}

func (c *Coordinator) validateCredentials(creds ocpi.Credentials) error {
	if creds.Token == "" {
		return fmt.Errorf("%w: credentials token is required", ocpi.ErrBadRequest)
	}
	if creds.URL == "" {
		return fmt.Errorf("%w: credentials url is required", ocpi.ErrBadRequest)
	}
	if len(creds.Roles) == 0 {
		return fmt.Errorf("%w: at least one role is required", ocpi.ErrBadRequest)
	}
	for _, role := range creds.Roles {
		if err := role.Identity().Validate(); err != nil {
			return err
		}
		if role.Role != c.opts.CounterpartRole {
			return fmt.Errorf("%w: role %s is not accepted, expected %s", ocpi.ErrBadRequest, role.Role, c.opts.CounterpartRole)
		}
		if role.BusinessDetails.Name == "" {
			return fmt.Errorf("%w: business_details.name is required for %s", ocpi.ErrBadRequest, role.Identity())
		}
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, eventType string, client *ocpi.ClientInformation) {
	data := map[string]interface{}{
		"clientId":   client.ID,
		"version":    client.Version,
		"registered": client.Registered,
		"roles":      client.Roles,
	}
	if err := c.publisher.Publish(ctx, eventType, strconv.FormatInt(client.ID, 10), data); err != nil {
		logrus.WithError(err).WithField("event", eventType).Warn("Failed to publish event")
	}
}
