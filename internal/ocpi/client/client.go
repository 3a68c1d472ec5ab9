package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 4 << 20
)

// Client performs the outbound OCPI calls toward partners. Every call is bounded by the
// client timeout and is never retried here.
type Client struct {
	http *http.Client
	self ocpi.PartyIdentity
}

// New creates a new OCPI client identifying itself as self
func New(timeout time.Duration, self ocpi.PartyIdentity) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		self: self,
	}
}

// GetVersions fetches a partner's versions list. An empty token sends the request unauthenticated.
func (c *Client) GetVersions(ctx context.Context, versionsURL, token string) ([]ocpi.Version, error) {
	var versions []ocpi.Version
	if err := c.do(ctx, http.MethodGet, versionsURL, token, nil, nil, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// GetVersionDetails fetches the endpoint catalog of one version
func (c *Client) GetVersionDetails(ctx context.Context, detailsURL, token string) (*ocpi.VersionDetails, error) {
	details := &ocpi.VersionDetails{}
	if err := c.do(ctx, http.MethodGet, detailsURL, token, nil, nil, details); err != nil {
		return nil, err
	}
	if details.URL == "" {
		details.URL = detailsURL
	}
	return details, nil
}

// PostCredentials sends this node's credentials to a partner and returns the partner's
func (c *Client) PostCredentials(ctx context.Context, credentialsURL, token string, creds ocpi.Credentials) (*ocpi.Credentials, error) {
	out := &ocpi.Credentials{}
	if err := c.do(ctx, http.MethodPost, credentialsURL, token, nil, creds, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostAuthorize asks the token's home party for a real-time authorization
func (c *Client) PostAuthorize(
	ctx context.Context,
	tokensURL, token string,
	to ocpi.PartyIdentity,
	tokenUID string,
	tokenType ocpi.TokenType,
	location *ocpi.LocationReferences,
) (*ocpi.AuthorizationInfo, error) {
	endpoint := fmt.Sprintf("%s/%s/authorize?type=%s",
		strings.TrimRight(tokensURL, "/"), url.PathEscape(tokenUID), url.QueryEscape(string(tokenType)))

	var body interface{}
	if location != nil {
		body = location
	}

	info := &ocpi.AuthorizationInfo{}
	if err := c.do(ctx, http.MethodPost, endpoint, token, &to, body, info); err != nil {
		return nil, err
	}
	return info, nil
}

// PostCommandResult delivers the terminal outcome of a command to its response_url
func (c *Client) PostCommandResult(ctx context.Context, responseURL, token string, result ocpi.CommandResult) error {
	return c.do(ctx, http.MethodPost, responseURL, token, nil, result, nil)
}

func (c *Client) do(
	ctx context.Context,
	method, endpoint, token string,
	to *ocpi.PartyIdentity,
	in interface{},
	out interface{},
) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: creating request for %s: %v", ocpi.ErrUpstreamUnavailable, endpoint, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(ocpi.HeaderRequestID, requestID)
	req.Header.Set(ocpi.HeaderCorrelationID, requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(ocpi.HeaderAuthorization, ocpi.EncodeAuthorization(token))
	}
	if c.self.CountryCode != "" {
		req.Header.Set(ocpi.HeaderFromCountryCode, c.self.CountryCode)
		req.Header.Set(ocpi.HeaderFromPartyID, c.self.PartyID)
	}
	if to != nil {
		req.Header.Set(ocpi.HeaderToCountryCode, to.CountryCode)
		req.Header.Set(ocpi.HeaderToPartyID, to.PartyID)
	}

	log := logrus.WithFields(logrus.Fields{
		"method":    method,
		"url":       endpoint,
		"requestID": requestID,
	})
	log.Debug("Sending OCPI request")

	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).Warn("OCPI request failed")
		return fmt.Errorf("%w: %s %s: %v", ocpi.ErrUpstreamUnavailable, method, endpoint, err)
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: reading response of %s: %v", ocpi.ErrUpstreamUnavailable, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).Warn("OCPI request returned non-success status")
		return fmt.Errorf("%w: %s %s returned HTTP %d", ocpi.ErrUpstreamUnavailable, method, endpoint, resp.StatusCode)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		if out == nil {
			return nil
		}
		return fmt.Errorf("%w: %s returned an empty body", ocpi.ErrUpstreamUnavailable, endpoint)
	}

	var envelope ocpi.RawResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decoding envelope of %s: %v", ocpi.ErrUpstreamUnavailable, endpoint, err)
	}
	if !envelope.StatusCode.Success() {
		log.WithFields(logrus.Fields{
			"statusCode":    envelope.StatusCode,
			"statusMessage": envelope.StatusMessage,
		}).Warn("OCPI request returned non-success status code")
		return fmt.Errorf("%w: %s returned OCPI status %d: %s",
			ocpi.ErrUpstreamUnavailable, endpoint, envelope.StatusCode, envelope.StatusMessage)
	}

	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%w: %s returned no data", ocpi.ErrUpstreamUnavailable, endpoint)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decoding data of %s: %v", ocpi.ErrUpstreamUnavailable, endpoint, err)
	}
	return nil
}
