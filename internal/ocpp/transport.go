package ocpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/sirupsen/logrus"
)

// DeviceRequest is an OCPP request addressed to one station on behalf of a command
type DeviceRequest struct {
	PartnerID     int64
	Version       string
	CommandType   ocpi.CommandType
	CorrelationID string
	StationID     string
	Request       ocpp.Request
}

// Action is the OCPP action name of the request
func (r DeviceRequest) Action() string {
	return r.Request.GetFeatureName()
}

// Transport carries device requests. Send returns once the request is handed over; the
// answer arrives later through the command callback path.
type Transport interface {
	Send(ctx context.Context, req DeviceRequest) error
}

// CallbackFunc receives device answers that a transport obtained itself
type CallbackFunc func(ctx context.Context, partnerID int64, version string, commandType ocpi.CommandType, correlationID string, body []byte)

// CallbackPath is the route a device gateway posts answers to
func CallbackPath(partnerID int64, version string, commandType ocpi.CommandType, correlationID string) string {
	return fmt.Sprintf("/commands/callback/%d/%s/%s/%s",
		partnerID, url.PathEscape(version), url.PathEscape(string(commandType)), url.PathEscape(correlationID))
}

// GatewayRequest is the body posted to a device gateway
type GatewayRequest struct {
	StationID     string       `json:"stationId"`
	Action        string       `json:"action"`
	CorrelationID string       `json:"correlationId"`
	CallbackURL   string       `json:"callbackUrl"`
	Payload       ocpp.Request `json:"payload"`
}

// GatewayTransport posts device requests to an external gateway that holds the station
// connections. The command URL may contain {stationId} and {action} placeholders.
type GatewayTransport struct {
	commandURL      string
	callbackBaseURL string
	apiKey          string
	httpClient      *http.Client
	logger          *OCPPLogger
}

// NewGatewayTransport creates a new gateway transport
func NewGatewayTransport(commandURL, callbackBaseURL, apiKey string, timeout time.Duration, logger *OCPPLogger) *GatewayTransport {
	return &GatewayTransport{
		commandURL:      commandURL,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		apiKey:          apiKey,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// Send posts the request to the gateway
func (g *GatewayTransport) Send(ctx context.Context, req DeviceRequest) error {
	action := req.Action()
	target := strings.NewReplacer(
		"{stationId}", url.PathEscape(req.StationID),
		"{action}", url.PathEscape(action),
	).Replace(g.commandURL)

	body, err := json.Marshal(GatewayRequest{
		StationID:     req.StationID,
		Action:        action,
		CorrelationID: req.CorrelationID,
		CallbackURL:   g.callbackBaseURL + CallbackPath(req.PartnerID, req.Version, req.CommandType, req.CorrelationID),
		Payload:       req.Request,
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", action, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building gateway request: %v", ocpi.ErrUpstreamUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	g.logger.LogRequest(req.StationID, action, req.CorrelationID, req.Request, "Outbound")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: gateway %s: %v", ocpi.ErrUpstreamUnavailable, action, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: gateway answered %s to %s", ocpi.ErrUpstreamUnavailable, resp.Status, action)
	}

	logrus.WithFields(logrus.Fields{
		"chargePointID": req.StationID,
		"action":        action,
		"correlationID": req.CorrelationID,
	}).Debug("Device request handed to gateway")
	return nil
}

// requestSender is the part of the ocpp-go central system the transport needs
type requestSender interface {
	SendRequestAsync(clientId string, request ocpp.Request, callback func(ocpp.Response, error)) error
}

// CentralSystemTransport sends requests over the embedded OCPP 1.6 central system and turns
// the confirmation callbacks into device answers on the command callback path.
type CentralSystemTransport struct {
	server          requestSender
	logger          *OCPPLogger
	callbackTimeout time.Duration

	mu       sync.RWMutex
	callback CallbackFunc
}

// NewCentralSystemTransport creates a transport on top of a central system
func NewCentralSystemTransport(server requestSender, logger *OCPPLogger, callbackTimeout time.Duration) *CentralSystemTransport {
	return &CentralSystemTransport{
		server:          server,
		logger:          logger,
		callbackTimeout: callbackTimeout,
	}
}

// SetCallback registers where answers are delivered
func (t *CentralSystemTransport) SetCallback(fn CallbackFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = fn
}

// Send hands the request to the station's websocket connection
func (t *CentralSystemTransport) Send(ctx context.Context, req DeviceRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	action := req.Action()
	t.logger.LogRequest(req.StationID, action, req.CorrelationID, req.Request, "Outbound")

	err := t.server.SendRequestAsync(req.StationID, req.Request, func(resp ocpp.Response, err error) {
		t.deliver(req, resp, err)
	})
	if err != nil {
		return fmt.Errorf("%w: sending %s to %s: %v", ocpi.ErrUpstreamUnavailable, action, req.StationID, err)
	}
	return nil
}

func (t *CentralSystemTransport) deliver(req DeviceRequest, resp ocpp.Response, err error) {
	t.mu.RLock()
	fn := t.callback
	t.mu.RUnlock()

	log := logrus.WithFields(logrus.Fields{
		"chargePointID": req.StationID,
		"action":        req.Action(),
		"correlationID": req.CorrelationID,
	})
	if fn == nil {
		log.Warn("Device answer dropped, no callback registered")
		return
	}

	var body []byte
	if err != nil {
		body = errorEnvelope(err)
	} else if body, err = NewPayloadEnvelope(resp); err != nil {
		log.WithError(err).Error("Failed to encode device answer")
		body = NewErrorEnvelope(ErrorCodeGeneric, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.callbackTimeout)
	defer cancel()
	fn(ctx, req.PartnerID, req.Version, req.CommandType, req.CorrelationID, body)
}

func errorEnvelope(err error) []byte {
	var ocppErr *ocpp.Error
	if errors.As(err, &ocppErr) {
		code := string(ocppErr.Code)
		if isTimeout(ocppErr.Description) {
			code = ErrorCodeTimeout
		}
		return NewErrorEnvelope(code, ocppErr.Description)
	}
	if isTimeout(err.Error()) {
		return NewErrorEnvelope(ErrorCodeTimeout, err.Error())
	}
	return NewErrorEnvelope(ErrorCodeGeneric, err.Error())
}
