package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/api/handlers"
	"github.com/balu-dk/go-ocpi/internal/authorization"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/ocpi/client"
	"github.com/balu-dk/go-ocpi/internal/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayKey = "gw-secret"

// registry is an in-memory partner store
type registry struct {
	mu      sync.Mutex
	nextID  int64
	clients map[int64]*ocpi.ClientInformation
}

func (s *registry) CreateClient(_ context.Context, c *ocpi.ClientInformation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	clone := *c
	s.clients[c.ID] = &clone
	return nil
}

func (s *registry) SaveRegistration(_ context.Context, c *ocpi.ClientInformation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; !ok {
		return ocpi.ErrNotFound
	}
	clone := *c
	s.clients[c.ID] = &clone
	return nil
}

func (s *registry) DeleteClient(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	return nil
}

func (s *registry) find(match func(*ocpi.ClientInformation) bool) (*ocpi.ClientInformation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if match(c) {
			clone := *c
			return &clone, nil
		}
	}
	return nil, ocpi.ErrNotFound
}

func (s *registry) ClientByID(_ context.Context, id int64) (*ocpi.ClientInformation, error) {
	return s.find(func(c *ocpi.ClientInformation) bool { return c.ID == id })
}

func (s *registry) ClientByClientToken(_ context.Context, token string) (*ocpi.ClientInformation, error) {
	return s.find(func(c *ocpi.ClientInformation) bool { return token != "" && c.ClientToken == token })
}

func (s *registry) ClientByServerToken(_ context.Context, token string) (*ocpi.ClientInformation, error) {
	return s.find(func(c *ocpi.ClientInformation) bool { return token != "" && c.ServerToken == token })
}

type submitted struct {
	partner *ocpi.ClientInformation
	origin  ocpi.PartyIdentity
	payload ocpi.CommandPayload
}

type callback struct {
	partnerID     int64
	version       string
	commandType   ocpi.CommandType
	correlationID string
	body          string
}

type fakeCommands struct {
	mu          sync.Mutex
	submitted   []submitted
	callbacks   []callback
	callbackErr error
}

func (f *fakeCommands) Submit(_ context.Context, partner *ocpi.ClientInformation, origin ocpi.PartyIdentity, payload ocpi.CommandPayload) (*ocpi.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, submitted{partner, origin, payload})
	return &ocpi.CommandResponse{Result: ocpi.CommandResponseAccepted, Timeout: 30}, nil
}

func (f *fakeCommands) HandleDeviceCallback(_ context.Context, partnerID int64, version string, commandType ocpi.CommandType, correlationID string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, callback{partnerID, version, commandType, correlationID, string(body)})
	return f.callbackErr
}

type fakeAuthorizer struct {
	requests []authorization.Request
	byToken  []string
	info     *ocpi.AuthorizationInfo
	err      error
}

func (f *fakeAuthorizer) Authorize(_ context.Context, req authorization.Request) (*ocpi.AuthorizationInfo, error) {
	f.requests = append(f.requests, req)
	return f.info, f.err
}

func (f *fakeAuthorizer) AuthorizeToken(_ context.Context, uid string, _ ocpi.TokenType, _ *ocpi.LocationReferences) (*ocpi.AuthorizationInfo, error) {
	f.byToken = append(f.byToken, uid)
	return f.info, f.err
}

type emptyInventory struct{}

func (emptyInventory) GetChargePoints(context.Context) ([]*models.ChargePoint, error) {
	return []*models.ChargePoint{{ID: "CS01", OCPPVersion: "1.6"}}, nil
}

func (emptyInventory) GetChargePoint(_ context.Context, id string) (*models.ChargePoint, error) {
	return nil, fmt.Errorf("%w: charge point %s", ocpi.ErrNotFound, id)
}

func (emptyInventory) GetConnectors(context.Context, string) ([]*models.Connector, error) {
	return nil, nil
}

func (emptyInventory) GetSession(_ context.Context, id string) (*models.Session, error) {
	return nil, fmt.Errorf("%w: session %s", ocpi.ErrNotFound, id)
}

// GetCommand fails like the uuid column cast does on a malformed id
func (emptyInventory) GetCommand(_ context.Context, id string) (*models.CorrelationRecord, error) {
	if len(id) != 36 {
		return nil, fmt.Errorf("invalid input syntax for type uuid: %q", id)
	}
	return nil, fmt.Errorf("%w: correlation %s", ocpi.ErrNotFound, id)
}

// newPartner serves the versions and version details of an eMSP on 2.2.1
func newPartner(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/ocpi/versions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ocpi.NewResponse([]ocpi.Version{{Version: "2.2.1", URL: srv.URL + "/ocpi/2.2.1"}}))
	})
	mux.HandleFunc("/ocpi/2.2.1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ocpi.NewResponse(ocpi.VersionDetails{
			Version: "2.2.1",
			Endpoints: []ocpi.Endpoint{
				{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceReceiver, URL: srv.URL + "/ocpi/2.2.1/credentials"},
				{Identifier: ocpi.ModuleTokens, Role: ocpi.InterfaceSender, URL: srv.URL + "/ocpi/2.2.1/tokens"},
			},
		}))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	api        *API
	registry   *registry
	commands   *fakeCommands
	authorizer *fakeAuthorizer
	partner    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	self := ocpi.PartyIdentity{CountryCode: "DK", PartyID: "CPO", Role: ocpi.RoleCPO}

	env := &testEnv{
		registry:   &registry{clients: map[int64]*ocpi.ClientInformation{}},
		commands:   &fakeCommands{},
		authorizer: &fakeAuthorizer{},
		partner:    newPartner(t),
	}
	coordinator := registration.NewCoordinator(env.registry, client.New(time.Second, self), nil, registration.Options{
		Self:            self,
		CounterpartRole: ocpi.RoleEMSP,
		Version:         "2.2.1",
		VersionsURL:     "https://cpo.example.com/ocpi/versions",
		Business:        ocpi.BusinessDetails{Name: "Test CPO"},
	})
	handler := handlers.New(handlers.Dependencies{
		Registration:  coordinator,
		Commands:      env.commands,
		Authorization: env.authorizer,
		Inventory:     emptyInventory{},
		Catalog:       config.DefaultVersionCatalog("2.2.1"),
		PublicURL:     "https://cpo.example.com",
	})
	env.api = New(handler, coordinator, Options{GatewayAPIKey: gatewayKey, CounterpartRole: ocpi.RoleEMSP})
	return env
}

func (e *testEnv) seedInitiated(token string) {
	e.registry.clients[100] = &ocpi.ClientInformation{
		ID:           100,
		ClientToken:  token,
		PartnerToken: token,
		VersionsURL:  e.partner.URL + "/ocpi/versions",
		Version:      "2.2.1",
	}
}

type request struct {
	method  string
	path    string
	token   string
	headers map[string]string
	body    interface{}
}

func (e *testEnv) do(t *testing.T, req request) (*httptest.ResponseRecorder, ocpi.RawResponse) {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		switch b := req.body.(type) {
		case string:
			body.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&body).Encode(b))
		}
	}
	r := httptest.NewRequest(req.method, req.path, &body)
	if req.token != "" {
		r.Header.Set(ocpi.HeaderAuthorization, ocpi.EncodeAuthorization(req.token))
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.api.ServeHTTP(rec, r)

	var resp ocpi.RawResponse
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func (e *testEnv) emspCredentials(token string) ocpi.Credentials {
	return ocpi.Credentials{
		Token: token,
		URL:   e.partner.URL + "/ocpi/versions",
		Roles: []ocpi.CredentialsRole{{
			Role:            ocpi.RoleEMSP,
			CountryCode:     "NL",
			PartyID:         "ABC",
			BusinessDetails: ocpi.BusinessDetails{Name: "Test eMSP"},
		}},
	}
}

func (e *testEnv) register(t *testing.T, handshakeToken string) string {
	t.Helper()
	e.seedInitiated(handshakeToken)
	rec, resp := e.do(t, request{
		method: http.MethodPost,
		path:   "/ocpi/2.2.1/credentials",
		token:  handshakeToken,
		body:   e.emspCredentials("EMSP-TOKEN"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var creds ocpi.Credentials
	require.NoError(t, json.Unmarshal(resp.Data, &creds))
	return creds.Token
}

func TestPostCredentials_CompletesRegistration(t *testing.T) {
	env := newTestEnv(t)

	serverToken := env.register(t, "T1")
	assert.NotEmpty(t, serverToken)
	assert.NotEqual(t, "T1", serverToken)

	stored, err := env.registry.ClientByServerToken(context.Background(), serverToken)
	require.NoError(t, err)
	assert.True(t, stored.Registered)
	assert.Equal(t, "EMSP-TOKEN", stored.PartnerToken)

	rec, resp := env.do(t, request{method: http.MethodGet, path: "/ocpi/2.2.1/credentials", token: serverToken})
	require.Equal(t, http.StatusOK, rec.Code)
	var own ocpi.Credentials
	require.NoError(t, json.Unmarshal(resp.Data, &own))
	assert.Equal(t, serverToken, own.Token)
	assert.Equal(t, "https://cpo.example.com/ocpi/versions", own.URL)
}

func TestPostCredentials_UnknownToken(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, request{
		method: http.MethodPost,
		path:   "/ocpi/2.2.1/credentials",
		token:  "nobody",
		body:   env.emspCredentials("EMSP-TOKEN"),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ocpi.StatusClientError, resp.StatusCode)
}

func TestPostCredentials_InvalidRole(t *testing.T) {
	env := newTestEnv(t)
	env.seedInitiated("T1")

	creds := env.emspCredentials("EMSP-TOKEN")
	creds.Roles[0].Role = ocpi.RoleCPO
	rec, resp := env.do(t, request{method: http.MethodPost, path: "/ocpi/2.2.1/credentials", token: "T1", body: creds})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ocpi.StatusInvalidParameters, resp.StatusCode)
	assert.False(t, env.registry.clients[100].Registered)
}

func TestCredentials_MissingAuthorization(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, request{method: http.MethodPost, path: "/ocpi/2.2.1/credentials", body: "{}"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, request{method: http.MethodGet, path: "/ocpi/versions"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPutCredentials_RotatesToken(t *testing.T) {
	env := newTestEnv(t)
	first := env.register(t, "T1")

	rec, resp := env.do(t, request{method: http.MethodPut, path: "/ocpi/2.2.1/credentials", token: first, body: env.emspCredentials("EMSP-TOKEN-2")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var creds ocpi.Credentials
	require.NoError(t, json.Unmarshal(resp.Data, &creds))
	assert.NotEqual(t, first, creds.Token)

	command := request{
		method: http.MethodPost,
		path:   "/ocpi/2.2.1/commands/STOP_SESSION",
		body:   ocpi.StopSession{ResponseURL: "https://emsp.example.com/r", SessionID: "S1"},
	}
	command.token = first
	rec, _ = env.do(t, command)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	command.token = creds.Token
	rec, _ = env.do(t, command)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteCredentials(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "T1")

	rec, _ := env.do(t, request{method: http.MethodDelete, path: "/ocpi/2.2.1/credentials", token: token})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = env.do(t, request{method: http.MethodGet, path: "/ocpi/versions", token: token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVersions(t *testing.T) {
	env := newTestEnv(t)
	env.seedInitiated("T1")

	rec, resp := env.do(t, request{method: http.MethodGet, path: "/ocpi/versions", token: "T1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []ocpi.Version
	require.NoError(t, json.Unmarshal(resp.Data, &versions))
	assert.Equal(t, []ocpi.Version{{Version: "2.2.1", URL: "https://cpo.example.com/ocpi/2.2.1"}}, versions)

	rec, resp = env.do(t, request{method: http.MethodGet, path: "/ocpi/2.2.1", token: "T1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var details ocpi.VersionDetails
	require.NoError(t, json.Unmarshal(resp.Data, &details))
	assert.Equal(t, "https://cpo.example.com/ocpi/2.2.1/commands", details.Endpoint(ocpi.ModuleCommands, ocpi.InterfaceReceiver))

	rec, resp = env.do(t, request{method: http.MethodGet, path: "/ocpi/2.0", token: "T1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ocpi.StatusUnsupportedVersion, resp.StatusCode)
}

func TestPostCommand(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "T1")

	start := ocpi.StartSession{
		ResponseURL: "https://emsp.example.com/commands/START_SESSION/1",
		Token:       ocpi.Token{UID: "012345678", Type: ocpi.TokenRFID},
		LocationID:  "LOC1",
		EVSEUID:     "CS01*1",
	}
	rec, resp := env.do(t, request{
		method: http.MethodPost,
		path:   "/ocpi/2.2.1/commands/START_SESSION",
		token:  token,
		headers: map[string]string{
			ocpi.HeaderFromCountryCode: "NL",
			ocpi.HeaderFromPartyID:     "ABC",
			ocpi.HeaderToCountryCode:   "DK",
			ocpi.HeaderToPartyID:       "CPO",
		},
		body: start,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ack ocpi.CommandResponse
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Equal(t, ocpi.CommandResponse{Result: ocpi.CommandResponseAccepted, Timeout: 30}, ack)

	require.Len(t, env.commands.submitted, 1)
	got := env.commands.submitted[0]
	assert.Equal(t, int64(100), got.partner.ID)
	assert.Equal(t, ocpi.PartyIdentity{CountryCode: "NL", PartyID: "ABC", Role: ocpi.RoleEMSP}, got.origin)
	assert.Equal(t, &start, got.payload)
}

func TestPostCommand_Rejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "T1")

	tests := []struct {
		name     string
		path     string
		headers  map[string]string
		body     interface{}
		wantHTTP int
	}{
		{
			name:     "foreign from party",
			path:     "/ocpi/2.2.1/commands/STOP_SESSION",
			headers:  map[string]string{ocpi.HeaderFromCountryCode: "DE", ocpi.HeaderFromPartyID: "XYZ"},
			body:     ocpi.StopSession{ResponseURL: "https://emsp.example.com/r", SessionID: "S1"},
			wantHTTP: http.StatusUnauthorized,
		},
		{
			name:     "addressed to another party",
			path:     "/ocpi/2.2.1/commands/STOP_SESSION",
			headers:  map[string]string{ocpi.HeaderToCountryCode: "DE", ocpi.HeaderToPartyID: "XYZ"},
			body:     ocpi.StopSession{ResponseURL: "https://emsp.example.com/r", SessionID: "S1"},
			wantHTTP: http.StatusUnauthorized,
		},
		{
			name:     "unknown command",
			path:     "/ocpi/2.2.1/commands/REBOOT",
			body:     "{}",
			wantHTTP: http.StatusBadRequest,
		},
		{
			name:     "malformed body",
			path:     "/ocpi/2.2.1/commands/STOP_SESSION",
			body:     "{not json",
			wantHTTP: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := env.do(t, request{method: http.MethodPost, path: tt.path, token: token, headers: tt.headers, body: tt.body})
			assert.Equal(t, tt.wantHTTP, rec.Code)
		})
	}
	assert.Empty(t, env.commands.submitted)
}

func TestDeviceCallback(t *testing.T) {
	env := newTestEnv(t)
	path := "/commands/callback/7/2.0.1/START_SESSION/0f8fad5b-d9cb-469f-a165-70867728950e"
	answer := `{"payload":{"status":"Accepted"}}`

	rec, _ := env.do(t, request{method: http.MethodPost, path: path, body: answer})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.commands.callbacks)

	gateway := map[string]string{"Authorization": "Bearer " + gatewayKey}
	rec, _ = env.do(t, request{method: http.MethodPost, path: path, headers: gateway, body: answer})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.commands.callbacks, 1)
	assert.Equal(t, callback{
		partnerID:     7,
		version:       "2.0.1",
		commandType:   ocpi.CommandStartSession,
		correlationID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		body:          answer,
	}, env.commands.callbacks[0])

	env.commands.callbackErr = fmt.Errorf("%w: correlation", ocpi.ErrNotFound)
	rec, _ = env.do(t, request{method: http.MethodPost, path: path, headers: gateway, body: answer})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, request{method: http.MethodPost, path: "/commands/callback/x/2.0.1/START_SESSION/c", headers: gateway, body: answer})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeToken(t *testing.T) {
	env := newTestEnv(t)
	gateway := map[string]string{"Authorization": "Bearer " + gatewayKey}

	env.authorizer.info = &ocpi.AuthorizationInfo{
		Allowed: ocpi.AllowedBlocked,
		Info:    &ocpi.DisplayText{Language: "en", Text: "card reported stolen"},
	}
	rec, resp := env.do(t, request{
		method:  http.MethodPost,
		path:    "/tokens/012345678/authorize?type=RFID&country_code=nl&party_id=abc",
		headers: gateway,
		body:    ocpi.LocationReferences{LocationID: "LOC1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info ocpi.AuthorizationInfo
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, ocpi.AllowedBlocked, info.Allowed)
	assert.Equal(t, "card reported stolen", info.Info.Text)

	require.Len(t, env.authorizer.requests, 1)
	req := env.authorizer.requests[0]
	assert.Equal(t, "012345678", req.TokenUID)
	assert.Equal(t, ocpi.PartyIdentity{CountryCode: "NL", PartyID: "ABC"}, req.HomeParty)
	require.NotNil(t, req.Location)
	assert.Equal(t, "LOC1", req.Location.LocationID)

	// without a home party the token table is consulted
	rec, _ = env.do(t, request{method: http.MethodPost, path: "/tokens/012345678/authorize", headers: gateway})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"012345678"}, env.authorizer.byToken)

	env.authorizer.err = fmt.Errorf("%w: home party unreachable", ocpi.ErrUpstreamUnavailable)
	rec, resp = env.do(t, request{method: http.MethodPost, path: "/tokens/012345678/authorize?country_code=NL&party_id=ABC", headers: gateway})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, ocpi.StatusUnableToUseClient, resp.StatusCode)
	assert.Empty(t, resp.Data)
}

func TestAdminPartners(t *testing.T) {
	env := newTestEnv(t)
	gateway := map[string]string{"Authorization": "Bearer " + gatewayKey}

	rec, resp := env.do(t, request{
		method:  http.MethodPost,
		path:    "/admin/partners",
		headers: gateway,
		body:    map[string]string{"token": "HANDSHAKE", "versions_url": env.partner.URL + "/ocpi/versions"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created ocpi.ClientInformation
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.False(t, created.Registered)
	assert.Equal(t, "2.2.1", created.Version)
	assert.NotContains(t, rec.Body.String(), "HANDSHAKE")

	rec, _ = env.do(t, request{method: http.MethodPost, path: "/admin/partners/abc/register", headers: gateway})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, request{method: http.MethodPost, path: "/admin/partners/999/register", headers: gateway})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadAPI(t *testing.T) {
	env := newTestEnv(t)
	gateway := map[string]string{"Authorization": "Bearer " + gatewayKey}

	rec, _ := env.do(t, request{method: http.MethodGet, path: "/api/v1/chargepoints", headers: gateway})
	require.Equal(t, http.StatusOK, rec.Code)
	var list handlers.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.True(t, list.Success)
	assert.True(t, strings.Contains(rec.Body.String(), `"CS01"`))

	rec, _ = env.do(t, request{method: http.MethodGet, path: "/api/v1/chargepoints/NOPE", headers: gateway})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, request{method: http.MethodGet, path: "/api/v1/commands/c-1", headers: gateway})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, request{method: http.MethodGet, path: "/api/v1/commands/0f8fad5b-d9cb-469f-a165-70867728950e", headers: gateway})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, request{method: http.MethodGet, path: "/api/v1/chargepoints"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorsAreClassified(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "T1")
	env.commands.callbackErr = errors.New("database is down")

	rec, resp := env.do(t, request{
		method:  http.MethodPost,
		path:    "/commands/callback/100/1.6/STOP_SESSION/0f8fad5b-d9cb-469f-a165-70867728950e",
		headers: map[string]string{"Authorization": "Bearer " + gatewayKey},
		body:    "{}",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ocpi.StatusServerError, resp.StatusCode)
	assert.NotContains(t, resp.StatusMessage, "database")
	assert.NotEmpty(t, token)
}
