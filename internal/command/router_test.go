package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/events"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/ocpi/client"
	"github.com/balu-dk/go-ocpi/internal/ocpp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore resolves a fixed set of targets and keeps correlations in a map
type memoryStore struct {
	mu           sync.Mutex
	evses        map[string]*models.Target // location/evse
	sessions     map[string]*models.Target
	reservations map[string]*models.Target
	correlations map[string]*models.CorrelationRecord
	counters     map[string]int
	held         map[string]*models.Reservation
	createErr    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		evses:        make(map[string]*models.Target),
		sessions:     make(map[string]*models.Target),
		reservations: make(map[string]*models.Target),
		correlations: make(map[string]*models.CorrelationRecord),
		counters:     make(map[string]int),
		held:         make(map[string]*models.Reservation),
	}
}

func (m *memoryStore) ResolveEVSE(_ context.Context, locationID, evseUID, connectorID string) (*models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := false
	for key, t := range m.evses {
		if t.LocationID != locationID {
			continue
		}
		known = true
		if key == locationID+"/"+evseUID {
			clone := *t
			if connectorID != "" {
				clone.ConnectorID = 1
			}
			return &clone, nil
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownLocation, locationID)
	}
	return nil, fmt.Errorf("%w: evse %s", ocpi.ErrNotFound, evseUID)
}

func (m *memoryStore) ResolveSession(_ context.Context, sessionID string) (*models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownSession, sessionID)
	}
	clone := *t
	return &clone, nil
}

func (m *memoryStore) ResolveReservation(_ context.Context, reservationID string) (*models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.reservations[reservationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownReservation, reservationID)
	}
	clone := *t
	return &clone, nil
}

func (m *memoryStore) CreateCorrelation(_ context.Context, rec *models.CorrelationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.correlations[rec.CorrelationID]; exists {
		return ocpi.ErrConflict
	}
	clone := *rec
	m.correlations[rec.CorrelationID] = &clone
	return nil
}

func (m *memoryStore) MarkDispatched(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.correlations[id]; ok && rec.Status == string(ocpi.CommandSubmitted) {
		rec.Status = string(ocpi.CommandDispatched)
	}
	return nil
}

func (m *memoryStore) MarkFailed(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.correlations[id]; ok && rec.CompletedAt == nil {
		now := time.Now()
		rec.Status = string(ocpi.CommandFailed)
		rec.Result = string(ocpi.CommandResultFailed)
		rec.Message = message
		rec.CompletedAt = &now
	}
	return nil
}

func (m *memoryStore) ConsumeCorrelation(_ context.Context, id string, decide func(*models.CorrelationRecord) (ocpi.CommandResultType, string)) (*models.CorrelationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.correlations[id]
	if !ok || rec.CompletedAt != nil {
		return nil, fmt.Errorf("%w: correlation %s", ocpi.ErrNotFound, id)
	}
	result, message := decide(rec)
	now := time.Now()
	rec.Status = string(ocpi.CommandCompleted)
	rec.Result = string(result)
	rec.Message = message
	rec.CompletedAt = &now
	clone := *rec
	return &clone, nil
}

func (m *memoryStore) NextSequence(_ context.Context, stationID, counterType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[stationID+"/"+counterType]++
	return m.counters[stationID+"/"+counterType], nil
}

func (m *memoryStore) GetReservation(_ context.Context, reservationID string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.held[reservationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownReservation, reservationID)
	}
	clone := *r
	return &clone, nil
}

func (m *memoryStore) SaveReservation(_ context.Context, r *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.held[r.ReservationID]; exists {
		return ocpi.ErrConflict
	}
	clone := *r
	m.held[r.ReservationID] = &clone
	return nil
}

func (m *memoryStore) ConfirmReservation(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.held[reservationID]; ok {
		r.Confirmed = true
	}
	return nil
}

func (m *memoryStore) DiscardPendingReservation(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.held[reservationID]; ok && !r.Confirmed {
		delete(m.held, reservationID)
	}
	return nil
}

func (m *memoryStore) DeleteReservation(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, reservationID)
	return nil
}

func (m *memoryStore) reservation(reservationID string) *models.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[reservationID]
}

func (m *memoryStore) record(id string) *models.CorrelationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.correlations[id]
}

type deviceTransport struct {
	mu   sync.Mutex
	sent []ocpp.DeviceRequest
	err  error
}

func (d *deviceTransport) Send(_ context.Context, req ocpp.DeviceRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, req)
	return nil
}

func (d *deviceTransport) requests() []ocpp.DeviceRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ocpp.DeviceRequest(nil), d.sent...)
}

type staticPartners map[int64]*ocpi.ClientInformation

func (s staticPartners) ClientByID(_ context.Context, id int64) (*ocpi.ClientInformation, error) {
	if c, ok := s[id]; ok {
		return c, nil
	}
	return nil, ocpi.ErrNotFound
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, _ string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// responseCollector is the partner's response_url
type responseCollector struct {
	mu      sync.Mutex
	results []ocpi.CommandResult
	tokens  []string
	srv     *httptest.Server
}

func newResponseCollector(t *testing.T) *responseCollector {
	t.Helper()
	c := &responseCollector{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var result ocpi.CommandResult
		_ = json.NewDecoder(r.Body).Decode(&result)
		c.mu.Lock()
		c.results = append(c.results, result)
		c.tokens = append(c.tokens, r.Header.Get(ocpi.HeaderAuthorization))
		c.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ocpi.NewResponse(nil))
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *responseCollector) received() []ocpi.CommandResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ocpi.CommandResult(nil), c.results...)
}

type fixture struct {
	store     *memoryStore
	transport *deviceTransport
	publisher *recordingPublisher
	responses *responseCollector
	partner   *ocpi.ClientInformation
	router    *Router
}

var emsp = ocpi.PartyIdentity{CountryCode: "NL", PartyID: "ABC", Role: ocpi.RoleEMSP}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemoryStore(),
		transport: &deviceTransport{},
		publisher: &recordingPublisher{},
		responses: newResponseCollector(t),
		partner:   &ocpi.ClientInformation{ID: 7, PartnerToken: "EMSP-TOKEN", Registered: true},
	}
	f.store.evses["LOC-201/CS01*1"] = &models.Target{ChargePointID: "CS01", OCPPVersion: ocpp.Version201, LocationID: "LOC-201", EVSEUID: "CS01*1", EVSEID: 1}
	f.store.evses["LOC-16/CS16*1"] = &models.Target{ChargePointID: "CS16", OCPPVersion: ocpp.Version16, FeatureProfiles: []string{"Core"}, LocationID: "LOC-16", EVSEUID: "CS16*1", EVSEID: 1}
	f.store.sessions["SESSION-1"] = &models.Target{ChargePointID: "CS16", OCPPVersion: ocpp.Version16, TransactionID: "17"}

	registry := ocpp.NewRegistry(
		ocpp.NewOCPP16Adapter(f.transport, f.store),
		ocpp.NewOCPP201Adapter(f.transport, f.store),
	)
	f.router = NewRouter(f.store, staticPartners{7: f.partner}, client.New(time.Second, ocpi.PartyIdentity{}), registry, f.publisher, nil, 0)
	return f
}

func (f *fixture) startSession(evseUID string) *ocpi.StartSession {
	return &ocpi.StartSession{
		ResponseURL: f.responses.srv.URL + "/commands/START_SESSION/1",
		Token:       ocpi.Token{UID: "012345678", Type: ocpi.TokenRFID, CountryCode: "NL", PartyID: "ABC"},
		LocationID:  "LOC-201",
		EVSEUID:     evseUID,
	}
}

func accepted(t *testing.T) []byte {
	t.Helper()
	return answer(t, "Accepted")
}

func answer(t *testing.T, status string) []byte {
	t.Helper()
	body, err := ocpp.NewPayloadEnvelope(map[string]string{"status": status})
	require.NoError(t, err)
	return body
}

func TestSubmit_StartSession_DeliversResultOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.router.Submit(ctx, f.partner, emsp, f.startSession("CS01*1"))
	require.NoError(t, err)
	assert.Equal(t, ocpi.CommandResponseAccepted, resp.Result)
	assert.Equal(t, 30, resp.Timeout)

	sent := f.transport.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "RequestStartTransaction", sent[0].Action())
	assert.Equal(t, "CS01", sent[0].StationID)

	correlationID := sent[0].CorrelationID
	rec := f.store.record(correlationID)
	require.NotNil(t, rec)
	assert.Equal(t, string(ocpi.CommandDispatched), rec.Status)
	assert.Equal(t, int64(7), rec.ClientID)
	assert.Equal(t, emsp, rec.Context.OriginParty)

	require.NoError(t, f.router.HandleDeviceCallback(ctx, 7, ocpp.Version201, ocpi.CommandStartSession, correlationID, accepted(t)))

	err = f.router.HandleDeviceCallback(ctx, 7, ocpp.Version201, ocpi.CommandStartSession, correlationID, accepted(t))
	assert.ErrorIs(t, err, ocpi.ErrNotFound)

	results := f.responses.received()
	require.Len(t, results, 1)
	assert.Equal(t, ocpi.CommandResultAccepted, results[0].Result)
	assert.Equal(t, ocpi.EncodeAuthorization("EMSP-TOKEN"), f.responses.tokens[0])

	assert.Equal(t, []string{events.CommandDispatched, events.CommandCompleted, events.CommandCallbackRejected}, f.publisher.events)
}

func TestSubmit_UnlockOnOCPP16_NotSupported(t *testing.T) {
	f := newFixture(t)

	resp, err := f.router.Submit(context.Background(), f.partner, emsp, &ocpi.UnlockConnector{
		ResponseURL: f.responses.srv.URL + "/unlock",
		LocationID:  "LOC-16",
		EVSEUID:     "CS16*1",
		ConnectorID: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, ocpi.CommandResponseNotSupported, resp.Result)
	assert.Empty(t, f.transport.requests())
	assert.Empty(t, f.store.correlations)
}

func TestSubmit_ReservationWithoutProfile_NotSupported(t *testing.T) {
	f := newFixture(t)

	resp, err := f.router.Submit(context.Background(), f.partner, emsp, &ocpi.ReserveNow{
		ResponseURL:   f.responses.srv.URL + "/reserve",
		Token:         ocpi.Token{UID: "TAG"},
		ExpiryDate:    time.Now().Add(time.Hour),
		ReservationID: "R1",
		LocationID:    "LOC-16",
		EVSEUID:       "CS16*1",
	})
	require.NoError(t, err)
	assert.Equal(t, ocpi.CommandResponseNotSupported, resp.Result)
	assert.Empty(t, f.transport.requests())
}

func TestSubmit_ResolutionFailures(t *testing.T) {
	f := newFixture(t)
	url := f.responses.srv.URL + "/r"

	tests := []struct {
		name    string
		payload ocpi.CommandPayload
		want    ocpi.CommandResponseType
	}{
		{"unknown location", &ocpi.StartSession{ResponseURL: url, Token: ocpi.Token{UID: "T"}, LocationID: "NOPE"}, ocpi.CommandResponseUnknownLocation},
		{"unknown evse", &ocpi.StartSession{ResponseURL: url, Token: ocpi.Token{UID: "T"}, LocationID: "LOC-201", EVSEUID: "X"}, ocpi.CommandResponseRejected},
		{"unknown session", &ocpi.StopSession{ResponseURL: url, SessionID: "NOPE"}, ocpi.CommandResponseUnknownSession},
		{"unknown reservation", &ocpi.CancelReservation{ResponseURL: url, ReservationID: "NOPE"}, ocpi.CommandResponseRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.router.Submit(context.Background(), f.partner, emsp, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Result)
			assert.NotNil(t, resp.Message)
		})
	}
	assert.Empty(t, f.transport.requests())
	assert.Empty(t, f.store.correlations)
}

func TestSubmit_InvalidPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Submit(context.Background(), f.partner, emsp, &ocpi.StopSession{ResponseURL: "not a url", SessionID: "S"})
	assert.ErrorIs(t, err, ocpi.ErrBadRequest)
}

func TestSubmit_TransportFailure(t *testing.T) {
	f := newFixture(t)
	f.transport.err = fmt.Errorf("%w: gateway down", ocpi.ErrUpstreamUnavailable)

	_, err := f.router.Submit(context.Background(), f.partner, emsp, &ocpi.StopSession{
		ResponseURL: f.responses.srv.URL + "/stop",
		SessionID:   "SESSION-1",
	})
	assert.ErrorIs(t, err, ocpi.ErrUpstreamUnavailable)

	require.Len(t, f.store.correlations, 1)
	for id, rec := range f.store.correlations {
		assert.Equal(t, string(ocpi.CommandFailed), rec.Status)

		// the record is closed, a late answer is dropped
		err := f.router.HandleDeviceCallback(context.Background(), 7, ocpp.Version16, ocpi.CommandStopSession, id, accepted(t))
		assert.ErrorIs(t, err, ocpi.ErrNotFound)
	}
	assert.Empty(t, f.responses.received())
}

func TestSubmit_StorageFailureSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.store.createErr = errors.New("connection refused")

	_, err := f.router.Submit(context.Background(), f.partner, emsp, f.startSession("CS01*1"))
	require.Error(t, err)
	assert.Empty(t, f.transport.requests())
}

func TestSubmit_ConcurrentCommandsGetDistinctIDs(t *testing.T) {
	f := newFixture(t)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.router.Submit(context.Background(), f.partner, emsp, f.startSession("CS01*1"))
			assert.NoError(t, err)
			if resp != nil {
				assert.Equal(t, ocpi.CommandResponseAccepted, resp.Result)
			}
		}()
	}
	wg.Wait()

	sent := f.transport.requests()
	require.Len(t, sent, n)
	correlationIDs := make(map[string]bool)
	for _, req := range sent {
		correlationIDs[req.CorrelationID] = true
	}
	assert.Len(t, correlationIDs, n)
	assert.Equal(t, n, f.store.counters["CS01/remote_start"])
}

func TestHandleDeviceCallback_UnknownCorrelation(t *testing.T) {
	f := newFixture(t)

	err := f.router.HandleDeviceCallback(context.Background(), 7, ocpp.Version201, ocpi.CommandStartSession, "not-a-uuid", accepted(t))
	assert.ErrorIs(t, err, ocpi.ErrNotFound)

	err = f.router.HandleDeviceCallback(context.Background(), 7, ocpp.Version201, ocpi.CommandStartSession, "0f8fad5b-d9cb-469f-a165-70867728950e", accepted(t))
	assert.ErrorIs(t, err, ocpi.ErrNotFound)

	assert.Empty(t, f.responses.received())
}

func TestHandleDeviceCallback_DeviceTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Submit(ctx, f.partner, emsp, f.startSession("CS01*1"))
	require.NoError(t, err)
	correlationID := f.transport.requests()[0].CorrelationID

	body := ocpp.NewErrorEnvelope(ocpp.ErrorCodeTimeout, "station did not answer")
	require.NoError(t, f.router.HandleDeviceCallback(ctx, 7, ocpp.Version201, ocpi.CommandStartSession, correlationID, body))

	results := f.responses.received()
	require.Len(t, results, 1)
	assert.Equal(t, ocpi.CommandResultTimeout, results[0].Result)
	require.NotNil(t, results[0].Message)
	assert.Contains(t, results[0].Message.Text, "station did not answer")
	assert.Equal(t, string(ocpi.CommandResultTimeout), f.store.record(correlationID).Result)
}

func TestHandleDeviceCallback_ConcurrentAnswersDeliverOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Submit(ctx, f.partner, emsp, f.startSession("CS01*1"))
	require.NoError(t, err)
	correlationID := f.transport.requests()[0].CorrelationID

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.router.HandleDeviceCallback(ctx, 7, ocpp.Version201, ocpi.CommandStartSession, correlationID, accepted(t))
		}()
	}
	wg.Wait()

	assert.Len(t, f.responses.received(), 1)
}

func TestHandleDeviceCallback_StoredCommandTypeDecides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Submit(ctx, f.partner, emsp, &ocpi.UnlockConnector{
		ResponseURL: f.responses.srv.URL + "/unlock",
		LocationID:  "LOC-201",
		EVSEUID:     "CS01*1",
		ConnectorID: "1",
	})
	require.NoError(t, err)
	correlationID := f.transport.requests()[0].CorrelationID

	// the route names another command; the record is read as UNLOCK_CONNECTOR
	require.NoError(t, f.router.HandleDeviceCallback(ctx, 7, ocpp.Version201, ocpi.CommandStartSession, correlationID, answer(t, "Unlocked")))

	results := f.responses.received()
	require.Len(t, results, 1)
	assert.Equal(t, ocpi.CommandResultAccepted, results[0].Result)
}

func TestReserveNow_StationAnswerSettlesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.evses["LOC-17/CS17*1"] = &models.Target{
		ChargePointID:   "CS17",
		OCPPVersion:     ocpp.Version16,
		FeatureProfiles: []string{"core", "reservation"},
		LocationID:      "LOC-17",
		EVSEUID:         "CS17*1",
		EVSEID:          1,
	}
	reserve := func() string {
		resp, err := f.router.Submit(ctx, f.partner, emsp, &ocpi.ReserveNow{
			ResponseURL:   f.responses.srv.URL + "/reserve",
			Token:         ocpi.Token{UID: "TAG1"},
			ExpiryDate:    time.Now().Add(time.Hour),
			ReservationID: "R1",
			LocationID:    "LOC-17",
			EVSEUID:       "CS17*1",
		})
		require.NoError(t, err)
		require.Equal(t, ocpi.CommandResponseAccepted, resp.Result)
		sent := f.transport.requests()
		return sent[len(sent)-1].CorrelationID
	}

	// rejected: the pending reservation is forgotten
	id := reserve()
	require.NotNil(t, f.store.reservation("R1"))
	assert.Equal(t, "R1", f.store.record(id).Context.ReservationID)
	require.NoError(t, f.router.HandleDeviceCallback(ctx, 7, ocpp.Version16, ocpi.CommandReserveNow, id, answer(t, "Rejected")))
	assert.Nil(t, f.store.reservation("R1"))

	// accepted: the reservation is confirmed
	id = reserve()
	require.NoError(t, f.router.HandleDeviceCallback(ctx, 7, ocpp.Version16, ocpi.CommandReserveNow, id, accepted(t)))
	held := f.store.reservation("R1")
	require.NotNil(t, held)
	assert.True(t, held.Confirmed)
	assert.Equal(t, 2, held.DeviceReservationID)

	// a rejected replacement keeps the reservation the station already holds
	id = reserve()
	require.NoError(t, f.router.HandleDeviceCallback(ctx, 7, ocpp.Version16, ocpi.CommandReserveNow, id, answer(t, "Occupied")))
	held = f.store.reservation("R1")
	require.NotNil(t, held)
	assert.True(t, held.Confirmed)

	sent := f.transport.requests()
	require.Len(t, sent, 3)
	assert.Equal(t, "ReserveNow", sent[2].Action())

	results := f.responses.received()
	require.Len(t, results, 3)
	assert.Equal(t, ocpi.CommandResultRejected, results[0].Result)
	assert.Equal(t, ocpi.CommandResultAccepted, results[1].Result)
	assert.Equal(t, ocpi.CommandResultEVSEOccupied, results[2].Result)
}
