package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/dispatch"
	"github.com/caretide/dispatch/gateway"
	caretest "github.com/caretide/dispatch/internal/testing"
	"github.com/caretide/dispatch/roster"
)

type recordingMessenger struct {
	mu     sync.Mutex
	offers []gateway.Offer
}

func (m *recordingMessenger) SendOffer(_ context.Context, offer gateway.Offer) (string, error) {
	m.mu.Lock()
	m.offers = append(m.offers, offer)
	m.mu.Unlock()
	return uuid.NewString(), nil
}

func (m *recordingMessenger) SendNotice(_ context.Context, _ gateway.Notice) error { return nil }

func (m *recordingMessenger) lastOffer(t *testing.T) gateway.Offer {
	t.Helper()
	var offer gateway.Offer
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.offers) == 0 {
			return false
		}
		offer = m.offers[len(m.offers)-1]
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return offer
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *recordingMessenger) {
	t.Helper()
	conn := caretest.CreateTestDB(t)

	rosterStore := roster.NewStore(conn)
	require.NoError(t, rosterStore.UpsertCaregiver(context.Background(), roster.Caregiver{
		ID: "cg-1", Name: "Ada", Channel: roster.ChannelSMS, Address: "+15550101", Tags: []string{"cna"},
	}))

	cfg := &config.Config{}
	cfg.Outreach = config.OutreachConfig{
		WaveSize: 1, WaveTimeoutSeconds: 600, UrgentWaveSize: 3,
		UrgentThresholdMinutes: 120, SendRetries: 0, SendBackoffSeconds: 1,
	}
	cfg.Escalation = config.EscalationConfig{AgeFraction: 0.75, DispatcherTarget: "dispatcher@test"}
	cfg.Server = config.ServerConfig{AllowedOrigins: []string{"*"}}

	messenger := &recordingMessenger{}
	engine := dispatch.NewEngine(conn, messenger, nil, cfg, zap.NewNop().Sugar())
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)

	srv := New(engine, cfg.Server, zap.NewNop().Sugar())
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	srv.wg.Add(1)
	go srv.runBroadcaster()
	t.Cleanup(func() {
		srv.cancel()
		srv.wg.Wait()
	})

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts, messenger
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func openShiftViaAPI(t *testing.T, baseURL string) dispatch.Shift {
	t.Helper()
	start := time.Now().UTC().Add(24 * time.Hour)
	resp := postJSON(t, baseURL+"/api/shifts", dispatch.ShiftSpec{
		ClientID:     "client-1",
		StartAt:      start,
		EndAt:        start.Add(4 * time.Hour),
		RequiredTags: []string{"cna"},
		Actor:        "coordinator",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sh dispatch.Shift
	decodeBody(t, resp, &sh)
	return sh
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestShiftLifecycleViaAPI(t *testing.T) {
	_, ts, messenger := newTestServer(t)

	sh := openShiftViaAPI(t, ts.URL)
	offer := messenger.lastOffer(t)
	assert.Equal(t, "cg-1", offer.CaregiverID)

	resp := postJSON(t, ts.URL+"/api/replies", gateway.InboundReply{
		ReplyID:     uuid.NewString(),
		ShiftID:     sh.ID,
		CaregiverID: "cg-1",
		Intent:      "accept",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/shifts/" + sh.ID)
		if err != nil {
			return false
		}
		var detail ShiftDetail
		decodeBody(t, resp, &detail)
		return detail.Shift.State == dispatch.StateFilled
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/shifts/" + sh.ID)
	require.NoError(t, err)
	var detail ShiftDetail
	decodeBody(t, resp, &detail)
	require.NotNil(t, detail.Decision)
	assert.Equal(t, "cg-1", detail.Decision.WinnerID)
	require.Len(t, detail.Candidates, 1)
	assert.Equal(t, dispatch.StatusAccepted, detail.Candidates[0].Status)

	// Replay derived from the audit log matches the live outcome.
	resp, err = http.Get(ts.URL + "/api/shifts/" + sh.ID + "/replay")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replay map[string]any
	decodeBody(t, resp, &replay)
	assert.Equal(t, "filled", replay["shift_state"])
	assert.Equal(t, "cg-1", replay["winner_id"])
}

func TestCancelConflict(t *testing.T) {
	_, ts, _ := newTestServer(t)
	sh := openShiftViaAPI(t, ts.URL)

	resp := postJSON(t, ts.URL+"/api/shifts/"+sh.ID+"/cancel", actorRequest{Actor: "coordinator"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/shifts/"+sh.ID+"/cancel", actorRequest{Actor: "coordinator"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownShiftIs404(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/shifts/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/shifts/nope/cancel", actorRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestForceAssignRequiresCaregiver(t *testing.T) {
	_, ts, _ := newTestServer(t)
	sh := openShiftViaAPI(t, ts.URL)

	resp := postJSON(t, ts.URL+"/api/shifts/"+sh.ID+"/assign", map[string]string{"actor": "dispatcher"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWebsocketStreamsAuditEntries(t *testing.T) {
	_, ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sh := openShiftViaAPI(t, ts.URL)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg EntryMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "audit_entry", msg.Type)
	assert.Equal(t, sh.ID, msg.Entry.ShiftID)
}
