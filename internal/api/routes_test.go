package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedsig/threatnet/internal/fabric"
	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/notify"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/internal/trust"
	"github.com/fedsig/threatnet/pkg/models"
)

func newTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	trustMgr := trust.NewManager(st, trust.Config{
		InitialTrust: 0.5, MinTrust: 0.1, MaxTrust: 1.0,
		DecayRate: 0.95, DecayInterval: time.Hour,
		LearningRate: 0.25, ContributionNorm: 50,
		ResponsivenessTau: time.Minute, ConsistencyWindow: 20,
		WeightAccuracy: 0.4, WeightContribution: 0.2,
		WeightResponsiveness: 0.2, WeightConsistency: 0.2,
	})
	agg := intel.NewAggregator(st, trustMgr, trustMgr, intel.Config{
		// Initial-trust reporters can reach consensus in tests.
		Consensus: intel.ConsensusConfig{Threshold: 2, TrustAvg: 0.5, CriticalTrustBypass: 0.8},
		IOCTTL:    30 * 24 * time.Hour,
	})
	hub := fabric.NewHub(agg, trustMgr, fabric.Config{
		QueueSize: 64, HandlerTimeout: time.Second,
		InitialSyncLimit: 100, HeartbeatInterval: 30 * time.Second,
	})
	agg.SetVerifiedHook(hub.BroadcastVerified)

	return SetupRouter(agg, trustMgr, hub, notify.NewNotifier())
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func reportBody(clientID, value string, level models.ThreatLevel) models.ReportThreatPayload {
	return models.ReportThreatPayload{
		ClientID: clientID,
		IOC: models.IOCPayload{
			Type: models.IOCTypeDomain, Value: value, ThreatLevel: level,
		},
	}
}

func TestReportThreat_CreateThenVerify(t *testing.T) {
	r := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "evil.example.com", models.ThreatHigh))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var first models.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Created)
	assert.Equal(t, models.StatusPending, first.Status)

	w = doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("bravo", "EVIL.example.com.", models.ThreatHigh))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var second models.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.IOCID, second.IOCID, "different surface forms must dedup")
	assert.True(t, second.NewlyVerified)
	assert.Equal(t, models.StatusVerified, second.Status)
}

func TestReportThreat_BadPayload(t *testing.T) {
	r := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("", "evil.example.com", models.ThreatHigh))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "", models.ThreatHigh))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bad_request")
}

func TestGetIOC_WithProvenance(t *testing.T) {
	r := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "evil.example.com", models.ThreatHigh))
	var res models.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = doJSON(t, r, http.MethodGet, "/api/v1/iocs/"+res.IOCID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		IOC     models.IOC         `json:"ioc"`
		Reports []models.IOCReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, res.IOCID, payload.IOC.ID)
	require.Len(t, payload.Reports, 1)
	assert.Equal(t, "alpha", payload.Reports[0].ClientID)
	assert.InDelta(t, 0.5, payload.Reports[0].TrustAtReport, 1e-9)
}

func TestGetIOC_NotFound(t *testing.T) {
	r := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/iocs/doesnotexist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestQueryIOCs_Filters(t *testing.T) {
	r := newTestServer(t)

	doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "one.example.com", models.ThreatHigh))
	doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "two.example.com", models.ThreatLow))

	w := doJSON(t, r, http.MethodGet, "/api/v1/iocs?threat_level=high", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		IOCs  []models.IOC `json:"iocs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Count)
	assert.Equal(t, models.ThreatHigh, payload.IOCs[0].ThreatLevel)

	w = doJSON(t, r, http.MethodGet, "/api/v1/iocs?since=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExpire_ConflictOnRepeat(t *testing.T) {
	r := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "evil.example.com", models.ThreatHigh))
	var res models.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/iocs/%s/expire", res.IOCID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/iocs/%s/expire", res.IOCID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSyncIntel_CursorPaging(t *testing.T) {
	r := newTestServer(t)

	for _, v := range []string{"a.example.com", "b.example.com"} {
		doJSON(t, r, http.MethodPost, "/api/v1/report_threat", reportBody("alpha", v, models.ThreatHigh))
		doJSON(t, r, http.MethodPost, "/api/v1/report_threat", reportBody("bravo", v, models.ThreatHigh))
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/sync_intel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page models.SyncResponsePayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.False(t, page.Cursor.IsZero())

	// The advanced cursor excludes everything already delivered.
	w = doJSON(t, r, http.MethodGet,
		"/api/v1/sync_intel?cursor="+page.Cursor.UTC().Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var next models.SyncResponsePayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	assert.Equal(t, 0, next.Count)

	w = doJSON(t, r, http.MethodGet, "/api/v1/sync_intel?cursor=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatus_Summary(t *testing.T) {
	r := newTestServer(t)

	doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "evil.example.com", models.ThreatHigh))

	w := doJSON(t, r, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.SystemStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalIOCs)
	assert.Equal(t, 1, stats.PendingIOCs)
	assert.Equal(t, 1, stats.TotalClients)
	assert.InDelta(t, 0.5, stats.AverageTrust, 1e-9)
}

func TestTrustScores_Endpoints(t *testing.T) {
	r := newTestServer(t)

	doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "evil.example.com", models.ThreatHigh))

	w := doJSON(t, r, http.MethodGet, "/api/v1/trust_scores", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alpha")

	w = doJSON(t, r, http.MethodGet, "/api/v1/trust_scores/alpha", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		TrustScore models.TrustScore   `json:"trust_score"`
		History    []models.TrustEvent `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "alpha", payload.TrustScore.ClientID)
}

func TestHealth(t *testing.T) {
	r := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "operational")
}

func TestAuth_TokenRequiredWhenConfigured(t *testing.T) {
	t.Setenv("API_AUTH_TOKEN", "sekrit")
	r := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/report_threat",
		reportBody("alpha", "evil.example.com", models.ThreatHigh))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Reads stay public.
	w = doJSON(t, r, http.MethodGet, "/api/v1/iocs", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/report_threat", bytes.NewBufferString(`{
		"client_id": "alpha",
		"ioc": {"type": "domain", "value": "evil.example.com", "threat_level": "high"}
	}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
