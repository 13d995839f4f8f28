package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedsig/threatnet/internal/fabric"
	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/notify"
	"github.com/fedsig/threatnet/internal/trust"
	"github.com/fedsig/threatnet/pkg/models"
)

// Read-heavy dashboard endpoints are memoized briefly so a polling UI does
// not hammer the store.
const statsCacheTTL = 5 * time.Second

type APIHandler struct {
	agg      *intel.Aggregator
	trustMgr *trust.Manager
	hub      *fabric.Hub
	notifier *notify.Notifier
	memo     *cache.Cache
}

func SetupRouter(agg *intel.Aggregator, trustMgr *trust.Manager, hub *fabric.Hub, notifier *notify.Notifier) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://soc.example.org
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		agg:      agg,
		trustMgr: trustMgr,
		hub:      hub,
		notifier: notifier,
		memo:     cache.New(statsCacheTTL, time.Minute),
	}

	limiter := NewRateLimiter(300, 60)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.GET("/status", handler.handleStatus)
		api.GET("/clients", handler.handleClients)
		api.GET("/clients/:id", handler.handleClient)
		api.GET("/iocs", handler.handleQueryIOCs)
		api.GET("/iocs/:id", handler.handleGetIOC)
		api.GET("/sync_intel", handler.handleSyncIntel)
		api.GET("/trust_scores", handler.handleTrustScores)
		api.GET("/trust_scores/:id", handler.handleTrustScore)
		api.GET("/notifications", handler.handleNotifications)
		api.GET("/health", handler.handleHealth)

		// The bidirectional agent channel.
		api.GET("/stream", hub.Subscribe)

		// Mutating routes require a bearer token when one is configured.
		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/report_threat", handler.handleReportThreat)
			protected.POST("/iocs/:id/expire", handler.handleExpire)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// statusForKind maps boundary error kinds onto HTTP status codes.
func statusForKind(kind intel.Kind) int {
	switch kind {
	case intel.KindBadRequest:
		return http.StatusBadRequest
	case intel.KindNotFound:
		return http.StatusNotFound
	case intel.KindConflict:
		return http.StatusConflict
	case intel.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) abortWith(c *gin.Context, err error) {
	kind := intel.KindOf(err)
	c.JSON(statusForKind(kind), gin.H{"error": err.Error(), "kind": string(kind)})
}

func (h *APIHandler) handleStatus(c *gin.Context) {
	if cached, ok := h.memo.Get("status"); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	ctx := c.Request.Context()
	counts, err := h.agg.Stats(ctx)
	if err != nil {
		h.abortWith(c, err)
		return
	}
	snapshot, err := h.trustMgr.Snapshot(ctx)
	if err != nil {
		h.abortWith(c, err)
		return
	}

	stats := models.SystemStats{
		TotalClients:  len(snapshot),
		OnlineClients: h.hub.OnlineCount(),
		VerifiedIOCs:  counts[models.StatusVerified],
		PendingIOCs:   counts[models.StatusPending],
	}
	for _, n := range counts {
		stats.TotalIOCs += n
	}
	var sum float64
	for _, score := range snapshot {
		sum += score.Value
		if score.Value >= 0.8 {
			stats.HighTrustClients++
		}
		if score.Value < 0.3 {
			stats.LowTrustClients++
		}
	}
	if len(snapshot) > 0 {
		stats.AverageTrust = sum / float64(len(snapshot))
	}

	h.memo.Set("status", stats, cache.DefaultExpiration)
	c.JSON(http.StatusOK, stats)
}

// clientView joins the fabric's presence data with the trust engine's view.
type clientView struct {
	models.ClientProfile
	TrustScore      float64   `json:"trust_score"`
	ReportsTotal    int       `json:"reports_total"`
	ReportsAccepted int       `json:"reports_accepted"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

func (h *APIHandler) handleClients(c *gin.Context) {
	snapshot, err := h.trustMgr.Snapshot(c.Request.Context())
	if err != nil {
		h.abortWith(c, err)
		return
	}

	profiles := make(map[string]models.ClientProfile)
	for _, p := range h.hub.Clients() {
		profiles[p.ClientID] = p
	}

	views := make([]clientView, 0, len(snapshot))
	for clientID, score := range snapshot {
		view := clientView{
			ClientProfile:   models.ClientProfile{ClientID: clientID},
			TrustScore:      score.Value,
			ReportsTotal:    score.ReportsTotal,
			ReportsAccepted: score.ReportsAccepted,
			LastHeartbeatAt: score.LastHeartbeatAt,
		}
		if p, ok := profiles[clientID]; ok {
			view.ClientProfile = p
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"clients": views, "count": len(views)})
}

func (h *APIHandler) handleClient(c *gin.Context) {
	clientID := c.Param("id")
	ctx := c.Request.Context()

	score, err := h.trustMgr.Get(ctx, clientID)
	if err != nil {
		h.abortWith(c, err)
		return
	}
	view := clientView{
		ClientProfile:   models.ClientProfile{ClientID: clientID},
		TrustScore:      score.Value,
		ReportsTotal:    score.ReportsTotal,
		ReportsAccepted: score.ReportsAccepted,
		LastHeartbeatAt: score.LastHeartbeatAt,
	}
	for _, p := range h.hub.Clients() {
		if p.ClientID == clientID {
			view.ClientProfile = p
			break
		}
	}

	c.JSON(http.StatusOK, view)
}

func (h *APIHandler) handleQueryIOCs(c *gin.Context) {
	filter := models.IOCFilter{
		Status:      models.IOCStatus(c.Query("status")),
		Type:        models.IOCType(c.Query("type")),
		ThreatLevel: models.ThreatLevel(c.Query("threat_level")),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339", "kind": "bad_request"})
			return
		}
		filter.Since = t
	}

	iocs, err := h.agg.Query(c.Request.Context(), filter)
	if err != nil {
		h.abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"iocs": iocs, "count": len(iocs)})
}

func (h *APIHandler) handleGetIOC(c *gin.Context) {
	iocID := c.Param("id")
	ctx := c.Request.Context()

	ioc, err := h.agg.Get(ctx, iocID)
	if err != nil {
		h.abortWith(c, err)
		return
	}
	reports, err := h.agg.Reports(ctx, iocID)
	if err != nil {
		h.abortWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ioc": ioc, "reports": reports})
}

// handleReportThreat is the HTTP facade over the same submission path the
// event channel uses.
func (h *APIHandler) handleReportThreat(c *gin.Context) {
	var req models.ReportThreatPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "kind": "bad_request"})
		return
	}
	if req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required", "kind": "bad_request"})
		return
	}

	res, err := h.agg.Submit(c.Request.Context(), req.ClientID, req.IOC)
	if err != nil {
		h.abortWith(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (h *APIHandler) handleSyncIntel(c *gin.Context) {
	var cursor time.Time
	if raw := c.Query("cursor"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cursor must be RFC3339", "kind": "bad_request"})
			return
		}
		cursor = t
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "1000"))

	iocs, next, err := h.agg.PullSince(c.Request.Context(), cursor, limit)
	if err != nil {
		h.abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SyncResponsePayload{IOCs: iocs, Cursor: next, Count: len(iocs)})
}

func (h *APIHandler) handleTrustScores(c *gin.Context) {
	snapshot, err := h.trustMgr.Snapshot(c.Request.Context())
	if err != nil {
		h.abortWith(c, err)
		return
	}
	scores := make([]models.TrustScore, 0, len(snapshot))
	for _, s := range snapshot {
		scores = append(scores, s)
	}
	c.JSON(http.StatusOK, gin.H{"trust_scores": scores, "count": len(scores)})
}

func (h *APIHandler) handleTrustScore(c *gin.Context) {
	clientID := c.Param("id")
	ctx := c.Request.Context()

	score, err := h.trustMgr.Get(ctx, clientID)
	if err != nil {
		h.abortWith(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("history", "50"))
	events, err := h.trustMgr.History(ctx, clientID, limit)
	if err != nil {
		h.abortWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trust_score": score, "history": events})
}

func (h *APIHandler) handleExpire(c *gin.Context) {
	if err := h.agg.Expire(c.Request.Context(), c.Param("id")); err != nil {
		h.abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "expired"})
}

func (h *APIHandler) handleNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"notifications": h.notifier.Recent(limit)})
}

// handleHealth reports liveness and coordinator capabilities for service
// discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"coordinator": "ThreatNet Exchange Coordinator v1.0",
		"capabilities": gin.H{
			"consensus_verification": true,
			"trust_weighting":        true,
			"trust_decay":            true,
			"event_stream":           true,
			"cursor_sync":            true,
			"webhooks":               true,
		},
		"online_clients": h.hub.OnlineCount(),
	})
}
