package fabric

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/metrics"
	"github.com/fedsig/threatnet/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents connect from arbitrary fleet addresses
	},
}

// IntelService is the aggregator surface the hub drives.
type IntelService interface {
	Submit(ctx context.Context, clientID string, payload models.IOCPayload) (models.SubmitResult, error)
	PullSince(ctx context.Context, cursor time.Time, limit int) ([]models.IOC, time.Time, error)
}

// TrustService is the trust surface the hub drives.
type TrustService interface {
	Get(ctx context.Context, clientID string) (models.TrustScore, error)
	RegisterHeartbeat(ctx context.Context, clientID string, at time.Time) error
}

// Config tunes the distribution fabric.
type Config struct {
	QueueSize         int
	HandlerTimeout    time.Duration
	InitialSyncLimit  int
	HeartbeatInterval time.Duration
}

// Hub is the connection registry and event bus binding connected agents to
// the aggregator and trust engine. Every connected client is subscribed to
// verified-IOC events; sync cursors survive disconnects.
type Hub struct {
	agg   IntelService
	trust TrustService
	cfg   Config

	mu       sync.RWMutex
	sessions map[string]*Session
	profiles map[string]models.ClientProfile
	cursors  map[string]time.Time
}

// NewHub builds the fabric over the aggregator and trust engine.
func NewHub(agg IntelService, trust TrustService, cfg Config) *Hub {
	return &Hub{
		agg:      agg,
		trust:    trust,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		profiles: make(map[string]models.ClientProfile),
		cursors:  make(map[string]time.Time),
	}
}

// Subscribe upgrades an HTTP request to the bidirectional event channel.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] Failed to upgrade websocket: %v", err)
		return
	}
	s := newSession(h, conn, h.cfg.QueueSize)
	go s.writePump()
	go s.readPump()
}

// dispatch routes one inbound envelope. It runs on the session's read
// goroutine, so a client's events are handled in order and to completion;
// different clients proceed in parallel.
func (h *Hub) dispatch(s *Session, env models.Envelope) {
	if env.Event != models.EventRegister && s.ClientID() == "" {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "register before sending events", Kind: string(intel.KindBadRequest),
		})
		return
	}

	switch env.Event {
	case models.EventRegister:
		h.handleRegister(s, env.Data)
	case models.EventHeartbeat:
		h.handleHeartbeat(s, env.Data)
	case models.EventReportThreat:
		h.handleReport(s, env.Data)
	case models.EventSyncRequest:
		h.handleSync(s, env.Data)
	default:
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "unknown event " + env.Event, Kind: string(intel.KindBadRequest),
		})
	}
}

func (h *Hub) handlerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.HandlerTimeout)
}

func (h *Hub) handleRegister(s *Session, data json.RawMessage) {
	var p models.RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ClientID == "" {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "register requires client_id", Kind: string(intel.KindBadRequest),
		})
		return
	}

	ctx, cancel := h.handlerCtx()
	defer cancel()

	score, err := h.trust.Get(ctx, p.ClientID)
	if err != nil {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "registration failed", Kind: string(intel.KindOf(err)),
		})
		return
	}
	now := time.Now().UTC()
	if err := h.trust.RegisterHeartbeat(ctx, p.ClientID, now); err != nil {
		log.Printf("[Hub] Heartbeat write failed for %.8s: %v", p.ClientID, err)
	}

	s.bind(p.ClientID)

	h.mu.Lock()
	if old, ok := h.sessions[p.ClientID]; ok && old != s {
		// A reconnect supersedes the stale session.
		go old.close()
	}
	h.sessions[p.ClientID] = s
	h.profiles[p.ClientID] = models.ClientProfile{
		ClientID: p.ClientID,
		Hostname: p.Hostname,
		Version:  p.Version,
		Online:   true,
	}
	cursor := h.cursors[p.ClientID]
	sessionCount := len(h.sessions)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(sessionCount))

	log.Printf("[Hub] Client registered: %.8s (%s), trust %.3f", p.ClientID, p.Hostname, score.Value)

	s.send(models.EventRegistered, models.RegisteredPayload{
		ClientID: p.ClientID, TrustScore: score.Value, Status: "registered",
	})

	// Initial snapshot: everything verified past the preserved cursor, or
	// the freshest window for a first-time client.
	iocs, next, err := h.agg.PullSince(ctx, cursor, h.cfg.InitialSyncLimit)
	if err != nil {
		log.Printf("[Hub] Initial sync failed for %.8s: %v", p.ClientID, err)
	} else {
		h.setCursor(p.ClientID, next)
		s.send(models.EventSyncResponse, models.SyncResponsePayload{
			IOCs: iocs, Cursor: next, Count: len(iocs),
		})
	}

	h.broadcastStatus(p.ClientID, true, score.Value)
}

func (h *Hub) handleHeartbeat(s *Session, data json.RawMessage) {
	var p models.HeartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	clientID := s.ClientID()
	s.touchHeartbeat(at)

	ctx, cancel := h.handlerCtx()
	defer cancel()
	if err := h.trust.RegisterHeartbeat(ctx, clientID, at); err != nil {
		log.Printf("[Hub] Heartbeat write failed for %.8s: %v", clientID, err)
	}

	h.mu.Lock()
	if prof, ok := h.profiles[clientID]; ok && !prof.Online {
		prof.Online = true
		h.profiles[clientID] = prof
	}
	h.mu.Unlock()
}

func (h *Hub) handleReport(s *Session, data json.RawMessage) {
	var p models.ReportThreatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "malformed report_threat payload", Kind: string(intel.KindBadRequest),
		})
		return
	}
	clientID := s.ClientID()
	if p.ClientID != "" && p.ClientID != clientID {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "client_id does not match session", Kind: string(intel.KindBadRequest),
		})
		return
	}

	ctx, cancel := h.handlerCtx()
	defer cancel()

	res, err := h.agg.Submit(ctx, clientID, p.IOC)
	if err != nil {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: err.Error(), Kind: string(intel.KindOf(err)),
		})
		return
	}
	// The ioc_verified fan-out (if any) has already fired via the
	// aggregator's verified hook inside Submit.
	s.send(models.EventReportAck, models.ReportAckPayload{
		IOCID: res.IOCID, Status: res.Status,
	})
}

func (h *Hub) handleSync(s *Session, data json.RawMessage) {
	var p models.SyncRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "malformed sync_request payload", Kind: string(intel.KindBadRequest),
		})
		return
	}

	ctx, cancel := h.handlerCtx()
	defer cancel()

	iocs, next, err := h.agg.PullSince(ctx, p.Cursor, h.cfg.InitialSyncLimit)
	if err != nil {
		s.send(models.EventReportNack, models.ReportNackPayload{
			Error: "sync failed", Kind: string(intel.KindOf(err)),
		})
		return
	}
	h.setCursor(s.ClientID(), next)
	s.send(models.EventSyncResponse, models.SyncResponsePayload{
		IOCs: iocs, Cursor: next, Count: len(iocs),
	})
}

// BroadcastVerified fans a freshly verified IOC out to every live
// subscriber, the reporter included. Wired as the aggregator's verified
// hook, so it fires exactly once per promotion.
func (h *Hub) BroadcastVerified(ioc models.IOC) {
	metrics.BroadcastsTotal.WithLabelValues(models.EventIOCVerified).Inc()
	for _, s := range h.liveSessions() {
		s.send(models.EventIOCVerified, models.IOCVerifiedPayload{IOC: ioc})
	}
}

func (h *Hub) broadcastStatus(clientID string, online bool, trust float64) {
	metrics.BroadcastsTotal.WithLabelValues(models.EventClientStatus).Inc()
	payload := models.ClientStatusPayload{ClientID: clientID, Online: online, Trust: trust}
	for _, s := range h.liveSessions() {
		s.send(models.EventClientStatus, payload)
	}
}

func (h *Hub) liveSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) setCursor(clientID string, cursor time.Time) {
	if clientID == "" {
		return
	}
	h.mu.Lock()
	h.cursors[clientID] = cursor
	h.mu.Unlock()
}

// removeSession marks the client offline and preserves its sync cursor.
// Called from Session.close.
func (h *Hub) removeSession(s *Session) {
	clientID := s.ClientID()
	if clientID == "" {
		return
	}

	h.mu.Lock()
	if h.sessions[clientID] != s {
		// Superseded by a reconnect; the registry already moved on.
		h.mu.Unlock()
		return
	}
	delete(h.sessions, clientID)
	if prof, ok := h.profiles[clientID]; ok {
		prof.Online = false
		h.profiles[clientID] = prof
	}
	sessionCount := len(h.sessions)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(sessionCount))

	log.Printf("[Hub] Client disconnected: %.8s (%d online)", clientID, sessionCount)

	ctx, cancel := h.handlerCtx()
	defer cancel()
	score, err := h.trust.Get(ctx, clientID)
	if err != nil {
		log.Printf("[Hub] Trust read failed for %.8s: %v", clientID, err)
	}
	h.broadcastStatus(clientID, false, score.Value)
}

// ReapStale marks clients offline when their last heartbeat is older than
// three heartbeat intervals. Run periodically by the sweeper.
func (h *Hub) ReapStale(now time.Time) int {
	cutoff := now.Add(-3 * h.cfg.HeartbeatInterval)

	h.mu.Lock()
	var stale []string
	for clientID, s := range h.sessions {
		prof, ok := h.profiles[clientID]
		if !ok || !prof.Online {
			continue
		}
		if s.heartbeatAt().Before(cutoff) {
			prof.Online = false
			h.profiles[clientID] = prof
			stale = append(stale, clientID)
		}
	}
	h.mu.Unlock()

	for _, clientID := range stale {
		log.Printf("[Hub] Marking %.8s offline (missed heartbeats)", clientID)
		ctx, cancel := h.handlerCtx()
		score, err := h.trust.Get(ctx, clientID)
		cancel()
		if err != nil {
			log.Printf("[Hub] Trust read failed for %.8s: %v", clientID, err)
		}
		h.broadcastStatus(clientID, false, score.Value)
	}
	return len(stale)
}

// Clients returns every known profile, online and offline.
func (h *Hub) Clients() []models.ClientProfile {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.ClientProfile, 0, len(h.profiles))
	for _, p := range h.profiles {
		out = append(out, p)
	}
	return out
}

// OnlineCount returns the number of live sessions.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
