package fabric

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fedsig/threatnet/internal/metrics"
	"github.com/fedsig/threatnet/pkg/models"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 256 * 1024
)

// Session is one live client connection. writePump owns all writes to the
// conn and readPump owns all reads, so the two never race on the socket.
type Session struct {
	hub   *Hub
	conn  *websocket.Conn
	queue *outQueue
	done  chan struct{}
	once  sync.Once

	mu            sync.Mutex
	clientID      string // empty until a register event binds it
	lastHeartbeat time.Time
}

func newSession(hub *Hub, conn *websocket.Conn, queueSize int) *Session {
	return &Session{
		hub:   hub,
		conn:  conn,
		queue: newOutQueue(queueSize),
		done:  make(chan struct{}),
	}
}

// ClientID returns the bound client id, or "" before registration.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) bind(clientID string) {
	s.mu.Lock()
	s.clientID = clientID
	s.lastHeartbeat = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) touchHeartbeat(at time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = at
	s.mu.Unlock()
}

func (s *Session) heartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// send enqueues one outbound event, honoring the back-pressure policy.
// An overflow of must-deliver events closes the session; the client
// reconnects and recovers through sync_request.
func (s *Session) send(event string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s payload: %v", event, err)
		return
	}
	payload, _ := json.Marshal(models.Envelope{Event: event, Data: raw})

	dropped, err := s.queue.push(event, payload)
	if dropped {
		metrics.DroppedEventsTotal.WithLabelValues(event).Inc()
	}
	switch err {
	case nil, errQueueClosed:
	case errQueueOverflow:
		log.Printf("[Hub] Outbound queue overflow for %.8s, closing session", s.ClientID())
		s.close()
	}
}

// close tears the session down exactly once. Any in-flight outbound
// deliveries are abandoned immediately.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.queue.close()
		s.conn.Close()
		s.hub.removeSession(s)
	})
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. The only goroutine writing to conn.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.queue.wait():
			for {
				item, ok := s.queue.pop()
				if !ok {
					break
				}
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, item.payload); err != nil {
					log.Printf("[Hub] Write failed for %.8s: %v", s.ClientID(), err)
					return
				}
			}
		}
	}
}

// readPump reads inbound envelopes and dispatches them. The only goroutine
// reading from conn.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] Read error for %.8s: %v", s.ClientID(), err)
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.send(models.EventReportNack, models.ReportNackPayload{
				Error: "malformed envelope", Kind: "bad_request",
			})
			continue
		}
		s.hub.dispatch(s, env)
	}
}
