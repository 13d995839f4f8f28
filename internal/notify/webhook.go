// Package notify pushes verified-IOC notifications to external receivers.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fedsig/threatnet/pkg/models"
)

// Notification is the webhook payload for a consensus promotion. The JSON
// shape works as-is for Slack incoming webhooks, SIEM collectors, and
// generic HTTP receivers.
type Notification struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	ThreatLevel string     `json:"threat_level"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	IOC         models.IOC `json:"ioc"`
}

// Endpoint is a registered webhook receiver.
type Endpoint struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Enabled        bool              `json:"enabled"`
	Headers        map[string]string `json:"headers,omitempty"`
	MinThreatLevel string            `json:"min_threat_level"`
}

// Notifier delivers verified-IOC notifications to webhook endpoints and
// keeps a bounded in-memory history for the API.
type Notifier struct {
	mu         sync.RWMutex
	endpoints  []Endpoint
	recent     []Notification
	maxHistory int
	httpClient *http.Client
}

func NewNotifier() *Notifier {
	return &Notifier{
		maxHistory: 1000,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Register adds a webhook endpoint. Notifications below minThreatLevel are
// filtered out for this endpoint.
func (n *Notifier) Register(name, url, minThreatLevel string, headers map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.endpoints = append(n.endpoints, Endpoint{
		Name:           name,
		URL:            url,
		Enabled:        true,
		Headers:        headers,
		MinThreatLevel: minThreatLevel,
	})

	log.Printf("[Notifier] Registered webhook: %s → %s (min: %s)", name, url, minThreatLevel)
}

// Remove drops a webhook by name.
func (n *Notifier) Remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, ep := range n.endpoints {
		if ep.Name == name {
			n.endpoints = append(n.endpoints[:i], n.endpoints[i+1:]...)
			return
		}
	}
}

// NotifyVerified records and fans out a verification event. Delivery is
// async and best-effort so it never stalls the reporting path.
func (n *Notifier) NotifyVerified(ioc models.IOC) {
	note := Notification{
		ID:          "verified-" + ioc.ID,
		Timestamp:   time.Now().UTC(),
		ThreatLevel: string(ioc.ThreatLevel),
		Title:       "IOC verified by consensus",
		Description: fmt.Sprintf("%s %s confirmed by %d reporters", ioc.Type, ioc.Value, ioc.ReportCount),
		IOC:         ioc,
	}

	n.mu.Lock()
	n.recent = append(n.recent, note)
	if len(n.recent) > n.maxHistory {
		n.recent = n.recent[len(n.recent)-n.maxHistory:]
	}
	endpoints := make([]Endpoint, len(n.endpoints))
	copy(endpoints, n.endpoints)
	n.mu.Unlock()

	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		if !levelMeetsThreshold(ioc.ThreatLevel, ep.MinThreatLevel) {
			continue
		}
		go n.send(ep, note)
	}

	log.Printf("[Notifier] [%s] verified %s %s (%d reporters)",
		ioc.ThreatLevel, ioc.Type, ioc.Value, ioc.ReportCount)
}

// Recent returns the newest notifications first.
func (n *Notifier) Recent(limit int) []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if limit <= 0 || limit > len(n.recent) {
		limit = len(n.recent)
	}
	start := len(n.recent) - limit
	out := make([]Notification, limit)
	for i := 0; i < limit; i++ {
		out[i] = n.recent[start+limit-1-i]
	}
	return out
}

func (n *Notifier) send(ep Endpoint, note Notification) {
	payload, err := json.Marshal(note)
	if err != nil {
		log.Printf("[Notifier] Failed to marshal notification: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[Notifier] Failed to create request for %s: %v", ep.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range ep.Headers {
		req.Header.Set(key, val)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Printf("[Notifier] Failed to send to %s: %v", ep.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Notifier] %s returned status %d", ep.Name, resp.StatusCode)
	}
}

func levelMeetsThreshold(level models.ThreatLevel, minimum string) bool {
	return level.Rank() >= models.ThreatLevel(minimum).Rank()
}
