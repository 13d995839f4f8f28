package models

import (
	"encoding/json"
	"time"
)

// Wire events for the bidirectional client channel. Every frame is a JSON
// Envelope; Data carries one of the payload structs below.

const (
	// Inbound (client → coordinator)
	EventRegister     = "register"
	EventHeartbeat    = "heartbeat"
	EventReportThreat = "report_threat"
	EventSyncRequest  = "sync_request"

	// Outbound (coordinator → client)
	EventRegistered   = "registered"
	EventReportAck    = "report_ack"
	EventReportNack   = "report_nack"
	EventIOCVerified  = "ioc_verified"
	EventClientStatus = "client_status"
	EventSyncResponse = "sync_response"
)

// Envelope frames every message on the event channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RegisterPayload struct {
	ClientID string `json:"client_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

type HeartbeatPayload struct {
	ClientID string    `json:"client_id"`
	At       time.Time `json:"at"`
}

type ReportThreatPayload struct {
	ClientID string     `json:"client_id"`
	IOC      IOCPayload `json:"ioc"`
}

type SyncRequestPayload struct {
	ClientID string    `json:"client_id"`
	Cursor   time.Time `json:"cursor"`
}

type RegisteredPayload struct {
	ClientID   string  `json:"client_id"`
	TrustScore float64 `json:"trust_score"`
	Status     string  `json:"status"`
}

type ReportAckPayload struct {
	IOCID  string    `json:"ioc_id"`
	Status IOCStatus `json:"status"`
}

type ReportNackPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type IOCVerifiedPayload struct {
	IOC IOC `json:"ioc"`
}

type ClientStatusPayload struct {
	ClientID string  `json:"client_id"`
	Online   bool    `json:"online"`
	Trust    float64 `json:"trust"`
}

type SyncResponsePayload struct {
	IOCs   []IOC     `json:"iocs"`
	Cursor time.Time `json:"cursor"`
	Count  int       `json:"count"`
}
