package models

import "time"

// IOCType tags the eight supported indicator classes. New types are added
// by extending this set and registering a canonicalizer for it.
type IOCType string

const (
	IOCTypeFileHash    IOCType = "file_hash"
	IOCTypeIPAddress   IOCType = "ip_address"
	IOCTypeDomain      IOCType = "domain"
	IOCTypeURL         IOCType = "url"
	IOCTypeEmail       IOCType = "email"
	IOCTypeRegistryKey IOCType = "registry_key"
	IOCTypeFilePath    IOCType = "file_path"
	IOCTypeProcessName IOCType = "process_name"
)

// ThreatLevel is ordered: low < medium < high < critical.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank returns the ordering rank of a threat level (-1 for unknown).
func (t ThreatLevel) Rank() int {
	switch t {
	case ThreatLow:
		return 0
	case ThreatMedium:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCritical:
		return 3
	}
	return -1
}

// IOCStatus is the lifecycle state of an indicator.
type IOCStatus string

const (
	StatusPending  IOCStatus = "pending"
	StatusVerified IOCStatus = "verified"
	StatusExpired  IOCStatus = "expired"
)

// IOC is a deduplicated indicator of compromise aggregated across reporters.
// ID is a pure function of (Type, canonical Value).
type IOC struct {
	ID          string            `json:"ioc_id"`
	Type        IOCType           `json:"ioc_type"`
	Value       string            `json:"value"`
	ThreatLevel ThreatLevel       `json:"threat_level"`
	Status      IOCStatus         `json:"status"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	ReportCount int               `json:"report_count"`
	VerifiedAt  *time.Time        `json:"verified_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IOCReport records one reporter's submission of one IOC.
// (IOCID, ClientID) is unique; re-submission only refreshes LastSeen.
type IOCReport struct {
	IOCID         string    `json:"ioc_id"`
	ClientID      string    `json:"client_id"`
	ReportedAt    time.Time `json:"reported_at"`
	LastSeen      time.Time `json:"last_seen"`
	TrustAtReport float64   `json:"reporter_trust_at_report"`
}

// IOCPayload is the reporter-supplied indicator body on the wire.
type IOCPayload struct {
	Type        IOCType           `json:"type"`
	Value       string            `json:"value"`
	ThreatLevel ThreatLevel       `json:"threat_level"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IOCFilter selects IOCs for query endpoints. Zero values mean "any".
type IOCFilter struct {
	Status      IOCStatus   `json:"status,omitempty"`
	Type        IOCType     `json:"ioc_type,omitempty"`
	ThreatLevel ThreatLevel `json:"threat_level,omitempty"`
	Since       time.Time   `json:"since,omitempty"`
}

// SubmitResult is returned by Aggregator.Submit.
type SubmitResult struct {
	IOCID         string    `json:"ioc_id"`
	Status        IOCStatus `json:"status"`
	Created       bool      `json:"created"`
	NewlyVerified bool      `json:"newly_verified"`
}

// TrustScore is the bounded per-client reputation row.
type TrustScore struct {
	ClientID        string    `json:"client_id"`
	Value           float64   `json:"trust_score"`
	ReportsTotal    int       `json:"reports_total"`
	ReportsAccepted int       `json:"reports_accepted"`
	ReportsRejected int       `json:"reports_rejected"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// TrustEventReason classifies entries in the append-only trust audit log.
type TrustEventReason string

const (
	TrustReasonReport   TrustEventReason = "report"
	TrustReasonAccepted TrustEventReason = "accepted"
	TrustReasonRejected TrustEventReason = "rejected"
	TrustReasonDecay    TrustEventReason = "decay"
	TrustReasonManual   TrustEventReason = "manual"
)

// TrustEvent is one append-only audit record of a trust mutation.
type TrustEvent struct {
	ID       string           `json:"id"`
	ClientID string           `json:"client_id"`
	At       time.Time        `json:"at"`
	Delta    float64          `json:"delta"`
	Value    float64          `json:"trust_score"`
	Reason   TrustEventReason `json:"reason"`
}

// ClientProfile is the self-asserted identity a client presents on connect.
type ClientProfile struct {
	ClientID string `json:"client_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Online   bool   `json:"online"`
}

// SystemStats is the dashboard summary served by GET /status.
type SystemStats struct {
	TotalClients     int     `json:"total_clients"`
	OnlineClients    int     `json:"online_clients"`
	TotalIOCs        int     `json:"total_iocs"`
	VerifiedIOCs     int     `json:"verified_iocs"`
	PendingIOCs      int     `json:"pending_iocs"`
	AverageTrust     float64 `json:"average_trust"`
	HighTrustClients int     `json:"high_trust_clients"`
	LowTrustClients  int     `json:"low_trust_clients"`
}
