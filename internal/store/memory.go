package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fedsig/threatnet/pkg/models"
)

// MemoryStore is a map-backed Store. It backs component tests and lets the
// coordinator run without PostgreSQL (state is lost on restart).
type MemoryStore struct {
	mu      sync.RWMutex
	iocs    map[string]models.IOC
	reports map[string]map[string]models.IOCReport // ioc_id -> client_id -> report
	trust   map[string]models.TrustScore
	events  map[string][]models.TrustEvent
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		iocs:    make(map[string]models.IOC),
		reports: make(map[string]map[string]models.IOCReport),
		trust:   make(map[string]models.TrustScore),
		events:  make(map[string][]models.TrustEvent),
	}
}

func (s *MemoryStore) Close() {}

func copyIOC(ioc models.IOC) models.IOC {
	out := ioc
	if ioc.VerifiedAt != nil {
		at := *ioc.VerifiedAt
		out.VerifiedAt = &at
	}
	if ioc.Metadata != nil {
		out.Metadata = make(map[string]string, len(ioc.Metadata))
		for k, v := range ioc.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (s *MemoryStore) GetIOC(_ context.Context, iocID string) (*models.IOC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ioc, ok := s.iocs[iocID]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyIOC(ioc)
	return &out, nil
}

func (s *MemoryStore) UpdateIOC(_ context.Context, ioc *models.IOC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iocs[ioc.ID] = copyIOC(*ioc)
	return nil
}

func (s *MemoryStore) SaveSubmission(_ context.Context, ioc *models.IOC, report *models.IOCReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iocs[ioc.ID] = copyIOC(*ioc)
	byClient, ok := s.reports[ioc.ID]
	if !ok {
		byClient = make(map[string]models.IOCReport)
		s.reports[ioc.ID] = byClient
	}
	// Re-submission refreshes last_seen only; reported_at and the trust
	// snapshot are immutable audit fields, matching the SQL upsert.
	if existing, ok := byClient[report.ClientID]; ok {
		existing.LastSeen = report.LastSeen
		byClient[report.ClientID] = existing
		return nil
	}
	byClient[report.ClientID] = *report
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, iocID, clientID string) (*models.IOCReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[iocID][clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListReports(_ context.Context, iocID string) ([]models.IOCReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reports := make([]models.IOCReport, 0, len(s.reports[iocID]))
	for _, r := range s.reports[iocID] {
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ReportedAt.Before(reports[j].ReportedAt)
	})
	return reports, nil
}

func (s *MemoryStore) QueryIOCs(_ context.Context, f models.IOCFilter) ([]models.IOC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IOC, 0)
	for _, ioc := range s.iocs {
		if f.Status != "" && ioc.Status != f.Status {
			continue
		}
		if f.Type != "" && ioc.Type != f.Type {
			continue
		}
		if f.ThreatLevel != "" && ioc.ThreatLevel != f.ThreatLevel {
			continue
		}
		if !f.Since.IsZero() && ioc.LastSeen.Before(f.Since) {
			continue
		}
		out = append(out, copyIOC(ioc))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

func (s *MemoryStore) VerifiedSince(_ context.Context, cursor time.Time, limit int) ([]models.IOC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IOC, 0)
	for _, ioc := range s.iocs {
		if ioc.Status != models.StatusVerified || ioc.VerifiedAt == nil {
			continue
		}
		if !ioc.VerifiedAt.After(cursor) {
			continue
		}
		out = append(out, copyIOC(ioc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VerifiedAt.Equal(*out[j].VerifiedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].VerifiedAt.Before(*out[j].VerifiedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PendingBefore(_ context.Context, cutoff time.Time) ([]models.IOC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IOC, 0)
	for _, ioc := range s.iocs {
		if ioc.Status == models.StatusPending && ioc.LastSeen.Before(cutoff) {
			out = append(out, copyIOC(ioc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.Before(out[j].LastSeen)
	})
	return out, nil
}

func (s *MemoryStore) CountIOCs(_ context.Context) (map[models.IOCStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.IOCStatus]int)
	for _, ioc := range s.iocs {
		counts[ioc.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) GetTrust(_ context.Context, clientID string) (*models.TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.trust[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ts, nil
}

func (s *MemoryStore) SaveTrust(_ context.Context, score *models.TrustScore, event *models.TrustEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust[score.ClientID] = *score
	if event != nil {
		s.events[event.ClientID] = append(s.events[event.ClientID], *event)
	}
	return nil
}

func (s *MemoryStore) ListTrust(_ context.Context) ([]models.TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TrustScore, 0, len(s.trust))
	for _, ts := range s.trust {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (s *MemoryStore) TrustEvents(_ context.Context, clientID string, limit int) ([]models.TrustEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[clientID]
	out := make([]models.TrustEvent, 0, len(events))
	// Most recent first, matching the SQL surface.
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
