package store

import (
	"context"
	"errors"
	"time"

	"github.com/fedsig/threatnet/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// SchemaVersion is the schema the binary was built against. On startup an
// older persisted version is migrated forward; an absent version means a
// fresh store.
const SchemaVersion = 1

// Store is the durable persistence boundary for IOCs, reporter provenance,
// trust scores and the trust audit log. Implementations must provide
// atomic single-row writes plus the two compound writes (SaveSubmission,
// SaveTrust); callers serialize higher-level read-modify-write cycles with
// per-row locks.
type Store interface {
	// IOC table
	GetIOC(ctx context.Context, iocID string) (*models.IOC, error)
	UpdateIOC(ctx context.Context, ioc *models.IOC) error
	QueryIOCs(ctx context.Context, f models.IOCFilter) ([]models.IOC, error)
	VerifiedSince(ctx context.Context, cursor time.Time, limit int) ([]models.IOC, error)
	PendingBefore(ctx context.Context, cutoff time.Time) ([]models.IOC, error)
	CountIOCs(ctx context.Context) (map[models.IOCStatus]int, error)

	// Reporter provenance; SaveSubmission atomically upserts the IOC row
	// together with the submitting reporter's ioc_reports row.
	SaveSubmission(ctx context.Context, ioc *models.IOC, report *models.IOCReport) error
	GetReport(ctx context.Context, iocID, clientID string) (*models.IOCReport, error)
	ListReports(ctx context.Context, iocID string) ([]models.IOCReport, error)

	// Trust tables; SaveTrust atomically writes the score row and, when
	// event is non-nil, appends it to the audit log.
	GetTrust(ctx context.Context, clientID string) (*models.TrustScore, error)
	SaveTrust(ctx context.Context, score *models.TrustScore, event *models.TrustEvent) error
	ListTrust(ctx context.Context) ([]models.TrustScore, error)
	TrustEvents(ctx context.Context, clientID string, limit int) ([]models.TrustEvent, error)

	Close()
}
