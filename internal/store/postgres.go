package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fedsig/threatnet/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not ship the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore persists the coordinator state in PostgreSQL using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("[Store] Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded DDL and applies forward migrations when
// the persisted schema_version is older than SchemaVersion.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}

	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case err == pgx.ErrNoRows:
		_, err = s.pool.Exec(ctx,
			`INSERT INTO meta (key, value) VALUES ('schema_version', $1)`,
			strconv.Itoa(SchemaVersion))
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		log.Printf("[Store] Initialized fresh schema (version %d)", SchemaVersion)
		return nil
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	have, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("corrupt schema_version %q: %w", raw, err)
	}
	if have > SchemaVersion {
		return fmt.Errorf("store schema version %d is newer than binary (%d)", have, SchemaVersion)
	}
	for v := have; v < SchemaVersion; v++ {
		if err := s.migrate(ctx, v); err != nil {
			return fmt.Errorf("migration %d -> %d failed: %w", v, v+1, err)
		}
	}
	if have < SchemaVersion {
		_, err = s.pool.Exec(ctx,
			`UPDATE meta SET value = $1 WHERE key = 'schema_version'`,
			strconv.Itoa(SchemaVersion))
		if err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
		log.Printf("[Store] Migrated schema %d -> %d", have, SchemaVersion)
	}
	return nil
}

// migrate applies the forward migration from version v to v+1. Version 1 is
// the initial schema, so there is nothing to do yet; future versions add
// their ALTER statements here.
func (s *PostgresStore) migrate(ctx context.Context, v int) error {
	switch v {
	default:
		return fmt.Errorf("no migration registered for version %d", v)
	}
}

const iocColumns = `ioc_id, ioc_type, value, threat_level, status,
	first_seen, last_seen, report_count, verified_at, metadata`

func scanIOC(row pgx.Row) (*models.IOC, error) {
	var ioc models.IOC
	var verifiedAt *time.Time
	var metadata []byte
	err := row.Scan(&ioc.ID, &ioc.Type, &ioc.Value, &ioc.ThreatLevel,
		&ioc.Status, &ioc.FirstSeen, &ioc.LastSeen, &ioc.ReportCount,
		&verifiedAt, &metadata)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ioc.VerifiedAt = verifiedAt
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ioc.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt ioc metadata for %s: %w", ioc.ID, err)
		}
	}
	return &ioc, nil
}

func (s *PostgresStore) GetIOC(ctx context.Context, iocID string) (*models.IOC, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+iocColumns+` FROM iocs WHERE ioc_id = $1`, iocID)
	return scanIOC(row)
}

func (s *PostgresStore) UpdateIOC(ctx context.Context, ioc *models.IOC) error {
	metadata, err := json.Marshal(ioc.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE iocs SET threat_level = $2, status = $3, last_seen = $4,
			report_count = $5, verified_at = $6, metadata = $7
		WHERE ioc_id = $1`,
		ioc.ID, ioc.ThreatLevel, ioc.Status, ioc.LastSeen,
		ioc.ReportCount, ioc.VerifiedAt, metadata)
	return err
}

// SaveSubmission upserts the IOC row and the reporter's provenance row in
// one transaction, so a partially applied submission can never persist.
func (s *PostgresStore) SaveSubmission(ctx context.Context, ioc *models.IOC, report *models.IOCReport) error {
	metadata, err := json.Marshal(ioc.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO iocs (`+iocColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (ioc_id) DO UPDATE SET
			threat_level = EXCLUDED.threat_level,
			status       = EXCLUDED.status,
			last_seen    = EXCLUDED.last_seen,
			report_count = EXCLUDED.report_count,
			verified_at  = EXCLUDED.verified_at,
			metadata     = EXCLUDED.metadata`,
		ioc.ID, ioc.Type, ioc.Value, ioc.ThreatLevel, ioc.Status,
		ioc.FirstSeen, ioc.LastSeen, ioc.ReportCount, ioc.VerifiedAt, metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert ioc: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ioc_reports (ioc_id, client_id, reported_at, last_seen, trust_at_report)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ioc_id, client_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen`,
		report.IOCID, report.ClientID, report.ReportedAt, report.LastSeen,
		report.TrustAtReport)
	if err != nil {
		return fmt.Errorf("failed to upsert ioc report: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetReport(ctx context.Context, iocID, clientID string) (*models.IOCReport, error) {
	var r models.IOCReport
	err := s.pool.QueryRow(ctx, `
		SELECT ioc_id, client_id, reported_at, last_seen, trust_at_report
		FROM ioc_reports WHERE ioc_id = $1 AND client_id = $2`,
		iocID, clientID).
		Scan(&r.IOCID, &r.ClientID, &r.ReportedAt, &r.LastSeen, &r.TrustAtReport)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, iocID string) ([]models.IOCReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ioc_id, client_id, reported_at, last_seen, trust_at_report
		FROM ioc_reports WHERE ioc_id = $1 ORDER BY reported_at`, iocID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]models.IOCReport, 0)
	for rows.Next() {
		var r models.IOCReport
		if err := rows.Scan(&r.IOCID, &r.ClientID, &r.ReportedAt, &r.LastSeen, &r.TrustAtReport); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *PostgresStore) QueryIOCs(ctx context.Context, f models.IOCFilter) ([]models.IOC, error) {
	sql := `SELECT ` + iocColumns + ` FROM iocs WHERE 1=1`
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, f.Status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		sql += fmt.Sprintf(" AND ioc_type = $%d", len(args))
	}
	if f.ThreatLevel != "" {
		args = append(args, f.ThreatLevel)
		sql += fmt.Sprintf(" AND threat_level = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		sql += fmt.Sprintf(" AND last_seen >= $%d", len(args))
	}
	sql += " ORDER BY last_seen DESC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIOCs(rows)
}

func (s *PostgresStore) VerifiedSince(ctx context.Context, cursor time.Time, limit int) ([]models.IOC, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+iocColumns+` FROM iocs
		WHERE status = 'verified' AND verified_at > $1
		ORDER BY verified_at ASC, ioc_id ASC
		LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIOCs(rows)
}

func (s *PostgresStore) PendingBefore(ctx context.Context, cutoff time.Time) ([]models.IOC, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+iocColumns+` FROM iocs
		WHERE status = 'pending' AND last_seen < $1
		ORDER BY last_seen ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIOCs(rows)
}

func collectIOCs(rows pgx.Rows) ([]models.IOC, error) {
	iocs := make([]models.IOC, 0)
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, err
		}
		iocs = append(iocs, *ioc)
	}
	return iocs, rows.Err()
}

func (s *PostgresStore) CountIOCs(ctx context.Context) (map[models.IOCStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM iocs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.IOCStatus]int)
	for rows.Next() {
		var status models.IOCStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) GetTrust(ctx context.Context, clientID string) (*models.TrustScore, error) {
	var ts models.TrustScore
	var heartbeat *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, trust_score, reports_total, reports_accepted,
			reports_rejected, last_heartbeat_at, last_updated_at, created_at
		FROM trust_scores WHERE client_id = $1`, clientID).
		Scan(&ts.ClientID, &ts.Value, &ts.ReportsTotal, &ts.ReportsAccepted,
			&ts.ReportsRejected, &heartbeat, &ts.LastUpdatedAt, &ts.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if heartbeat != nil {
		ts.LastHeartbeatAt = *heartbeat
	}
	return &ts, nil
}

// SaveTrust upserts the score row and, when event is non-nil, appends it to
// the audit log in the same transaction.
func (s *PostgresStore) SaveTrust(ctx context.Context, score *models.TrustScore, event *models.TrustEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var heartbeat *time.Time
	if !score.LastHeartbeatAt.IsZero() {
		heartbeat = &score.LastHeartbeatAt
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO trust_scores (client_id, trust_score, reports_total,
			reports_accepted, reports_rejected, last_heartbeat_at,
			last_updated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (client_id) DO UPDATE SET
			trust_score       = EXCLUDED.trust_score,
			reports_total     = EXCLUDED.reports_total,
			reports_accepted  = EXCLUDED.reports_accepted,
			reports_rejected  = EXCLUDED.reports_rejected,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			last_updated_at   = EXCLUDED.last_updated_at`,
		score.ClientID, score.Value, score.ReportsTotal, score.ReportsAccepted,
		score.ReportsRejected, heartbeat, score.LastUpdatedAt, score.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert trust score: %w", err)
	}

	if event != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO trust_events (id, client_id, at, delta, trust_score, reason)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			event.ID, event.ClientID, event.At, event.Delta, event.Value, event.Reason)
		if err != nil {
			return fmt.Errorf("failed to append trust event: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTrust(ctx context.Context) ([]models.TrustScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, trust_score, reports_total, reports_accepted,
			reports_rejected, last_heartbeat_at, last_updated_at, created_at
		FROM trust_scores ORDER BY client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make([]models.TrustScore, 0)
	for rows.Next() {
		var ts models.TrustScore
		var heartbeat *time.Time
		if err := rows.Scan(&ts.ClientID, &ts.Value, &ts.ReportsTotal,
			&ts.ReportsAccepted, &ts.ReportsRejected, &heartbeat,
			&ts.LastUpdatedAt, &ts.CreatedAt); err != nil {
			return nil, err
		}
		if heartbeat != nil {
			ts.LastHeartbeatAt = *heartbeat
		}
		scores = append(scores, ts)
	}
	return scores, rows.Err()
}

func (s *PostgresStore) TrustEvents(ctx context.Context, clientID string, limit int) ([]models.TrustEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, at, delta, trust_score, reason
		FROM trust_events WHERE client_id = $1
		ORDER BY at DESC LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.TrustEvent, 0)
	for rows.Next() {
		var ev models.TrustEvent
		if err := rows.Scan(&ev.ID, &ev.ClientID, &ev.At, &ev.Delta, &ev.Value, &ev.Reason); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
