package pii

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Operation names recorded in the audit log
const (
	OperationDetect = "detect"
	OperationMask   = "mask"
)

// OutcomeSuccess is recorded for requests that completed without error
const OutcomeSuccess = "success"

// AuditRecord is the metadata kept for a single request.
// It never holds the request text, detected words or offsets.
type AuditRecord struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id"`
	Operation   string         `json:"operation"`
	Outcome     string         `json:"outcome"`
	EntityCount int            `json:"entity_count"`
	Categories  map[string]int `json:"categories"`
	TextLength  int            `json:"text_length"`
	Duration    time.Duration  `json:"duration_ns"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditSummary aggregates records per operation and outcome
type AuditSummary struct {
	Total      int                       `json:"total"`
	Outcomes   map[string]map[string]int `json:"outcomes"`
	Categories map[string]int            `json:"categories"`
}

// AuditLog defines the interface for request audit storage
type AuditLog interface {
	// Record stores one request record
	Record(ctx context.Context, record AuditRecord) error

	// Summary aggregates all stored records
	Summary(ctx context.Context) (AuditSummary, error)

	// CleanupOldRecords removes records older than the given duration
	CleanupOldRecords(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases the backend
	Close() error
}

// NewAuditRecord builds a record for an operation outcome. err may be nil.
func NewAuditRecord(requestID, operation, text string, entities int, categories map[string]int, elapsed time.Duration, err error) AuditRecord {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = KindOf(err).String()
	}
	if categories == nil {
		categories = map[string]int{}
	}
	return AuditRecord{
		ID:          uuid.New().String(),
		RequestID:   requestID,
		Operation:   operation,
		Outcome:     outcome,
		EntityCount: entities,
		Categories:  categories,
		TextLength:  len([]rune(text)),
		Duration:    elapsed,
		CreatedAt:   time.Now().UTC(),
	}
}

func newAuditSummary() AuditSummary {
	return AuditSummary{
		Outcomes:   make(map[string]map[string]int),
		Categories: make(map[string]int),
	}
}

func (s *AuditSummary) add(operation, outcome string, count int) {
	if s.Outcomes[operation] == nil {
		s.Outcomes[operation] = make(map[string]int)
	}
	s.Outcomes[operation][outcome] += count
	s.Total += count
}

// MemoryAuditLog keeps the most recent records in a bounded ring
type MemoryAuditLog struct {
	mu       sync.Mutex
	records  []AuditRecord
	next     int
	full     bool
	capacity int
}

// NewMemoryAuditLog creates an in-memory audit log holding at most capacity records
func NewMemoryAuditLog(capacity int) *MemoryAuditLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryAuditLog{
		records:  make([]AuditRecord, capacity),
		capacity: capacity,
	}
}

// Record stores a record, overwriting the oldest one when full
func (m *MemoryAuditLog) Record(ctx context.Context, record AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[m.next] = record
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *MemoryAuditLog) snapshot() []AuditRecord {
	if m.full {
		out := make([]AuditRecord, 0, m.capacity)
		out = append(out, m.records[m.next:]...)
		return append(out, m.records[:m.next]...)
	}
	out := make([]AuditRecord, m.next)
	copy(out, m.records[:m.next])
	return out
}

// Records returns the stored records, oldest first
func (m *MemoryAuditLog) Records() []AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Summary aggregates the stored records
func (m *MemoryAuditLog) Summary(ctx context.Context) (AuditSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := newAuditSummary()
	for _, record := range m.snapshot() {
		summary.add(record.Operation, record.Outcome, 1)
		for category, count := range record.Categories {
			summary.Categories[category] += count
		}
	}
	return summary, nil
}

// CleanupOldRecords drops records created before now minus olderThan
func (m *MemoryAuditLog) CleanupOldRecords(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]AuditRecord, 0, m.capacity)
	var removed int64
	for _, record := range m.snapshot() {
		if record.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, record)
	}

	m.records = make([]AuditRecord, m.capacity)
	copy(m.records, kept)
	m.next = len(kept) % m.capacity
	m.full = len(kept) == m.capacity
	return removed, nil
}

// Close is a no-op for the in-memory log
func (m *MemoryAuditLog) Close() error {
	return nil
}

// AuditDatabaseConfig holds PostgreSQL connection settings for the audit log
type AuditDatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PostgresAuditLog implements AuditLog for PostgreSQL
type PostgresAuditLog struct {
	db *sql.DB
}

// NewPostgresAuditLog opens the database, verifies the connection and creates the table
func NewPostgresAuditLog(ctx context.Context, config AuditDatabaseConfig) (*PostgresAuditLog, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createAuditTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &PostgresAuditLog{db: db}, nil
}

// NewPostgresAuditLogFromDB wraps an existing connection pool
func NewPostgresAuditLogFromDB(db *sql.DB) *PostgresAuditLog {
	return &PostgresAuditLog{db: db}
}

func createAuditTable(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS pii_request_audit (
		id UUID PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		operation VARCHAR(16) NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		entity_count INTEGER NOT NULL DEFAULT 0,
		categories JSONB NOT NULL DEFAULT '{}',
		text_length INTEGER NOT NULL DEFAULT 0,
		duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_pii_request_audit_created_at ON pii_request_audit(created_at);
	CREATE INDEX IF NOT EXISTS idx_pii_request_audit_operation ON pii_request_audit(operation, outcome);
	`

	_, err := db.ExecContext(ctx, query)
	return err
}

// Record inserts one audit row
func (p *PostgresAuditLog) Record(ctx context.Context, record AuditRecord) error {
	categories, err := json.Marshal(record.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	query := `
	INSERT INTO pii_request_audit
		(id, request_id, operation, outcome, entity_count, categories, text_length, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = p.db.ExecContext(ctx, query,
		record.ID,
		record.RequestID,
		record.Operation,
		record.Outcome,
		record.EntityCount,
		string(categories),
		record.TextLength,
		float64(record.Duration)/float64(time.Millisecond),
		record.CreatedAt,
	)
	return err
}

// Summary aggregates all audit rows
func (p *PostgresAuditLog) Summary(ctx context.Context) (AuditSummary, error) {
	summary := newAuditSummary()

	rows, err := p.db.QueryContext(ctx, `
	SELECT operation, outcome, COUNT(*)
	FROM pii_request_audit
	GROUP BY operation, outcome
	`)
	if err != nil {
		return summary, err
	}
	defer rows.Close()

	for rows.Next() {
		var operation, outcome string
		var count int
		if err := rows.Scan(&operation, &outcome, &count); err != nil {
			return summary, err
		}
		summary.add(operation, outcome, count)
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	categoryRows, err := p.db.QueryContext(ctx, `
	SELECT key, SUM(value::int)
	FROM pii_request_audit, jsonb_each_text(categories)
	GROUP BY key
	`)
	if err != nil {
		return summary, err
	}
	defer categoryRows.Close()

	for categoryRows.Next() {
		var category string
		var count int
		if err := categoryRows.Scan(&category, &count); err != nil {
			return summary, err
		}
		summary.Categories[category] = count
	}

	return summary, categoryRows.Err()
}

// CleanupOldRecords removes audit rows older than specified duration
func (p *PostgresAuditLog) CleanupOldRecords(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
	DELETE FROM pii_request_audit
	WHERE created_at < NOW() - ($1 * INTERVAL '1 second')
	`

	result, err := p.db.ExecContext(ctx, query, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Close closes the database connection
func (p *PostgresAuditLog) Close() error {
	return p.db.Close()
}
