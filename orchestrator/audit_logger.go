// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// maxRecentRecords bounds the in-memory mirror of recent audit records
// that serves execution lookups when no database is configured.
const maxRecentRecords = 4096

// defaultRedactionPatterns match secrets that must never leave the
// component: bearer headers, JWT-shaped strings, and key/secret
// assignments. Logging must not introduce token leakage.
var defaultRedactionPatterns = []string{
	`(?i)bearer\s+[a-zA-Z0-9\-_.~+/]+=*`,
	`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]*`,
	`(?i)(api[_-]?key|secret|password|token)["':\s=]+[^\s"',}]+`,
}

// Redactor rewrites sensitive substrings before a record is enqueued.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles the given patterns, falling back to the defaults
// when none are supplied.
func NewRedactor(patterns []string) (*Redactor, error) {
	if len(patterns) == 0 {
		patterns = defaultRedactionPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Redactor{patterns: compiled}, nil
}

// Redact replaces every sensitive match in s.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// redactRecord scrubs every string field of a record in place.
func (r *Redactor) redactRecord(rec *AuditRecord) {
	rec.Tool = r.Redact(rec.Tool)
	for key, value := range rec.Detail {
		if s, ok := value.(string); ok {
			rec.Detail[key] = r.Redact(s)
		}
	}
}

// AuditLogger writes tenant-scoped audit records. Writes are queued and
// batched; a sink failure escalates through the alert hook rather than
// failing the workflow, since audit completeness is a compliance
// requirement but not a per-request blocking one.
type AuditLogger struct {
	db       *sql.DB
	queue    chan *AuditRecord
	shutdown chan struct{}
	wg       sync.WaitGroup
	redactor *Redactor

	// onSinkFailure escalates persistent write failures to a
	// process-level alert. Default: ALERT log line plus metric.
	onSinkFailure func(error)

	mu     sync.RWMutex
	recent []AuditRecord
}

// NewAuditLogger connects to the audit database; an empty databaseURL or
// a failed connection yields a memory-mirrored logger so records are still
// observable and redacted.
func NewAuditLogger(databaseURL string) *AuditLogger {
	var db *sql.DB
	if databaseURL != "" {
		conn, err := sql.Open("postgres", databaseURL)
		if err != nil {
			log.Printf("[Audit] failed to open audit database: %v", err)
		} else {
			if err := createAuditTable(conn); err != nil {
				log.Printf("[Audit] failed to create audit table: %v", err)
			}
			db = conn
		}
	}
	return NewAuditLoggerWithDB(db)
}

// NewAuditLoggerWithDB builds a logger over an existing handle (nil for
// memory-only operation).
func NewAuditLoggerWithDB(db *sql.DB) *AuditLogger {
	redactor, _ := NewRedactor(nil)
	l := &AuditLogger{
		db:       db,
		queue:    make(chan *AuditRecord, 10000),
		shutdown: make(chan struct{}),
		redactor: redactor,
	}
	l.onSinkFailure = func(err error) {
		auditSinkFailures.Inc()
		log.Printf("[Audit] ALERT: audit sink write failed, records at risk: %v", err)
	}
	l.wg.Add(1)
	go l.processQueue()
	return l
}

// SetAlertHook replaces the sink-failure escalation hook.
func (l *AuditLogger) SetAlertHook(hook func(error)) {
	if hook != nil {
		l.onSinkFailure = hook
	}
}

// Record enqueues one audit record, redacting sensitive fields first.
// Fire-and-forget from the orchestrator's perspective; never drops
// silently.
func (l *AuditLogger) Record(rec AuditRecord) error {
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("audit_%s", uuid.NewString())
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	l.redactor.redactRecord(&rec)

	l.mu.Lock()
	l.recent = append(l.recent, rec)
	if len(l.recent) > maxRecentRecords {
		l.recent = l.recent[len(l.recent)-maxRecentRecords:]
	}
	l.mu.Unlock()

	select {
	case l.queue <- &rec:
	default:
		// Queue full: write synchronously rather than drop.
		l.writeBatch([]*AuditRecord{&rec})
	}
	return nil
}

// RecordsForExecution returns the retained records for one execution in
// insertion order.
func (l *AuditLogger) RecordsForExecution(executionID string) []AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AuditRecord
	for _, rec := range l.recent {
		if rec.ExecutionID == executionID {
			out = append(out, rec)
		}
	}
	return out
}

// IsHealthy reports sink reachability; a memory-only logger is healthy.
func (l *AuditLogger) IsHealthy() bool {
	if l.db == nil {
		return true
	}
	return l.db.Ping() == nil
}

// Close flushes pending records and stops the background worker.
func (l *AuditLogger) Close() {
	close(l.shutdown)
	l.wg.Wait()
	if l.db != nil {
		_ = l.db.Close()
	}
}

func (l *AuditLogger) processQueue() {
	defer l.wg.Done()

	const batchSize = 100
	batch := make([]*AuditRecord, 0, batchSize)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			l.writeBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case rec := <-l.queue:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.shutdown:
			for {
				select {
				case rec := <-l.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *AuditLogger) writeBatch(batch []*AuditRecord) {
	if l.db == nil {
		return
	}

	tx, err := l.db.Begin()
	if err != nil {
		l.onSinkFailure(err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_records (
			id, timestamp, execution_id, tenant_id, user_id,
			tool, phase, outcome, latency_ms, error_kind, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		l.onSinkFailure(err)
		return
	}
	defer func() { _ = stmt.Close() }()

	var failed error
	for _, rec := range batch {
		detailJSON, _ := json.Marshal(rec.Detail)
		if _, err := stmt.Exec(
			rec.ID,
			rec.Timestamp,
			rec.ExecutionID,
			rec.TenantID,
			rec.UserID,
			rec.Tool,
			string(rec.Phase),
			string(rec.Outcome),
			rec.LatencyMs,
			string(rec.ErrorKind),
			detailJSON,
		); err != nil {
			failed = err
		}
	}
	if failed != nil {
		l.onSinkFailure(failed)
	}
	if err := tx.Commit(); err != nil {
		l.onSinkFailure(err)
	}
}

func createAuditTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id VARCHAR(255) PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		execution_id VARCHAR(255) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		tool VARCHAR(100),
		phase VARCHAR(50) NOT NULL,
		outcome VARCHAR(50) NOT NULL,
		latency_ms BIGINT,
		error_kind VARCHAR(50),
		detail JSONB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_execution_id ON audit_records(execution_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_tenant_id ON audit_records(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
	`
	_, err := db.Exec(query)
	return err
}
