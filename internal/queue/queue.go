// Package queue provides a persistent, reliable queue for outgoing
// adapter commands (send/edit/delete/react/fetch_history), backed by
// SQLite in WAL mode for concurrent access and ACID guarantees. This
// queue only durably holds the outgoing-command pipeline; it never
// persists conversation state, which stays in the in-memory caches.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrMaxAttemptsExceeded is wrapped into the error Nack returns once a
// command's MaxAttempts is exhausted and it moves to StatusFailed.
var ErrMaxAttemptsExceeded = errors.New("queue: max attempts exceeded")

// Config configures queue behavior.
type Config struct {
	DBPath          string
	Adapter         string
	MaxRetries      int
	DefaultPriority int
	MaxQueueDepth   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ConnectionPool  int

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	BatchMaxSize            int
}

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CommandType identifies which outgoing operation a Command performs.
type CommandType string

const (
	CommandSend         CommandType = "send"
	CommandEdit         CommandType = "edit"
	CommandDelete       CommandType = "delete"
	CommandReact        CommandType = "react"
	CommandFetchHistory CommandType = "fetch_history"
)

// Status is a Command's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusFailed   Status = "failed"
	StatusAcked    Status = "acked"
)

// Command is one durable outgoing operation awaiting delivery to a
// platform adapter.
type Command struct {
	ID             string
	Adapter        string
	ConversationID string
	Type           CommandType
	Payload        json.RawMessage
	Priority       int
	Attempts       int
	MaxAttempts    int
	CreatedAt      time.Time
	NextRetry      *time.Time
	LastAttempt    *time.Time
	ErrorMessage   string
	Status         Status
	ExpiresAt      *time.Time
}

// EnqueueResult reports the outcome of Enqueue.
type EnqueueResult struct {
	ID       string
	QueuedAt time.Time
	Depth    int
}

// DequeueResult reports the outcome of Dequeue.
type DequeueResult struct {
	Command *Command
	Found   bool
	Depth   int
}

// Stats summarizes current queue occupancy.
type Stats struct {
	TotalCommands int
	PendingDepth  int
	InflightCount int
	FailedCount   int
}

// HealthStatus reports the queue's operational health.
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	Status        string `json:"status"`
	PendingDepth  int    `json:"pending_depth"`
	InflightCount int    `json:"inflight_count"`
	FailedCount   int    `json:"failed_count"`
	CircuitState  string `json:"circuit_state"`
	Uptime        string `json:"uptime"`
}

// circuitBreaker guards Enqueue/Dequeue against a persistently
// failing database: in memory only, since the queue's own durability
// comes from SQLite and the breaker exists to shed load during an
// outage, not to survive process restarts.
type circuitBreaker struct {
	mu                sync.RWMutex
	state             CircuitState
	consecutiveErrors int
	halfOpenAttempts  int
	threshold         int
	timeout           time.Duration
	openUntil         time.Time
	lastFailureTime   time.Time
}

func (cb *circuitBreaker) canProceed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Now().After(cb.openUntil) {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state != CircuitOpen
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveErrors = 0
	if cb.state == CircuitHalfOpen {
		cb.halfOpenAttempts++
		if cb.halfOpenAttempts >= 3 {
			cb.state = CircuitClosed
		}
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveErrors++
	cb.lastFailureTime = time.Now()
	if cb.consecutiveErrors >= cb.threshold {
		cb.state = CircuitOpen
		cb.openUntil = time.Now().Add(cb.timeout)
	}
}

// Queue manages the persistent outgoing-command queue for one adapter.
type Queue struct {
	cfg       Config
	db        *sql.DB
	metrics   *Metrics
	cb        *circuitBreaker
	startTime time.Time

	mu     sync.RWMutex
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	adapter TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	created_at INTEGER NOT NULL,
	next_retry INTEGER,
	last_attempt INTEGER,
	error_message TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_status_priority ON commands(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_next_retry ON commands(next_retry) WHERE next_retry IS NOT NULL;
`

// New opens (or creates) the queue's SQLite-backed store.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = 5
	}
	if cfg.MaxQueueDepth == 0 {
		cfg.MaxQueueDepth = 10000
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.ConnectionPool == 0 {
		cfg.ConnectionPool = 10
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout == 0 {
		cfg.CircuitBreakerTimeout = time.Minute
	}
	if cfg.BatchMaxSize == 0 {
		cfg.BatchMaxSize = 100
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("queue: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.ConnectionPool)
	db.SetMaxIdleConns(max(1, cfg.ConnectionPool/2))

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	return &Queue{
		cfg:     cfg,
		db:      db,
		metrics: NewMetrics(cfg.Adapter),
		cb: &circuitBreaker{
			threshold: cfg.CircuitBreakerThreshold,
			timeout:   cfg.CircuitBreakerTimeout,
		},
		startTime: time.Now(),
	}, nil
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Enqueue durably appends a command. ID, Status, CreatedAt, Priority
// and MaxAttempts are filled with defaults when left zero.
func (q *Queue) Enqueue(ctx context.Context, cmd Command) (*EnqueueResult, error) {
	if q.isClosed() {
		return nil, fmt.Errorf("queue: shut down")
	}
	if !q.cb.canProceed() {
		return nil, fmt.Errorf("queue: circuit breaker is open")
	}
	if cmd.ID == "" {
		return nil, fmt.Errorf("queue: command id is required")
	}
	if cmd.Status == "" {
		cmd.Status = StatusPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	if cmd.Priority == 0 {
		cmd.Priority = q.cfg.DefaultPriority
	}
	if cmd.MaxAttempts == 0 {
		cmd.MaxAttempts = q.cfg.MaxRetries
	}

	stats, err := q.Stats(ctx)
	if err == nil && q.cfg.MaxQueueDepth > 0 && stats.PendingDepth >= q.cfg.MaxQueueDepth {
		return nil, fmt.Errorf("queue: depth exceeded: %d >= %d", stats.PendingDepth, q.cfg.MaxQueueDepth)
	}

	var expiresAt sql.NullInt64
	if cmd.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: cmd.ExpiresAt.Unix(), Valid: true}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO commands (id, adapter, conversation_id, type, payload, priority, attempts, max_attempts, created_at, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Adapter, cmd.ConversationID, string(cmd.Type), string(cmd.Payload),
		cmd.Priority, cmd.Attempts, cmd.MaxAttempts, cmd.CreatedAt.Unix(), string(cmd.Status), expiresAt,
	)
	if err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: enqueue %s: %w", cmd.ID, err)
	}

	q.cb.recordSuccess()
	q.metrics.RecordEnqueued()
	q.metrics.UpdateGauges(stats.PendingDepth+1, stats.InflightCount, stats.FailedCount)

	return &EnqueueResult{ID: cmd.ID, QueuedAt: cmd.CreatedAt, Depth: stats.PendingDepth + 1}, nil
}

const selectColumns = `id, adapter, conversation_id, type, payload, priority, attempts, max_attempts, created_at, next_retry, error_message, status, expires_at`

func scanCommand(row interface{ Scan(...interface{}) error }) (*Command, error) {
	var cmd Command
	var typ, status, payload string
	var createdAt int64
	var nextRetry, expiresAt sql.NullInt64
	var errMsg sql.NullString

	if err := row.Scan(&cmd.ID, &cmd.Adapter, &cmd.ConversationID, &typ, &payload,
		&cmd.Priority, &cmd.Attempts, &cmd.MaxAttempts, &createdAt, &nextRetry, &errMsg, &status, &expiresAt); err != nil {
		return nil, err
	}

	cmd.Type = CommandType(typ)
	cmd.Status = Status(status)
	cmd.Payload = json.RawMessage(payload)
	cmd.CreatedAt = time.Unix(createdAt, 0)
	cmd.ErrorMessage = errMsg.String
	if nextRetry.Valid {
		t := time.Unix(nextRetry.Int64, 0)
		cmd.NextRetry = &t
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		cmd.ExpiresAt = &t
	}
	return &cmd, nil
}

// Dequeue claims the single highest-priority, oldest pending command
// not yet expired, marking it in-flight.
func (q *Queue) Dequeue(ctx context.Context) (*DequeueResult, error) {
	if q.isClosed() {
		return nil, fmt.Errorf("queue: shut down")
	}
	if !q.cb.canProceed() {
		return &DequeueResult{Found: false}, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM commands
		WHERE status = 'pending' AND (expires_at IS NULL OR expires_at > ?) AND (next_retry IS NULL OR next_retry <= ?)
		ORDER BY priority DESC, created_at ASC LIMIT 1`, selectColumns),
		time.Now().Unix(), time.Now().Unix())

	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		q.cb.recordSuccess()
		return &DequeueResult{Found: false}, nil
	}
	if err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: scan command: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, "UPDATE commands SET status = 'inflight', last_attempt = ? WHERE id = ?", now.Unix(), cmd.ID); err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: mark in-flight: %w", err)
	}
	if err := tx.Commit(); err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: commit dequeue: %w", err)
	}

	cmd.LastAttempt = &now
	cmd.Status = StatusInflight
	q.cb.recordSuccess()
	q.metrics.RecordDequeued()

	stats, _ := q.Stats(ctx)
	q.metrics.UpdateGauges(stats.PendingDepth, stats.InflightCount, stats.FailedCount)
	return &DequeueResult{Command: cmd, Found: true, Depth: stats.PendingDepth}, nil
}

// DequeueBatch claims up to batchSize commands in one transaction.
func (q *Queue) DequeueBatch(ctx context.Context, batchSize int) ([]*Command, error) {
	if q.isClosed() {
		return nil, fmt.Errorf("queue: shut down")
	}
	if !q.cb.canProceed() {
		return nil, fmt.Errorf("queue: circuit breaker is open")
	}
	if batchSize <= 0 {
		batchSize = q.cfg.BatchMaxSize
	}
	if q.cfg.BatchMaxSize > 0 && batchSize > q.cfg.BatchMaxSize {
		batchSize = q.cfg.BatchMaxSize
	}
	if batchSize <= 0 {
		batchSize = 20
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM commands
		WHERE status = 'pending' AND (expires_at IS NULL OR expires_at > ?) AND (next_retry IS NULL OR next_retry <= ?)
		ORDER BY priority DESC, created_at ASC LIMIT ?`, selectColumns),
		time.Now().Unix(), time.Now().Unix(), batchSize)
	if err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: query batch: %w", err)
	}

	var commands []*Command
	now := time.Now()
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan batch row: %w", err)
		}
		cmd.LastAttempt = &now
		cmd.Status = StatusInflight
		commands = append(commands, cmd)
	}
	rows.Close()

	for _, cmd := range commands {
		if _, err := tx.ExecContext(ctx, "UPDATE commands SET status = 'inflight', last_attempt = ? WHERE id = ?", now.Unix(), cmd.ID); err != nil {
			q.cb.recordFailure()
			return nil, fmt.Errorf("queue: mark batch in-flight: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		q.cb.recordFailure()
		return nil, fmt.Errorf("queue: commit batch: %w", err)
	}

	q.cb.recordSuccess()
	q.metrics.RecordBatch(len(commands))
	for range commands {
		q.metrics.RecordDequeued()
	}
	stats, _ := q.Stats(ctx)
	q.metrics.UpdateGauges(stats.PendingDepth, stats.InflightCount, stats.FailedCount)
	return commands, nil
}

// Claim marks a just-enqueued command in-flight without going through
// Dequeue, so a caller delivering it synchronously (the request
// pipeline) and the background drain loop never both pick it up.
// Returns false if the command is no longer pending.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	if q.isClosed() {
		return false, fmt.Errorf("queue: shut down")
	}
	result, err := q.db.ExecContext(ctx, "UPDATE commands SET status = 'inflight', last_attempt = ? WHERE id = ? AND status = 'pending'", time.Now().Unix(), id)
	if err != nil {
		q.cb.recordFailure()
		return false, fmt.Errorf("queue: claim %s: %w", id, err)
	}
	q.cb.recordSuccess()
	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.metrics.RecordDequeued()
	}
	return rows > 0, nil
}

// Fail moves a command straight to the failed status, bypassing Nack's
// retry scheduling. Used when the caller has already exhausted its own
// delivery attempts and reported the failure upstream, so a background
// redelivery would be a duplicate.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	if q.isClosed() {
		return fmt.Errorf("queue: shut down")
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := q.db.ExecContext(ctx, "UPDATE commands SET status = 'failed', error_message = ? WHERE id = ?", msg, id); err != nil {
		return fmt.Errorf("queue: fail %s: %w", id, err)
	}
	q.metrics.RecordDLQ()
	return nil
}

// Ack marks a command delivered successfully.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if q.isClosed() {
		return fmt.Errorf("queue: shut down")
	}
	result, err := q.db.ExecContext(ctx, "UPDATE commands SET status = 'acked' WHERE id = ? AND status = 'inflight'", id)
	if err != nil {
		q.cb.recordFailure()
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("queue: command %s not found or not in-flight", id)
	}
	q.cb.recordSuccess()
	q.metrics.RecordAcked()
	return nil
}

// Nack marks a command failed, scheduling a retry with exponential
// backoff and jitter, or moving it to the dead-letter status once
// MaxAttempts is exhausted.
func (q *Queue) Nack(ctx context.Context, id string, nackErr error) error {
	if q.isClosed() {
		return fmt.Errorf("queue: shut down")
	}

	row := q.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM commands WHERE id = ?", selectColumns), id)
	cmd, err := scanCommand(row)
	if err != nil {
		return fmt.Errorf("queue: get command %s: %w", id, err)
	}

	cmd.Attempts++
	if cmd.Attempts >= cmd.MaxAttempts {
		if _, err := q.db.ExecContext(ctx, "UPDATE commands SET status = 'failed', attempts = ?, error_message = ? WHERE id = ?", cmd.Attempts, nackErr.Error(), id); err != nil {
			return fmt.Errorf("queue: move to failed: %w", err)
		}
		q.metrics.RecordDLQ()
		return fmt.Errorf("queue: command %s exceeded max attempts (%d): %w", id, cmd.MaxAttempts, ErrMaxAttemptsExceeded)
	}

	next := q.nextRetry(cmd.Attempts)
	if _, err := q.db.ExecContext(ctx, "UPDATE commands SET status = 'pending', next_retry = ?, attempts = ?, error_message = ? WHERE id = ?",
		next.Unix(), cmd.Attempts, nackErr.Error(), id); err != nil {
		return fmt.Errorf("queue: schedule retry: %w", err)
	}
	q.metrics.RecordRetried()
	return nil
}

func (q *Queue) nextRetry(attempt int) time.Time {
	base := float64(q.cfg.RetryBaseDelay)
	delay := base * math.Pow(2, float64(attempt-1))
	if max := float64(q.cfg.RetryMaxDelay); delay > max {
		delay = max
	}
	jitter := delay * 0.10 * (rand.Float64()*2 - 1)
	return time.Now().Add(time.Duration(delay + jitter))
}

// Stats returns current queue occupancy.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'inflight' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(*)
		FROM commands WHERE expires_at IS NULL OR expires_at > ?`, time.Now().Unix(),
	).Scan(&s.PendingDepth, &s.InflightCount, &s.FailedCount, &s.TotalCommands)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	return &s, nil
}

// CleanupExpired removes commands past their expiry.
func (q *Queue) CleanupExpired(ctx context.Context) (int, error) {
	result, err := q.db.ExecContext(ctx, "DELETE FROM commands WHERE expires_at IS NOT NULL AND expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup expired: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Health reports the queue's operational status.
func (q *Queue) Health(ctx context.Context) (*HealthStatus, error) {
	if q.isClosed() {
		return &HealthStatus{Healthy: false, Status: "shutdown"}, nil
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return &HealthStatus{Healthy: false, Status: "error"}, err
	}
	q.metrics.UpdateGauges(stats.PendingDepth, stats.InflightCount, stats.FailedCount)

	q.cb.mu.RLock()
	cbState := q.cb.state
	q.cb.mu.RUnlock()

	healthy := cbState != CircuitOpen && stats.InflightCount < q.cfg.ConnectionPool
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	if cbState == CircuitOpen {
		status = "unhealthy"
	}

	return &HealthStatus{
		Healthy:       healthy,
		Status:        status,
		PendingDepth:  stats.PendingDepth,
		InflightCount: stats.InflightCount,
		FailedCount:   stats.FailedCount,
		CircuitState:  cbState.String(),
		Uptime:        time.Since(q.startTime).String(),
	}, nil
}

// HealthHandler serves Health as JSON over HTTP.
func (q *Queue) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health, err := q.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil || !health.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(health)
}

// Shutdown closes the queue, giving a brief grace period for any
// in-flight work to settle before closing the database handle.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("queue: close database: %w", err)
	}
	return nil
}
