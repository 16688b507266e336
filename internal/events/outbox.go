package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// OutboxEntry represents a pending side effect.
type OutboxEntry struct {
	ID        uuid.UUID
	ClinicID  string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// DeliveryHandler performs the side effect an entry describes.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// Alerter raises an operator alert for an abandoned entry.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Store persists side effects for reliable delivery.
type Store interface {
	Insert(ctx context.Context, clinicID, eventType string, payload any) (uuid.UUID, error)
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkFailed records a failed attempt and returns the attempt count.
	// Entries reaching maxAttempts are abandoned and no longer fetched.
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, maxAttempts int) (int, error)
}

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OutboxStore is the Postgres outbox.
type OutboxStore struct {
	pool execQuerier
}

var _ Store = (*OutboxStore)(nil)

func NewOutboxStore(pool execQuerier) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool}
}

func (s *OutboxStore) Insert(ctx context.Context, clinicID string, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO outbox (id, clinic_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query, id, clinicID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, clinic_id, type, payload, attempts, COALESCE(last_error, ''), created_at
		FROM outbox
		WHERE delivered_at IS NULL AND abandoned_at IS NULL
		ORDER BY seq
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.ClinicID, &entry.Type, &payload, &entry.Attempts, &entry.LastError, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, maxAttempts int) (int, error) {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    abandoned_at = CASE WHEN attempts + 1 >= $3 THEN now() ELSE NULL END
		WHERE id = $1
		RETURNING attempts
	`
	var attempts int
	if err := s.pool.QueryRow(ctx, query, id, lastErr, maxAttempts).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("events: mark failed: %w", err)
	}
	return attempts, nil
}

// MemoryOutbox keeps entries in process for tests and single-node runs.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*memoryEntry
	seq     int64
	now     func() time.Time
}

type memoryEntry struct {
	OutboxEntry
	seq       int64
	delivered bool
	abandoned bool
}

var _ Store = (*MemoryOutbox)(nil)

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[uuid.UUID]*memoryEntry), now: time.Now}
}

func (m *MemoryOutbox) Insert(_ context.Context, clinicID, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.entries[id] = &memoryEntry{seq: m.seq, OutboxEntry: OutboxEntry{
		ID:        id,
		ClinicID:  clinicID,
		Type:      eventType,
		Payload:   data,
		CreatedAt: m.now().UTC(),
	}}
	return id, nil
}

func (m *MemoryOutbox) FetchPending(_ context.Context, limit int32) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*memoryEntry
	for _, e := range m.entries {
		if !e.delivered && !e.abandoned {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if limit > 0 && len(pending) > int(limit) {
		pending = pending[:limit]
	}
	out := make([]OutboxEntry, 0, len(pending))
	for _, e := range pending {
		out = append(out, e.OutboxEntry)
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.delivered {
		return false, nil
	}
	e.delivered = true
	return true, nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, lastErr string, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, fmt.Errorf("events: outbox entry %s not found", id)
	}
	e.Attempts++
	e.LastError = lastErr
	e.abandoned = e.Attempts >= maxAttempts
	return e.Attempts, nil
}

// Pending counts entries still awaiting delivery.
func (m *MemoryOutbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.delivered && !e.abandoned {
			n++
		}
	}
	return n
}

// Deliverer polls the outbox and invokes the handler.
type Deliverer struct {
	store       Store
	handler     DeliveryHandler
	alerter     Alerter
	metrics     *metrics.SchedulerMetrics
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	maxAttempts int
}

func NewDeliverer(store Store, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: 5,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Deliverer) WithAlerter(a Alerter) *Deliverer {
	d.alerter = a
	return d
}

func (d *Deliverer) WithMetrics(m *metrics.SchedulerMetrics) *Deliverer {
	d.metrics = m
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain delivers one batch of pending entries.
func (d *Deliverer) Drain(ctx context.Context) {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return
	}
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			d.failed(ctx, entry, err)
			continue
		}
		d.metrics.ObserveSideEffect(entry.Type, "delivered")
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
}

func (d *Deliverer) failed(ctx context.Context, entry OutboxEntry, cause error) {
	d.logger.Error("outbox delivery failed", "error", cause, "event_id", entry.ID, "type", entry.Type)
	attempts, err := d.store.MarkFailed(ctx, entry.ID, cause.Error(), d.maxAttempts)
	if err != nil {
		d.logger.Error("failed to record outbox failure", "error", err, "event_id", entry.ID)
		return
	}
	if attempts < d.maxAttempts {
		d.metrics.ObserveSideEffect(entry.Type, "retry")
		return
	}
	d.metrics.ObserveSideEffect(entry.Type, "abandoned")
	if d.alerter == nil {
		return
	}
	subject := fmt.Sprintf("Side effect %s abandoned", entry.Type)
	body := fmt.Sprintf("Outbox entry %s (%s) failed %d times.\nLast error: %v\nPayload: %s",
		entry.ID, entry.Type, attempts, cause, string(entry.Payload))
	if err := d.alerter.Alert(ctx, subject, body); err != nil {
		d.logger.Error("failed to send outbox alert", "error", err, "event_id", entry.ID)
	}
}

// Recorder binds a Store to one clinic for callers that only enqueue.
type Recorder struct {
	store    Store
	clinicID string
}

func NewRecorder(store Store, clinicID string) *Recorder {
	if store == nil {
		panic("events: store required")
	}
	return &Recorder{store: store, clinicID: clinicID}
}

// Enqueue records a side effect for later delivery.
func (r *Recorder) Enqueue(ctx context.Context, eventType string, payload any) error {
	_, err := r.store.Insert(ctx, r.clinicID, eventType, payload)
	return err
}
