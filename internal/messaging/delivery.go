package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DeliveryStatus tracks a message after it left the scheduler.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var ErrDeliveryNotFound = errors.New("messaging: delivery not found")

// Delivery is one entry of the delivery log.
type Delivery struct {
	ID            string         `json:"id" dynamodbav:"id"`
	JobKey        string         `json:"job_key" dynamodbav:"jobKey"`
	JobType       string         `json:"job_type" dynamodbav:"jobType"`
	AppointmentID string         `json:"appointment_id,omitempty" dynamodbav:"appointmentId,omitempty"`
	Channel       Channel        `json:"channel" dynamodbav:"channel"`
	To            string         `json:"to" dynamodbav:"to"`
	ProviderID    string         `json:"provider_id,omitempty" dynamodbav:"providerId,omitempty"`
	Status        DeliveryStatus `json:"status" dynamodbav:"status"`
	Error         string         `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at" dynamodbav:"createdAt"`
	UpdatedAt     time.Time      `json:"updated_at" dynamodbav:"updatedAt"`
}

// DeliveryStore persists the delivery log.
type DeliveryStore interface {
	Record(ctx context.Context, d Delivery) error
	UpdateStatus(ctx context.Context, providerID string, status DeliveryStatus, errCode string) error
	ListForAppointment(ctx context.Context, appointmentID string) ([]Delivery, error)
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresDeliveryStore writes to message_deliveries.
type PostgresDeliveryStore struct {
	db pgxQuerier
}

var _ DeliveryStore = (*PostgresDeliveryStore)(nil)

func NewPostgresDeliveryStore(db pgxQuerier) *PostgresDeliveryStore {
	if db == nil {
		panic("messaging: pgx pool required")
	}
	return &PostgresDeliveryStore{db: db}
}

func (s *PostgresDeliveryStore) Record(ctx context.Context, d Delivery) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_deliveries (id, job_key, job_type, appointment_id, channel, recipient, provider_id, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10, $10)`,
		d.ID, d.JobKey, d.JobType, d.AppointmentID, string(d.Channel), d.To, d.ProviderID, string(d.Status), d.Error, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("messaging: record delivery: %w", err)
	}
	return nil
}

func (s *PostgresDeliveryStore) UpdateStatus(ctx context.Context, providerID string, status DeliveryStatus, errCode string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_deliveries
		SET status = $2, error = COALESCE(NULLIF($3, ''), error), updated_at = now()
		WHERE provider_id = $1`,
		providerID, string(status), errCode,
	)
	if err != nil {
		return fmt.Errorf("messaging: update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (s *PostgresDeliveryStore) ListForAppointment(ctx context.Context, appointmentID string) ([]Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_key, job_type, COALESCE(appointment_id, ''), channel, recipient, COALESCE(provider_id, ''), status, COALESCE(error, ''), created_at, updated_at
		FROM message_deliveries
		WHERE appointment_id = $1
		ORDER BY created_at`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("messaging: list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d       Delivery
			channel string
			status  string
		)
		if err := rows.Scan(&d.ID, &d.JobKey, &d.JobType, &d.AppointmentID, &channel, &d.To, &d.ProviderID, &status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("messaging: scan delivery: %w", err)
		}
		d.Channel = Channel(channel)
		d.Status = DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// MemoryDeliveryStore keeps the log in process.
type MemoryDeliveryStore struct {
	mu         sync.Mutex
	deliveries []Delivery
}

var _ DeliveryStore = (*MemoryDeliveryStore)(nil)

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{}
}

func (s *MemoryDeliveryStore) Record(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *MemoryDeliveryStore) UpdateStatus(_ context.Context, providerID string, status DeliveryStatus, errCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deliveries {
		if s.deliveries[i].ProviderID == providerID {
			s.deliveries[i].Status = status
			if errCode != "" {
				s.deliveries[i].Error = errCode
			}
			s.deliveries[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrDeliveryNotFound
}

func (s *MemoryDeliveryStore) ListForAppointment(_ context.Context, appointmentID string) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for _, d := range s.deliveries {
		if d.AppointmentID == appointmentID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// All returns every recorded delivery.
func (s *MemoryDeliveryStore) All() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}
