// Package events публикует события жизненного цикла бронирований для внешних потребителей.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

// Типы событий.
const (
	TypeReservationCreated       = "ReservationCreated"
	TypeReservationStatusChanged = "ReservationStatusChanged"
	TypeReservationExpired       = "ReservationExpired"
	TypeReservationDeleted       = "ReservationDeleted"
	TypePaymentRecorded          = "PaymentRecorded"
)

// DefaultTopic используется, если топик не задан.
const DefaultTopic = "reservation.events"

const envelopeVersion = 1

// Event описывает событие по одному бронированию.
type Event struct {
	Type           string
	Reservation    model.Reservation
	PreviousStatus model.ReservationStatus
}

// Envelope задаёт формат сообщения в топике.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// ReservationPayload содержит полезную нагрузку событий бронирования.
type ReservationPayload struct {
	ReservationID    string `json:"reservation_id"`
	CustomerID       int64  `json:"customer_id"`
	VehicleID        int64  `json:"vehicle_id"`
	Status           string `json:"status"`
	PreviousStatus   string `json:"previous_status,omitempty"`
	PaymentStatus    string `json:"payment_status"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
	TotalAmountCents int64  `json:"total_amount_cents"`
}

// NewEnvelope упаковывает событие в конверт с уникальным идентификатором.
func NewEnvelope(producer string, e Event, now time.Time) (Envelope, error) {
	r := e.Reservation
	payload, err := json.Marshal(ReservationPayload{
		ReservationID:    r.ID,
		CustomerID:       r.CustomerID,
		VehicleID:        r.VehicleID,
		Status:           string(r.Status),
		PreviousStatus:   string(e.PreviousStatus),
		PaymentStatus:    string(r.PaymentStatus),
		StartDate:        r.StartDate.UTC().Format(time.RFC3339),
		EndDate:          r.EndDate.UTC().Format(time.RFC3339),
		TotalAmountCents: r.TotalAmount,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     e.Type,
		EventVersion:  envelopeVersion,
		OccurredAt:    now.UTC(),
		Producer:      producer,
		CorrelationID: r.ID,
		Payload:       payload,
	}, nil
}
