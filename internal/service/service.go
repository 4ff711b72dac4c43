// Package service реализует бизнес-логику бронирования автомобилей.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/events"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
	"github.com/mmeshcher/rentcar-reservations/internal/payment"
	"github.com/mmeshcher/rentcar-reservations/internal/pricing"
	"github.com/mmeshcher/rentcar-reservations/internal/repository"
	"github.com/mmeshcher/rentcar-reservations/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	WithVehicleLock(ctx context.Context, vehicleID int64, fn func(ctx context.Context, tx repository.VehicleTx) error) error
	GetVehicle(ctx context.Context, id int64) (*model.Vehicle, error)
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	FindBlocking(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error)
	FindReservations(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error)
	CountReservations(ctx context.Context, f model.ReservationFilter) (int, error)
	ListCalendar(ctx context.Context, vehicleID int64, from, to time.Time) ([]model.Reservation, error)
	DeleteReservation(ctx context.Context, id string) error
	ExpirePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error)
	ListAwaitingPayment(ctx context.Context, limit int) ([]model.Reservation, error)
}

// IdempotencyStore закрепляет ключ клиента за создаваемым бронированием.
type IdempotencyStore interface {
	ClaimReservation(ctx context.Context, customerID int64, key, reservationID string) (string, bool, error)
	ReleaseReservation(ctx context.Context, customerID int64, key, reservationID string) error
}

// LeaderElector выбирает один экземпляр для выполнения фоновой задачи.
type LeaderElector interface {
	AcquireLeadership(ctx context.Context, job, holder string, ttl time.Duration) (bool, error)
}

// EventPublisher публикует события жизненного цикла бронирований.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// PaymentClient запрашивает статус оплаты во внешней платёжной системе.
type PaymentClient interface {
	GetPaymentStatus(ctx context.Context, reservationID string) (*payment.Info, int, time.Duration, error)
}

// Options задаёт параметры и необязательные зависимости сервиса.
// Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	// Pricing задаёт тарифы; nil означает тарифы по умолчанию.
	Pricing             *pricing.Calculator
	PendingTTL          time.Duration
	SweepInterval       time.Duration
	PaymentPollInterval time.Duration
	CalendarDaysBack    int
	CalendarDaysAhead   int
	InstanceID          string

	Idempotency IdempotencyStore
	Leader      LeaderElector
	Events      EventPublisher
	Payments    PaymentClient
}

const (
	defaultSweepInterval    = time.Minute
	defaultPollInterval     = time.Second
	defaultCalendarBackDays = 30
	defaultCalendarAhead    = 90
)

// Service содержит бизнес-логику бронирований.
type Service struct {
	repo      Repository
	validator *validation.Validator
	pricing   pricing.Calculator
	policy    Policy

	idem     IdempotencyStore
	leader   LeaderElector
	events   EventPublisher
	payments PaymentClient

	pendingTTL    time.Duration
	sweepInterval time.Duration
	pollInterval  time.Duration
	calendarBack  time.Duration
	calendarAhead time.Duration
	instanceID    string
	replayDelays  []time.Duration

	logger *zap.Logger
	now    func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	calc := pricing.NewCalculator()
	if opts.Pricing != nil {
		calc = *opts.Pricing
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.PaymentPollInterval <= 0 {
		opts.PaymentPollInterval = defaultPollInterval
	}
	if opts.CalendarDaysBack <= 0 {
		opts.CalendarDaysBack = defaultCalendarBackDays
	}
	if opts.CalendarDaysAhead <= 0 {
		opts.CalendarDaysAhead = defaultCalendarAhead
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "reservations"
	}

	return &Service{
		repo:          repo,
		validator:     validation.New(),
		pricing:       calc,
		policy:        DefaultPolicy(),
		idem:          opts.Idempotency,
		leader:        opts.Leader,
		events:        opts.Events,
		payments:      opts.Payments,
		pendingTTL:    opts.PendingTTL,
		sweepInterval: opts.SweepInterval,
		pollInterval:  opts.PaymentPollInterval,
		calendarBack:  time.Duration(opts.CalendarDaysBack) * 24 * time.Hour,
		calendarAhead: time.Duration(opts.CalendarDaysAhead) * 24 * time.Hour,
		instanceID:    opts.InstanceID,
		replayDelays:  []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond, time.Second},
		logger:        logger,
		now:           time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// translate приводит ошибки хранилища к ошибкам прикладного уровня.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}

	switch {
	case errors.Is(err, repository.ErrVehicleNotFound):
		return apperr.NotFound("vehicle", "")
	case errors.Is(err, repository.ErrReservationNotFound):
		return apperr.NotFound("reservation", "")
	case errors.Is(err, repository.ErrReservationOverlap):
		return apperr.Conflict(apperr.ReasonAlreadyBooked, "vehicle is already booked for the requested dates")
	case errors.Is(err, repository.ErrLockTimeout):
		return apperr.Unavailable("vehicle is busy, try again", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Unavailable("request timed out, try again", err)
	}
	return apperr.Internal(op, err)
}

func (s *Service) publish(ctx context.Context, eventType string, res model.Reservation, prev model.ReservationStatus) {
	err := s.events.Publish(ctx, events.Event{
		Type:           eventType,
		Reservation:    res,
		PreviousStatus: prev,
	})
	if err != nil {
		s.logger.Warn("publish event failed",
			zap.String("type", eventType),
			zap.String("reservation_id", res.ID),
			zap.Error(err),
		)
	}
}
