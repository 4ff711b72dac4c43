package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/events"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
	"github.com/mmeshcher/rentcar-reservations/internal/payment"
	"github.com/mmeshcher/rentcar-reservations/internal/repository"
)

const paymentBatchSize = 100

// RecordPaymentAs фиксирует оплату по запросу пользователя платёжного шлюза или персонала.
func (s *Service) RecordPaymentAs(ctx context.Context, user model.User, id string) (*model.Reservation, error) {
	if !s.policy.Allows(user.Role, OpRecordPayment, false) {
		return nil, apperr.Forbidden("operation not permitted")
	}
	return s.RecordPayment(ctx, id)
}

// RecordPayment отмечает бронирование оплаченным и переводит pending в confirmed.
// Повторный вызов для уже оплаченного бронирования ничего не меняет.
func (s *Service) RecordPayment(ctx context.Context, id string) (*model.Reservation, error) {
	current, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, translate(err, "get reservation")
	}

	var (
		updated model.Reservation
		prev    model.ReservationStatus
		changed bool
	)
	err = s.repo.WithVehicleLock(ctx, current.VehicleID, func(ctx context.Context, tx repository.VehicleTx) error {
		res, err := tx.GetReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		prev = res.Status

		switch {
		case res.PaymentStatus == model.PaymentStatusPaid:
			updated = *res
			return nil
		case res.Status.IsTerminal():
			return apperr.Conflict(apperr.ReasonClosed, fmt.Sprintf("reservation is %s", res.Status))
		case !model.CanTransitionPayment(res.PaymentStatus, model.PaymentStatusPaid):
			return apperr.Conflict(apperr.ReasonInvalidTransition,
				fmt.Sprintf("cannot record payment for payment status %s", res.PaymentStatus))
		}

		res.PaymentStatus = model.PaymentStatusPaid
		if res.Status == model.StatusPending {
			res.Status = model.StatusConfirmed
		}
		res.UpdatedAt = s.now().UTC()

		if err := tx.UpdateReservationStatus(ctx, res); err != nil {
			return err
		}
		changed = true
		updated = *res
		return nil
	})
	if err != nil {
		return nil, translate(err, "record payment")
	}

	if changed {
		s.logger.Info("payment recorded",
			zap.String("reservation_id", updated.ID),
			zap.String("status", string(updated.Status)),
		)
		s.publish(ctx, events.TypePaymentRecorded, updated, prev)
	}
	return &updated, nil
}

// StartPaymentUpdates опрашивает платёжную систему о неоплаченных бронированиях до отмены контекста.
func (s *Service) StartPaymentUpdates(ctx context.Context) {
	if s.payments == nil {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processPaymentBatch(ctx)
		}
	}
}

func (s *Service) processPaymentBatch(ctx context.Context) {
	awaiting, err := s.repo.ListAwaitingPayment(ctx, paymentBatchSize)
	if err != nil {
		s.logger.Error("list awaiting payment error", zap.Error(err))
		return
	}

	for _, r := range awaiting {
		info, statusCode, retryAfter, err := s.payments.GetPaymentStatus(ctx, r.ID)
		if err != nil {
			s.logger.Debug("payment status error", zap.String("reservation_id", r.ID), zap.Error(err))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if info == nil {
			continue
		}

		switch info.Status {
		case payment.StatusSucceeded:
			if _, err := s.RecordPayment(ctx, r.ID); err != nil {
				switch apperr.KindOf(err) {
				case apperr.KindUnavailable:
					// повторим на следующем тике
					s.logger.Warn("record polled payment deferred", zap.String("reservation_id", r.ID), zap.Error(err))
				case apperr.KindConflict:
					// оплата пришла после отмены: возврат средств за пределами сервиса
					s.logger.Warn("payment for closed reservation", zap.String("reservation_id", r.ID), zap.Error(err))
				default:
					s.logger.Error("record polled payment failed", zap.String("reservation_id", r.ID), zap.Error(err))
				}
			}
		case payment.StatusFailed:
			s.logger.Info("payment failed", zap.String("reservation_id", r.ID))
		}
	}
}
