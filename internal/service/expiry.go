package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rentcar-reservations/internal/events"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

const (
	expiryJob       = "pending-expiry"
	expiryBatchSize = 100
)

// StartExpirySweeper периодически отменяет неоплаченные бронирования старше PendingTTL,
// освобождая удерживаемые ими интервалы. Работает до отмены контекста.
func (s *Service) StartExpirySweeper(ctx context.Context) {
	if s.pendingTTL <= 0 {
		return
	}

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("expire pending reservations error", zap.Error(err))
			}
		}
	}
}

// SweepExpired выполняет один проход отмены просроченных бронирований и возвращает их число.
// При нескольких экземплярах проход выполняет только получивший лидерство.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	if s.leader != nil {
		ok, err := s.leader.AcquireLeadership(ctx, expiryJob, s.instanceID, s.sweepInterval)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
	}

	cutoff := s.now().UTC().Add(-s.pendingTTL)
	total := 0
	for {
		expired, err := s.repo.ExpirePending(ctx, cutoff, expiryBatchSize)
		if err != nil {
			return total, err
		}
		for _, r := range expired {
			s.publish(ctx, events.TypeReservationExpired, r, model.StatusPending)
		}
		total += len(expired)
		if len(expired) < expiryBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("pending reservations expired", zap.Int("count", total))
	}
	return total, nil
}
