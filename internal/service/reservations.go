package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/events"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
	"github.com/mmeshcher/rentcar-reservations/internal/pricing"
	"github.com/mmeshcher/rentcar-reservations/internal/repository"
)

// Параметры пагинации списка.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// CreateInput содержит запрос на создание бронирования. Денежные суммы в центах.
type CreateInput struct {
	// CustomerID задаётся персоналом при бронировании от имени клиента; ноль означает самого пользователя.
	CustomerID       int64               `json:"customerId" validate:"gte=0"`
	VehicleID        int64               `json:"vehicleId" validate:"required,gt=0"`
	StartDate        time.Time           `json:"startDate" validate:"required"`
	EndDate          time.Time           `json:"endDate" validate:"required,gtfield=StartDate"`
	IncludeDriver    bool                `json:"includeDriver"`
	DoorstepDelivery bool                `json:"doorstepDelivery"`
	PaymentMethod    model.PaymentMethod `json:"paymentMethod" validate:"required,oneof=paypal credit_card bank_transfer cash"`
	PaymentType      model.PaymentType   `json:"paymentType" validate:"required,oneof=full deposit"`
	DepositAmount    int64               `json:"depositAmount" validate:"gte=0"`
	RemainingAmount  int64               `json:"remainingAmount" validate:"gte=0"`
	TermsAccepted    bool                `json:"termsAccepted"`
	// TotalHint хранит сумму, которую видел клиент. Не сохраняется.
	TotalHint      *int64 `json:"totalAmount" validate:"omitempty,gte=0"`
	IdempotencyKey string `json:"-" validate:"max=128"`
}

// CreateResult содержит результат создания бронирования.
type CreateResult struct {
	Reservation model.Reservation
	// PriceAdjusted выставляется, если переданная клиентом сумма не совпала с рассчитанной.
	PriceAdjusted bool
	// Replayed выставляется, если бронирование уже было создано с тем же ключом идемпотентности.
	Replayed bool
}

// ListQuery задаёт фильтр, сортировку и страницу списка.
type ListQuery struct {
	Status     model.ReservationStatus
	VehicleID  *int64
	CustomerID *int64
	From       *time.Time
	To         *time.Time
	// Sort задаёт имя поля, префикс "-" означает обратный порядок.
	Sort   string
	Limit  int
	Offset int
}

// Page содержит страницу списка бронирований.
type Page struct {
	Items  []model.Reservation
	Total  int
	Limit  int
	Offset int
}

// StatusUpdate описывает изменение статуса бронирования или статуса оплаты. Пустое поле не меняется.
type StatusUpdate struct {
	Status        model.ReservationStatus
	PaymentStatus model.PaymentStatus
}

var sortFields = map[string]bool{
	"created_at":   true,
	"start_date":   true,
	"total_amount": true,
}

// Create проверяет запрос, статус автомобиля, доступность и стоимость и сохраняет бронирование.
// Проверки доступности и запись выполняются под блокировкой автомобиля.
func (s *Service) Create(ctx context.Context, user model.User, in CreateInput) (*CreateResult, error) {
	customerID := user.ID
	if in.CustomerID != 0 {
		customerID = in.CustomerID
	}
	if !s.policy.Allows(user.Role, OpCreate, customerID == user.ID) {
		return nil, apperr.Forbidden("cannot create reservations for other customers")
	}

	if err := s.validateCreate(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	id := uuid.NewString()

	replay, claimed, err := s.claimIdempotencyKey(ctx, customerID, in.IdempotencyKey, id)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	res := model.Reservation{
		ID:               id,
		CustomerID:       customerID,
		VehicleID:        in.VehicleID,
		StartDate:        in.StartDate.UTC(),
		EndDate:          in.EndDate.UTC(),
		IncludeDriver:    in.IncludeDriver,
		DoorstepDelivery: in.DoorstepDelivery,
		PaymentMethod:    in.PaymentMethod,
		PaymentType:      in.PaymentType,
		TermsAccepted:    true,
		TermsAcceptedAt:  now,
		Status:           model.StatusPending,
		PaymentStatus:    model.PaymentStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.repo.WithVehicleLock(ctx, in.VehicleID, func(ctx context.Context, tx repository.VehicleTx) error {
		v := tx.Vehicle()
		if err := checkGate(v); err != nil {
			return err
		}
		if err := ensureAvailable(ctx, tx, v.ID, res.StartDate, res.EndDate, ""); err != nil {
			return err
		}

		q, err := s.pricing.Compute(v, res.StartDate, res.EndDate, in.IncludeDriver, in.DoorstepDelivery)
		if err != nil {
			return apperr.Validation("invalid reservation period",
				apperr.FieldError{Field: "endDate", Message: err.Error()})
		}
		if in.PaymentType == model.PaymentTypeDeposit {
			if err := pricing.ValidateDeposit(q.Total, in.DepositAmount, in.RemainingAmount); err != nil {
				return apperr.Validation("invalid deposit",
					apperr.FieldError{Field: "depositAmount", Message: fmt.Sprintf(
						"deposit and remaining amounts must sum to the total %.2f", pricing.FromCents(q.Total))})
			}
			res.DepositAmount = in.DepositAmount
			res.RemainingAmount = in.RemainingAmount
		}

		res.TotalDays = q.TotalDays
		res.TotalAmount = q.Total
		res.DriverFee = q.DriverFee
		res.DeliveryFee = q.DeliveryFee

		return tx.InsertReservation(ctx, &res)
	})
	if err != nil {
		if claimed {
			if rerr := s.idem.ReleaseReservation(context.WithoutCancel(ctx), customerID, in.IdempotencyKey, id); rerr != nil {
				s.logger.Warn("release idempotency key failed", zap.String("reservation_id", id), zap.Error(rerr))
			}
		}
		return nil, translate(err, "create reservation")
	}

	s.logger.Info("reservation created",
		zap.String("reservation_id", res.ID),
		zap.Int64("vehicle_id", res.VehicleID),
		zap.Int64("customer_id", res.CustomerID),
		zap.Int64("total_cents", res.TotalAmount),
	)
	s.publish(ctx, events.TypeReservationCreated, res, "")

	return &CreateResult{
		Reservation:   res,
		PriceAdjusted: in.TotalHint != nil && *in.TotalHint != res.TotalAmount,
	}, nil
}

func (s *Service) validateCreate(in CreateInput) error {
	fields, err := s.validator.Struct(in)
	if err != nil {
		return apperr.Internal("validate request", err)
	}

	if !in.TermsAccepted {
		fields = append(fields, apperr.FieldError{Field: "termsAccepted", Message: "terms and conditions must be accepted"})
	}
	if in.PaymentType == model.PaymentTypeDeposit {
		if in.DepositAmount <= 0 {
			fields = append(fields, apperr.FieldError{Field: "depositAmount", Message: "depositAmount must be positive"})
		}
		if in.RemainingAmount <= 0 {
			fields = append(fields, apperr.FieldError{Field: "remainingAmount", Message: "remainingAmount must be positive"})
		}
	}

	if len(fields) > 0 {
		return apperr.Validation("invalid reservation request", fields...)
	}
	return nil
}

// claimIdempotencyKey закрепляет ключ клиента за новым бронированием id до записи.
// Если ключ уже занят, ждёт, пока бронирование владельца станет видно, и возвращает его как повтор.
// Недоступность хранилища ключей не мешает созданию.
func (s *Service) claimIdempotencyKey(ctx context.Context, customerID int64, key, id string) (*CreateResult, bool, error) {
	if key == "" || s.idem == nil {
		return nil, false, nil
	}

	for i := 0; ; i++ {
		owner, claimed, err := s.idem.ClaimReservation(ctx, customerID, key, id)
		if err != nil {
			s.logger.Warn("idempotency claim failed", zap.Error(err))
			return nil, false, nil
		}
		if claimed {
			return nil, true, nil
		}

		if owner != "" {
			res, err := s.repo.GetReservation(ctx, owner)
			switch {
			case err == nil && res.IsOwnedBy(customerID):
				return &CreateResult{Reservation: *res, Replayed: true}, false, nil
			case err == nil:
				return nil, false, apperr.Conflict(apperr.ReasonIdempotencyKeyReused, "idempotency key is already used")
			case !errors.Is(err, repository.ErrReservationNotFound):
				return nil, false, translate(err, "get reservation")
			}
		}

		// владелец ключа ещё не завершил запись
		if i == len(s.replayDelays) {
			return nil, false, apperr.Conflict(apperr.ReasonIdempotencyKeyReused,
				"a request with this idempotency key is still in progress")
		}
		timer := time.NewTimer(s.replayDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, translate(ctx.Err(), "wait for idempotent request")
		case <-timer.C:
		}
	}
}

// Get возвращает бронирование, если пользователь имеет право его видеть.
func (s *Service) Get(ctx context.Context, user model.User, id string) (*model.Reservation, error) {
	res, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, translate(err, "get reservation")
	}
	if err := s.authorize(user, OpView, res); err != nil {
		return nil, err
	}
	return res, nil
}

// List возвращает страницу бронирований. Клиент видит только свои бронирования.
func (s *Service) List(ctx context.Context, user model.User, q ListQuery) (*Page, error) {
	f, err := s.buildFilter(user, q)
	if err != nil {
		return nil, err
	}

	var (
		items []model.Reservation
		total int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = s.repo.FindReservations(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.repo.CountReservations(gctx, f)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, translate(err, "list reservations")
	}

	if items == nil {
		items = []model.Reservation{}
	}
	return &Page{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func (s *Service) buildFilter(user model.User, q ListQuery) (model.ReservationFilter, error) {
	f := model.ReservationFilter{
		VehicleID:  q.VehicleID,
		CustomerID: q.CustomerID,
		From:       q.From,
		To:         q.To,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}

	own := q.CustomerID != nil && *q.CustomerID == user.ID
	if !s.policy.Allows(user.Role, OpList, false) {
		if q.CustomerID != nil && !own {
			return f, apperr.Forbidden("customer_id filter is available to staff only")
		}
		if !s.policy.Allows(user.Role, OpList, true) {
			return f, apperr.Forbidden("operation not permitted")
		}
		id := user.ID
		f.CustomerID = &id
	}

	var fields []apperr.FieldError
	if q.Status != "" {
		if !q.Status.Valid() {
			fields = append(fields, apperr.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", q.Status)})
		}
		f.Status = q.Status
	}
	if q.Sort != "" {
		field := q.Sort
		if field[0] == '-' {
			field = field[1:]
			f.SortDesc = true
		}
		if !sortFields[field] {
			fields = append(fields, apperr.FieldError{Field: "sort", Message: "sort must be one of: created_at, start_date, total_amount"})
		}
		f.SortBy = field
	}
	if q.From != nil && q.To != nil && !q.To.After(*q.From) {
		fields = append(fields, apperr.FieldError{Field: "to", Message: "to must be after from"})
	}
	if q.Limit < 0 || q.Limit > MaxPageLimit {
		fields = append(fields, apperr.FieldError{Field: "limit", Message: fmt.Sprintf("limit must be between 1 and %d", MaxPageLimit)})
	}
	if q.Offset < 0 {
		fields = append(fields, apperr.FieldError{Field: "offset", Message: "offset must not be negative"})
	}
	if len(fields) > 0 {
		return f, apperr.Validation("invalid list query", fields...)
	}

	if f.Limit == 0 {
		f.Limit = DefaultPageLimit
	}
	return f, nil
}

// UpdateStatus меняет статус бронирования и/или статус оплаты по правилам жизненного цикла.
// Выдача автомобиля и его возврат отражаются в статусе автомобиля в той же транзакции.
func (s *Service) UpdateStatus(ctx context.Context, user model.User, id string, upd StatusUpdate) (*model.Reservation, error) {
	var fields []apperr.FieldError
	if upd.Status == "" && upd.PaymentStatus == "" {
		fields = append(fields, apperr.FieldError{Field: "status", Message: "status or paymentStatus is required"})
	}
	if upd.Status != "" && !upd.Status.Valid() {
		fields = append(fields, apperr.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", upd.Status)})
	}
	if upd.PaymentStatus != "" && !upd.PaymentStatus.Valid() {
		fields = append(fields, apperr.FieldError{Field: "paymentStatus", Message: fmt.Sprintf("unknown payment status %q", upd.PaymentStatus)})
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid status update", fields...)
	}

	current, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, translate(err, "get reservation")
	}
	if err := s.authorize(user, OpView, current); err != nil {
		return nil, err
	}

	var (
		updated model.Reservation
		prev    model.ReservationStatus
		moved   bool
	)
	err = s.repo.WithVehicleLock(ctx, current.VehicleID, func(ctx context.Context, tx repository.VehicleTx) error {
		res, err := tx.GetReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		prev = res.Status

		statusChanged := upd.Status != "" && upd.Status != res.Status
		paymentChanged := upd.PaymentStatus != "" && upd.PaymentStatus != res.PaymentStatus

		// права проверяются для каждого переданного поля, даже если значение не меняется
		if upd.Status != "" {
			op := OpTransition
			if upd.Status == model.StatusCancelled {
				op = OpCancel
			}
			if err := s.authorize(user, op, res); err != nil {
				return err
			}
		}
		if upd.PaymentStatus != "" {
			if err := s.authorize(user, OpSetPayment, res); err != nil {
				return err
			}
		}

		if statusChanged {
			if !model.CanTransition(res.Status, upd.Status) {
				return apperr.Conflict(apperr.ReasonInvalidTransition,
					fmt.Sprintf("cannot change status from %s to %s", res.Status, upd.Status))
			}
		}
		if paymentChanged {
			if !model.CanTransitionPayment(res.PaymentStatus, upd.PaymentStatus) {
				return apperr.Conflict(apperr.ReasonInvalidTransition,
					fmt.Sprintf("cannot change payment status from %s to %s", res.PaymentStatus, upd.PaymentStatus))
			}
		}

		if !statusChanged && !paymentChanged {
			updated = *res
			return nil
		}

		if statusChanged {
			res.Status = upd.Status
		}
		if paymentChanged {
			res.PaymentStatus = upd.PaymentStatus
		}
		res.UpdatedAt = s.now().UTC()

		if err := tx.UpdateReservationStatus(ctx, res); err != nil {
			return err
		}
		if statusChanged {
			if err := applyVehicleEffects(ctx, tx, prev, res.Status); err != nil {
				return err
			}
		}

		moved = true
		updated = *res
		return nil
	})
	if err != nil {
		return nil, translate(err, "update reservation status")
	}

	if moved {
		s.logger.Info("reservation updated",
			zap.String("reservation_id", updated.ID),
			zap.String("status", string(updated.Status)),
			zap.String("payment_status", string(updated.PaymentStatus)),
			zap.Int64("user_id", user.ID),
		)
		s.publish(ctx, events.TypeReservationStatusChanged, updated, prev)
	}
	return &updated, nil
}

// applyVehicleEffects отражает выдачу и возврат автомобиля в его статусе.
// Статус, выставленный вручную (например, maintenance), не перезаписывается при возврате.
func applyVehicleEffects(ctx context.Context, tx repository.VehicleTx, from, to model.ReservationStatus) error {
	switch {
	case to == model.StatusOngoing:
		return tx.SetVehicleStatus(ctx, model.VehicleStatusRented)
	case from == model.StatusOngoing && to == model.StatusCompleted:
		if tx.Vehicle().Status == model.VehicleStatusRented {
			return tx.SetVehicleStatus(ctx, model.VehicleStatusActive)
		}
	}
	return nil
}

// Delete физически удаляет бронирование. Доступно только персоналу.
func (s *Service) Delete(ctx context.Context, user model.User, id string) error {
	res, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return translate(err, "get reservation")
	}
	if err := s.authorize(user, OpDelete, res); err != nil {
		return err
	}

	if err := s.repo.DeleteReservation(ctx, id); err != nil {
		return translate(err, "delete reservation")
	}

	s.logger.Info("reservation deleted", zap.String("reservation_id", id), zap.Int64("user_id", user.ID))
	s.publish(ctx, events.TypeReservationDeleted, *res, res.Status)
	return nil
}
