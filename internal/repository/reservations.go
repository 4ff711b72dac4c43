package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

const reservationColumns = `id::text, customer_id, vehicle_id, start_date, end_date, total_days,
	total_amount, include_driver, doorstep_delivery, driver_fee, delivery_fee,
	payment_method, payment_type, deposit_amount, remaining_amount,
	terms_accepted, terms_accepted_at, status, payment_status, created_at, updated_at`

// VehicleTx описывает операции, доступные под блокировкой автомобиля внутри одной транзакции.
type VehicleTx interface {
	// Vehicle возвращает заблокированную строку автомобиля.
	Vehicle() model.Vehicle
	FindBlocking(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error)
	GetReservationForUpdate(ctx context.Context, id string) (*model.Reservation, error)
	InsertReservation(ctx context.Context, res *model.Reservation) error
	UpdateReservationStatus(ctx context.Context, res *model.Reservation) error
	SetVehicleStatus(ctx context.Context, status model.VehicleStatus) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type vehicleTx struct {
	tx      pgx.Tx
	vehicle model.Vehicle
}

func (t *vehicleTx) Vehicle() model.Vehicle {
	return t.vehicle
}

func (t *vehicleTx) FindBlocking(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error) {
	return findBlocking(ctx, t.tx, vehicleID, start, end, excludeID)
}

func (t *vehicleTx) GetReservationForUpdate(ctx context.Context, id string) (*model.Reservation, error) {
	return getReservation(ctx, t.tx, id, true)
}

func (t *vehicleTx) InsertReservation(ctx context.Context, res *model.Reservation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO reservations (
			id, customer_id, vehicle_id, start_date, end_date, total_days,
			total_amount, include_driver, doorstep_delivery, driver_fee, delivery_fee,
			payment_method, payment_type, deposit_amount, remaining_amount,
			terms_accepted, terms_accepted_at, status, payment_status, created_at, updated_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		res.ID, res.CustomerID, res.VehicleID, res.StartDate, res.EndDate, res.TotalDays,
		res.TotalAmount, res.IncludeDriver, res.DoorstepDelivery, res.DriverFee, res.DeliveryFee,
		string(res.PaymentMethod), string(res.PaymentType), nullableCents(res.DepositAmount), nullableCents(res.RemainingAmount),
		res.TermsAccepted, res.TermsAcceptedAt, string(res.Status), string(res.PaymentStatus), res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		if mapped := mapPgError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *vehicleTx) UpdateReservationStatus(ctx context.Context, res *model.Reservation) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE reservations SET status = $2, payment_status = $3, updated_at = $4 WHERE id = $1::uuid`,
		res.ID, string(res.Status), string(res.PaymentStatus), res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (t *vehicleTx) SetVehicleStatus(ctx context.Context, status model.VehicleStatus) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE vehicles SET status = $2, updated_at = now() WHERE id = $1`,
		t.vehicle.ID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update vehicle status: %w", err)
	}
	t.vehicle.Status = status
	return nil
}

func getReservation(ctx context.Context, q querier, id string, forUpdate bool) (*model.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1::uuid`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	res, err := scanReservation(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || pgCode(err) == pgerrcode.InvalidTextRepresentation {
			return nil, ErrReservationNotFound
		}
		if mapped := mapPgError(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

func findBlocking(ctx context.Context, q querier, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error) {
	statuses := make([]string, 0, len(model.BlockingStatuses))
	for _, s := range model.BlockingStatuses {
		statuses = append(statuses, string(s))
	}

	rows, err := q.Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE vehicle_id = $1
		   AND status = ANY($2::text[])
		   AND start_date < $4 AND end_date > $3
		   AND id::text <> $5
		 ORDER BY start_date`,
		vehicleID, statuses, start, end, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select blocking reservations: %w", err)
	}
	return collectReservations(rows)
}

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var (
		res                                    model.Reservation
		method, paymentType, status, payStatus string
		deposit, remaining                     *int64
	)

	err := row.Scan(
		&res.ID, &res.CustomerID, &res.VehicleID, &res.StartDate, &res.EndDate, &res.TotalDays,
		&res.TotalAmount, &res.IncludeDriver, &res.DoorstepDelivery, &res.DriverFee, &res.DeliveryFee,
		&method, &paymentType, &deposit, &remaining,
		&res.TermsAccepted, &res.TermsAcceptedAt, &status, &payStatus, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	res.PaymentMethod = model.PaymentMethod(method)
	res.PaymentType = model.PaymentType(paymentType)
	res.Status = model.ReservationStatus(status)
	res.PaymentStatus = model.PaymentStatus(payStatus)
	if deposit != nil {
		res.DepositAmount = *deposit
	}
	if remaining != nil {
		res.RemainingAmount = *remaining
	}

	return &res, nil
}

func collectReservations(rows pgx.Rows) ([]model.Reservation, error) {
	defer rows.Close()

	var res []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res = append(res, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func nullableCents(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

var sortColumns = map[string]string{
	"created_at":   "created_at",
	"start_date":   "start_date",
	"end_date":     "end_date",
	"total_amount": "total_amount",
}

func buildWhere(f model.ReservationFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.CustomerID != nil {
		add("customer_id = $%d", *f.CustomerID)
	}
	if f.VehicleID != nil {
		add("vehicle_id = $%d", *f.VehicleID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.From != nil {
		add("end_date > $%d", *f.From)
	}
	if f.To != nil {
		add("start_date < $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildListQuery(f model.ReservationFilter) (string, []any) {
	where, args := buildWhere(f)

	column, ok := sortColumns[f.SortBy]
	if !ok {
		column = "created_at"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations` + where +
		fmt.Sprintf(" ORDER BY %s %s, id", column, dir)

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return query, args
}
