// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrVehicleNotFound возвращается, если автомобиль не найден.
	ErrVehicleNotFound = errors.New("vehicle not found")
	// ErrReservationNotFound возвращается, если бронирование не найдено.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationOverlap возвращается, когда ограничение исключения отклонило пересекающееся бронирование.
	ErrReservationOverlap = errors.New("reservation overlaps an existing one")
	// ErrLockTimeout возвращается, если блокировку автомобиля не удалось получить за отведённое время.
	ErrLockTimeout = errors.New("vehicle lock timeout")
)

const defaultLockTimeout = 3 * time.Second

// PostgresRepository предоставляет доступ к хранилищу бронирований в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, lockTimeout time.Duration) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	r := &PostgresRepository{
		pool:        pool,
		lockTimeout: lockTimeout,
		retryDelays: []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(r.retryDelays) {
			return err
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Конфликты сериализации и взаимоблокировки безопасно повторять целиком.
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapPgError переводит коды PostgreSQL, значимые для бронирования, в ошибки репозитория.
// Для остальных ошибок возвращает nil.
func mapPgError(err error) error {
	switch pgCode(err) {
	case pgerrcode.LockNotAvailable:
		return ErrLockTimeout
	case pgerrcode.ExclusionViolation:
		return ErrReservationOverlap
	}
	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithVehicleLock выполняет fn в транзакции, удерживая блокировку строки автомобиля.
// Все проверки доступности и запись бронирования внутри fn сериализуются по автомобилю.
// Ошибка fn откатывает транзакцию и возвращается без изменений.
func (r *PostgresRepository) WithVehicleLock(ctx context.Context, vehicleID int64, fn func(ctx context.Context, tx VehicleTx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}

		var (
			v      model.Vehicle
			status string
		)
		err = tx.QueryRow(ctx,
			`SELECT id, daily_rate, status FROM vehicles WHERE id = $1 FOR UPDATE`,
			vehicleID,
		).Scan(&v.ID, &v.DailyRate, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrVehicleNotFound
			}
			if mapped := mapPgError(err); mapped != nil {
				return mapped
			}
			return fmt.Errorf("lock vehicle: %w", err)
		}
		v.Status = model.VehicleStatus(status)

		if err := fn(ctx, &vehicleTx{tx: tx, vehicle: v}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetVehicle возвращает автомобиль без блокировки.
func (r *PostgresRepository) GetVehicle(ctx context.Context, id int64) (*model.Vehicle, error) {
	var (
		v      model.Vehicle
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, daily_rate, status FROM vehicles WHERE id = $1`,
		id,
	).Scan(&v.ID, &v.DailyRate, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVehicleNotFound
		}
		return nil, fmt.Errorf("get vehicle: %w", err)
	}
	v.Status = model.VehicleStatus(status)
	return &v, nil
}

// GetReservation возвращает бронирование по идентификатору.
func (r *PostgresRepository) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	return getReservation(ctx, r.pool, id, false)
}

// FindBlocking возвращает бронирования автомобиля в блокирующих статусах, пересекающие [start, end).
func (r *PostgresRepository) FindBlocking(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error) {
	return findBlocking(ctx, r.pool, vehicleID, start, end, excludeID)
}

// FindReservations возвращает страницу бронирований по фильтру.
func (r *PostgresRepository) FindReservations(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error) {
	query, args := buildListQuery(f)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	return collectReservations(rows)
}

// CountReservations возвращает общее число бронирований по фильтру без учёта пагинации.
func (r *PostgresRepository) CountReservations(ctx context.Context, f model.ReservationFilter) (int, error) {
	where, args := buildWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reservations`+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count reservations: %w", err)
	}
	return total, nil
}

// ListCalendar возвращает все неотменённые бронирования автомобиля, касающиеся окна [from, to).
func (r *PostgresRepository) ListCalendar(ctx context.Context, vehicleID int64, from, to time.Time) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE vehicle_id = $1 AND status <> $2 AND start_date < $4 AND end_date > $3
		 ORDER BY start_date`,
		vehicleID, string(model.StatusCancelled), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select calendar: %w", err)
	}
	return collectReservations(rows)
}

// DeleteReservation физически удаляет бронирование. Если машина была выдана по нему,
// её статус возвращается в active в той же транзакции.
func (r *PostgresRepository) DeleteReservation(ctx context.Context, id string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			vehicleID int64
			status    string
		)
		err = tx.QueryRow(ctx,
			`DELETE FROM reservations WHERE id = $1::uuid RETURNING vehicle_id, status`,
			id,
		).Scan(&vehicleID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || pgCode(err) == pgerrcode.InvalidTextRepresentation {
				return ErrReservationNotFound
			}
			return fmt.Errorf("delete reservation: %w", err)
		}

		if model.ReservationStatus(status) == model.StatusOngoing {
			_, err = tx.Exec(ctx,
				`UPDATE vehicles SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
				vehicleID, string(model.VehicleStatusActive), string(model.VehicleStatusRented),
			)
			if err != nil {
				return fmt.Errorf("release vehicle: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ExpirePending отменяет неоплаченные бронирования в статусе pending, созданные раньше cutoff.
// Строки, заблокированные параллельной транзакцией, пропускаются до следующего прохода.
func (r *PostgresRepository) ExpirePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE reservations SET status = $1, updated_at = now()
		 WHERE id IN (
		     SELECT id FROM reservations
		     WHERE status = $2 AND payment_status = $3 AND created_at < $4
		     ORDER BY created_at
		     LIMIT $5
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+reservationColumns,
		string(model.StatusCancelled),
		string(model.StatusPending),
		string(model.PaymentStatusPending),
		cutoff,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	return collectReservations(rows)
}

// ListAwaitingPayment возвращает бронирования, по которым ожидается подтверждение оплаты.
func (r *PostgresRepository) ListAwaitingPayment(ctx context.Context, limit int) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE status = $1 AND payment_status = $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.StatusPending), string(model.PaymentStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select awaiting payment: %w", err)
	}
	return collectReservations(rows)
}
