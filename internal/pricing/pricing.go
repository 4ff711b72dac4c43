// Package pricing рассчитывает стоимость бронирования.
package pricing

import (
	"errors"
	"math"
	"time"

	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

const day = 24 * time.Hour

// Тарифы по умолчанию, в центах.
const (
	DefaultDriverDailyRate int64 = 3000
	DefaultDeliveryFee     int64 = 2500
)

var (
	// ErrInvalidPeriod возвращается, если интервал бронирования пуст или перевёрнут.
	ErrInvalidPeriod = errors.New("end date must be after start date")
	// ErrInvalidDeposit возвращается, если депозит и остаток не складываются в итоговую сумму.
	ErrInvalidDeposit = errors.New("deposit and remaining amounts must be positive and sum to the total")
)

// Quote содержит результат расчёта стоимости.
type Quote struct {
	TotalDays   int
	Base        int64
	DriverFee   int64
	DeliveryFee int64
	Total       int64
}

// Calculator рассчитывает стоимость по тарифу автомобиля и дополнительным услугам.
type Calculator struct {
	DriverDailyRate int64
	DeliveryFee     int64
}

// NewCalculator создаёт калькулятор с тарифами по умолчанию.
func NewCalculator() Calculator {
	return Calculator{
		DriverDailyRate: DefaultDriverDailyRate,
		DeliveryFee:     DefaultDeliveryFee,
	}
}

// TotalDays возвращает число суток в [start, end), округляя неполные сутки вверх.
func TotalDays(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	days := int(d / day)
	if d%day != 0 {
		days++
	}
	return days
}

// Compute рассчитывает итоговую сумму бронирования.
func (c Calculator) Compute(v model.Vehicle, start, end time.Time, includeDriver, doorstepDelivery bool) (Quote, error) {
	days := TotalDays(start, end)
	if days <= 0 {
		return Quote{}, ErrInvalidPeriod
	}

	q := Quote{
		TotalDays: days,
		Base:      v.DailyRate * int64(days),
	}
	if includeDriver {
		q.DriverFee = c.DriverDailyRate * int64(days)
	}
	if doorstepDelivery {
		q.DeliveryFee = c.DeliveryFee
	}
	q.Total = q.Base + q.DriverFee + q.DeliveryFee

	return q, nil
}

// ValidateDeposit проверяет разбиение суммы на депозит и остаток. Допуск не применяется.
func ValidateDeposit(total, deposit, remaining int64) error {
	if deposit <= 0 || remaining <= 0 || deposit+remaining != total {
		return ErrInvalidDeposit
	}
	return nil
}

// ToCents переводит сумму в денежных единицах в центы.
func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromCents переводит центы в денежные единицы.
func FromCents(cents int64) float64 {
	return float64(cents) / 100
}
