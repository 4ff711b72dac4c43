package model

// ReservationStatus описывает состояние бронирования в жизненном цикле.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusOngoing   ReservationStatus = "ongoing"
	StatusCompleted ReservationStatus = "completed"
	StatusCancelled ReservationStatus = "cancelled"
)

var validNext = map[ReservationStatus]map[ReservationStatus]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusOngoing: true, StatusCancelled: true},
	StatusOngoing:   {StatusCompleted: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

// BlockingStatuses содержит статусы, при которых бронирование удерживает автомобиль.
// Ожидающее оплаты бронирование тоже держит слот.
var BlockingStatuses = []ReservationStatus{StatusPending, StatusConfirmed, StatusOngoing}

// Valid сообщает, известен ли статус.
func (s ReservationStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s ReservationStatus) IsTerminal() bool {
	next, ok := validNext[s]
	return !ok || len(next) == 0
}

// IsBlocking сообщает, удерживает ли бронирование в этом статусе автомобиль.
func (s ReservationStatus) IsBlocking() bool {
	for _, b := range BlockingStatuses {
		if s == b {
			return true
		}
	}
	return false
}

// CanTransition проверяет допустимость перехода from -> to.
func CanTransition(from, to ReservationStatus) bool {
	return validNext[from][to]
}

// CanTransitionPayment проверяет допустимость изменения статуса оплаты.
// Возврат возможен только для оплаченного бронирования.
func CanTransitionPayment(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		return to == PaymentStatusPaid
	case PaymentStatusPaid:
		return to == PaymentStatusRefunded
	}
	return false
}
