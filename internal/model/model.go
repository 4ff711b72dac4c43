// Package model содержит доменные сущности сервиса бронирования автомобилей.
package model

import (
	"slices"
	"time"
)

// Role описывает роль пользователя, полученную из токена доступа.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleStaff      Role = "staff"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Roles перечисляет все известные роли.
var Roles = []Role{RoleCustomer, RoleStaff, RoleAdmin, RoleSuperAdmin}

// Valid сообщает, известна ли роль системе.
func (r Role) Valid() bool {
	return slices.Contains(Roles, r)
}

// IsStaff сообщает, относится ли роль к персоналу.
func (r Role) IsStaff() bool {
	return r == RoleStaff || r == RoleAdmin || r == RoleSuperAdmin
}

// User представляет аутентифицированного пользователя запроса.
type User struct {
	ID   int64
	Role Role
}

// VehicleStatus описывает административный статус автомобиля.
type VehicleStatus string

const (
	VehicleStatusActive        VehicleStatus = "active"
	VehicleStatusMaintenance   VehicleStatus = "maintenance"
	VehicleStatusRented        VehicleStatus = "rented"
	VehicleStatusReserved      VehicleStatus = "reserved"
	VehicleStatusOverdueReturn VehicleStatus = "overdue_return"
)

// Vehicle описывает автомобиль. Для бронирования нужны только тариф и статус.
type Vehicle struct {
	ID int64
	// DailyRate хранится в центах.
	DailyRate int64
	Status    VehicleStatus
}

// PaymentMethod определяет способ оплаты бронирования.
type PaymentMethod string

const (
	PaymentMethodPayPal       PaymentMethod = "paypal"
	PaymentMethodCreditCard   PaymentMethod = "credit_card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodCash         PaymentMethod = "cash"
)

// PaymentType различает полную оплату и депозит с остатком.
type PaymentType string

const (
	PaymentTypeFull    PaymentType = "full"
	PaymentTypeDeposit PaymentType = "deposit"
)

// PaymentStatus хранит состояние оплаты, независимое от статуса бронирования.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid сообщает, известен ли статус оплаты.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusRefunded:
		return true
	}
	return false
}

// Reservation связывает клиента, автомобиль и полуоткрытый интервал [StartDate, EndDate).
// Все денежные поля хранятся в центах.
type Reservation struct {
	ID         string
	CustomerID int64
	VehicleID  int64

	StartDate time.Time
	EndDate   time.Time
	TotalDays int

	TotalAmount      int64
	IncludeDriver    bool
	DoorstepDelivery bool
	DriverFee        int64
	DeliveryFee      int64

	PaymentMethod   PaymentMethod
	PaymentType     PaymentType
	DepositAmount   int64
	RemainingAmount int64

	TermsAccepted   bool
	TermsAcceptedAt time.Time

	Status        ReservationStatus
	PaymentStatus PaymentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOwnedBy сообщает, принадлежит ли бронирование пользователю.
func (r *Reservation) IsOwnedBy(userID int64) bool {
	return r.CustomerID == userID
}

// ReservationFilter задаёт условия выборки списка бронирований.
type ReservationFilter struct {
	CustomerID *int64
	VehicleID  *int64
	Status     ReservationStatus
	// From и To выбирают бронирования, пересекающие окно [From, To).
	From *time.Time
	To   *time.Time

	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// BookedInterval описывает занятый интервал для отображения в календаре.
type BookedInterval struct {
	ReservationID string            `json:"reservationId"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	Status        ReservationStatus `json:"status"`
}

// AvailabilityReport содержит ответ на запрос о доступности автомобиля на интервал.
type AvailabilityReport struct {
	Available       bool             `json:"available"`
	Reason          string           `json:"reason,omitempty"`
	BookedIntervals []BookedInterval `json:"bookedIntervals"`
}
