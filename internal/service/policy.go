package service

import (
	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

// Operation обозначает действие над бронированием, подлежащее авторизации.
type Operation string

const (
	OpView          Operation = "view"
	OpList          Operation = "list"
	OpCreate        Operation = "create"
	OpCancel        Operation = "cancel"
	OpTransition    Operation = "transition"
	OpSetPayment    Operation = "set_payment"
	OpDelete        Operation = "delete"
	OpRecordPayment Operation = "record_payment"
)

type policyKey struct {
	role model.Role
	op   Operation
	own  bool
}

// Policy хранит таблицу разрешений по роли, операции и признаку владения.
// Отсутствующая запись означает запрет.
type Policy map[policyKey]bool

// Allows сообщает, разрешена ли операция.
func (p Policy) Allows(role model.Role, op Operation, own bool) bool {
	return p[policyKey{role: role, op: op, own: own}]
}

// DefaultPolicy возвращает правила сервиса: клиент работает только со своими бронированиями
// и может лишь отменить их, персонал может всё.
func DefaultPolicy() Policy {
	p := Policy{
		{model.RoleCustomer, OpView, true}:   true,
		{model.RoleCustomer, OpList, true}:   true,
		{model.RoleCustomer, OpCreate, true}: true,
		{model.RoleCustomer, OpCancel, true}: true,
	}

	ops := []Operation{OpView, OpList, OpCreate, OpCancel, OpTransition, OpSetPayment, OpDelete, OpRecordPayment}
	for _, role := range model.Roles {
		if !role.IsStaff() {
			continue
		}
		for _, op := range ops {
			p[policyKey{role, op, true}] = true
			p[policyKey{role, op, false}] = true
		}
	}
	return p
}

// authorize проверяет доступ к конкретному бронированию.
// Чужое бронирование для того, кто не видит чужих, выглядит несуществующим.
func (s *Service) authorize(user model.User, op Operation, res *model.Reservation) error {
	own := res.IsOwnedBy(user.ID)
	if s.policy.Allows(user.Role, op, own) {
		return nil
	}
	if !own && !s.policy.Allows(user.Role, OpView, false) {
		return apperr.NotFound("reservation", "")
	}
	return apperr.Forbidden("operation not permitted")
}
