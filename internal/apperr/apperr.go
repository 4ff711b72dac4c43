// Package apperr описывает ошибки, которые сервис отдаёт наружу.
package apperr

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибку для выбора ответа клиенту.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindForbidden
	KindNotFound
	KindUnavailable
)

// Коды причин конфликта, по которым клиент может предложить другие даты.
const (
	ReasonMaintenance       = "maintenance"
	ReasonOverdueReturn     = "overdue_return"
	ReasonAlreadyBooked     = "already_booked"
	ReasonInvalidTransition = "invalid_transition"
	ReasonClosed            = "reservation_closed"

	ReasonIdempotencyKeyReused = "idempotency_conflict"
)

// FieldError описывает нарушение для одного поля запроса.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// Error описывает ошибку прикладного уровня.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation возвращает ошибку некорректного ввода.
func Validation(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// Conflict возвращает ошибку недоступности ресурса с кодом причины.
func Conflict(reason, message string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: message}
}

// Forbidden возвращает ошибку авторизации.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NotFound возвращает ошибку отсутствия ресурса.
func NotFound(resource, id string) *Error {
	if id == "" {
		return &Error{Kind: KindNotFound, Message: resource + " not found"}
	}
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// Unavailable возвращает временную ошибку, запрос можно повторить.
func Unavailable(message string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: message, Err: err}
}

// Internal возвращает непредвиденную ошибку.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// As извлекает *Error из цепочки ошибок.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf возвращает класс ошибки; всё неизвестное считается внутренней ошибкой.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
