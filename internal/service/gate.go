package service

import (
	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

// IsBookable сообщает, допускает ли административный статус автомобиля новые бронирования,
// и возвращает код причины отказа.
// Статусы rented и reserved не блокируют: занятость определяется календарём бронирований.
func IsBookable(v model.Vehicle) (bool, string) {
	reason, _ := gateReason(v)
	return reason == "", reason
}

func gateReason(v model.Vehicle) (string, string) {
	switch v.Status {
	case model.VehicleStatusMaintenance:
		return apperr.ReasonMaintenance, "vehicle is under maintenance"
	case model.VehicleStatusOverdueReturn:
		return apperr.ReasonOverdueReturn, "vehicle is overdue for return"
	}
	return "", ""
}

func checkGate(v model.Vehicle) error {
	if reason, msg := gateReason(v); reason != "" {
		return apperr.Conflict(reason, msg)
	}
	return nil
}
