package handler

import (
	"encoding/json"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
	"github.com/mmeshcher/rentcar-reservations/internal/pricing"
)

// Денежные суммы в ответах передаются в денежных единицах.
type reservationResponse struct {
	ID               string                  `json:"id"`
	CustomerID       int64                   `json:"customerId"`
	VehicleID        int64                   `json:"vehicleId"`
	StartDate        time.Time               `json:"startDate"`
	EndDate          time.Time               `json:"endDate"`
	TotalDays        int                     `json:"totalDays"`
	TotalAmount      float64                 `json:"totalAmount"`
	IncludeDriver    bool                    `json:"includeDriver"`
	DoorstepDelivery bool                    `json:"doorstepDelivery"`
	DriverFee        float64                 `json:"driverFee"`
	DeliveryFee      float64                 `json:"deliveryFee"`
	PaymentMethod    model.PaymentMethod     `json:"paymentMethod"`
	PaymentType      model.PaymentType       `json:"paymentType"`
	DepositAmount    *float64                `json:"depositAmount,omitempty"`
	RemainingAmount  *float64                `json:"remainingAmount,omitempty"`
	TermsAccepted    bool                    `json:"termsAccepted"`
	TermsAcceptedAt  time.Time               `json:"termsAcceptedAt"`
	Status           model.ReservationStatus `json:"status"`
	PaymentStatus    model.PaymentStatus     `json:"paymentStatus"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
}

type createReservationResponse struct {
	reservationResponse
	PriceAdjusted bool `json:"priceAdjusted"`
}

type listResponse struct {
	Items  []reservationResponse `json:"items"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type errorResponse struct {
	Error  string              `json:"error"`
	Reason string              `json:"reason,omitempty"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

func toReservationResponse(r model.Reservation) reservationResponse {
	resp := reservationResponse{
		ID:               r.ID,
		CustomerID:       r.CustomerID,
		VehicleID:        r.VehicleID,
		StartDate:        r.StartDate,
		EndDate:          r.EndDate,
		TotalDays:        r.TotalDays,
		TotalAmount:      pricing.FromCents(r.TotalAmount),
		IncludeDriver:    r.IncludeDriver,
		DoorstepDelivery: r.DoorstepDelivery,
		DriverFee:        pricing.FromCents(r.DriverFee),
		DeliveryFee:      pricing.FromCents(r.DeliveryFee),
		PaymentMethod:    r.PaymentMethod,
		PaymentType:      r.PaymentType,
		TermsAccepted:    r.TermsAccepted,
		TermsAcceptedAt:  r.TermsAcceptedAt,
		Status:           r.Status,
		PaymentStatus:    r.PaymentStatus,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.PaymentType == model.PaymentTypeDeposit {
		deposit := pricing.FromCents(r.DepositAmount)
		remaining := pricing.FromCents(r.RemainingAmount)
		resp.DepositAmount = &deposit
		resp.RemainingAmount = &remaining
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку в HTTP-ответ. Подробности внутренних ошибок только логируются.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal("unexpected error", err)
	}

	status := http.StatusInternalServerError
	resp := errorResponse{Error: e.Message, Reason: e.Reason, Fields: e.Fields}

	switch e.Kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
		h.logger.Warn("transient error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
		resp = errorResponse{Error: http.StatusText(http.StatusInternalServerError)}
	}

	writeJSON(w, status, resp)
}
