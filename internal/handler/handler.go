// Package handler содержит HTTP-обработчики API сервиса бронирований.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/middleware"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
	"github.com/mmeshcher/rentcar-reservations/internal/pricing"
	"github.com/mmeshcher/rentcar-reservations/internal/service"
	"github.com/mmeshcher/rentcar-reservations/internal/validation"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxBodyBytes      = 1 << 20
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Create(ctx context.Context, user model.User, in service.CreateInput) (*service.CreateResult, error)
	Get(ctx context.Context, user model.User, id string) (*model.Reservation, error)
	List(ctx context.Context, user model.User, q service.ListQuery) (*service.Page, error)
	UpdateStatus(ctx context.Context, user model.User, id string, upd service.StatusUpdate) (*model.Reservation, error)
	Delete(ctx context.Context, user model.User, id string) error
	CheckAvailability(ctx context.Context, vehicleID int64, start, end time.Time) (*model.AvailabilityReport, error)
	RecordPaymentAs(ctx context.Context, user model.User, id string) (*model.Reservation, error)
}

// Handler реализует HTTP-обработчики API сервиса бронирований.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	requestTimeout time.Duration
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, requestTimeout time.Duration) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		requestTimeout: requestTimeout,
	}
}

type createReservationRequest struct {
	CustomerID       int64    `json:"customerId"`
	VehicleID        int64    `json:"vehicleId"`
	StartDate        string   `json:"startDate"`
	EndDate          string   `json:"endDate"`
	IncludeDriver    bool     `json:"includeDriver"`
	DoorstepDelivery bool     `json:"doorstepDelivery"`
	PaymentMethod    string   `json:"paymentMethod"`
	PaymentType      string   `json:"paymentType"`
	DepositAmount    float64  `json:"depositAmount"`
	RemainingAmount  float64  `json:"remainingAmount"`
	TermsAccepted    bool     `json:"termsAccepted"`
	TotalAmount      *float64 `json:"totalAmount"`
}

type statusRequest struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

// CreateReservation создаёт бронирование от имени текущего пользователя.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	in := service.CreateInput{
		CustomerID:       req.CustomerID,
		VehicleID:        req.VehicleID,
		IncludeDriver:    req.IncludeDriver,
		DoorstepDelivery: req.DoorstepDelivery,
		PaymentMethod:    model.PaymentMethod(req.PaymentMethod),
		PaymentType:      model.PaymentType(req.PaymentType),
		DepositAmount:    pricing.ToCents(req.DepositAmount),
		RemainingAmount:  pricing.ToCents(req.RemainingAmount),
		TermsAccepted:    req.TermsAccepted,
		IdempotencyKey:   r.Header.Get(idempotencyHeader),
	}
	if req.TotalAmount != nil {
		hint := pricing.ToCents(*req.TotalAmount)
		in.TotalHint = &hint
	}

	var fields []apperr.FieldError
	if req.StartDate != "" {
		t, err := validation.ParseDate(req.StartDate)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: "startDate", Message: err.Error()})
		}
		in.StartDate = t
	}
	if req.EndDate != "" {
		t, err := validation.ParseDate(req.EndDate)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: "endDate", Message: err.Error()})
		}
		in.EndDate = t
	}
	if len(fields) > 0 {
		h.writeError(w, r, apperr.Validation("invalid reservation request", fields...))
		return
	}

	res, err := h.service.Create(r.Context(), user, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set(replayedHeader, "true")
		status = http.StatusOK
	}
	writeJSON(w, status, createReservationResponse{
		reservationResponse: toReservationResponse(res.Reservation),
		PriceAdjusted:       res.PriceAdjusted,
	})
}

// GetReservation возвращает бронирование по идентификатору.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.service.Get(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(*res))
}

// ListReservations возвращает страницу бронирований с фильтрами из строки запроса.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	q, err := parseListQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.service.List(r.Context(), user, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]reservationResponse, 0, len(page.Items))
	for _, res := range page.Items {
		items = append(items, toReservationResponse(res))
	}
	writeJSON(w, http.StatusOK, listResponse{
		Items:  items,
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// UpdateReservationStatus меняет статус бронирования и/или статус оплаты.
func (h *Handler) UpdateReservationStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.UpdateStatus(r.Context(), user, chi.URLParam(r, "id"), service.StatusUpdate{
		Status:        model.ReservationStatus(req.Status),
		PaymentStatus: model.PaymentStatus(req.PaymentStatus),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(*res))
}

// DeleteReservation удаляет бронирование.
func (h *Handler) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.Delete(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VehicleAvailability отвечает, свободен ли автомобиль на интервале, и отдаёт его календарь.
func (h *Handler) VehicleAvailability(w http.ResponseWriter, r *http.Request) {
	var fields []apperr.FieldError

	vehicleID, err := strconv.ParseInt(chi.URLParam(r, "vehicleID"), 10, 64)
	if err != nil || vehicleID <= 0 {
		fields = append(fields, apperr.FieldError{Field: "vehicleId", Message: "vehicleId must be a positive integer"})
	}

	start, err := validation.ParseDate(r.URL.Query().Get("start"))
	if err != nil {
		fields = append(fields, apperr.FieldError{Field: "start", Message: err.Error()})
	}
	end, err := validation.ParseDate(r.URL.Query().Get("end"))
	if err != nil {
		fields = append(fields, apperr.FieldError{Field: "end", Message: err.Error()})
	}

	if len(fields) > 0 {
		h.writeError(w, r, apperr.Validation("invalid availability query", fields...))
		return
	}

	report, err := h.service.CheckAvailability(r.Context(), vehicleID, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if report.BookedIntervals == nil {
		report.BookedIntervals = []model.BookedInterval{}
	}
	writeJSON(w, http.StatusOK, report)
}

// PaymentSucceeded принимает уведомление платёжной системы об успешной оплате.
func (h *Handler) PaymentSucceeded(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.service.RecordPaymentAs(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(*res))
}

// Health отвечает на проверку живости.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return apperr.Validation("invalid request body", apperr.FieldError{
				Field:   typeErr.Field,
				Message: fmt.Sprintf("%s must be %s", typeErr.Field, typeErr.Type),
			})
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}

func parseListQuery(r *http.Request) (service.ListQuery, error) {
	v := r.URL.Query()
	q := service.ListQuery{
		Status: model.ReservationStatus(v.Get("status")),
		Sort:   v.Get("sort"),
	}

	var fields []apperr.FieldError
	parseID := func(name string) *int64 {
		s := v.Get(name)
		if s == "" {
			return nil
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: name, Message: name + " must be an integer"})
			return nil
		}
		return &id
	}
	parseTime := func(name string) *time.Time {
		s := v.Get(name)
		if s == "" {
			return nil
		}
		t, err := validation.ParseDate(s)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: name, Message: err.Error()})
			return nil
		}
		return &t
	}
	parseInt := func(name string) int {
		s := v.Get(name)
		if s == "" {
			return 0
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: name, Message: name + " must be an integer"})
			return 0
		}
		return n
	}

	q.VehicleID = parseID("vehicle_id")
	q.CustomerID = parseID("customer_id")
	q.From = parseTime("from")
	q.To = parseTime("to")
	q.Limit = parseInt("limit")
	q.Offset = parseInt("offset")

	if len(fields) > 0 {
		return q, apperr.Validation("invalid list query", fields...)
	}
	return q, nil
}
