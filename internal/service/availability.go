package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/rentcar-reservations/internal/apperr"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
	"github.com/mmeshcher/rentcar-reservations/internal/validation"
)

// IntervalsOverlap сравнивает полуоткрытые интервалы [s1, e1) и [s2, e2).
// Соприкасающиеся границы пересечением не считаются.
func IntervalsOverlap(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

type blockingFinder interface {
	FindBlocking(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error)
}

// conflicting отбирает блокирующие бронирования, пересекающие [start, end).
// Хранилище уже фильтрует по тем же правилам; повторная проверка держит предикат в одном месте.
func conflicting(ctx context.Context, f blockingFinder, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error) {
	found, err := f.FindBlocking(ctx, vehicleID, start, end, excludeID)
	if err != nil {
		return nil, err
	}

	var out []model.Reservation
	for _, r := range found {
		if r.ID == excludeID || !r.Status.IsBlocking() {
			continue
		}
		if IntervalsOverlap(start, end, r.StartDate, r.EndDate) {
			out = append(out, r)
		}
	}
	return out, nil
}

func ensureAvailable(ctx context.Context, f blockingFinder, vehicleID int64, start, end time.Time, excludeID string) error {
	found, err := conflicting(ctx, f, vehicleID, start, end, excludeID)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		c := found[0]
		return apperr.Conflict(apperr.ReasonAlreadyBooked, fmt.Sprintf(
			"vehicle is already booked from %s to %s",
			c.StartDate.UTC().Format(validation.DateLayout),
			c.EndDate.UTC().Format(validation.DateLayout),
		))
	}
	return nil
}

// Overlaps сообщает, пересекается ли [start, end) с блокирующим бронированием автомобиля.
// excludeID исключает из проверки само изменяемое бронирование.
func (s *Service) Overlaps(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) (bool, error) {
	found, err := conflicting(ctx, s.repo, vehicleID, start, end, excludeID)
	if err != nil {
		return false, translate(err, "check overlaps")
	}
	return len(found) > 0, nil
}

// ListOverlapsForCalendar возвращает все неотменённые бронирования автомобиля в окне [from, to).
func (s *Service) ListOverlapsForCalendar(ctx context.Context, vehicleID int64, from, to time.Time) ([]model.BookedInterval, error) {
	found, err := s.repo.ListCalendar(ctx, vehicleID, from, to)
	if err != nil {
		return nil, translate(err, "list calendar")
	}

	intervals := make([]model.BookedInterval, 0, len(found))
	for _, r := range found {
		intervals = append(intervals, model.BookedInterval{
			ReservationID: r.ID,
			Start:         r.StartDate,
			End:           r.EndDate,
			Status:        r.Status,
		})
	}
	return intervals, nil
}

// CheckAvailability отвечает, можно ли забронировать автомобиль на [start, end),
// и возвращает занятые интервалы вокруг запрошенного периода.
func (s *Service) CheckAvailability(ctx context.Context, vehicleID int64, start, end time.Time) (*model.AvailabilityReport, error) {
	if !end.After(start) {
		return nil, apperr.Validation("invalid period",
			apperr.FieldError{Field: "end", Message: "end must be after start"})
	}

	v, err := s.repo.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, translate(err, "get vehicle")
	}

	report := &model.AvailabilityReport{Available: true}
	if ok, reason := IsBookable(*v); !ok {
		report.Available = false
		report.Reason = reason
	} else {
		busy, err := s.Overlaps(ctx, vehicleID, start, end, "")
		if err != nil {
			return nil, err
		}
		if busy {
			report.Available = false
			report.Reason = apperr.ReasonAlreadyBooked
		}
	}

	now := s.now().UTC()
	from, to := now.Add(-s.calendarBack), now.Add(s.calendarAhead)
	if start.Before(from) {
		from = start
	}
	if end.After(to) {
		to = end
	}

	report.BookedIntervals, err = s.ListOverlapsForCalendar(ctx, vehicleID, from, to)
	if err != nil {
		return nil, err
	}
	return report, nil
}
