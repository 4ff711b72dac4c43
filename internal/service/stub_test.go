package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/rentcar-reservations/internal/events"
	"github.com/mmeshcher/rentcar-reservations/internal/model"
	"github.com/mmeshcher/rentcar-reservations/internal/payment"
	"github.com/mmeshcher/rentcar-reservations/internal/repository"
)

// stubRepo хранит данные в памяти. vehicleLock сериализует WithVehicleLock так же,
// как блокировка строки в PostgreSQL.
type stubRepo struct {
	vehicleLock sync.Mutex

	mu           sync.Mutex
	vehicles     map[int64]*model.Vehicle
	reservations map[string]*model.Reservation

	lockErr    error
	findErr    error
	lastFilter model.ReservationFilter
	inserts    int
}

func newStubRepo(vehicles ...model.Vehicle) *stubRepo {
	r := &stubRepo{
		vehicles:     make(map[int64]*model.Vehicle),
		reservations: make(map[string]*model.Reservation),
	}
	for _, v := range vehicles {
		v := v
		r.vehicles[v.ID] = &v
	}
	return r
}

func (s *stubRepo) put(res model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[res.ID] = &res
}

func (s *stubRepo) reservation(id string) (model.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, false
	}
	return *r, true
}

func (s *stubRepo) vehicle(id int64) model.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.vehicles[id]
}

func (s *stubRepo) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) WithVehicleLock(ctx context.Context, vehicleID int64, fn func(ctx context.Context, tx repository.VehicleTx) error) error {
	if s.lockErr != nil {
		return s.lockErr
	}

	s.vehicleLock.Lock()
	defer s.vehicleLock.Unlock()

	s.mu.Lock()
	v, ok := s.vehicles[vehicleID]
	var snapshot model.Vehicle
	if ok {
		snapshot = *v
	}
	s.mu.Unlock()
	if !ok {
		return repository.ErrVehicleNotFound
	}

	tx := &stubTx{repo: s, vehicle: snapshot}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, apply := range tx.writes {
		apply()
	}
	return nil
}

func (s *stubRepo) GetVehicle(ctx context.Context, id int64) (*model.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[id]
	if !ok {
		return nil, repository.ErrVehicleNotFound
	}
	c := *v
	return &c, nil
}

func (s *stubRepo) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	r, ok := s.reservation(id)
	if !ok {
		return nil, repository.ErrReservationNotFound
	}
	return &r, nil
}

// FindBlocking отдаёт все бронирования автомобиля: отбор по статусу и пересечению проверяет сервис.
func (s *stubRepo) FindBlocking(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Reservation
	for _, r := range s.reservations {
		if r.VehicleID == vehicleID && r.ID != excludeID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *stubRepo) FindReservations(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = f
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.filtered(f), nil
}

func (s *stubRepo) CountReservations(ctx context.Context, f model.ReservationFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filtered(f)), nil
}

func (s *stubRepo) filtered(f model.ReservationFilter) []model.Reservation {
	var out []model.Reservation
	for _, r := range s.reservations {
		if f.CustomerID != nil && r.CustomerID != *f.CustomerID {
			continue
		}
		if f.VehicleID != nil && r.VehicleID != *f.VehicleID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *stubRepo) ListCalendar(ctx context.Context, vehicleID int64, from, to time.Time) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Reservation
	for _, r := range s.reservations {
		if r.VehicleID == vehicleID && r.Status != model.StatusCancelled && IntervalsOverlap(from, to, r.StartDate, r.EndDate) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (s *stubRepo) DeleteReservation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[id]; !ok {
		return repository.ErrReservationNotFound
	}
	delete(s.reservations, id)
	return nil
}

func (s *stubRepo) ExpirePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Reservation
	for _, r := range s.reservations {
		if len(out) == limit {
			break
		}
		if r.Status == model.StatusPending && r.PaymentStatus == model.PaymentStatusPending && r.CreatedAt.Before(cutoff) {
			r.Status = model.StatusCancelled
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *stubRepo) ListAwaitingPayment(ctx context.Context, limit int) ([]model.Reservation, error) {
	return s.FindReservations(ctx, model.ReservationFilter{Status: model.StatusPending})
}

// stubTx откладывает записи до фиксации, ошибка fn их отбрасывает.
type stubTx struct {
	repo    *stubRepo
	vehicle model.Vehicle
	writes  []func()
}

func (t *stubTx) Vehicle() model.Vehicle { return t.vehicle }

func (t *stubTx) FindBlocking(ctx context.Context, vehicleID int64, start, end time.Time, excludeID string) ([]model.Reservation, error) {
	return t.repo.FindBlocking(ctx, vehicleID, start, end, excludeID)
}

func (t *stubTx) GetReservationForUpdate(ctx context.Context, id string) (*model.Reservation, error) {
	return t.repo.GetReservation(ctx, id)
}

func (t *stubTx) InsertReservation(ctx context.Context, res *model.Reservation) error {
	c := *res
	t.writes = append(t.writes, func() {
		t.repo.reservations[c.ID] = &c
		t.repo.inserts++
	})
	return nil
}

func (t *stubTx) UpdateReservationStatus(ctx context.Context, res *model.Reservation) error {
	c := *res
	t.writes = append(t.writes, func() {
		t.repo.reservations[c.ID] = &c
	})
	return nil
}

func (t *stubTx) SetVehicleStatus(ctx context.Context, status model.VehicleStatus) error {
	id := t.vehicle.ID
	t.vehicle.Status = status
	t.writes = append(t.writes, func() {
		t.repo.vehicles[id].Status = status
	})
	return nil
}

type stubIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
	err  error
}

func idemKey(customerID int64, key string) string {
	return fmt.Sprintf("%d:%s", customerID, key)
}

func (s *stubIdempotency) ClaimReservation(ctx context.Context, customerID int64, key, reservationID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	if s.keys == nil {
		s.keys = make(map[string]string)
	}
	k := idemKey(customerID, key)
	if owner, ok := s.keys[k]; ok {
		return owner, false, nil
	}
	s.keys[k] = reservationID
	return reservationID, true, nil
}

func (s *stubIdempotency) ReleaseReservation(ctx context.Context, customerID int64, key, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(customerID, key)
	if s.keys[k] == reservationID {
		delete(s.keys, k)
	}
	return nil
}

func (s *stubIdempotency) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

type stubLeader struct {
	granted bool
	calls   int
}

func (s *stubLeader) AcquireLeadership(ctx context.Context, job, holder string, ttl time.Duration) (bool, error) {
	s.calls++
	return s.granted, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type stubPayments struct {
	statuses map[string]string
}

func (s *stubPayments) GetPaymentStatus(ctx context.Context, reservationID string) (*payment.Info, int, time.Duration, error) {
	status, ok := s.statuses[reservationID]
	if !ok {
		return nil, 204, 0, nil
	}
	return &payment.Info{Reservation: reservationID, Status: status}, 200, 0, nil
}
