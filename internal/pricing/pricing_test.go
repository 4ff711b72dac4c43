package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/rentcar-reservations/internal/model"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCompute(t *testing.T) {
	vehicle := model.Vehicle{ID: 1, DailyRate: 5000, Status: model.VehicleStatusActive}
	calc := NewCalculator()

	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		driver    bool
		delivery  bool
		wantDays  int
		wantTotal int64
		wantDrv   int64
		wantDel   int64
	}{
		{
			name:      "three days without add-ons",
			start:     date("2023-06-01"),
			end:       date("2023-06-04"),
			wantDays:  3,
			wantTotal: 15000,
		},
		{
			name:      "three days with driver and delivery",
			start:     date("2023-06-01"),
			end:       date("2023-06-04"),
			driver:    true,
			delivery:  true,
			wantDays:  3,
			wantTotal: 26500,
			wantDrv:   9000,
			wantDel:   2500,
		},
		{
			name:      "partial day rounds up",
			start:     date("2023-06-01"),
			end:       date("2023-06-02").Add(time.Hour),
			wantDays:  2,
			wantTotal: 10000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := calc.Compute(vehicle, tt.start, tt.end, tt.driver, tt.delivery)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDays, q.TotalDays)
			assert.Equal(t, tt.wantTotal, q.Total)
			assert.Equal(t, tt.wantDrv, q.DriverFee)
			assert.Equal(t, tt.wantDel, q.DeliveryFee)
		})
	}
}

func TestComputeRejectsEmptyPeriod(t *testing.T) {
	calc := NewCalculator()
	v := model.Vehicle{DailyRate: 5000}

	_, err := calc.Compute(v, date("2023-06-04"), date("2023-06-04"), false, false)
	require.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = calc.Compute(v, date("2023-06-04"), date("2023-06-01"), false, false)
	require.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestValidateDeposit(t *testing.T) {
	assert.ErrorIs(t, ValidateDeposit(20000, 5000, 10000), ErrInvalidDeposit)
	assert.ErrorIs(t, ValidateDeposit(20000, 0, 20000), ErrInvalidDeposit)
	assert.ErrorIs(t, ValidateDeposit(20000, 20001, -1), ErrInvalidDeposit)
	assert.NoError(t, ValidateDeposit(20000, 5000, 15000))
}

func TestCentsConversion(t *testing.T) {
	assert.Equal(t, int64(1999), ToCents(19.99))
	assert.Equal(t, int64(26500), ToCents(265))
	assert.Equal(t, 2.5, FromCents(250))
}
