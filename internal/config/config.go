// Package config содержит логику чтения конфигурации сервиса бронирований.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса бронирований.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	PaymentSystemAddress string `env:"PAYMENT_SYSTEM_ADDRESS"`

	RedisAddress string   `env:"REDIS_ADDRESS"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"reservation.events"`
	JWTSecret    string   `env:"JWT_SECRET"`
	InstanceID   string   `env:"INSTANCE_ID"`

	PendingTTL     time.Duration `env:"PENDING_TTL" envDefault:"30m"`
	LockTimeout    time.Duration `env:"LOCK_TIMEOUT" envDefault:"3s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	// Тарифы в денежных единицах.
	DriverDailyRate float64 `env:"DRIVER_DAILY_RATE" envDefault:"30"`
	DeliveryFee     float64 `env:"DELIVERY_FEE" envDefault:"25"`

	CalendarDaysBack  int `env:"CALENDAR_DAYS_BACK" envDefault:"30"`
	CalendarDaysAhead int `env:"CALENDAR_DAYS_AHEAD" envDefault:"90"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPaymentAddress := cfg.PaymentSystemAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PaymentSystemAddress, "r", "", "payment system address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPaymentAddress != "" {
		cfg.PaymentSystemAddress = envPaymentAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.PendingTTL < 0 {
		errs = append(errs, errors.New("PENDING_TTL must not be negative"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.DriverDailyRate < 0 || c.DeliveryFee < 0 {
		errs = append(errs, errors.New("rates must not be negative"))
	}
	if c.CalendarDaysBack < 0 || c.CalendarDaysAhead < 0 {
		errs = append(errs, errors.New("calendar window must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
