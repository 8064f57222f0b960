package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Mpesa    MpesaConfig
	Payment  PaymentConfig
}

type ServerConfig struct {
	Port         string
	Env          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

// MpesaConfig holds the Daraja credentials for the merchant shortcode.
// All five credential values are required at startup; Environment selects
// the sandbox or production base URL.
type MpesaConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Environment    string // sandbox | production
}

type PaymentConfig struct {
	PendingTimeout   time.Duration // PENDING past this is swept to TIMED_OUT
	InitiatedTimeout time.Duration // INITIATED rows never dispatched (crash window)
	SweepInterval    time.Duration
}

var ErrMissingMpesaCredentials = errors.New("missing M-Pesa credentials: set MPESA_CONSUMER_KEY, MPESA_CONSUMER_SECRET, MPESA_SHORTCODE, MPESA_PASSKEY, MPESA_CALLBACK_URL")

func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8099"),
			Env:          getEnv("APP_ENV", "development"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             getEnv("DATABASE_DSN", "sokoni:sokoni@tcp(localhost:3306)/sokoni?charset=utf8mb4&parseTime=True&loc=Local"),
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		JWT: JWTConfig{
			AccessSecret:  getEnv("JWT_ACCESS_SECRET", "change-me-in-production"),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", "change-me-refresh"),
			AccessExpiry:  15 * time.Minute,
			RefreshExpiry: 168 * time.Hour,
			Issuer:        "sokoni",
		},
		Mpesa: MpesaConfig{
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORTCODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
			Environment:    getEnv("MPESA_ENV", "sandbox"),
		},
		Payment: PaymentConfig{
			PendingTimeout:   getEnvDuration("PAYMENT_PENDING_TIMEOUT", 3*time.Minute),
			InitiatedTimeout: getEnvDuration("PAYMENT_INITIATED_TIMEOUT", 10*time.Minute),
			SweepInterval:    getEnvDuration("PAYMENT_SWEEP_INTERVAL", 30*time.Second),
		},
	}
	if cfg.Mpesa.ConsumerKey == "" || cfg.Mpesa.ConsumerSecret == "" ||
		cfg.Mpesa.ShortCode == "" || cfg.Mpesa.Passkey == "" || cfg.Mpesa.CallbackURL == "" {
		return nil, ErrMissingMpesaCredentials
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
