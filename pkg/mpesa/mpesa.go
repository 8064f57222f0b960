// Package mpesa is a client for Safaricom's Daraja API: OAuth token
// management, Lipa Na M-Pesa Online (STK push) initiation, and parsing
// of the asynchronous result callback.
package mpesa

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

// Config for a Daraja merchant shortcode. All fields are required;
// Environment defaults to sandbox unless set to "production".
type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Environment    string
}

type Client struct {
	cfg           Config
	baseURL       string
	httpClient    *http.Client
	now           func() time.Time
	tz            *time.Location
	submitBackoff time.Duration

	// token cache; refreshes are coalesced through refreshGroup so a
	// burst of expired callers produces exactly one network exchange.
	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
	refreshGroup   singleflight.Group
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" || cfg.ShortCode == "" ||
		cfg.Passkey == "" || cfg.CallbackURL == "" {
		return nil, ErrMissingCredentials
	}
	baseURL := sandboxBaseURL
	if cfg.Environment == "production" {
		baseURL = productionBaseURL
	}
	// Daraja recomputes the password against Nairobi time, so the
	// timestamp must be generated in EAT regardless of server locale.
	tz, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		tz = time.FixedZone("EAT", 3*60*60)
	}
	return &Client{
		cfg:           cfg,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		now:           time.Now,
		tz:            tz,
		submitBackoff: time.Second,
	}, nil
}
