package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	defaultRequestTimeout = 10 * time.Second
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client carries the configured Stripe credentials plus env-specific
// metadata. The package-level Stripe backend is configured once here.
type Client struct {
	environment    string
	signingSecret  string
	seatPriceID    string
	annualPriceID  string
	currency       string
	requestTimeout time.Duration
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	stripe.Key = apiKey
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
	}))

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}

	return &Client{
		environment:    env,
		signingSecret:  signingSecret,
		seatPriceID:    strings.TrimSpace(cfg.SeatPriceID),
		annualPriceID:  strings.TrimSpace(cfg.AnnualPriceID),
		currency:       currency,
		requestTimeout: timeout,
	}, nil
}

// SeatPriceID returns the per-license price used for subscriptions.
func (c *Client) SeatPriceID() string {
	if c == nil {
		return ""
	}
	return c.seatPriceID
}

// AnnualSeatPriceID returns the yearly per-license price. Empty disables annual billing.
func (c *Client) AnnualSeatPriceID() string {
	if c == nil {
		return ""
	}
	return c.annualPriceID
}

// Currency returns the lowercase ISO currency for charges.
func (c *Client) Currency() string {
	if c == nil {
		return ""
	}
	return c.currency
}

// RequestTimeout bounds every call made through the gateway.
func (c *Client) RequestTimeout() time.Duration {
	if c == nil || c.requestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return c.requestTimeout
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
