package stripe

import (
	"context"
	"testing"
	"time"

	"github.com/angelmondragon/sitecrew-backend/pkg/config"
)

func TestNewClientValidatesKeyForEnvironment(t *testing.T) {
	ctx := context.Background()

	if _, err := NewClient(ctx, config.StripeConfig{APIKey: "sk_live_123", Secret: "whsec_1", Env: "test"}, nil); err == nil {
		t.Fatalf("expected live key to be rejected in test env")
	}
	if _, err := NewClient(ctx, config.StripeConfig{APIKey: "sk_test_123", Secret: "whsec_1", Env: "staging"}, nil); err == nil {
		t.Fatalf("expected unknown env to be rejected")
	}
	if _, err := NewClient(ctx, config.StripeConfig{APIKey: "sk_test_123", Env: "test"}, nil); err == nil {
		t.Fatalf("expected missing webhook secret to be rejected")
	}
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(context.Background(), config.StripeConfig{
		APIKey:      "sk_test_123",
		Secret:      " whsec_abc ",
		SeatPriceID: "price_seat",
		Currency:    "USD",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Environment() != "test" {
		t.Fatalf("expected test env, got %q", client.Environment())
	}
	if client.SigningSecret() != "whsec_abc" {
		t.Fatalf("expected trimmed secret, got %q", client.SigningSecret())
	}
	if client.Currency() != "usd" {
		t.Fatalf("expected lowercase currency, got %q", client.Currency())
	}
	if client.RequestTimeout() != 10*time.Second {
		t.Fatalf("expected default timeout, got %v", client.RequestTimeout())
	}
	if client.SeatPriceID() != "price_seat" {
		t.Fatalf("unexpected price id %q", client.SeatPriceID())
	}
}
