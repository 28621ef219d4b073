package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	stripewebhook "github.com/angelmondragon/sitecrew-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

type fakeWebhookService struct {
	payload   []byte
	signature string
	result    *stripewebhook.Result
	err       error
}

func (f *fakeWebhookService) Handle(_ context.Context, payload []byte, signature string) (*stripewebhook.Result, error) {
	f.payload = payload
	f.signature = signature
	return f.result, f.err
}

func postWebhook(t *testing.T, svc StripeWebhookService, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	StripeWebhook(svc, nil).ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhookPassesRawPayload(t *testing.T) {
	svc := &fakeWebhookService{result: &stripewebhook.Result{
		EventID: "evt_1",
		Kind:    stripewebhook.ParseEventKind("invoice.paid"),
		Outcome: stripewebhook.OutcomeApplied,
	}}
	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	rec := postWebhook(t, svc, body, "t=1,v1=abc")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, body, svc.payload)
	require.Equal(t, "t=1,v1=abc", svc.signature)

	var envelope struct {
		Data stripewebhook.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "evt_1", envelope.Data.EventID)
	require.Equal(t, stripewebhook.OutcomeApplied, envelope.Data.Outcome)
}

func TestStripeWebhookRequiresSignature(t *testing.T) {
	svc := &fakeWebhookService{}
	rec := postWebhook(t, svc, []byte(`{}`), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Nil(t, svc.payload)
}

func TestStripeWebhookRejectsOversizedPayload(t *testing.T) {
	svc := &fakeWebhookService{}
	body := []byte(`{"pad":"` + strings.Repeat("x", maxPayloadBytes) + `"}`)
	rec := postWebhook(t, svc, body, "t=1,v1=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Nil(t, svc.payload)
}

func TestStripeWebhookMapsServiceErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"bad signature": {pkgerrors.New(pkgerrors.CodeSignatureInvalid, "invalid signature"), http.StatusBadRequest},
		"retryable":     {pkgerrors.New(pkgerrors.CodeDependency, "db unavailable"), http.StatusServiceUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := postWebhook(t, &fakeWebhookService{err: tc.err}, []byte(`{}`), "t=1,v1=abc")
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestStripeWebhookUnavailableService(t *testing.T) {
	rec := postWebhook(t, nil, []byte(`{}`), "t=1,v1=abc")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
