package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	type want struct {
		status    int
		retryable bool
		details   bool
	}
	cases := map[Code]want{
		CodeValidation:            {http.StatusBadRequest, false, true},
		CodeUnauthorized:          {http.StatusUnauthorized, false, false},
		CodeForbidden:             {http.StatusForbidden, false, false},
		CodeNotFound:              {http.StatusNotFound, false, false},
		CodeStateConflict:         {http.StatusUnprocessableEntity, false, true},
		CodeRateLimit:             {http.StatusTooManyRequests, false, false},
		CodeInternal:              {http.StatusInternalServerError, true, false},
		CodeDependency:            {http.StatusServiceUnavailable, true, true},
		CodeCapacityExceeded:      {http.StatusConflict, false, true},
		CodeAlreadyLicensed:       {http.StatusConflict, false, true},
		CodeSubscriptionNotActive: {http.StatusUnprocessableEntity, false, true},
		CodeDuplicateSubscription: {http.StatusConflict, false, true},
		CodeGateway:               {http.StatusPaymentRequired, false, true},
		CodeGatewayTimeout:        {http.StatusGatewayTimeout, true, false},
		CodeSignatureInvalid:      {http.StatusBadRequest, false, false},
	}
	for code, w := range cases {
		m := MetadataFor(code)
		if m.HTTPStatus != w.status || m.Retryable != w.retryable || m.DetailsAllowed != w.details {
			t.Errorf("%s: got %+v, want %+v", code, m, w)
		}
		if m.PublicMessage == "" {
			t.Errorf("%s: missing public message", code)
		}
	}
	if got := MetadataFor(CodeCapacityExceeded).PublicMessage; got != "license capacity exceeded" {
		t.Errorf("unexpected public message %q", got)
	}
}

func TestEveryCodeHasMetadata(t *testing.T) {
	for code := range metadataByCode {
		if MetadataFor(code).HTTPStatus < 400 {
			t.Errorf("%s maps to a non-error status", code)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing foo")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing foo" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	detail := map[string]any{"field": "foo"}
	base.WithDetails(detail)
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := New(CodeForbidden, "no entry")
	if got := As(err); got == nil || got.Code() != CodeForbidden {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestIsCodeFollowsWrappedChain(t *testing.T) {
	inner := New(CodeGatewayTimeout, "stripe timed out")
	outer := fmt.Errorf("renew subscription: %w", inner)
	if !IsCode(outer, CodeGatewayTimeout) {
		t.Fatalf("expected wrapped error to carry gateway timeout code")
	}
	if IsCode(outer, CodeGateway) {
		t.Fatalf("unexpected gateway code match")
	}
	if IsCode(nil, CodeGateway) {
		t.Fatalf("nil error should not match any code")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(CodeGatewayTimeout, "slow")) {
		t.Fatalf("gateway timeout should be retryable")
	}
	if IsRetryable(New(CodeCapacityExceeded, "full")) {
		t.Fatalf("domain rule violations should not be retryable")
	}
	if !IsRetryable(stdErrors.New("connection reset")) {
		t.Fatalf("untyped infrastructure errors should be retryable")
	}
}
