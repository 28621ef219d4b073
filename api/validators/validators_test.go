package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/pagination"
)

type capacityBody struct {
	Capacity int    `json:"capacity" validate:"required,gte=1,lte=10000"`
	Cycle    string `json:"billing_cycle,omitempty" validate:"omitempty,oneof=monthly annual"`
}

func TestDecodeJSONBodyValidates(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"capacity":0,"billing_cycle":"weekly"}`))
	var body capacityBody
	err := DecodeJSONBody(req, &body)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := pkgerrors.As(err).Details().(map[string]string)
	if !ok {
		t.Fatalf("expected field details, got %#v", pkgerrors.As(err).Details())
	}
	if details["capacity"] != "is required" {
		t.Fatalf("unexpected capacity message %q", details["capacity"])
	}
	if !strings.HasPrefix(details["billing_cycle"], "must be one of") {
		t.Fatalf("unexpected cycle message %q", details["billing_cycle"])
	}
}

func TestDecodeJSONBodyRejectsUnknownFieldsAndEmpty(t *testing.T) {
	var body capacityBody
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"capacity":3,"seats":4}`))
	if err := DecodeJSONBody(req, &body); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected unknown field rejection, got %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	if err := DecodeJSONBody(req, &body); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected empty body rejection, got %v", err)
	}
}

func TestDecodeOptionalJSONBodyAcceptsEmpty(t *testing.T) {
	var body struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	if err := DecodeOptionalJSONBody(req, &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Reason != "" {
		t.Fatalf("expected zero value")
	}
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rc := chi.NewRouteContext()
	rc.URLParams.Add("subscriptionID", id.String())
	rc.URLParams.Add("licenseID", "not-a-uuid")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	got, err := ParseUUIDParam(req, "subscriptionID")
	if err != nil || got != id {
		t.Fatalf("expected %s, got %s (%v)", id, got, err)
	}
	if _, err := ParseUUIDParam(req, "licenseID"); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ParseUUIDParam(req, "orgID"); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected missing param error, got %v", err)
	}
}

func TestParseQueryTime(t *testing.T) {
	fallback := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	req := httptest.NewRequest(http.MethodGet, "/?from=2026-03-02&to=2026-04-01T12:00:00Z&bad=yesterday", nil)

	from, err := ParseQueryTime(req, "from", fallback)
	if err != nil || !from.Equal(time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected from %v (%v)", from, err)
	}
	to, err := ParseQueryTime(req, "to", fallback)
	if err != nil || !to.Equal(time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected to %v (%v)", to, err)
	}
	missing, err := ParseQueryTime(req, "until", fallback)
	if err != nil || !missing.Equal(fallback) {
		t.Fatalf("expected fallback, got %v (%v)", missing, err)
	}
	if _, err := ParseQueryTime(req, "bad", fallback); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseQueryIntBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=500&cursor=x", nil)
	if _, err := ParseQueryInt(req, "limit", 25, 1, 100); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected out of range error, got %v", err)
	}
	got, err := ParseQueryInt(req, "page_size", 25, 1, 100)
	if err != nil || got != 25 {
		t.Fatalf("expected default 25, got %d (%v)", got, err)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  too\x00 expensive\n ", 0); got != "too expensive" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
	if got := SanitizeString("héllo", 2); got != "hé" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}

func TestParsePage(t *testing.T) {
	cursor := pagination.EncodeCursor(pagination.Cursor{CreatedAt: time.Now(), ID: uuid.New()})
	req := httptest.NewRequest(http.MethodGet, "/?limit=10&cursor="+cursor, nil)
	page, err := ParsePage(req)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	if page.Limit != 10 || page.Cursor != cursor {
		t.Fatalf("unexpected page %+v", page)
	}

	page, err = ParsePage(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || page.Limit != pagination.DefaultLimit || page.Cursor != "" {
		t.Fatalf("expected defaults, got %+v (%v)", page, err)
	}

	for _, target := range []string{"/?cursor=not-a-cursor", "/?limit=0", "/?limit=101"} {
		if _, err := ParsePage(httptest.NewRequest(http.MethodGet, target, nil)); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", target, err)
		}
	}
}

func TestParseQueryEnum(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?status=active&bad=sideways", nil)
	status, err := ParseQueryEnum(req, "status", enums.ParseLicenseStatus)
	if err != nil || status != enums.LicenseStatusActive {
		t.Fatalf("unexpected status %q (%v)", status, err)
	}
	missing, err := ParseQueryEnum(req, "state", enums.ParseLicenseStatus)
	if err != nil || missing != "" {
		t.Fatalf("expected zero value, got %q (%v)", missing, err)
	}
	if _, err := ParseQueryEnum(req, "bad", enums.ParseLicenseStatus); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
