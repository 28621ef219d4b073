package validators

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/pagination"
)

func queryValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func invalidQuery(key, msg string, cause error) *pkgerrors.Error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, cause, msg).WithDetails(map[string]any{"field": key})
}

// ParseQueryInt reads an integer in [min, max]; absent means defaultVal.
func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidQuery(key, "query parameter must be numeric", nil)
	}
	if value < min || value > max {
		return 0, invalidQuery(key, "query parameter out of range", nil).
			WithDetails(map[string]any{"field": key, "min": min, "max": max})
	}
	return value, nil
}

// ParsePage reads the limit and cursor query parameters. A malformed cursor
// is rejected here so the handler never reaches the store with it.
func ParsePage(r *http.Request) (pagination.Params, error) {
	limit, err := ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	cursor := queryValue(r, "cursor")
	if cursor != "" {
		if _, err := pagination.ParseCursor(cursor); err != nil {
			return pagination.Params{}, invalidQuery("cursor", "invalid cursor", err)
		}
	}
	return pagination.Params{Limit: limit, Cursor: cursor}, nil
}

// ParseQueryEnum reads an optional enum filter using the enum's own parser.
// The zero value is returned when the parameter is absent.
func ParseQueryEnum[T any](r *http.Request, key string, parse func(string) (T, error)) (T, error) {
	var zero T
	raw := queryValue(r, key)
	if raw == "" {
		return zero, nil
	}
	value, err := parse(raw)
	if err != nil {
		return zero, invalidQuery(key, "invalid "+key, err)
	}
	return value, nil
}

// ParseQueryTime reads an RFC3339 timestamp or a YYYY-MM-DD date. A missing
// value yields fallback.
func ParseQueryTime(r *http.Request, key string, fallback time.Time) (time.Time, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return fallback, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalidQuery(key, "query parameter must be an RFC3339 timestamp or YYYY-MM-DD date", nil)
}
