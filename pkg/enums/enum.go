// Package enums holds the string-backed states persisted by the billing
// tables. Each type validates itself and parses case-insensitively.
package enums

import (
	"fmt"
	"slices"
	"strings"
)

func parse[T ~string](known []T, kind, raw string) (T, error) {
	v := T(strings.ToLower(strings.TrimSpace(raw)))
	if slices.Contains(known, v) {
		return v, nil
	}
	return "", fmt.Errorf("invalid %s %q", kind, raw)
}
