package validation

import (
	"errors"
	"strings"
)

// ErrCityEmpty is returned when the city path segment is empty or whitespace-only.
var ErrCityEmpty = errors.New("city is required")

// ValidateCity rejects blank input. Non-blank input is returned unchanged since
// city lookup is exact.
func ValidateCity(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", ErrCityEmpty
	}
	return input, nil
}
