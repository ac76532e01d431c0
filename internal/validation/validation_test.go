package validation

import (
	"errors"
	"testing"
)

func TestValidateCity_EmptyAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"tab", "\t"},
		{"newline", "\n "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateCity(tc.input)
			if !errors.Is(err, ErrCityEmpty) {
				t.Errorf("error = %v, want ErrCityEmpty", err)
			}
		})
	}
}

func TestValidateCity_ReturnsInputUnchanged(t *testing.T) {
	for _, in := range []string{"Paris", "New York", " Paris", "paris", "FakeCity"} {
		got, err := ValidateCity(in)
		if err != nil {
			t.Errorf("ValidateCity(%q) error = %v", in, err)
		}
		if got != in {
			t.Errorf("ValidateCity(%q) = %q, want input unchanged", in, got)
		}
	}
}
