package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooShort is returned when the city length is below the minimum.
var ErrCityTooShort = errors.New("city too short")

// ErrCityTooLong is returned when the city length exceeds the maximum.
var ErrCityTooLong = errors.New("city too long")

// ErrCityInvalidChars is returned when the city contains disallowed characters.
var ErrCityInvalidChars = errors.New("city contains invalid characters")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cityname", func(fl validator.FieldLevel) bool {
		for _, c := range fl.Field().String() {
			if !isAllowedCityRune(c) {
				return false
			}
		}
		return true
	})
	return v
}

// ValidateCity trims the input, enforces length bounds (minLen, maxLen in runes, 0 = no
// bound), and restricts to letters, digits, space, comma, hyphen, apostrophe and period
// ("St. John's"). Returns the trimmed string or an error suitable for 400 INVALID_CITY.
// Normalization (lowercase) is left to the cache key.
func ValidateCity(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrCityEmpty
	}

	rules := []string{}
	if minLen > 0 {
		rules = append(rules, fmt.Sprintf("min=%d", minLen))
	}
	if maxLen > 0 {
		rules = append(rules, fmt.Sprintf("max=%d", maxLen))
	}
	rules = append(rules, "cityname")

	err := validate.Var(s, strings.Join(rules, ","))
	if err == nil {
		return s, nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "min":
			return "", ErrCityTooShort
		case "max":
			return "", ErrCityTooLong
		}
	}
	return "", ErrCityInvalidChars
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}
