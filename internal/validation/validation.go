package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"whatsauto/internal/constants"
	"whatsauto/internal/errors"
)

// ValidatePhoneNumber checks that phone looks like an E.164 number: an
// optional leading "+" followed by digits only. The number itself is kept
// out of the error.
func ValidatePhoneNumber(field, phone string) error {
	if strings.TrimSpace(phone) == "" {
		return errors.NewValidationError(field, "", "is required")
	}

	digits := strings.TrimPrefix(phone, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return errors.NewValidationError(field, "", "must contain only digits after an optional +")
		}
	}

	if len(digits) < constants.MinPhoneNumberLength {
		return errors.NewValidationError(field, "",
			fmt.Sprintf("must be at least %d digits", constants.MinPhoneNumberLength))
	}
	if len(digits) > constants.MaxPhoneNumberLength {
		return errors.NewValidationError(field, "",
			fmt.Sprintf("must be at most %d digits", constants.MaxPhoneNumberLength))
	}
	return nil
}

// ValidateStringLength counts runes, not bytes
func ValidateStringLength(field, value string, minLength, maxLength int) error {
	n := utf8.RuneCountInString(value)
	if n < minLength {
		return errors.NewValidationError(field, value, fmt.Sprintf("too short (min %d characters)", minLength))
	}
	if n > maxLength {
		return errors.NewValidationError(field, "", fmt.Sprintf("too long (max %d characters)", maxLength))
	}
	return nil
}
