package validation

import (
	"strings"
	"testing"

	"whatsauto/internal/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidatePhoneNumber(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		wantErr string
	}{
		{"e164 with plus", "+15550001111", ""},
		{"digits only", "919876543210", ""},
		{"minimum length", "1234567", ""},
		{"maximum length", "+123456789012345", ""},
		{"empty", "", "is required"},
		{"blank", "   ", "is required"},
		{"too short", "+123456", "at least 7 digits"},
		{"too long", "+1234567890123456", "at most 15 digits"},
		{"letters", "+1555abc1111", "only digits"},
		{"formatted", "+1 555 000 1111", "only digits"},
		{"whatsapp jid", "15550001111@c.us", "only digits"},
		{"arabic-indic digits", "+٩١٩٨٧٦٥٤٣٢١٠", "only digits"},
		{"fullwidth digits", "１５５５０００１１１１", "only digits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePhoneNumber("phone", tt.phone)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))
				if strings.TrimSpace(tt.phone) != "" {
					assert.NotContains(t, err.Error(), tt.phone)
				}
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, ValidateStringLength("name", "Spring sale", 1, 20))
	assert.NoError(t, ValidateStringLength("name", strings.Repeat("é", 20), 1, 20))

	err := ValidateStringLength("name", "", 1, 20)
	assert.ErrorContains(t, err, "too short")

	err = ValidateStringLength("name", strings.Repeat("x", 21), 1, 20)
	assert.ErrorContains(t, err, "too long")
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))
}
