package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"whatsauto/internal/errors"
	"whatsauto/internal/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"queued"}`, w.Body.String())
}

func TestWriteError(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/campaigns/x", nil)
	r = r.WithContext(tracing.WithRequestID(r.Context(), "req-1"))
	w := httptest.NewRecorder()

	WriteError(w, r, errors.NewNotFoundError("campaign", "x"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body errors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrCodeNotFound, body.Error.Code)
	assert.Equal(t, "campaign not found", body.Error.Message)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"promo"}`, false},
		{"malformed", `{"name":`, true},
		{"unknown field", `{"name":"promo","extra":1}`, true},
		{"too large", `{"name":"` + strings.Repeat("a", 2<<20) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var got payload

			err := DecodeJSON(httptest.NewRecorder(), r, &got)

			if tt.wantErr {
				assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "promo", got.Name)
		})
	}
}
