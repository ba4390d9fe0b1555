package whatsapp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"whatsauto/pkg/whatsapp/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTemplate() types.Template {
	return types.Template{
		Name:       "order_update",
		Language:   types.Language{Code: "en_US"},
		Components: BodyParameters([]string{"Asha", "#42"}),
	}
}

func TestSendTemplate_Success(t *testing.T) {
	var got types.Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v21.0/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"15550001","wa_id":"15550001"}],"messages":[{"id":"wamid.abc"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "v21.0", "12345", "token-1", 5*time.Second)
	resp, err := client.SendTemplate(context.Background(), "+15550001", testTemplate())

	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "wamid.abc", resp.Messages[0].ID)

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "15550001", got.To)
	assert.Equal(t, "template", got.Type)
	require.NotNil(t, got.Template)
	assert.Equal(t, "order_update", got.Template.Name)
	assert.Equal(t, "en_US", got.Template.Language.Code)
	require.Len(t, got.Template.Components, 1)
	assert.Equal(t, "body", got.Template.Components[0].Type)
	assert.Equal(t, "#42", got.Template.Components[0].Parameters[1].Text)
}

func TestSendTemplate_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    int
		wantSubcode int
		wantMessage string
	}{
		{
			name:        "graph error envelope",
			status:      http.StatusBadRequest,
			body:        `{"error":{"message":"Template name does not exist","type":"OAuthException","code":132001,"error_subcode":2494010,"error_data":{"details":"template missing"}}}`,
			wantCode:    132001,
			wantSubcode: 2494010,
			wantMessage: "Template name does not exist",
		},
		{
			name:        "expired token",
			status:      http.StatusUnauthorized,
			body:        `{"error":{"message":"Error validating access token","code":190}}`,
			wantCode:    190,
			wantMessage: "Error validating access token",
		},
		{
			name:        "plain text body",
			status:      http.StatusBadGateway,
			body:        "upstream unavailable",
			wantMessage: "upstream unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, "v21.0", "12345", "token", time.Second)
			_, err := client.SendTemplate(context.Background(), "15550001", testTemplate())

			var apiErr *APIError
			require.True(t, stderrors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantSubcode, apiErr.Subcode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
		})
	}
}

func TestSendTemplate_MissingMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "v21.0", "12345", "token", time.Second)
	_, err := client.SendTemplate(context.Background(), "15550001", testTemplate())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a message id")
}

func TestSendTemplate_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(server.URL, "v21.0", "12345", "token", 5*time.Second)
	_, err := client.SendTemplate(ctx, "15550001", testTemplate())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBodyParameters(t *testing.T) {
	assert.Nil(t, BodyParameters(nil))

	components := BodyParameters([]string{"a"})
	require.Len(t, components, 1)
	assert.Equal(t, []types.Parameter{{Type: "text", Text: "a"}}, components[0].Parameters)
}
