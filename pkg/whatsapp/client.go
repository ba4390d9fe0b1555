package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"whatsauto/pkg/whatsapp/types"
)

const maxResponseBytes = 1 << 20

// Client sends template messages through the WhatsApp Cloud API
type Client interface {
	SendTemplate(ctx context.Context, to string, tpl types.Template) (*types.SendResponse, error)
}

// APIError is a non-2xx answer from the Graph API. Code and Subcode are zero
// when the body was not a Graph error envelope.
type APIError struct {
	StatusCode int
	Code       int
	Subcode    int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("whatsapp api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp api error %d: %s", e.StatusCode, e.Message)
}

type CloudClient struct {
	baseURL       string
	apiVersion    string
	phoneNumberID string
	accessToken   string
	client        *http.Client
}

// NewClient builds a Cloud API client. baseURL is normally
// https://graph.facebook.com.
func NewClient(baseURL, apiVersion, phoneNumberID, accessToken string, timeout time.Duration) *CloudClient {
	return &CloudClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiVersion:    apiVersion,
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		client:        &http.Client{Timeout: timeout},
	}
}

func (c *CloudClient) SendTemplate(ctx context.Context, to string, tpl types.Template) (*types.SendResponse, error) {
	msg := types.Message{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "template",
		Template:         &tpl,
	}

	var result types.SendResponse
	if err := c.post(ctx, fmt.Sprintf("/%s/%s/messages", c.apiVersion, c.phoneNumberID), msg, &result); err != nil {
		return nil, err
	}
	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return &result, fmt.Errorf("whatsapp api accepted the request without a message id")
	}
	return &result, nil
}

func (c *CloudClient) post(ctx context.Context, endpoint string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var envelope types.ErrorBody
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != 0 {
			apiErr.Code = envelope.Error.Code
			apiErr.Subcode = envelope.Error.ErrorSubcode
			apiErr.Message = envelope.Error.Message
			if envelope.Error.ErrorData != nil {
				apiErr.Details = envelope.Error.ErrorData.Details
			}
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// BodyParameters turns ordered values into the body component of a template
// send. No values means no component.
func BodyParameters(values []string) []types.Component {
	if len(values) == 0 {
		return nil
	}
	params := make([]types.Parameter, len(values))
	for i, v := range values {
		params[i] = types.Parameter{Type: "text", Text: v}
	}
	return []types.Component{{Type: "body", Parameters: params}}
}
