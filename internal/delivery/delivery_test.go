package delivery

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"whatsauto/internal/errors"
	"whatsauto/internal/models"
	"whatsauto/pkg/circuitbreaker"
	"whatsauto/pkg/whatsapp"
	"whatsauto/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SendTemplate(ctx context.Context, to string, tpl types.Template) (*types.SendResponse, error) {
	args := m.Called(ctx, to, tpl)
	if resp := args.Get(0); resp != nil {
		return resp.(*types.SendResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func accepted(id string) *types.SendResponse {
	resp := &types.SendResponse{MessagingProduct: "whatsapp"}
	resp.Messages = append(resp.Messages, struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status,omitempty"`
	}{ID: id})
	return resp
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

var approved = &models.Template{ID: "tpl-1", Name: "welcome", Language: "en", Status: models.TemplateStatusApproved}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode errors.ErrorCode
		systemic bool
	}{
		{"unauthorized", &whatsapp.APIError{StatusCode: 401}, errors.ErrCodeProviderAuthRevoked, true},
		{"forbidden", &whatsapp.APIError{StatusCode: 403}, errors.ErrCodeProviderAuthRevoked, true},
		{"oauth code on 400", &whatsapp.APIError{StatusCode: 400, Code: 190}, errors.ErrCodeProviderAuthRevoked, true},
		{"template missing", &whatsapp.APIError{StatusCode: 404, Code: 132001}, errors.ErrCodeTemplateRevoked, true},
		{"template paused", &whatsapp.APIError{StatusCode: 400, Code: 132015}, errors.ErrCodeTemplateRevoked, true},
		{"template disabled", &whatsapp.APIError{StatusCode: 400, Code: 132016}, errors.ErrCodeTemplateRevoked, true},
		{"throttled code", &whatsapp.APIError{StatusCode: 400, Code: 130429}, errors.ErrCodeProviderTransient, false},
		{"pair rate limit", &whatsapp.APIError{StatusCode: 400, Code: 131056}, errors.ErrCodeProviderTransient, false},
		{"request timeout", &whatsapp.APIError{StatusCode: 408}, errors.ErrCodeProviderTransient, false},
		{"too many requests", &whatsapp.APIError{StatusCode: 429}, errors.ErrCodeProviderTransient, false},
		{"server error", &whatsapp.APIError{StatusCode: 503}, errors.ErrCodeProviderTransient, false},
		{"invalid recipient", &whatsapp.APIError{StatusCode: 400, Code: 131026}, errors.ErrCodeProviderRejected, false},
		{"network", fmt.Errorf("failed to send request: %w", stderrors.New("connection refused")), errors.ErrCodeProviderTransient, false},
		{"deadline", fmt.Errorf("failed to send request: %w", context.DeadlineExceeded), errors.ErrCodeTimeout, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
			assert.Equal(t, tt.systemic, errors.IsSystemic(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.Equal(t, context.Canceled, Classify(context.Canceled))
}

func TestReason(t *testing.T) {
	assert.Equal(t, models.ReasonSendTimeout, Reason(Classify(context.DeadlineExceeded)))
	assert.Equal(t, models.ReasonTemplateRevoked, Reason(Classify(&whatsapp.APIError{StatusCode: 400, Code: 132001})))
	assert.Equal(t, models.ReasonProviderAuthRevoked, Reason(Classify(&whatsapp.APIError{StatusCode: 401})))
	assert.Equal(t, "131026 Message undeliverable",
		Reason(Classify(&whatsapp.APIError{StatusCode: 400, Code: 131026, Message: "Message undeliverable"})))
	assert.Equal(t, "boom", Reason(stderrors.New("boom")))
}

func TestCloudSender_Send(t *testing.T) {
	client := new(mockClient)
	client.On("SendTemplate", mock.Anything, "+15550001", types.Template{
		Name:       "welcome",
		Language:   types.Language{Code: "en"},
		Components: whatsapp.BodyParameters([]string{"Asha"}),
	}).Return(accepted("wamid.1"), nil)

	sender := NewCloudSender(client, nil, quietLogger())
	result, err := sender.Send(context.Background(), "+15550001", approved, []string{"Asha"})

	require.NoError(t, err)
	assert.Equal(t, SendResult{Accepted: true, ProviderMessageID: "wamid.1"}, result)
	client.AssertExpectations(t)
}

func TestCloudSender_RequiresTemplate(t *testing.T) {
	sender := NewCloudSender(new(mockClient), nil, quietLogger())

	_, err := sender.Send(context.Background(), "+15550001", nil, nil)

	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

func TestCloudSender_Rejected(t *testing.T) {
	client := new(mockClient)
	client.On("SendTemplate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &whatsapp.APIError{StatusCode: 400, Code: 131026, Message: "Message undeliverable"})

	sender := NewCloudSender(client, NewBreaker(1, time.Minute, quietLogger()), quietLogger())
	result, err := sender.Send(context.Background(), "+15550001", approved, nil)

	assert.False(t, result.Accepted)
	assert.Equal(t, errors.ErrCodeProviderRejected, errors.GetCode(err))

	// rejections never open the breaker
	_, err = sender.Send(context.Background(), "+15550001", approved, nil)
	assert.Equal(t, errors.ErrCodeProviderRejected, errors.GetCode(err))
	client.AssertNumberOfCalls(t, "SendTemplate", 2)
}

func TestCloudSender_BreakerOpensOnTransientFailures(t *testing.T) {
	client := new(mockClient)
	client.On("SendTemplate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &whatsapp.APIError{StatusCode: 503, Message: "unavailable"})

	breaker := NewBreaker(2, time.Minute, quietLogger())
	sender := NewCloudSender(client, breaker, quietLogger())

	for i := 0; i < 2; i++ {
		_, err := sender.Send(context.Background(), "+15550001", approved, nil)
		assert.Equal(t, errors.ErrCodeProviderTransient, errors.GetCode(err))
	}

	_, err := sender.Send(context.Background(), "+15550001", approved, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
	client.AssertNumberOfCalls(t, "SendTemplate", 2)
}

func TestCloudSender_AgainstCloudAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/999/messages", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Template is paused","code":132015}}`))
	}))
	defer server.Close()

	client := whatsapp.NewClient(server.URL, "v21.0", "999", "token", time.Second)
	sender := NewCloudSender(client, nil, quietLogger())

	_, err := sender.Send(context.Background(), "+15550001", approved, []string{"x"})

	require.Error(t, err)
	assert.True(t, errors.IsSystemic(err))
	assert.Equal(t, models.ReasonTemplateRevoked, Reason(err))
}

func TestParseDeliveryUpdates(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"statuses":[
			{"id":"wamid.1","status":"sent","timestamp":"1772618400"},
			{"id":"wamid.1","status":"delivered","timestamp":"1772618401"},
			{"id":"wamid.2","status":"read","timestamp":"bogus"},
			{"id":"wamid.3","status":"failed","timestamp":"1772618402","errors":[{"code":131047,"title":"Re-engagement message"}]},
			{"id":"wamid.4","status":"deleted","timestamp":"1772618403"},
			{"id":"","status":"read","timestamp":"1772618404"}
		]}}]}]}`)

	updates, err := ParseDeliveryUpdates(body)

	require.NoError(t, err)
	require.Len(t, updates, 4)
	assert.Equal(t, models.RecipientSent, updates[0].Status)
	assert.Equal(t, models.DeliveryUpdate{
		ProviderMessageID: "wamid.1",
		Status:            models.RecipientDelivered,
		Timestamp:         time.Unix(1772618401, 0).UTC(),
	}, updates[1])
	assert.True(t, updates[2].Timestamp.IsZero())
	assert.Equal(t, "131047 Re-engagement message", updates[3].Reason)
	assert.Equal(t, models.RecipientFailed, updates[3].Status)
}

func TestParseDeliveryUpdates_Invalid(t *testing.T) {
	_, err := ParseDeliveryUpdates([]byte("nope"))
	assert.Error(t, err)
}
