// Package delivery hands rendered templates to WhatsApp and turns provider
// answers and status webhooks into domain outcomes.
package delivery

import (
	"context"
	"time"

	"whatsauto/internal/errors"
	"whatsauto/internal/models"
	"whatsauto/pkg/circuitbreaker"
	"whatsauto/pkg/whatsapp"
	"whatsauto/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

// SendResult is the provider's synchronous answer to one send
type SendResult struct {
	Accepted          bool
	ProviderMessageID string
}

// Sink delivers one template message. A non-nil error carries one of the
// provider error codes; IsSystemic tells callers to stop using the
// credentials or template.
type Sink interface {
	Send(ctx context.Context, to string, tpl *models.Template, params []string) (SendResult, error)
}

// CloudSender is the Sink backed by the WhatsApp Cloud API
type CloudSender struct {
	client  whatsapp.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewBreaker returns a breaker that only opens on transient and timeout
// failures. Rejections are about one recipient and revocations are handled
// by the callers.
func NewBreaker(maxFailures uint32, timeout time.Duration, logger *logrus.Logger) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New("whatsapp", circuitbreaker.Options{
		MaxFailures:     maxFailures,
		Timeout:         timeout,
		CountsAsFailure: countsAsFailure,
		Logger:          logger,
	})
}

func countsAsFailure(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeProviderTransient, errors.ErrCodeTimeout:
		return true
	}
	return false
}

func NewCloudSender(client whatsapp.Client, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *CloudSender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CloudSender{client: client, breaker: breaker, logger: logger}
}

func (s *CloudSender) Send(ctx context.Context, to string, tpl *models.Template, params []string) (SendResult, error) {
	if tpl == nil {
		return SendResult{}, errors.New(errors.ErrCodeInvalidInput, "template is required")
	}

	payload := types.Template{
		Name:       tpl.Name,
		Language:   types.Language{Code: tpl.Language},
		Components: whatsapp.BodyParameters(params),
	}

	var messageID string
	send := func(ctx context.Context) error {
		resp, err := s.client.SendTemplate(ctx, to, payload)
		if err != nil {
			return Classify(err)
		}
		messageID = resp.Messages[0].ID
		return nil
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		return SendResult{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"template":            tpl.Name,
		"provider_message_id": messageID,
	}).Debug("Template message accepted")

	return SendResult{Accepted: true, ProviderMessageID: messageID}, nil
}
