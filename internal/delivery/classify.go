package delivery

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"whatsauto/internal/errors"
	"whatsauto/internal/models"
	"whatsauto/pkg/whatsapp"
)

// Graph API error codes with a fixed meaning for template sends
const (
	codeAccessTokenInvalid = 190
	codeRateLimitHit       = 130429
	codeSpamRateLimit      = 131048
	codePairRateLimit      = 131056
	codeTemplateMissing    = 132001
	codeTemplatePaused     = 132015
	codeTemplateDisabled   = 132016
)

// Classify maps a Cloud API call error onto the provider error codes.
// Context cancellation is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("whatsapp send", err)
	}

	var apiErr *whatsapp.APIError
	if !stderrors.As(err, &apiErr) {
		return errors.NewProviderError(errors.ErrCodeProviderTransient, 0, "whatsapp request failed", err)
	}

	message := apiErr.Message
	if apiErr.Code != 0 {
		message = fmt.Sprintf("%d %s", apiErr.Code, apiErr.Message)
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden ||
		apiErr.Code == codeAccessTokenInvalid:
		return errors.NewProviderError(errors.ErrCodeProviderAuthRevoked, apiErr.StatusCode, message, err)
	case apiErr.Code == codeTemplateMissing || apiErr.Code == codeTemplatePaused || apiErr.Code == codeTemplateDisabled:
		return errors.NewProviderError(errors.ErrCodeTemplateRevoked, apiErr.StatusCode, message, err)
	case apiErr.Code == codeRateLimitHit || apiErr.Code == codeSpamRateLimit || apiErr.Code == codePairRateLimit:
		return errors.NewProviderError(errors.ErrCodeProviderTransient, apiErr.StatusCode, message, err)
	case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusTooManyRequests ||
		apiErr.StatusCode >= 500:
		return errors.NewProviderError(errors.ErrCodeProviderTransient, apiErr.StatusCode, message, err)
	default:
		return errors.NewProviderError(errors.ErrCodeProviderRejected, apiErr.StatusCode, message, err)
	}
}

// Reason is the short text stored on a FAILED execution or recipient
func Reason(err error) string {
	if appErr, ok := errors.As(err); ok {
		switch appErr.Code {
		case errors.ErrCodeTimeout:
			return models.ReasonSendTimeout
		case errors.ErrCodeTemplateRevoked:
			return models.ReasonTemplateRevoked
		case errors.ErrCodeProviderAuthRevoked:
			return models.ReasonProviderAuthRevoked
		}
		return appErr.Message
	}
	return err.Error()
}
