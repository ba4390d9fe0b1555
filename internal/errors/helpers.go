package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error. Rules and campaigns that can
// never execute are rejected with this code before they enter the pipeline.
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage(message)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewTransitionError reports a state machine move that is not allowed from
// the current state.
func NewTransitionError(resource, identifier, from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("cannot move %s from %s to %s", resource, from, to)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithContext("from", from).
		WithContext("to", to).
		WithUserMessage(fmt.Sprintf("%s is %s and cannot become %s", resource, from, to))
}

// NewTimeoutError creates a timeout error that keeps the deadline cause
func NewTimeoutError(operation string, cause error) *AppError {
	return Wrap(cause, ErrCodeTimeout, fmt.Sprintf("%s timed out", operation)).
		WithContext("operation", operation).
		WithUserMessage("Operation timed out")
}

// NewProviderError creates an error for a WhatsApp provider call. Only
// ErrCodeProviderTransient is marked retryable; callers still never retry
// sends, the flag only drives log levels and HTTP mapping.
func NewProviderError(code ErrorCode, statusCode int, message string, err error) *AppError {
	appErr := Wrap(err, code, message).
		WithContext("service", "whatsapp").
		WithContext("status_code", statusCode)
	appErr.Retryable = code == ErrCodeProviderTransient
	return appErr
}

// NewUpstreamError creates an error for calls to the CRM backend.
func NewUpstreamError(code ErrorCode, endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, code, "backend call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = statusCode == 0 || statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
	return appErr
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	case ErrCodeTemplateRegistry, ErrCodeContactResolver,
		ErrCodeProviderTransient, ErrCodeProviderRejected, ErrCodeProviderAuthRevoked, ErrCodeTemplateRevoked:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body written for failed API requests
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "password" && k != "token" && k != "secret" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
