package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes
const (
	CodeTrackerError  = "TRACKER_ERROR"
	CodeTransport     = "TRANSPORT_ERROR"
	CodeScrapeFormat  = "SCRAPE_FORMAT_ERROR"
	CodeStateMismatch = "STATE_MISMATCH"
	CodeAuthProvider  = "AUTH_PROVIDER_ERROR"
	CodeDelivery      = "DELIVERY_ERROR"
	CodeCache         = "CACHE_ERROR"
	CodeConfig        = "CONFIG_ERROR"
)

type TrackerError struct {
	Message    string
	Code       string
	StatusCode int
	Context    map[string]any
	Cause      error
}

func (e *TrackerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TrackerError) Unwrap() error {
	return e.Cause
}

func NewTrackerError(message, code string, statusCode int, context map[string]any) *TrackerError {
	return &TrackerError{
		Message:    message,
		Code:       code,
		StatusCode: statusCode,
		Context:    context,
	}
}

func (e *TrackerError) WithCause(cause error) *TrackerError {
	e.Cause = cause
	return e
}

// TransportError reports a network or HTTP failure while talking to the remote service.
type TransportError struct {
	*TrackerError
	URL string
}

func NewTransportError(message, url string, statusCode int, cause error) *TransportError {
	return &TransportError{
		TrackerError: &TrackerError{
			Message:    message,
			Code:       CodeTransport,
			StatusCode: statusCode,
			Context: map[string]any{
				"url": url,
			},
			Cause: cause,
		},
		URL: url,
	}
}

// ScrapeFormatError means the scraped page no longer has the expected structure.
type ScrapeFormatError struct {
	*TrackerError
	Selector string
}

func NewScrapeFormatError(message, selector string, cause error) *ScrapeFormatError {
	return &ScrapeFormatError{
		TrackerError: &TrackerError{
			Message:    message,
			Code:       CodeScrapeFormat,
			StatusCode: 502,
			Context: map[string]any{
				"selector": selector,
			},
			Cause: cause,
		},
		Selector: selector,
	}
}

type StateMismatchError struct {
	*TrackerError
	Expected string
	Received string
}

func NewStateMismatchError(expected, received string) *StateMismatchError {
	return &StateMismatchError{
		TrackerError: &TrackerError{
			Message:    fmt.Sprintf("State mismatch. Expected: %s Received: %s", expected, received),
			Code:       CodeStateMismatch,
			StatusCode: 400,
		},
		Expected: expected,
		Received: received,
	}
}

// AuthProviderError carries an error reported by the OAuth provider or the token exchange.
type AuthProviderError struct {
	*TrackerError
	ProviderError string
}

func NewAuthProviderError(message, providerError string, cause error) *AuthProviderError {
	return &AuthProviderError{
		TrackerError: &TrackerError{
			Message:    message,
			Code:       CodeAuthProvider,
			StatusCode: 401,
			Context: map[string]any{
				"provider_error": providerError,
			},
			Cause: cause,
		},
		ProviderError: providerError,
	}
}

// DeliveryError is returned when a notification could not be delivered.
type DeliveryError struct {
	*TrackerError
	Attempts int
}

func NewDeliveryError(message string, statusCode, attempts int, body string) *DeliveryError {
	return &DeliveryError{
		TrackerError: &TrackerError{
			Message:    message,
			Code:       CodeDelivery,
			StatusCode: statusCode,
			Context: map[string]any{
				"attempts": attempts,
				"body":     body,
			},
		},
		Attempts: attempts,
	}
}

type CacheError struct {
	*TrackerError
	Operation string
	Key       string
}

func NewCacheError(message, operation, key string, cause error) *CacheError {
	return &CacheError{
		TrackerError: &TrackerError{
			Message:    message,
			Code:       CodeCache,
			StatusCode: 500,
			Context: map[string]any{
				"operation": operation,
				"key":       key,
			},
			Cause: cause,
		},
		Operation: operation,
		Key:       key,
	}
}

type ConfigError struct {
	*TrackerError
	Field string
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		TrackerError: &TrackerError{
			Message:    fmt.Sprintf("%s %s", field, message),
			Code:       CodeConfig,
			StatusCode: 400,
			Context: map[string]any{
				"field": field,
			},
		},
		Field: field,
	}
}

func IsTransport(err error) bool {
	var target *TransportError
	return stderrors.As(err, &target)
}

func IsScrapeFormat(err error) bool {
	var target *ScrapeFormatError
	return stderrors.As(err, &target)
}

func IsDelivery(err error) bool {
	var target *DeliveryError
	return stderrors.As(err, &target)
}

func IsStateMismatch(err error) bool {
	var target *StateMismatchError
	return stderrors.As(err, &target)
}

func IsAuthProvider(err error) bool {
	var target *AuthProviderError
	return stderrors.As(err, &target)
}

func IsConfig(err error) bool {
	var target *ConfigError
	return stderrors.As(err, &target)
}
