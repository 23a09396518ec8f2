// Package providers defines the failure taxonomy shared by every geolocation
// and fraud-signal provider. The engine only ever branches on Category.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory defines the normalized failure taxonomy
type ErrorCategory string

const (
	// ErrorNotConfigured means the provider has no credential or data file.
	// Callers skip the check instead of applying the fallback.
	ErrorNotConfigured ErrorCategory = "not_configured"

	// ErrorUpstreamUnavailable covers transport errors and non-2xx responses
	ErrorUpstreamUnavailable ErrorCategory = "upstream_unavailable"

	// ErrorTimeout indicates the provider took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorMalformedResponse indicates the provider returned unusable data
	ErrorMalformedResponse ErrorCategory = "malformed_response"

	// ErrorInternal indicates an unexpected non-provider error
	ErrorInternal ErrorCategory = "internal"
)

// ProviderError wraps provider failures with normalized categorization
type ProviderError struct {
	Category   ErrorCategory
	ProviderID string
	Message    string
	Underlying error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("provider %s [%s]: %s: %v", e.ProviderID, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("provider %s [%s]: %s", e.ProviderID, e.Category, e.Message)
}

// Unwrap supports error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// NewProviderError creates a new normalized provider error
func NewProviderError(category ErrorCategory, providerID, message string, underlying error) *ProviderError {
	return &ProviderError{
		Category:   category,
		ProviderID: providerID,
		Message:    message,
		Underlying: underlying,
	}
}

// NotConfigured reports a provider that cannot run at all.
func NotConfigured(providerID, message string) *ProviderError {
	return NewProviderError(ErrorNotConfigured, providerID, message, nil)
}

// Unavailable classifies a failed round trip. A deadline becomes ErrorTimeout
// so metrics can tell slow providers from broken ones.
func Unavailable(providerID, message string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(ErrorTimeout, providerID, message, err)
	}
	return NewProviderError(ErrorUpstreamUnavailable, providerID, message, err)
}

// Malformed reports a response that could not be used.
func Malformed(providerID, message string, err error) *ProviderError {
	return NewProviderError(ErrorMalformedResponse, providerID, message, err)
}

// IsNotConfigured separates the skip path from the fallback path.
func IsNotConfigured(err error) bool {
	return GetCategory(err) == ErrorNotConfigured
}

// IsUnavailable reports errors that should trip a circuit breaker.
func IsUnavailable(err error) bool {
	c := GetCategory(err)
	return c == ErrorUpstreamUnavailable || c == ErrorTimeout
}

// GetCategory extracts the error category from an error
func GetCategory(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}
