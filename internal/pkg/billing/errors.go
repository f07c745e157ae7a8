package billing

import "errors"

// Sentinel errors shared between the billing service, the reconciler and the
// HTTP layer. Controllers map these to status codes with errors.Is.
var (
	ErrUnauthenticated       = errors.New("authentication required")
	ErrUnauthorized          = errors.New("resource does not belong to the requesting user")
	ErrNotFound              = errors.New("billing record not found")
	ErrInvalidInput          = errors.New("unknown plan, package or billing cycle")
	ErrInvalidState          = errors.New("operation not allowed in the current subscription state")
	ErrProviderNotConfigured = errors.New("billing provider is not configured")
	ErrProviderUnavailable   = errors.New("billing provider is unreachable")
	ErrSignatureInvalid      = errors.New("webhook signature verification failed")
)
