package entities

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailTaken          = errors.New("email already registered")
	ErrForbidden           = errors.New("forbidden")
	ErrSessionRevoked      = errors.New("session revoked or expired")
	ErrInvalidFlow         = errors.New("invalid bot flow")
	ErrGatewayUnavailable  = errors.New("whatsapp gateway unavailable")
	ErrInstanceNotFound    = errors.New("whatsapp instance not configured")

	ErrSubscriptionInactive = errors.New("subscription inactive or expired")
)
