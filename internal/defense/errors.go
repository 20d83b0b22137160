package defense

import "errors"

// Domain error kinds surfaced to the HTTP layer. Backend kinds
// (timeout, unavailable) live in internal/kv.
var (
	ErrInvalidTenant    = errors.New("invalid tenant")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrPolicyNotFound   = errors.New("policy not found")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrChallengeInvalid = errors.New("challenge invalid")
	ErrConflict         = errors.New("conflict")
)
