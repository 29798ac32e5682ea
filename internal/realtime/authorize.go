package realtime

import (
	"context"
	"errors"
	"fmt"
)

// Errors a Verifier returns to explain a refusal.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUnknownTribe      = errors.New("unknown tribe")
	ErrNotMember         = errors.New("not a member of tribe")
)

// Verifier resolves a credential to a user and checks that user's membership of a tribe.
type Verifier interface {
	VerifyMembership(ctx context.Context, credential, tribeID string) (bool, error)
}

// Decision is the outcome of a join authorization. Code and Reason go to the client;
// Cause is for the server log only.
type Decision struct {
	Allowed bool
	Code    string
	Reason  string
	Cause   error
}

var allow = Decision{Allowed: true}

func deny(code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Authorize decides whether the bearer of credential may enter tribeID's room.
// It fails closed: every error, panic, timeout or missing verifier is a denial.
func Authorize(ctx context.Context, v Verifier, credential, tribeID string) (d Decision) {
	if tribeID == "" {
		return deny(CodeBadRequest, "tribeId is required")
	}
	if credential == "" {
		return deny(CodeUnauthorized, "credential is required")
	}
	if v == nil {
		return deny(CodeUnavailable, "membership check unavailable")
	}
	defer func() {
		if r := recover(); r != nil {
			d = deny(CodeInternal, "membership check failed")
			d.Cause = fmt.Errorf("verifier panic: %v", r)
		}
	}()

	ok, err := v.VerifyMembership(ctx, credential, tribeID)
	switch {
	case err == nil && ok:
		return allow
	case err == nil, errors.Is(err, ErrNotMember):
		return deny(CodeForbidden, "not authorized to join this tribe")
	case errors.Is(err, ErrInvalidCredential):
		return deny(CodeUnauthorized, "invalid or expired credential")
	case errors.Is(err, ErrUnknownTribe):
		return deny(CodeNotFound, "tribe not found")
	case errors.Is(err, context.DeadlineExceeded):
		return deny(CodeUnavailable, "membership check timed out")
	case errors.Is(err, context.Canceled):
		return deny(CodeUnavailable, "join cancelled")
	default:
		return deny(CodeUnavailable, "membership check unavailable")
	}
}
