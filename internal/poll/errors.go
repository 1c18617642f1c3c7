package poll

import (
	"github.com/cockroachdb/errors"

	"accountpolld/internal/auth"
	"accountpolld/internal/helper"
	"accountpolld/internal/registry"
)

// Error taxonomy. Every one of these is contained to its target: it shows up
// in logs and poll history, never in the cycle result.
var (
	ErrRegistry            = registry.ErrUnreadable
	ErrAuthFailed          = auth.ErrAuthFailed
	ErrAuthStalled         = auth.ErrAuthStalled
	ErrInvalidAuthReported = errors.New("plugin reported invalid credentials")
	ErrProcessTimeout      = helper.ErrTimeout
	ErrProcessCrash        = helper.ErrCrash
	ErrMalformedOutput     = helper.ErrMalformedOutput
	ErrStartFailed         = errors.New("plugin failed to start")
)

// Outcome names recorded for a resolved target.
const (
	OutcomeOK          = "ok"
	OutcomeInvalidAuth = "invalid_auth"
	OutcomeAuthFailed  = "auth_failed"
	OutcomeAuthStalled = "auth_stalled"
	OutcomeTimeout     = "timeout"
	OutcomeCrash       = "crash"
	OutcomeMalformed   = "malformed"
	OutcomeStartFailed = "start_failed"
)

// Skip reasons.
const (
	SkipInterval = "interval"
	SkipInFlight = "in_flight"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidAuthReported):
		return OutcomeInvalidAuth
	case errors.Is(err, ErrAuthStalled):
		return OutcomeAuthStalled
	case errors.Is(err, ErrAuthFailed):
		return OutcomeAuthFailed
	case errors.Is(err, ErrProcessTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrMalformedOutput):
		return OutcomeMalformed
	case errors.Is(err, ErrStartFailed):
		return OutcomeStartFailed
	default:
		return OutcomeCrash
	}
}
