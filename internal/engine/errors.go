package engine

import (
	"errors"
	"fmt"
)

// Reason classifies an extraction failure.
type Reason string

const (
	// ReasonMalformedOutput means the model's output could not be used at all
	// (no response field); nothing is committed for the turn.
	ReasonMalformedOutput Reason = "malformed-output"
	// ReasonTimeout means the model did not answer within the configured window.
	ReasonTimeout Reason = "timeout"
	// ReasonAuth means the model provider rejected the credential.
	ReasonAuth Reason = "auth"
	// ReasonRateLimited means the model provider reported throttling.
	ReasonRateLimited Reason = "rate-limited"
	// ReasonUpstream covers every other provider-side failure.
	ReasonUpstream Reason = "upstream"
)

// ExtractionError is a failed conversation turn. No partial state is
// committed when one is returned.
type ExtractionError struct {
	Reason Reason
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// AsExtractionError extracts an *ExtractionError from err, if present.
func AsExtractionError(err error) (*ExtractionError, bool) {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
