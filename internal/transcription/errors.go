package transcription

import (
	"errors"
	"fmt"
)

// Reason classifies a transcription failure.
type Reason string

const (
	// ReasonMissingInput means no audio was supplied to the request.
	ReasonMissingInput Reason = "missing-input"
	// ReasonAuth means no upstream credential was configured or it was rejected.
	ReasonAuth Reason = "auth"
	// ReasonRateLimited means the upstream reported throttling; callers should
	// back off and may retry with jitter.
	ReasonRateLimited Reason = "rate-limited"
	// ReasonUpstreamFailure means the remote call returned a non-success status.
	ReasonUpstreamFailure Reason = "upstream-failure"
	// ReasonNetwork means the transport itself failed or timed out.
	ReasonNetwork Reason = "network"
)

// Error is the failure type for both transcription modes.
type Error struct {
	Reason Reason
	Status int // HTTP status from the upstream, when one was received
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("transcription %s (status %d): %v", e.Reason, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("transcription %s (status %d)", e.Reason, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("transcription %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("transcription %s", e.Reason)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a transcription *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// statusReason maps an upstream HTTP status to a failure reason.
func statusReason(status int) Reason {
	switch status {
	case 401, 403:
		return ReasonAuth
	case 429:
		return ReasonRateLimited
	default:
		return ReasonUpstreamFailure
	}
}
