package message

import "fmt"

// Status is the terminal state of one ingestion attempt.
type Status int

const (
	StatusAccepted Status = iota + 1
	StatusRejected
	StatusDeferred
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Reason qualifies a Rejected or Deferred outcome.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonDuplicate        Reason = "duplicate"
	ReasonInFlight         Reason = "in-flight"
	ReasonMalformed        Reason = "malformed"
	ReasonIntegrity        Reason = "integrity"
	ReasonFetchFailed      Reason = "fetch-failed"
	ReasonInvalidSchema    Reason = "invalid-schema"
	ReasonDecodeError      Reason = "decode-error"
	ReasonTooLarge         Reason = "too-large"
	ReasonCacheUnavailable Reason = "cache-unavailable"
	ReasonStoreUnavailable Reason = "store-unavailable"
	ReasonCanceled         Reason = "canceled"
)

// Outcome is what the pipeline reports back to the source adapter.
type Outcome struct {
	Status Status
	Reason Reason
	// Err carries the underlying cause for logging. Nil for Accepted and
	// for the silent duplicate/in-flight outcomes.
	Err error
	// Accepted is set only when Status is StatusAccepted.
	Accepted *AcceptedMessage
}

// Accepted builds an accepted outcome.
func Accepted(msg *AcceptedMessage) Outcome {
	return Outcome{Status: StatusAccepted, Accepted: msg}
}

// Rejected builds a permanent rejection.
func Rejected(reason Reason, err error) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, Err: err}
}

// Deferred builds a retryable outcome.
func Deferred(reason Reason, err error) Outcome {
	return Outcome{Status: StatusDeferred, Reason: reason, Err: err}
}

// IsTerminal reports whether the source may forget the candidate.
// Deferred outcomes must be presented again later.
func (o Outcome) IsTerminal() bool {
	return o.Status != StatusDeferred
}

func (o Outcome) String() string {
	if o.Reason == ReasonNone {
		return o.Status.String()
	}
	return fmt.Sprintf("%s(%s)", o.Status, o.Reason)
}
