package relay

import (
	"time"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
)

// AttemptKind classifies what happened when a candidate was tried.
type AttemptKind int

const (
	// Delivered means the candidate answered and its response was relayed,
	// whatever the HTTP status.
	Delivered AttemptKind = iota
	// TransportFailed means no response was obtained: DNS, connect, TLS,
	// timeout or a broken body before anything was relayed.
	TransportFailed
	// Skipped means the candidate was never called because its
	// configuration is incomplete.
	Skipped
)

func (k AttemptKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case TransportFailed:
		return "transport_failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Attempt records one candidate in the failover sequence.
type Attempt struct {
	Candidate domain.Candidate
	Kind      AttemptKind

	// Status is the upstream HTTP status of a delivered attempt.
	Status int
	// Err is the transport error of a failed attempt.
	Err error
	// ErrBody is whatever JSON the failed attempt still produced.
	ErrBody []byte
	// Reason explains a skipped attempt.
	Reason string

	Duration time.Duration
}

// Outcome is the result of Relay. When Delivered is false the aggregated
// failure in Err has already been written to the caller.
type Outcome struct {
	Delivered bool
	Candidate domain.Candidate
	Status    int
	Streamed  bool
	Bytes     int64

	// Tokens is the raw count before the candidate's multiplier is applied.
	Tokens    int64
	TokenRule string

	Attempts []Attempt
	Err      *domain.APIError
}
