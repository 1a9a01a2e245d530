package otogi

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// OutboundOperation names the sink or log source call that failed.
type OutboundOperation string

const (
	OutboundOperationSendMessage     OutboundOperation = "send_message"
	OutboundOperationEditMessage     OutboundOperation = "edit_message"
	OutboundOperationDeleteMessage   OutboundOperation = "delete_message"
	OutboundOperationFetchRecords    OutboundOperation = "fetch_records"
	OutboundOperationPurgeRecords    OutboundOperation = "purge_records"
	OutboundOperationCheckPermission OutboundOperation = "check_permission"
)

// OutboundErrorKind tells callers whether a failed call is worth repeating.
type OutboundErrorKind string

const (
	// OutboundErrorKindRateLimited means the platform asked the caller to slow
	// down, usually with a RetryAfter hint.
	OutboundErrorKindRateLimited OutboundErrorKind = "rate_limited"
	// OutboundErrorKindTemporary means the same call may succeed later.
	OutboundErrorKindTemporary OutboundErrorKind = "temporary"
	// OutboundErrorKindPermanent means the request itself was rejected.
	OutboundErrorKindPermanent OutboundErrorKind = "permanent"
	// OutboundErrorKindNotFound means the addressed message is gone. Such
	// errors match ErrMessageNotFound.
	OutboundErrorKindNotFound OutboundErrorKind = "not_found"
	// OutboundErrorKindForbidden means the account lacks rights on the
	// conversation.
	OutboundErrorKindForbidden OutboundErrorKind = "forbidden"
	OutboundErrorKindUnknown   OutboundErrorKind = "unknown"
)

// OutboundError is the classified failure of one platform call.
type OutboundError struct {
	Operation OutboundOperation
	Kind      OutboundErrorKind
	Platform  Platform
	// SinkID names the configured sink, when known.
	SinkID string
	// RetryAfter is the platform's requested back-off for rate-limited calls.
	RetryAfter time.Duration
	// Code and Type carry the platform RPC status, when there was one.
	Code  int
	Type  string
	Cause error
}

// Error renders the populated fields as key=value pairs followed by the cause.
func (e *OutboundError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("outbound error")
	sep := ": "
	field := func(key string, value string) {
		if value = strings.TrimSpace(value); value == "" {
			return
		}
		b.WriteString(sep)
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
		sep = " "
	}
	field("operation", string(e.Operation))
	field("kind", string(e.Kind))
	field("platform", string(e.Platform))
	field("sink_id", e.SinkID)
	if e.RetryAfter > 0 {
		field("retry_after", e.RetryAfter.String())
	}
	if e.Code != 0 {
		field("code", strconv.Itoa(e.Code))
	}
	field("type", e.Type)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

func (e *OutboundError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Is matches ErrMessageNotFound for not-found failures.
func (e *OutboundError) Is(target error) bool {
	return e != nil && target == ErrMessageNotFound && e.Kind == OutboundErrorKindNotFound
}

// Retryable reports whether repeating the call may succeed.
func (e *OutboundError) Retryable() bool {
	if e == nil {
		return false
	}

	switch e.Kind {
	case OutboundErrorKindRateLimited, OutboundErrorKindTemporary:
		return true
	default:
		return false
	}
}

// AsOutboundError finds the first OutboundError in err's chain.
func AsOutboundError(err error) (*OutboundError, bool) {
	var outboundErr *OutboundError
	if !errors.As(err, &outboundErr) || outboundErr == nil {
		return nil, false
	}

	return outboundErr, true
}

// OutboundRetryDelay reports how long to wait before repeating a failed call.
// ok is false when the failure is not retryable. A rate limit without a hint
// yields fallback, as does a temporary failure.
func OutboundRetryDelay(err error, fallback time.Duration) (delay time.Duration, ok bool) {
	outboundErr, found := AsOutboundError(err)
	if !found || !outboundErr.Retryable() {
		return 0, false
	}
	if outboundErr.Kind == OutboundErrorKindRateLimited && outboundErr.RetryAfter > 0 {
		return outboundErr.RetryAfter, true
	}

	return fallback, true
}
