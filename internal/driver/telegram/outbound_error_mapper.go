package telegram

import (
	"errors"
	"strings"

	"ex-tally/pkg/otogi"

	"github.com/gotd/td/tgerr"
)

// rpcTypeKinds pins RPC error types whose status code alone misleads.
var rpcTypeKinds = map[string]otogi.OutboundErrorKind{
	"MESSAGE_ID_INVALID":       otogi.OutboundErrorKindNotFound,
	"MESSAGE_IDS_EMPTY":        otogi.OutboundErrorKindNotFound,
	"MESSAGE_EMPTY_INVALID":    otogi.OutboundErrorKindNotFound,
	"CHAT_ADMIN_REQUIRED":      otogi.OutboundErrorKindForbidden,
	"CHAT_WRITE_FORBIDDEN":     otogi.OutboundErrorKindForbidden,
	"MESSAGE_AUTHOR_REQUIRED":  otogi.OutboundErrorKindForbidden,
	"MESSAGE_DELETE_FORBIDDEN": otogi.OutboundErrorKindForbidden,
	"CHANNEL_PRIVATE":          otogi.OutboundErrorKindForbidden,
	"USER_NOT_PARTICIPANT":     otogi.OutboundErrorKindForbidden,
}

// mapTelegramOutboundError wraps err in an *otogi.OutboundError. Request
// validation failures pass through untouched.
func mapTelegramOutboundError(
	operation otogi.OutboundOperation,
	sink otogi.EventSink,
	err error,
) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, otogi.ErrInvalidOutboundRequest), errors.Is(err, otogi.ErrOutboundUnsupported):
		return err
	}

	classified := &otogi.OutboundError{
		Operation: operation,
		Kind:      otogi.OutboundErrorKindUnknown,
		Platform:  sink.Platform,
		SinkID:    sink.ID,
		Cause:     err,
	}
	if rpcErr, ok := tgerr.As(err); ok {
		classified.Code = rpcErr.Code
		classified.Type = rpcErr.Type
		classified.Kind = classifyTelegramRPCError(rpcErr)
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		classified.Kind = otogi.OutboundErrorKindRateLimited
		classified.RetryAfter = wait
	}

	return classified
}

func classifyTelegramRPCError(rpcErr *tgerr.Error) otogi.OutboundErrorKind {
	if rpcErr == nil {
		return otogi.OutboundErrorKindUnknown
	}

	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	if kind, pinned := rpcTypeKinds[errorType]; pinned {
		return kind
	}

	switch code := rpcErr.Code; {
	case code == 420, code == 429, strings.Contains(errorType, "FLOOD"):
		return otogi.OutboundErrorKindRateLimited
	case code == 303, code >= 500:
		return otogi.OutboundErrorKindTemporary
	case code == 403:
		return otogi.OutboundErrorKindForbidden
	case code >= 400 && code < 500:
		return otogi.OutboundErrorKindPermanent
	default:
		return otogi.OutboundErrorKindUnknown
	}
}
