package otogi

import (
	"context"
	"fmt"
	"time"
)

// ServiceLogSource is the canonical service registry key for chat-log history access.
const ServiceLogSource = "otogi.log_source"

// RecordID identifies one record in a log conversation.
//
// Identifiers grow monotonically with posting order inside one conversation.
type RecordID int64

// LogRecord is one message read back from a log conversation.
type LogRecord struct {
	// ID is the platform message identifier.
	ID RecordID
	// PostedAt is the platform posting timestamp.
	PostedAt time.Time
	// Author identifies who posted the record when known.
	Author Actor
	// Text is the primary message text.
	Text string
	// Embed is the optional embedded document used as fallback text.
	Embed *Embed
}

// FetchRecordsRequest selects a bounded window of records.
type FetchRecordsRequest struct {
	// Target identifies the log conversation.
	Target OutboundTarget
	// After restricts results to records with ID strictly greater than *After;
	// the window is then the oldest Limit such records, so a backlog drains
	// over successive calls. Nil selects the most recent window.
	After *RecordID
	// Limit caps the number of returned records.
	Limit int
}

// Validate checks the request envelope before dispatch.
func (r FetchRecordsRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate fetch records target: %w", err)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0", ErrInvalidOutboundRequest)
	}

	return nil
}

// PurgeRecordsRequest deletes one batch of the newest records.
type PurgeRecordsRequest struct {
	// Target identifies the log conversation.
	Target OutboundTarget
	// Limit caps how many records one call deletes.
	Limit int
}

// Validate checks the request envelope before dispatch.
func (r PurgeRecordsRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate purge records target: %w", err)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0", ErrInvalidOutboundRequest)
	}

	return nil
}

// LogSource reads and trims the history of a log conversation.
type LogSource interface {
	// FetchRecords returns matching records newest first.
	//
	// A failure anywhere in a multi-page read returns an error and no records.
	FetchRecords(ctx context.Context, request FetchRecordsRequest) ([]LogRecord, error)
	// PurgeRecords deletes up to Limit records and reports how many were deleted.
	// Callers repeat until it returns zero.
	PurgeRecords(ctx context.Context, request PurgeRecordsRequest) (int, error)
}

// ServicePermissionChecker is the canonical service registry key for role lookups.
const ServicePermissionChecker = "otogi.permission_checker"

// PermissionChecker answers platform role questions about conversation members.
type PermissionChecker interface {
	// IsAdministrator reports whether actor administers the target conversation.
	IsAdministrator(ctx context.Context, target OutboundTarget, actor Actor) (bool, error)
}
