package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, e *Event, data []byte) error {
	slog.InfoContext(ctx, "lifecycle event",
		"event", e.Type,
		"event_id", e.ID,
		"transfer_uuid", e.TransferUUID,
		"file_name", e.FileName,
		"size", e.Size,
		"reason", e.Reason,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
