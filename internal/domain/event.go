package domain

import (
	"context"
	"time"
)

// ConversionEventType names an outbound integration event
type ConversionEventType string

const (
	EventConversionCompleted      ConversionEventType = "conversion.completed"
	EventConversionRolledBack     ConversionEventType = "conversion.rolled_back"
	EventConversionRollbackFailed ConversionEventType = "conversion.rollback_failed"
)

// ConversionEvent is published after a conversion reaches a terminal state
type ConversionEvent struct {
	Type              ConversionEventType `json:"event_type"`
	ConversionID      string              `json:"conversion_id"`
	OwnerID           string              `json:"owner_id"`
	SourceAsset       string              `json:"source_asset"`
	DestinationAsset  string              `json:"destination_asset"`
	SourceAmount      string              `json:"source_amount"`
	DestinationAmount string              `json:"destination_amount"`
	Fee               string              `json:"fee,omitempty"`
	Mode              ConversionMode      `json:"conversion_mode"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
}

// EventPublisher delivers conversion events to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event *ConversionEvent) error
}
