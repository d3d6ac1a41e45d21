// Package events delivers transfer lifecycle notifications to analytics
// consumers. Delivery is asynchronous and never blocks the request path.
package events

import (
	"encoding/json"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	TransferCreated    Type = "transfer.created"
	TransferDownloaded Type = "transfer.downloaded"
	TransferDeleted    Type = "transfer.deleted"
	UploadFailed       Type = "upload.failed"
)

// Event is the payload handed to publishers.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	TransferUUID string    `json:"transfer_uuid"`
	Hash         string    `json:"hash,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	FileCount    int       `json:"file_count,omitempty"`
	Size         int64     `json:"size,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Marshal encodes the event for the wire.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
