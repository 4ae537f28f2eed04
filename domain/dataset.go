package domain

import (
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// DatasetHandle references content uploaded to the blob store. Only the
// handle is tracked by the core; contents are opaque (spec §3 Dataset
// Handle). Handles are session-scoped: they are never visible outside the
// session they were uploaded to (Open Question decision #2, DESIGN.md).
type DatasetHandle struct {
	ID          DatasetID
	SessionID   SessionID
	Filename    string
	UploadedAt  time.Time
	OwnerHint   UserID // the user id seen at upload time
	ByteSize    int64
	ContentType string
	Location    string // blob-store key
}

// NewDatasetHandle validates the handle's required fields.
func NewDatasetHandle(id DatasetID, sessionID SessionID, filename string, ownerHint UserID, byteSize int64, contentType, location string, uploadedAt time.Time) (*DatasetHandle, error) {
	if id == "" || sessionID == "" {
		return nil, coreerr.New(coreerr.ValidationError, "dataset handle requires id and session id")
	}
	if filename == "" {
		return nil, coreerr.New(coreerr.ValidationError, "dataset handle requires a filename")
	}
	if location == "" {
		return nil, coreerr.New(coreerr.ValidationError, "dataset handle requires a blob location")
	}
	if byteSize < 0 {
		return nil, coreerr.New(coreerr.ValidationError, "dataset handle size must not be negative")
	}
	return &DatasetHandle{
		ID: id, SessionID: sessionID, Filename: filename, UploadedAt: uploadedAt,
		OwnerHint: ownerHint, ByteSize: byteSize, ContentType: contentType, Location: location,
	}, nil
}
