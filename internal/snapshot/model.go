package snapshot

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPayload indicates that a snapshot payload is not valid base64.
	ErrInvalidPayload = errors.New("snapshot: invalid payload")
	// ErrInvalidVersion indicates a non-positive snapshot version.
	ErrInvalidVersion = errors.New("snapshot: invalid version")
	// ErrInvalidCanvasID indicates an empty canvas identifier.
	ErrInvalidCanvasID = errors.New("snapshot: invalid canvas id")
)

// PayloadB64 stores a validated base64-encoded CRDT snapshot payload. The
// decoded bytes are opaque to the server.
type PayloadB64 string

// NewPayloadB64 validates raw input and returns a PayloadB64.
func NewPayloadB64(rawInput string) (PayloadB64, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidPayload)
	}
	return PayloadB64(trimmed), nil
}

// String returns the payload as a string.
func (payload PayloadB64) String() string {
	return string(payload)
}

// Snapshot stores an immutable versioned checkpoint of a canvas. At most one
// row may exist per (canvas, version); the unique index is the authority, not
// application-level checks.
type Snapshot struct {
	ID               string `gorm:"column:snapshot_id;primaryKey;size:190;not null"`
	CanvasID         string `gorm:"column:canvas_id;size:190;not null;uniqueIndex:idx_snapshot_canvas_version,priority:1"`
	Version          int64  `gorm:"column:version;not null;uniqueIndex:idx_snapshot_canvas_version,priority:2"`
	PayloadB64       string `gorm:"column:payload_b64;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "canvas_snapshots"
}

// Record is the store's read model for a stored snapshot.
type Record struct {
	ID               string
	CanvasID         string
	Version          int64
	PayloadB64       string
	CreatedAtSeconds int64
}

func recordFrom(model Snapshot) Record {
	return Record{
		ID:               model.ID,
		CanvasID:         model.CanvasID,
		Version:          model.Version,
		PayloadB64:       model.PayloadB64,
		CreatedAtSeconds: model.CreatedAtSeconds,
	}
}
