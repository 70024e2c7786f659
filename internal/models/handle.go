package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamHandle identifies one engine generation's published HTTP endpoints.
// A fresh UUID is minted on every engine restart so stale renderers that
// cached the old URL fail fast with a 404 instead of silently reconnecting
// to the wrong generation.
type StreamHandle struct {
	ID        string
	ZoneID    int
	CreatedAt time.Time
}

// NewStreamHandle mints a fresh handle for a zone.
func NewStreamHandle(zoneID int) StreamHandle {
	return StreamHandle{
		ID:        uuid.NewString(),
		ZoneID:    zoneID,
		CreatedAt: time.Now(),
	}
}

// URL returns the public stream URL for a profile's file extension.
func (h StreamHandle) URL(ext string) string {
	return fmt.Sprintf("/streams/%d/%s.%s", h.ZoneID, h.ID, ext)
}

// CoverURL returns the public cover-art URL for this handle.
func (h StreamHandle) CoverURL() string {
	return fmt.Sprintf("/streams/%d/%s/cover", h.ZoneID, h.ID)
}
