// Package ids generates per-request trace identifiers surfaced to
// clients and logs as the X-Fortress-Ray header.
package ids

import "github.com/google/uuid"

// NewRayID returns a 16-character hex trace ID derived from a random
// UUIDv4 — short enough for a response header, long enough to
// correlate a request across logs without collisions in practice.
func NewRayID() string {
	id := uuid.New()
	return id.String()[:8] + id.String()[9:13] + id.String()[14:18]
}
