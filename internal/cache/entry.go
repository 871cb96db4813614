// Package cache provides the policy layer over the persistent store:
// per-category freshness rules, priority tagging, dependency tracking,
// checksum integrity, and capacity-based eviction.
package cache

import (
	"encoding/json"
	"hash/crc32"
	"time"

	"sheetbox/content"
)

// crc32Table is precomputed for better performance
var crc32Table = crc32.MakeTable(crc32.IEEE)

// Checksum computes a CRC32 checksum over the canonical JSON payload.
// This is an integrity tripwire against local corruption, not a
// cryptographic primitive.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// Entry is the stored envelope for a cached payload.
type Entry struct {
	Data         json.RawMessage  `json:"data"`
	Timestamp    time.Time        `json:"timestamp"`
	Version      string           `json:"version,omitempty"`
	AccessCount  int              `json:"access_count"`
	LastAccessed time.Time        `json:"last_accessed"`
	Priority     content.Priority `json:"priority"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Checksum     uint32           `json:"checksum"`
	Category     string           `json:"category"`
}

// Valid reports whether the entry's checksum still reproduces from its data.
func (e *Entry) Valid() bool {
	return Checksum(e.Data) == e.Checksum
}

// Age returns the entry's age at the given time.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}
