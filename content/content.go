// Package content defines the entity types shared by the cache, store, and
// sync layers: worksheets, folders, covers, and level-activation records.
package content

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cache categories. Each category maps to a per-category freshness strategy
// and to a table in the persistent store.
const (
	CategoryDocuments   = "documents"
	CategoryFolders     = "folders"
	CategoryCovers      = "covers"
	CategoryWorksheets  = "worksheets"
	CategoryActivations = "activations"
	CategorySession     = "session"
	CategoryMeta        = "meta"
)

// Priority orders cache entries and sync operations. Higher values are
// retained longer under eviction pressure and replayed first by the queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority parses a priority string. Unknown values default to low.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// MarshalText implements encoding.TextMarshaler so priorities round-trip
// through JSON and YAML as their string names.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	*p = ParsePriority(string(text))
	return nil
}

// Key builds the composite cache key for a category and entity id.
func Key(category, id string) string {
	return category + ":" + id
}

// SplitKey splits a composite cache key back into category and id.
// The id may itself contain colons.
func SplitKey(key string) (category, id string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) < 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// Document is the metadata record for a worksheet document.
type Document struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	FolderID string    `json:"folder_id,omitempty"`
	Level    string    `json:"level,omitempty"`
	Pages    int       `json:"pages,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified"`
	Deleted  bool      `json:"deleted,omitempty"`
}

// Folder groups documents. Folders may nest via ParentID.
type Folder struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	ParentID string    `json:"parent_id,omitempty"`
	Modified time.Time `json:"modified"`
	Deleted  bool      `json:"deleted,omitempty"`
}

// Cover is the preview image record for a document.
type Cover struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	Modified   time.Time `json:"modified"`
}

// Worksheet is the full payload of a document, fetched on demand and cached
// separately from the metadata record.
type Worksheet struct {
	DocumentID string    `json:"document_id"`
	Payload    []byte    `json:"payload"`
	Modified   time.Time `json:"modified"`
}

// LevelActivation records that a content level was unlocked for the device.
type LevelActivation struct {
	ID          string    `json:"id"`
	Level       string    `json:"level"`
	ActivatedAt time.Time `json:"activated_at"`
	Modified    time.Time `json:"modified"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Session is the locally persisted session state.
type Session struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
}

// GenerateID generates a unique identifier using UUID v4.
// Used for locally created entities and queued sync operations.
func GenerateID() string {
	return uuid.New().String()
}
