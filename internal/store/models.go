package store

import (
	"encoding/json"
	"time"
)

// Section is one editable unit of content within a magazine issue. Among all
// sections of one issue the sort orders form a contiguous range 0..N-1; the
// range is re-established after every create and delete.
type Section struct {
	ID                  string
	IssueID             string
	Order               int
	Type                string
	Title               string
	Subtitle            string
	Content             json.RawMessage
	Version             int
	CreatedAt           time.Time
	CreatedBy           string
	CreatedByEmail      string
	LastModified        time.Time
	LastModifiedBy      string
	LastModifiedByEmail string
}

// SectionOrder pairs a section id with its target position.
type SectionOrder struct {
	ID    string
	Order int
}

// SectionPatch carries the updatable fields of a section. Nil fields are left
// unchanged. Identity and creation-audit fields are not representable here,
// so they cannot be overwritten by an update.
type SectionPatch struct {
	Type     *string
	Title    *string
	Subtitle *string
	Content  json.RawMessage
}

// Issue is a parent publication issue. SectionCount is denormalized and
// maintained in the same transaction as section inserts and deletes.
// ActiveEditors is informational only.
type Issue struct {
	ID             string
	Title          string
	Status         string
	SectionCount   int
	ActiveEditors  int
	Migrated       bool
	LegacySections json.RawMessage
	UpdatedBy      string
	UpdatedByEmail string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LegacySection is one element of an issue's embedded legacy sections array,
// kept only until the issue is migrated to normalized section rows.
type LegacySection struct {
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Subtitle string          `json:"subtitle"`
	Content  json.RawMessage `json:"content"`
}
