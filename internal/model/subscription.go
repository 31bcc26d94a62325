package model

import (
	"time"
)

// Subscription asks for a notification whenever Species is detected in a
// newly ingested object. Unique per (Contact, Species).
type Subscription struct {
	Contact   string    `db:"contact" json:"contact"`
	Species   string    `db:"species" json:"species"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Notification is one delivery to one subscriber about one species in one
// record.
type Notification struct {
	Contact          string
	Species          string
	RecordID         string
	OwnerID          string
	FileType         FileType
	OriginalPath     string
	DerivedAssetPath string
	DetectedAt       time.Time
}

// ObjectEvent is the trigger input from the object store.
type ObjectEvent struct {
	ObjectKey     string `json:"objectKey"`
	ObjectVersion string `json:"objectVersion"`
	SizeBytes     int64  `json:"sizeBytes"`
}

// SpeciesStat is the number of records a species appears in, by detection or
// by manual tag.
type SpeciesStat struct {
	Species  string `json:"species"`
	Detected int    `json:"detected"`
	Tagged   int    `json:"tagged"`
	Records  int    `json:"records"`
}
