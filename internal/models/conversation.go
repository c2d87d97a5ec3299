package models

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation sync states.
const (
	SyncStatusSynced   = "synced"
	SyncStatusPending  = "pending"
	SyncStatusConflict = "conflict"
)

// Conversation is a locally cached snapshot of one chat thread plus the
// metadata needed to reconcile it with the server after an offline period.
type Conversation struct {
	ID           string         `gorm:"primaryKey;size:64" json:"id"`
	Title        string         `gorm:"size:256" json:"title"`
	Snapshot     datatypes.JSON `gorm:"type:json" json:"snapshot"`
	SyncStatus   string         `gorm:"size:16;index" json:"sync_status"`
	LastModified time.Time      `gorm:"index" json:"last_modified"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
