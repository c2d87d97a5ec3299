package models

import (
	"time"

	"gorm.io/datatypes"
)

// Queue item lifecycle states.
const (
	QueueStatusPending   = "pending"
	QueueStatusSyncing   = "syncing"
	QueueStatusCompleted = "completed"
	QueueStatusFailed    = "failed"
)

// Queued action kinds. The set is closed: anything else is rejected at enqueue.
const (
	ActionSendMessage        = "message.send"
	ActionEditMessage        = "message.edit"
	ActionDeleteMessage      = "message.delete"
	ActionUpdateConversation = "conversation.update"
	ActionDeleteConversation = "conversation.delete"
)

// KnownActionType reports whether the supplied kind belongs to the closed set.
func KnownActionType(kind string) bool {
	switch kind {
	case ActionSendMessage, ActionEditMessage, ActionDeleteMessage,
		ActionUpdateConversation, ActionDeleteConversation:
		return true
	}
	return false
}

// QueueItem is a durable record of one user action awaiting network execution.
type QueueItem struct {
	BaseModel
	Type       string         `gorm:"size:64;index" json:"type"`
	Payload    datatypes.JSON `gorm:"type:json" json:"payload"`
	Timestamp  time.Time      `gorm:"index" json:"timestamp"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Status     string         `gorm:"size:16;index" json:"status"`
	LastError  string         `gorm:"size:1024" json:"error,omitempty"`
}
