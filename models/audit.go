package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// SyncEventTypeENUMType sync event type ENUM value type
type SyncEventTypeENUMType string

const (
	// SyncEventTypeAbandonOperation a queue operation exhausted its retries and
	// was purged without ever succeeding
	SyncEventTypeAbandonOperation SyncEventTypeENUMType = "ABANDON_OPERATION"

	// SyncEventTypeResetStaleOperations startup sweep re-normalized operations
	// left IN_PROGRESS by an earlier process termination
	SyncEventTypeResetStaleOperations SyncEventTypeENUMType = "RESET_STALE_OPERATIONS"

	// SyncEventTypeSyncPassCompleted one full sync engine pass finished
	SyncEventTypeSyncPassCompleted SyncEventTypeENUMType = "SYNC_PASS_COMPLETED"
)

// SyncEventAudit recording of notable events within the sync machinery
type SyncEventAudit struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType sync event type
	EventType SyncEventTypeENUMType `json:"type" gorm:"column:type;not null" validate:"required,sync_event_type"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseMetadata parse the metadata based on the event type
func (a SyncEventAudit) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	case SyncEventTypeAbandonOperation:
		var parsed SyncEventOperationRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("sync event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	case SyncEventTypeResetStaleOperations:
		var parsed SyncEventSweepRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("sync event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	case SyncEventTypeSyncPassCompleted:
		var parsed SyncEventPassRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("sync event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)
	}
	return nil, nil
}

// SyncEventOperationRelated sync event metadata related to one queue operation
type SyncEventOperationRelated struct {
	// QueueID the queue entry ID
	QueueID uint `json:"queue_id" validate:"required"`
	// RecordID the record the operation referenced
	RecordID string `json:"record_id" validate:"required"`
	// Kind the operation kind
	Kind OperationKindENUMType `json:"kind" validate:"required,op_kind"`
	// RetryCount failed attempts accumulated before abandonment
	RetryCount int `json:"retry_count"`
	// LastError the most recent failure description
	LastError string `json:"last_error,omitempty"`
}

// SyncEventSweepRelated sync event metadata for the stale operation sweep
type SyncEventSweepRelated struct {
	// ResetCount number of operations returned to PENDING
	ResetCount int `json:"reset_count" validate:"required"`
}

// SyncEventPassRelated sync event metadata for one completed engine pass
type SyncEventPassRelated struct {
	// Synced operations completed against the server during the pass
	Synced int `json:"synced"`
	// Failed operations that failed during the pass
	Failed int `json:"failed"`
	// Merged remote records applied by the merge phase
	Merged int `json:"merged"`
}
