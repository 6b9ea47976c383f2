package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// MaxOperationRetry number of failed attempts after which a queue operation
// is abandoned
const MaxOperationRetry = 5

// OperationKindENUMType queue operation kind ENUM value type
type OperationKindENUMType string

const (
	// OperationKindAdd send a locally created record to the server
	OperationKindAdd OperationKindENUMType = "ADD"
	// OperationKindUpdate resend a locally edited record to the server
	OperationKindUpdate OperationKindENUMType = "UPDATE"
	// OperationKindDelete remove a locally deleted record
	OperationKindDelete OperationKindENUMType = "DELETE"
)

// OperationStatusENUMType queue operation status ENUM value type
type OperationStatusENUMType string

const (
	// OperationStatusPending operation is waiting to be attempted
	OperationStatusPending OperationStatusENUMType = "PENDING"
	// OperationStatusInProgress operation attempt is underway
	OperationStatusInProgress OperationStatusENUMType = "IN_PROGRESS"
	// OperationStatusCompleted operation succeeded against the server
	OperationStatusCompleted OperationStatusENUMType = "COMPLETED"
	// OperationStatusFailed last attempt of the operation failed
	OperationStatusFailed OperationStatusENUMType = "FAILED"
)

// QueueOperation one pending mutation against the remote record API.
//
// Payload is a snapshot of the record serialized at enqueue time. It is never
// re-read from the record table, so a drained operation always sends exactly
// what the user saw when they acted.
type QueueOperation struct {
	// QueueID queue entry ID; monotonically increasing, defines processing order
	QueueID uint `json:"queue_id" gorm:"column:queue_id;primaryKey;autoIncrement"`

	// RecordID the record this operation mutates
	RecordID string `json:"record_id" gorm:"column:record_id;not null" validate:"required"`

	// Kind the mutation kind
	Kind OperationKindENUMType `json:"kind" gorm:"column:kind;not null" validate:"required,op_kind"`
	// Status operation processing status
	Status OperationStatusENUMType `json:"status" gorm:"column:status;not null" validate:"required,op_status"`

	// Payload record snapshot captured at enqueue time
	Payload datatypes.JSON `json:"payload,omitempty" gorm:"column:payload;default:null"`

	// RetryCount number of failed attempts so far
	RetryCount int `json:"retry_count" gorm:"column:retry_count;not null;default:0"`
	// LastError description of the most recent failure
	LastError string `json:"last_error,omitempty" gorm:"column:last_error"`
	// LastAttemptAt timestamp of the most recent attempt
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" gorm:"column:last_attempt_at;default:null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateNextStatus verify the operation can transition to the new status
func (o *QueueOperation) ValidateNextStatus(newStatus OperationStatusENUMType) error {
	statusWithTransitions := map[OperationStatusENUMType]map[OperationStatusENUMType]bool{
		OperationStatusPending: {
			OperationStatusPending:    true,
			OperationStatusInProgress: true,
		},
		OperationStatusInProgress: {
			OperationStatusCompleted: true,
			OperationStatusFailed:    true,
			// Startup sweep re-normalizes operations stranded by process termination
			OperationStatusPending: true,
		},
		OperationStatusFailed: {
			OperationStatusInProgress: true,
			OperationStatusFailed:     true,
		},
	}

	availableNextStatus, ok := statusWithTransitions[o.Status]
	if !ok {
		return fmt.Errorf("operation %d can't transition out of status '%s'", o.QueueID, o.Status)
	}

	if _, ok := availableNextStatus[newStatus]; !ok {
		return fmt.Errorf(
			"operation %d can't transition from '%s' to '%s'", o.QueueID, o.Status, newStatus,
		)
	}

	return nil
}

// SuggestedRetryDelay exponential backoff delay before the next attempt of
// this operation, capped at one minute. Consulted by the scheduler; the sync
// engine itself keeps no state between invocations.
func (o QueueOperation) SuggestedRetryDelay() time.Duration {
	shift := o.RetryCount
	if shift > 6 {
		shift = 6
	}
	delay := time.Second << shift
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
