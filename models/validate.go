package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	if err := v.RegisterValidation(
		"op_kind", validateOperationKindType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"op_status", validateOperationStatusType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"sync_event_type", validateSyncEventType,
	); err != nil {
		return err
	}

	return nil
}

func validateOperationKindType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch OperationKindENUMType(fl.Field().String()) {
	case OperationKindAdd:
		fallthrough
	case OperationKindUpdate:
		fallthrough
	case OperationKindDelete:
		return true
	}
	return false
}

func validateOperationStatusType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch OperationStatusENUMType(fl.Field().String()) {
	case OperationStatusPending:
		fallthrough
	case OperationStatusInProgress:
		fallthrough
	case OperationStatusCompleted:
		fallthrough
	case OperationStatusFailed:
		return true
	}
	return false
}

func validateSyncEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SyncEventTypeENUMType(fl.Field().String()) {
	case SyncEventTypeAbandonOperation:
		fallthrough
	case SyncEventTypeResetStaleOperations:
		fallthrough
	case SyncEventTypeSyncPassCompleted:
		return true
	}
	return false
}
