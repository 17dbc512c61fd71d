package store

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRecordID = errors.New("record identifier is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opGatewayNew = "store.gateway.new"
	opInsert     = "store.insert"
	opGetSince   = "store.get_since"
	opGetByID    = "store.get_by_id"
	opUpdate     = "store.update"
	opQuery      = "store.query"
	opHistory    = "store.history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
