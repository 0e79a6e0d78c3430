package relationaldb

import (
	"errors"
	"fmt"
	"strings"
)

// Error catalog for the storage layer.
var (
	// Connection errors
	ErrDatabaseClosed    = errors.New("database connection is closed")
	ErrConnectionFailed  = errors.New("failed to connect to database")
	ErrTransactionClosed = errors.New("transaction is closed")

	// Data errors
	ErrNotFound       = errors.New("entity not found")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// Concurrency errors. ErrConflict maps to the engine's single retry.
	ErrConflict = errors.New("serialization conflict")

	// Schema errors
	ErrSchemaInvalid = errors.New("database schema is invalid")
)

// StorageError provides operation context around a storage failure.
type StorageError struct {
	Operation string
	Message   string
	Cause     error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewQueryError creates a query error.
func NewQueryError(operation, message string, cause error) *StorageError {
	return &StorageError{Operation: operation, Message: message, Cause: cause}
}

// NewTransactionError creates a transaction error.
func NewTransactionError(operation, message string, cause error) *StorageError {
	return &StorageError{Operation: operation, Message: message, Cause: cause}
}

// IsConflict reports whether err is a serialization/busy conflict that the
// engine may retry. SQLite surfaces these as "database is locked" / "busy".
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "busy")
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
