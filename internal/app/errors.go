package app

import (
	"errors"
	"fmt"
	"net/http"

	"tandem/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func notFound(entity string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", entity+" not found", nil)
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// storeError maps a store failure onto the caller-visible taxonomy. Missing
// rows become NOT_FOUND for entity; anything else is a persistence failure
// whose cause stays in the wrapped error for logging.
func storeError(entity string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(entity)
	}
	return fmt.Errorf("%w: %w", domainError(http.StatusInternalServerError, "PERSISTENCE_ERROR", "Persistence failed", nil), err)
}
