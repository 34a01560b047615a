package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrStorageUnavailable wraps any underlying database failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// BudgetExceededError is returned by Admit when current-window usage plus
// the estimate would exceed the project's monthly ceiling.
type BudgetExceededError struct {
	ProjectID string
	Limit     int64
	Used      int64
	Estimated int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for project %q: used %d + estimated %d > limit %d",
		e.ProjectID, e.Used, e.Estimated, e.Limit)
}

// IsBudgetExceeded checks if an error is a budget admission failure.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

// storageErr wraps a driver error as ErrStorageUnavailable.
func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
