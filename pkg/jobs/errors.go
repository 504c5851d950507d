package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies job, option and payload validation failures.
	ErrValidation = errors.New("jobs validation error")
	// ErrNotFound classifies missing jobs.
	ErrNotFound = errors.New("jobs not found")
	// ErrLeaseLost reports that the claim lock expired or was taken by another worker.
	ErrLeaseLost = errors.New("jobs lease lost")
	// ErrConflict classifies lifecycle conflicts such as starting a running worker.
	ErrConflict = errors.New("jobs conflict")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrClosed classifies operations on a closed backend.
	ErrClosed = errors.New("jobs closed")
	// ErrTimeout reports a handler attempt that exceeded its deadline.
	ErrTimeout = errors.New("jobs attempt timeout")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
