package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds are the machine-readable names carried in API error responses.
const (
	KindValidation          = "validation"
	KindQuotaExceeded       = "quota_exceeded"
	KindNotFound            = "not_found"
	KindNotFoundOrForbidden = "not_found_or_forbidden"
	KindStorage             = "storage"
	KindDelivery            = "delivery"
	KindInternal            = "internal"
)

var (
	// ErrNotFound is returned when a thing or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotFoundOrForbidden is returned by owner-scoped operations when the
	// thing does not exist or belongs to someone else. The two cases are
	// never distinguished.
	ErrNotFoundOrForbidden = errors.New("not found or not owned by caller")
)

// ValidationError reports bad caller input. It is raised before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError reports that the weekly contribution limit was reached.
type QuotaExceededError struct {
	Limit       int
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("weekly limit of %d things reached (window %s to %s)",
		e.Limit, e.WindowStart.Format("2006-01-02"), e.WindowEnd.Format("2006-01-02"))
}

// StorageError wraps a backing store failure. Timeout is set when the
// operation ran past its deadline; partial effects must not be assumed.
type StorageError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *StorageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: storage timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: storage failure: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err, marking it as a timeout when the cause is a
// context deadline. Typed errors that already carry a kind pass through.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if Kind(err) != KindInternal {
		return err
	}
	return &StorageError{
		Op:      op,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// DeliveryError reports that the contact relay could not hand a message to
// its transport.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Kind returns the machine-readable kind of err.
func Kind(err error) string {
	var (
		ve *ValidationError
		qe *QuotaExceededError
		se *StorageError
		de *DeliveryError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &qe):
		return KindQuotaExceeded
	case errors.Is(err, ErrNotFoundOrForbidden):
		return KindNotFoundOrForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &se):
		return KindStorage
	case errors.As(err, &de):
		return KindDelivery
	}
	return KindInternal
}
