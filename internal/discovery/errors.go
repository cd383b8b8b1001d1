package discovery

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrAlreadyRunning  = errors.New("discovery run already in progress")
	ErrNotFound        = errors.New("record not found")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrInvalidCron     = errors.New("invalid cron config")
)

// QuotaError describes a rejected charge.
type QuotaError struct {
	Operation Operation
	Units     int64
	Used      int64
	Limit     int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s needs %d units, %d of %d used", e.Operation, e.Units, e.Used, e.Limit)
}

// Unwrap lets errors.Is match ErrQuotaExceeded.
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// ProviderError wraps a failure from the external video platform.
type ProviderError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrQuotaExceeded) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return false
}
