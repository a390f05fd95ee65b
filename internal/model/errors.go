package model

import (
	"context"
	"errors"
	"fmt"
)

// ConfigurationError marks a permanently broken monitor (unknown location,
// inverted bounds). Retrying will not help; the owner should be told.
type ConfigurationError struct {
	MonitorID string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.MonitorID == "" {
		return "monitor misconfigured: " + e.Reason
	}
	return fmt.Sprintf("monitor %s misconfigured: %s", e.MonitorID, e.Reason)
}

// TransientFetchError wraps network, status and decode failures from the
// search API. The poll loop retries on its next cycle.
type TransientFetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// DeliveryError is a failed chat send. The listing's snapshot is left
// unwritten so the next cycle tries again.
type DeliveryError struct {
	ListingID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver listing %s: %v", e.ListingID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PersistenceError is a failed store read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

const (
	KindConfiguration  = "configuration"
	KindTransientFetch = "transient_fetch"
	KindDelivery       = "delivery"
	KindPersistence    = "persistence"
	KindCanceled       = "canceled"
	KindInternal       = "internal"
)

// ErrorKind names the taxonomy bucket of err for logs and reports.
func ErrorKind(err error) string {
	var (
		cfgErr  *ConfigurationError
		fetch   *TransientFetchError
		deliver *DeliveryError
		persist *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &fetch):
		return KindTransientFetch
	case errors.As(err, &deliver):
		return KindDelivery
	case errors.As(err, &persist):
		return KindPersistence
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}
