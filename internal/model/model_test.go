package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMonitorValidate(t *testing.T) {
	t.Parallel()
	ok := Monitor{ID: "m1", ChatID: 7, Location: "Colindale", MinBeds: 1, MaxBeds: 2, MinPrice: 1500, MaxPrice: 2500}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	bad := []Monitor{
		{ID: "a", Location: "Colindale"},
		{ID: "b", ChatID: 1},
		{ID: "c", ChatID: 1, Location: "X", MinBeds: -1},
		{ID: "d", ChatID: 1, Location: "X", MinBeds: 3, MaxBeds: 2},
		{ID: "e", ChatID: 1, Location: "X", MinPrice: 3000, MaxPrice: 2000},
	}
	for _, m := range bad {
		err := m.Validate()
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("Validate(%s) = %v, want ConfigurationError", m.ID, err)
		}
		if cfgErr.MonitorID != m.ID {
			t.Fatalf("MonitorID = %q, want %q", cfgErr.MonitorID, m.ID)
		}
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ConfigurationError{Reason: "x"}, "configuration"},
		{fmt.Errorf("wrapped: %w", &TransientFetchError{Op: "search", Err: context.DeadlineExceeded}), "transient_fetch"},
		{&DeliveryError{ListingID: "1", Err: errors.New("boom")}, "delivery"},
		{&PersistenceError{Op: "insert", Err: errors.New("locked")}, "persistence"},
		{context.Canceled, "canceled"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSessionExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	if (Session{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Fatal("future expiry reported expired")
	}
	if !(Session{ExpiresAt: now}).Expired(now) {
		t.Fatal("expiry at now should be expired")
	}
}
