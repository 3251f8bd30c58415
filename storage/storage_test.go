package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTransportErrorWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := &TransportError{Op: "find", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("TransportError should unwrap to its cause")
	}
	if !IsTransport(err) {
		t.Error("IsTransport should recognise a TransportError")
	}
	if !IsTransport(fmt.Errorf("outer: %w", err)) {
		t.Error("IsTransport should see through wrapping")
	}
	if IsTransport(ErrMismatch) {
		t.Error("precondition outcomes are not transport failures")
	}
}

func TestPreconditionOutcomesAreDistinct(t *testing.T) {
	outcomes := []error{ErrExists, ErrMismatch, ErrNotFound}
	for i, a := range outcomes {
		for j, b := range outcomes {
			if (i == j) != errors.Is(a, b) {
				t.Errorf("outcome identity broken for %v vs %v", a, b)
			}
		}
	}
}

func TestLockExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	lock := Lock{Key: "k", ExpiresAt: now.Add(5 * time.Second)}

	if lock.Expired(now) {
		t.Error("lease with future expiry is live")
	}
	if !lock.Expired(now.Add(5 * time.Second)) {
		t.Error("lease is vacant exactly at its expiry instant")
	}
	if !lock.Expired(now.Add(6 * time.Second)) {
		t.Error("lease past expiry is vacant")
	}
}
