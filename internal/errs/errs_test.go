package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if Wrap(StorageUnavailable, "storage.put", nil) != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := Wrap(KeyNotFound, "keyprov.unwrap", errors.New("no such key"))
	outer := fmt.Errorf("restore: %w", err)
	if KindOf(outer) != KeyNotFound {
		t.Fatalf("expected KeyNotFound, got %s", KindOf(outer))
	}
	if !IsKind(outer, KeyNotFound) {
		t.Fatalf("IsKind should see through wrapping")
	}
}

func TestWrapPreservesInnerKind(t *testing.T) {
	inner := New(ConnectFailed, "schema.query", "server gone away")
	piped := fmt.Errorf("read dump stream: %w", inner)
	outer := Wrap(StorageUnavailable, "storage.local.put", piped)
	if KindOf(outer) != ConnectFailed {
		t.Fatalf("expected inner ConnectFailed to survive, got %s", KindOf(outer))
	}
}

func TestContextCancellationBecomesCancelled(t *testing.T) {
	err := Wrap(StorageUnavailable, "storage.put", context.Canceled)
	if KindOf(err) != Cancelled {
		t.Fatalf("expected Cancelled, got %s", KindOf(err))
	}
	if ExitCode(err) != 6 {
		t.Fatalf("expected exit code 6, got %d", ExitCode(err))
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		code int
	}{
		{ConfigInvalid, 2},
		{ConnectFailed, 3},
		{SyntaxError, 3},
		{ConstraintViolation, 3},
		{StorageUnavailable, 4},
		{StorageNotFound, 4},
		{IntegrityFailure, 5},
		{KeyNotFound, 5},
		{CorruptArchive, 5},
		{Cancelled, 6},
		{Internal, 1},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "boom")
		if got := ExitCode(err); got != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.kind, tc.code, got)
		}
	}
	if ExitCode(nil) != 0 {
		t.Fatalf("nil error must exit 0")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(New(ProviderUnavailable, "kms", "throttled")) {
		t.Fatalf("ProviderUnavailable must be transient")
	}
	if IsTransient(New(IntegrityFailure, "verify", "tag mismatch")) {
		t.Fatalf("IntegrityFailure must not be transient")
	}
}
