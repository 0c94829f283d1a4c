package lock

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/backydb/backydb/internal/errs"
)

func TestAcquireReleaseCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backy.lock")

	guard, err := Acquire(path, "backup")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := Acquire(path, "restore")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	if err := again.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquireRefusesSecondJobAndNamesHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backy.lock")

	guard, err := Acquire(path, "backup")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	_, err = Acquire(path, "restore")
	if err == nil {
		t.Fatalf("second acquire must fail while the guard is held")
	}
	if !errs.IsKind(err, errs.Internal) {
		t.Fatalf("expected Internal kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "backup pid=") {
		t.Fatalf("error should name the holding job, got %q", err.Error())
	}
}

func TestReleaseNilGuard(t *testing.T) {
	var guard *Guard
	if err := guard.Release(); err != nil {
		t.Fatalf("releasing a nil guard must be a no-op, got %v", err)
	}
}
