package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/backydb/backydb/internal/errs"
)

// Guard serializes pipeline runs on one machine. A backup and a restore
// racing each other would fight over the single database connection and
// could interleave partial outputs under the same storage prefix, so one
// job holds the guard for its whole run.
type Guard struct {
	file *flock.Flock
	path string
}

// Acquire takes the job guard, recording which job kind holds it so a
// refused run can name the holder.
func Acquire(path, job string) (*Guard, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "backy.lock")
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "lock.acquire", err)
	}
	if !ok {
		holder := "another job"
		if note, readErr := os.ReadFile(path); readErr == nil && len(strings.TrimSpace(string(note))) > 0 {
			holder = strings.TrimSpace(string(note))
		}
		return nil, errs.New(errs.Internal, "lock.acquire",
			"%s is already running (lock: %s)", holder, path)
	}
	// The note only feeds the error message of whoever loses the race;
	// failing to write it must not fail the job.
	_ = os.WriteFile(path, []byte(fmt.Sprintf("%s pid=%d", job, os.Getpid())), 0o600)
	return &Guard{file: fl, path: path}, nil
}

// Release clears the holder note and frees the guard.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	_ = os.WriteFile(g.path, nil, 0o600)
	return g.file.Unlock()
}
