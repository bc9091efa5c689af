// Package workspace manages the lifecycle of temp files under the copy
// engine's working folder ("Temp files created by the copy
// engine are guaranteed deleted on every exit path", §5 "temp file names
// MUST be globally unique per call", §9 supplemented "workspace janitor").
package workspace

import (
	"os"
	"path/filepath"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/teris-io/shortid"

	"github.com/buildnet-cache/ephemeral/internal/nlog"
)

const tempPrefix = "ephemeral-copy-"

var sid = mustShortID()

func mustShortID() *shortid.Shortid {
	s, err := shortid.New(1, shortid.DefaultABC, 0xE8F1)
	if err != nil {
		// shortid.New only fails on a malformed alphabet; DefaultABC is
		// always well-formed, so this is unreachable in practice.
		panic(err)
	}
	return s
}

// NewTempPath returns a fresh, globally-unique temp file path inside dir.
// Uniqueness is delegated to shortid's worker/seed scheme rather than a
// counter, so concurrent callers across goroutines never collide.
func NewTempPath(dir string) (string, error) {
	id, err := sid.Generate()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, tempPrefix+id+".tmp"), nil
}

// Remove deletes path, ignoring a not-exist error. The copy engine's inner
// walker calls it for every temp path it allocates, right after that
// attempt returns, whatever its outcome.
func Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		nlog.Warningln("workspace: failed to remove temp file", path, err)
	}
}

// Sweep deletes files in dir matching this package's temp-file naming
// convention that are older than olderThan. It is best-effort: a prior,
// uncleanly-terminated build process (killed mid-copy) can leave orphans
// behind that the per-call Remove defer never ran for. Errors are logged,
// not returned, since a failed sweep must never block session startup.
func Sweep(dir string, olderThan time.Duration) {
	if dir == "" {
		return
	}
	cutoff := time.Now().Add(-olderThan)
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || path == dir {
				return nil
			}
			name := filepath.Base(path)
			if len(name) < len(tempPrefix) || name[:len(tempPrefix)] != tempPrefix {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil //nolint:nilerr // best-effort sweep, skip unreadable entries
			}
			if info.ModTime().Before(cutoff) {
				Remove(path)
			}
			return nil
		},
		ErrorCallback: func(_ string, err error) godirwalk.ErrorAction {
			nlog.Warningln("workspace: sweep error", err)
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		nlog.Warningln("workspace: sweep of", dir, "failed", err)
	}
}
