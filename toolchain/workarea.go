package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/vocdoni/zkvote-node/log"
)

const (
	circuitsDirName = "circuits"
	runsDirName     = "runs"
	sharedDirName   = "shared"
	sharedLockName  = "shared.lock"

	fileLockRetry = 50 * time.Millisecond
)

var (
	sharedLocksMtx sync.Mutex
	sharedLocks    = map[string]chan struct{}{}
)

// sharedLock returns the lock of the shared run directory of root, common to
// every WorkArea of the process on that root.
func sharedLock(root string) chan struct{} {
	sharedLocksMtx.Lock()
	defer sharedLocksMtx.Unlock()
	l, ok := sharedLocks[root]
	if !ok {
		l = make(chan struct{}, 1)
		sharedLocks[root] = l
	}
	return l
}

// WorkArea hands out the directories where pipeline runs write their
// intermediate files. In isolated mode every run gets its own directory so
// runs can proceed concurrently. Otherwise all runs share one directory and
// are serialized until the run is released: within the process by a lock
// keyed by the root path, across processes by a file lock in the root.
type WorkArea struct {
	root     string
	isolated bool
	shared   chan struct{}
	fileLock *flock.Flock
}

// Run is a directory leased to a single pipeline run.
type Run struct {
	ID      string
	Dir     string
	release func()
}

// Release cleans the run directory and returns it to the WorkArea. It is safe
// to call more than once.
func (r *Run) Release() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// NewWorkArea prepares root for pipeline runs.
func NewWorkArea(root string, isolated bool) (*WorkArea, error) {
	if root == "" {
		return nil, fmt.Errorf("work area path is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{circuitsDirName, runsDirName} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create work area: %w", err)
		}
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &WorkArea{
		root:     root,
		isolated: isolated,
		shared:   sharedLock(root),
		fileLock: flock.New(filepath.Join(root, sharedLockName)),
	}, nil
}

// Root returns the absolute path of the work area.
func (w *WorkArea) Root() string {
	return w.root
}

// Isolated reports whether runs get their own directory.
func (w *WorkArea) Isolated() bool {
	return w.isolated
}

// CircuitsDir is where provisioned compile and setup outputs live.
func (w *WorkArea) CircuitsDir() string {
	return filepath.Join(w.root, circuitsDirName)
}

// Acquire leases a run directory. In shared mode it blocks until the previous
// run is released or ctx is done.
func (w *WorkArea) Acquire(ctx context.Context) (*Run, error) {
	id := uuid.New().String()
	if w.isolated {
		dir := filepath.Join(w.root, runsDirName, id)
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
		return &Run{ID: id, Dir: dir, release: func() { removeRunDir(dir) }}, nil
	}

	select {
	case w.shared <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	locked, err := w.fileLock.TryLockContext(ctx, fileLockRetry)
	if !locked {
		<-w.shared
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock shared run dir: %w", err)
	}
	unlock := func() {
		if err := w.fileLock.Unlock(); err != nil {
			log.Warnw("failed to unlock shared run directory", "root", w.root, "error", err)
		}
		<-w.shared
	}
	dir := filepath.Join(w.root, sharedDirName)
	// leftovers of a crashed process must not leak into this run
	removeRunDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		unlock()
		return nil, fmt.Errorf("create shared run dir: %w", err)
	}
	return &Run{ID: id, Dir: dir, release: func() {
		removeRunDir(dir)
		unlock()
	}}, nil
}

func removeRunDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warnw("failed to remove run directory", "dir", dir, "error", err)
	}
}
