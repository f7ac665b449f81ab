package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gofrs/flock"
)

func TestWorkAreaIsolated(t *testing.T) {
	c := qt.New(t)
	w, err := NewWorkArea(c.TempDir(), true)
	c.Assert(err, qt.IsNil)

	r1, err := w.Acquire(context.Background())
	c.Assert(err, qt.IsNil)
	r2, err := w.Acquire(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(r1.Dir, qt.Not(qt.Equals), r2.Dir)
	c.Assert(filepath.Dir(r1.Dir), qt.Equals, filepath.Join(w.Root(), runsDirName))

	c.Assert(os.WriteFile(filepath.Join(r1.Dir, "witness"), nil, 0o644), qt.IsNil)
	r1.Release()
	r1.Release()
	_, err = os.Stat(r1.Dir)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	_, err = os.Stat(r2.Dir)
	c.Assert(err, qt.IsNil)
	r2.Release()
}

func TestWorkAreaShared(t *testing.T) {
	c := qt.New(t)
	w, err := NewWorkArea(c.TempDir(), false)
	c.Assert(err, qt.IsNil)

	r1, err := w.Acquire(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(os.WriteFile(filepath.Join(r1.Dir, "witness"), []byte("stale"), 0o644), qt.IsNil)

	// the shared directory is held until released
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = w.Acquire(ctx)
	c.Assert(err, qt.ErrorIs, context.DeadlineExceeded)

	acquired := make(chan *Run)
	go func() {
		r, err := w.Acquire(context.Background())
		if err != nil {
			close(acquired)
			return
		}
		acquired <- r
	}()
	r1.Release()
	r2 := <-acquired
	c.Assert(r2, qt.IsNotNil)
	c.Assert(r2.Dir, qt.Equals, r1.Dir)
	_, err = os.Stat(filepath.Join(r2.Dir, "witness"))
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	r2.Release()
}

func TestWorkAreaSharedAcrossInstances(t *testing.T) {
	c := qt.New(t)
	root := c.TempDir()
	w1, err := NewWorkArea(root, false)
	c.Assert(err, qt.IsNil)
	// same directory, spelled differently
	sep := string(filepath.Separator)
	w2, err := NewWorkArea(root+sep+runsDirName+sep+"..", false)
	c.Assert(err, qt.IsNil)
	c.Assert(w2.Root(), qt.Equals, w1.Root())

	r1, err := w1.Acquire(context.Background())
	c.Assert(err, qt.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = w2.Acquire(ctx)
	c.Assert(err, qt.ErrorIs, context.DeadlineExceeded)

	r1.Release()
	r2, err := w2.Acquire(context.Background())
	c.Assert(err, qt.IsNil)
	r2.Release()
}

func TestWorkAreaSharedFileLock(t *testing.T) {
	c := qt.New(t)
	w, err := NewWorkArea(c.TempDir(), false)
	c.Assert(err, qt.IsNil)

	// another process working on the same directory
	other := flock.New(filepath.Join(w.Root(), sharedLockName))
	c.Assert(other.Lock(), qt.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = w.Acquire(ctx)
	c.Assert(err, qt.ErrorIs, context.DeadlineExceeded)

	c.Assert(other.Unlock(), qt.IsNil)
	r, err := w.Acquire(context.Background())
	c.Assert(err, qt.IsNil)
	locked, err := other.TryLock()
	c.Assert(err, qt.IsNil)
	c.Assert(locked, qt.IsFalse)
	r.Release()
	locked, err = other.TryLock()
	c.Assert(err, qt.IsNil)
	c.Assert(locked, qt.IsTrue)
	c.Assert(other.Unlock(), qt.IsNil)
}

func TestWorkAreaRequiresRoot(t *testing.T) {
	c := qt.New(t)
	_, err := NewWorkArea("", true)
	c.Assert(err, qt.IsNotNil)
}
