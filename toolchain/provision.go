package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vocdoni/zkvote-node/artifacts"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
)

// Provisioner runs the circuit-level stages (compile and setup) at most once
// per circuit version. Finished stages leave a marker file next to their
// outputs. When a Store is configured, outputs are restored from it before a
// stage is run and uploaded to it afterwards, so setup happens once for every
// node sharing the store.
type Provisioner struct {
	root  string
	store artifacts.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProvisioner keeps circuit directories under root. store may be nil.
func NewProvisioner(root string, store artifacts.Store) *Provisioner {
	return &Provisioner{
		root:  root,
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// CircuitDir returns the directory holding the outputs of circuitVersion.
func (p *Provisioner) CircuitDir(circuitVersion string) string {
	return filepath.Join(p.root, circuitVersion)
}

func (p *Provisioner) lock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

func markerPath(dir string, stage types.Stage) string {
	return filepath.Join(dir, "."+stage.String()+".done")
}

// Provisioned reports whether stage already completed for the backend.
func (p *Provisioner) Provisioned(b Backend, stage types.Stage) bool {
	_, err := os.Stat(markerPath(p.CircuitDir(b.CircuitVersion()), stage))
	return err == nil
}

// Ensure makes sure that the outputs of stage exist in the circuit directory,
// running fn only when neither the local cache nor the store has them. It
// returns true when the outputs came from a cache.
func (p *Provisioner) Ensure(ctx context.Context, b Backend, stage types.Stage,
	fn func(ctx context.Context, circuitDir string) error,
) (bool, error) {
	version := b.CircuitVersion()
	l := p.lock(version + "/" + stage.String())
	l.Lock()
	defer l.Unlock()

	dir := p.CircuitDir(version)
	if _, err := os.Stat(markerPath(dir, stage)); err == nil {
		return true, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create circuit dir: %w", err)
	}

	restored, err := p.restore(ctx, version, dir, b.Outputs(stage))
	if err != nil {
		log.Warnw("failed to restore circuit artifacts", "circuitVersion", version, "stage", stage, "error", err)
	}
	if !restored {
		if err := fn(ctx, dir); err != nil {
			return false, err
		}
		if err := p.upload(ctx, version, dir, b.Outputs(stage)); err != nil {
			log.Warnw("failed to upload circuit artifacts", "circuitVersion", version, "stage", stage, "error", err)
		}
	}
	if err := os.WriteFile(markerPath(dir, stage), nil, 0o644); err != nil {
		return false, fmt.Errorf("write %s marker: %w", stage, err)
	}
	return restored, nil
}

// restore copies every output from the store into dir. It returns false
// without error when at least one of them is missing.
func (p *Provisioner) restore(ctx context.Context, version, dir string, names []string) (bool, error) {
	if p.store == nil || len(names) == 0 {
		return false, nil
	}
	for _, name := range names {
		r, err := p.store.Reader(ctx, artifacts.Key(version, name))
		if errors.Is(err, artifacts.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		hasher := sha256.New()
		err = writeFileAtomic(filepath.Join(dir, name), func(w io.Writer) error {
			_, err := io.Copy(w, io.TeeReader(r, hasher))
			return err
		})
		_ = r.Close()
		if err != nil {
			return false, fmt.Errorf("restore %s: %w", name, err)
		}
		log.Debugw("circuit artifact restored", "key", artifacts.Key(version, name),
			"sha256", hex.EncodeToString(hasher.Sum(nil)))
	}
	log.Infow("circuit artifacts restored from store", "circuitVersion", version, "files", names)
	return true, nil
}

func (p *Provisioner) upload(ctx context.Context, version, dir string, names []string) error {
	if p.store == nil {
		return nil
	}
	for _, name := range names {
		w, err := p.store.Writer(ctx, artifacts.Key(version, name))
		if err != nil {
			return err
		}
		if err := readFile(filepath.Join(dir, name), func(r io.Reader) error {
			_, err := io.Copy(w, r)
			return err
		}); err != nil {
			artifacts.Abort(w)
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}
