// Package artifacts stores circuit provisioning artifacts (compiled circuits
// and key material) so that setup runs once per circuit version and can be
// shared between nodes.
package artifacts

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Store.Reader when the key does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is a flat key to blob store. Writers only make the content visible
// once Close returns without error.
type Store interface {
	Reader(ctx context.Context, key string) (io.ReadCloser, error)
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// Abort discards the content written to a Store writer if the writer
// supports it, and closes it otherwise.
func Abort(w io.WriteCloser) {
	if a, ok := w.(interface{ Abort() }); ok {
		a.Abort()
		return
	}
	_ = w.Close()
}

// Key joins a circuit version and a file name into a store key.
func Key(circuitVersion, name string) string {
	return circuitVersion + "/" + name
}
