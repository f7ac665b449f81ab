package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vocdoni/zkvote-node/log"
	"golang.org/x/sync/errgroup"
)

// Provisioner prepares the key material of one circuit version. It is
// implemented by *toolchain.Adapter.
type Provisioner interface {
	Provision(ctx context.Context) error
	CircuitVersion() string
}

// ProvisionCircuits compiles and sets up every circuit concurrently, so no
// vote request pays for it. Circuits already provisioned, locally or in the
// artifact store, are not set up again.
func ProvisionCircuits(timeout time.Duration, circuits ...Provisioner) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range circuits {
		g.Go(func() error {
			start := time.Now()
			if err := c.Provision(ctx); err != nil {
				return fmt.Errorf("provision circuit %s: %w", c.CircuitVersion(), err)
			}
			log.Infow("circuit provisioned", "circuitVersion", c.CircuitVersion(), "took", log.Took(start))
			return nil
		})
	}
	log.Infow("preparing zkSNARK circuit artifacts", "timeout", timeout, "circuits", len(circuits))
	return g.Wait()
}
