package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/zkvote-node/artifacts"
	"github.com/vocdoni/zkvote-node/types"
	"golang.org/x/sync/errgroup"
)

// fakeBackend records the stages it runs and writes small files so that
// caching and run isolation can be observed.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []types.Stage
	fail    map[types.Stage]error
	block   types.Stage
	version string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: map[types.Stage]error{}, version: "fake-v1"}
}

func (f *fakeBackend) record(ctx context.Context, stage types.Stage) error {
	f.mu.Lock()
	f.calls = append(f.calls, stage)
	err := f.fail[stage]
	f.mu.Unlock()
	if stage == f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeBackend) stages() []types.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Stage(nil), f.calls...)
}

func (f *fakeBackend) count(stage types.Stage) int {
	n := 0
	for _, s := range f.stages() {
		if s == stage {
			n++
		}
	}
	return n
}

func (*fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) CircuitVersion() string { return f.version }

func (*fakeBackend) Outputs(stage types.Stage) []string {
	switch stage {
	case types.StageCompile:
		return []string{"program"}
	case types.StageSetup:
		return []string{"keys"}
	}
	return nil
}

func (f *fakeBackend) Compile(ctx context.Context, circuitDir string) error {
	if err := f.record(ctx, types.StageCompile); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(circuitDir, "program"), []byte("program"), 0o644)
}

func (f *fakeBackend) ComputeWitness(ctx context.Context, circuitDir, runDir string, choice, limit uint64) error {
	if err := f.record(ctx, types.StageComputeWitness); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(circuitDir, "program")); err != nil {
		return err
	}
	if choice < 1 || choice > limit {
		return types.ErrInvalidWitness
	}
	data := fmt.Sprintf("%d %d", choice, limit)
	return os.WriteFile(filepath.Join(runDir, "witness"), []byte(data), 0o644)
}

func (f *fakeBackend) Setup(ctx context.Context, circuitDir string) error {
	if err := f.record(ctx, types.StageSetup); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(circuitDir, "keys"), []byte("keys"), 0o644)
}

func (f *fakeBackend) GenerateProof(ctx context.Context, circuitDir, runDir string) (*types.ProofArtifact, error) {
	if err := f.record(ctx, types.StageGenerateProof); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(circuitDir, "keys")); err != nil {
		return nil, err
	}
	// give concurrent runs a chance to clobber a shared directory
	time.Sleep(5 * time.Millisecond)
	data, err := os.ReadFile(filepath.Join(runDir, "witness"))
	if err != nil {
		return nil, err
	}
	var choice, limit int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &choice, &limit); err != nil {
		return nil, err
	}
	one := types.NewInt(1)
	return &types.ProofArtifact{
		Proof: types.ProofComponents{
			A: [2]*types.BigInt{one, one},
			B: [2][2]*types.BigInt{{one, one}, {one, one}},
			C: [2]*types.BigInt{one, one},
		},
		Inputs: []*types.BigInt{types.NewInt(limit), types.NewInt(choice)},
	}, nil
}

func (*fakeBackend) Verify(context.Context, string, *types.ProofArtifact) error { return nil }

func (*fakeBackend) ExportVerifier(_ context.Context, _ string, w io.Writer) error {
	_, err := io.WriteString(w, "contract Verifier {}")
	return err
}

func newTestAdapter(c *qt.C, b Backend, isolated bool) *Adapter {
	a, err := New(&Config{Backend: b, WorkDir: c.TempDir(), Isolated: isolated})
	c.Assert(err, qt.IsNil)
	return a
}

func runEntries(c *qt.C, a *Adapter) []os.DirEntry {
	entries, err := os.ReadDir(filepath.Join(a.area.Root(), runsDirName))
	c.Assert(err, qt.IsNil)
	return entries
}

func TestNewRequiresBackend(t *testing.T) {
	c := qt.New(t)
	_, err := New(&Config{WorkDir: c.TempDir()})
	c.Assert(err, qt.IsNotNil)
	_, err = New(&Config{Backend: newFakeBackend()})
	c.Assert(err, qt.IsNotNil)
}

func TestRunPipelineStageOrder(t *testing.T) {
	c := qt.New(t)
	b := newFakeBackend()
	a := newTestAdapter(c, b, true)

	proof, err := a.RunPipeline(context.Background(), 1, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(proof.CircuitVersion, qt.Equals, "fake-v1")
	c.Assert(proof.Inputs[0].String(), qt.Equals, "2")
	c.Assert(b.stages(), qt.DeepEquals, types.Stages)
	c.Assert(a.Provisioned(), qt.IsTrue)

	// compile and setup are cached for the circuit version
	_, err = a.RunPipeline(context.Background(), 2, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(b.stages()[4:], qt.DeepEquals, []types.Stage{types.StageComputeWitness, types.StageGenerateProof})
	c.Assert(runEntries(c, a), qt.HasLen, 0)
}

func TestRunPipelineStopsAtFirstFailure(t *testing.T) {
	c := qt.New(t)
	b := newFakeBackend()
	a := newTestAdapter(c, b, true)

	_, err := a.RunPipeline(context.Background(), 3, 2)
	c.Assert(errors.Is(err, types.ErrToolchainStageFailed), qt.IsTrue)
	c.Assert(errors.Is(err, types.ErrInvalidWitness), qt.IsTrue)
	stage, ok := types.FailedStage(err)
	c.Assert(ok, qt.IsTrue)
	c.Assert(stage, qt.Equals, types.StageComputeWitness)
	c.Assert(b.stages(), qt.DeepEquals, []types.Stage{types.StageCompile, types.StageComputeWitness})
	c.Assert(runEntries(c, a), qt.HasLen, 0)

	b.fail[types.StageSetup] = errors.New("setup exploded")
	_, err = a.RunPipeline(context.Background(), 1, 2)
	stage, _ = types.FailedStage(err)
	c.Assert(stage, qt.Equals, types.StageSetup)
	c.Assert(b.count(types.StageGenerateProof), qt.Equals, 0)
	c.Assert(a.Provisioned(), qt.IsFalse)
}

func TestRunPipelineStageTimeout(t *testing.T) {
	c := qt.New(t)
	b := newFakeBackend()
	b.block = types.StageGenerateProof
	a, err := New(&Config{Backend: b, WorkDir: c.TempDir(), Isolated: true, StageTimeout: 50 * time.Millisecond})
	c.Assert(err, qt.IsNil)

	_, err = a.RunPipeline(context.Background(), 1, 2)
	c.Assert(errors.Is(err, types.ErrToolchainStageTimeout), qt.IsTrue)
	stage, _ := types.FailedStage(err)
	c.Assert(stage, qt.Equals, types.StageGenerateProof)
}

func TestRunPipelineCanceled(t *testing.T) {
	c := qt.New(t)
	b := newFakeBackend()
	a := newTestAdapter(c, b, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.RunPipeline(ctx, 1, 2)
	c.Assert(errors.Is(err, context.Canceled), qt.IsTrue)
	c.Assert(errors.Is(err, types.ErrToolchainStageTimeout), qt.IsFalse)
	c.Assert(b.stages(), qt.HasLen, 0)
}

func TestProvisionRestoresFromStore(t *testing.T) {
	c := qt.New(t)
	store, err := artifacts.NewFileStore(c.TempDir())
	c.Assert(err, qt.IsNil)

	first := newFakeBackend()
	a1, err := New(&Config{Backend: first, WorkDir: c.TempDir(), Store: store})
	c.Assert(err, qt.IsNil)
	c.Assert(a1.Provision(context.Background()), qt.IsNil)
	c.Assert(first.stages(), qt.DeepEquals, []types.Stage{types.StageCompile, types.StageSetup})

	// a fresh work area picks the artifacts up from the store
	second := newFakeBackend()
	a2, err := New(&Config{Backend: second, WorkDir: c.TempDir(), Store: store})
	c.Assert(err, qt.IsNil)
	c.Assert(a2.Provision(context.Background()), qt.IsNil)
	c.Assert(second.stages(), qt.HasLen, 0)
	c.Assert(a2.Provisioned(), qt.IsTrue)

	// a new circuit version is never served from another version's cache
	third := newFakeBackend()
	third.version = "fake-v2"
	a3, err := New(&Config{Backend: third, WorkDir: a2.area.Root(), Store: store})
	c.Assert(err, qt.IsNil)
	c.Assert(a3.Provisioned(), qt.IsFalse)
	c.Assert(a3.Provision(context.Background()), qt.IsNil)
	c.Assert(third.count(types.StageCompile), qt.Equals, 1)
}

func TestRunPipelineConcurrentRuns(t *testing.T) {
	for _, isolated := range []bool{true, false} {
		t.Run("isolated="+strconv.FormatBool(isolated), func(t *testing.T) {
			c := qt.New(t)
			b := newFakeBackend()
			a := newTestAdapter(c, b, isolated)

			g, ctx := errgroup.WithContext(context.Background())
			for i := range 8 {
				choice := int64(i%4 + 1)
				g.Go(func() error {
					proof, err := a.RunPipeline(ctx, uint64(choice), 4)
					if err != nil {
						return err
					}
					if got := proof.Inputs[1].MathBigInt().Int64(); got != choice {
						return fmt.Errorf("run for choice %d got proof for %d", choice, got)
					}
					return nil
				})
			}
			c.Assert(g.Wait(), qt.IsNil)
			c.Assert(b.count(types.StageCompile), qt.Equals, 1)
			c.Assert(b.count(types.StageSetup), qt.Equals, 1)
			c.Assert(b.count(types.StageGenerateProof), qt.Equals, 8)
		})
	}
}

func TestExportVerifierProvisions(t *testing.T) {
	c := qt.New(t)
	b := newFakeBackend()
	a := newTestAdapter(c, b, true)
	var sb strings.Builder
	c.Assert(a.ExportVerifier(context.Background(), &sb), qt.IsNil)
	c.Assert(sb.String(), qt.Equals, "contract Verifier {}")
	c.Assert(a.Provisioned(), qt.IsTrue)
}
