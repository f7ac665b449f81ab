package toolchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vocdoni/zkvote-node/circuits/zokrates"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
)

const (
	zokSourceFile       = "vote.zok"
	zokProgramFile      = "out"
	zokABIFile          = "abi.json"
	zokProvingKeyFile   = "proving.key"
	zokVerifyingKeyFile = "verification.key"
	zokWitnessFile      = "witness"
	zokProofFile        = "proof.json"
	zokVerifierFile     = "verifier.sol"

	// maxOutputLog bounds the toolchain output kept in error messages.
	maxOutputLog = 512
)

// constraint violations reported by compute-witness
var zokWitnessFailures = []string{"execution failed", "assertion failed"}

// ZokratesBackend runs the zokrates CLI as a subprocess. The binary location
// and the circuit source are injected, nothing depends on the process working
// directory.
type ZokratesBackend struct {
	binary  string
	source  []byte
	stdlib  string
	version string
	logger  zerolog.Logger
}

// NewZokratesBackend returns a backend running binary. When sourcePath is
// empty the bundled vote circuit is used. stdlib, if set, is exported as
// ZOKRATES_STDLIB to every invocation.
func NewZokratesBackend(binary, sourcePath, stdlib string) (*ZokratesBackend, error) {
	if binary == "" {
		return nil, fmt.Errorf("zokrates binary path is required")
	}
	source := zokrates.Source
	if sourcePath != "" {
		var err error
		if source, err = os.ReadFile(sourcePath); err != nil {
			return nil, fmt.Errorf("read circuit source: %w", err)
		}
	}
	return &ZokratesBackend{
		binary:  binary,
		source:  source,
		stdlib:  stdlib,
		version: "zokrates-" + zokrates.SourceHash(source)[:16],
		logger:  log.With("zokrates"),
	}, nil
}

func (*ZokratesBackend) Name() string { return "zokrates" }

func (z *ZokratesBackend) CircuitVersion() string { return z.version }

func (*ZokratesBackend) Outputs(stage types.Stage) []string {
	switch stage {
	case types.StageCompile:
		return []string{zokSourceFile, zokProgramFile, zokABIFile}
	case types.StageSetup:
		return []string{zokProvingKeyFile, zokVerifyingKeyFile}
	}
	return nil
}

func (z *ZokratesBackend) Compile(ctx context.Context, circuitDir string) error {
	if err := os.WriteFile(filepath.Join(circuitDir, zokSourceFile), z.source, 0o644); err != nil {
		return fmt.Errorf("write circuit source: %w", err)
	}
	_, err := z.run(ctx, circuitDir, "compile",
		"-i", zokSourceFile,
		"-o", zokProgramFile,
		"-s", zokABIFile)
	return err
}

func (z *ZokratesBackend) ComputeWitness(ctx context.Context, circuitDir, runDir string, choice, limit uint64) error {
	out, err := z.run(ctx, runDir, "compute-witness",
		"-i", filepath.Join(circuitDir, zokProgramFile),
		"-s", filepath.Join(circuitDir, zokABIFile),
		"-o", filepath.Join(runDir, zokWitnessFile),
		"-a", strconv.FormatUint(choice, 10), strconv.FormatUint(limit, 10))
	if err != nil && ctx.Err() == nil && isWitnessFailure(out) {
		return fmt.Errorf("%w: %v", types.ErrInvalidWitness, err)
	}
	return err
}

func (z *ZokratesBackend) Setup(ctx context.Context, circuitDir string) error {
	_, err := z.run(ctx, circuitDir, "setup",
		"-i", zokProgramFile,
		"-p", zokProvingKeyFile,
		"-v", zokVerifyingKeyFile)
	return err
}

func (z *ZokratesBackend) GenerateProof(ctx context.Context, circuitDir, runDir string) (*types.ProofArtifact, error) {
	proofPath := filepath.Join(runDir, zokProofFile)
	if _, err := z.run(ctx, runDir, "generate-proof",
		"-i", filepath.Join(circuitDir, zokProgramFile),
		"-w", filepath.Join(runDir, zokWitnessFile),
		"-p", filepath.Join(circuitDir, zokProvingKeyFile),
		"-j", proofPath); err != nil {
		return nil, err
	}
	proof := &types.ProofArtifact{}
	if err := readFile(proofPath, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(proof)
	}); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	if err := proof.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proof file: %w", err)
	}
	return proof, nil
}

func (z *ZokratesBackend) Verify(ctx context.Context, circuitDir string, proof *types.ProofArtifact) error {
	tmp, err := os.MkdirTemp("", "zokrates-verify-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	proofPath := filepath.Join(tmp, zokProofFile)
	if err := writeFileAtomic(proofPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(zokratesProofFile(proof))
	}); err != nil {
		return err
	}
	out, err := z.run(ctx, tmp, "verify",
		"-v", filepath.Join(circuitDir, zokVerifyingKeyFile),
		"-j", proofPath)
	if err != nil {
		return fmt.Errorf("proof verification failed: %w", err)
	}
	if !strings.Contains(strings.ToUpper(out), "PASSED") {
		return fmt.Errorf("proof verification failed: %s", truncate(out))
	}
	return nil
}

func (z *ZokratesBackend) ExportVerifier(ctx context.Context, circuitDir string, w io.Writer) error {
	tmp, err := os.MkdirTemp("", "zokrates-verifier-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	target := filepath.Join(tmp, zokVerifierFile)
	if _, err := z.run(ctx, tmp, "export-verifier",
		"-i", filepath.Join(circuitDir, zokVerifyingKeyFile),
		"-o", target); err != nil {
		return err
	}
	return readFile(target, func(r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// run executes one zokrates command in dir and returns its combined output.
func (z *ZokratesBackend) run(ctx context.Context, dir, command string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, z.binary, append([]string{command}, args...)...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	if z.stdlib != "" {
		cmd.Env = append(cmd.Env, "ZOKRATES_STDLIB="+z.stdlib)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	out := output.String()
	z.logger.Debug().Str("command", command).Str("dir", dir).Str("took", log.Took(start)).Msg("zokrates command finished")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("zokrates %s: %w: %s", command, err, truncate(out))
	}
	return out, nil
}

// zokratesProofFile restores the proof.json layout read by zokrates verify.
func zokratesProofFile(p *types.ProofArtifact) map[string]any {
	hex := func(v *types.BigInt) string { return fmt.Sprintf("0x%064x", v.MathBigInt()) }
	inputs := make([]string, len(p.Inputs))
	for i, in := range p.Inputs {
		inputs[i] = hex(in)
	}
	return map[string]any{
		"scheme": "g16",
		"curve":  "bn128",
		"proof": map[string]any{
			"a": []string{hex(p.Proof.A[0]), hex(p.Proof.A[1])},
			"b": [][]string{
				{hex(p.Proof.B[0][0]), hex(p.Proof.B[0][1])},
				{hex(p.Proof.B[1][0]), hex(p.Proof.B[1][1])},
			},
			"c": []string{hex(p.Proof.C[0]), hex(p.Proof.C[1])},
		},
		"inputs": inputs,
	}
}

func isWitnessFailure(output string) bool {
	out := strings.ToLower(output)
	for _, s := range zokWitnessFailures {
		if strings.Contains(out, s) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputLog {
		return s[len(s)-maxOutputLog:]
	}
	return s
}
