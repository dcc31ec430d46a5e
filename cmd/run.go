package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/pkg/profile"

	preimage "github.com/ethereum-optimism/optimism/op-preimage"
	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/wangtsiao/mips-emulator/mipsevm"
)

var (
	RunInputFlag = &cli.PathFlag{
		Name:      "input",
		Usage:     "path of input JSON state",
		TakesFile: true,
		Value:     "state.json",
		Required:  false,
	}
	RunOutputFlag = &cli.PathFlag{
		Name:      "output",
		Usage:     "path of output JSON state",
		TakesFile: true,
		Value:     "out.json",
		Required:  false,
	}
	patternHelp    = "'never' (default), 'always', '=123' for exactly step 123, '%123' for every 123 steps"
	RunProofAtFlag = &cli.GenericFlag{
		Name:     "proof-at",
		Usage:    "step pattern to output proof data at: " + patternHelp,
		Value:    new(StepMatcherFlag),
		Required: false,
	}
	RunProofFmtFlag = &cli.StringFlag{
		Name:     "proof-fmt",
		Usage:    "format for proof data output file names, with the step number substituted in",
		Value:    "proof-%d.json",
		Required: false,
	}
	RunSnapshotAtFlag = &cli.GenericFlag{
		Name:     "snapshot-at",
		Usage:    "step pattern to output state snapshots at: " + patternHelp,
		Value:    new(StepMatcherFlag),
		Required: false,
	}
	RunSnapshotFmtFlag = &cli.StringFlag{
		Name:     "snapshot-fmt",
		Usage:    "format for snapshot output file names, with the step number substituted in",
		Value:    "state-%d.json",
		Required: false,
	}
	RunStopAtFlag = &cli.GenericFlag{
		Name:     "stop-at",
		Usage:    "step pattern to stop at: " + patternHelp,
		Value:    new(StepMatcherFlag),
		Required: false,
	}
	RunStopAtPreimageTypeFlag = &cli.StringFlag{
		Name:     "stop-at-preimage-type",
		Usage:    "stop at the first pre-image request of this type ('any', 'local', 'keccak' or 'sha256')",
		Required: false,
	}
	RunStopAtPreimageLargerThanFlag = &cli.IntFlag{
		Name:     "stop-at-preimage-larger-than",
		Usage:    "stop at the first step that requests a pre-image larger than this size (in bytes)",
		Required: false,
	}
	RunMetaFlag = &cli.PathFlag{
		Name:     "meta",
		Usage:    "path to metadata file, to resolve program counters to symbol names in info logs",
		Value:    "meta.json",
		Required: false,
	}
	RunInfoAtFlag = &cli.GenericFlag{
		Name:     "info-at",
		Usage:    "step pattern to print info at: " + patternHelp,
		Value:    MustStepMatcherFlag("%100000"),
		Required: false,
	}
	RunPProfCPU = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "enable pprof cpu profiling",
	}
	RunDebugInfoFlag = &cli.PathFlag{
		Name:      "debug-info",
		Usage:     "path to write memory and pre-image usage summary to, as JSON",
		TakesFile: true,
		Required:  false,
	}
)

// Proof is the JSON shape of a single emitted step proof: the claimed
// pre/post state-roots with the witness data to verify the transition.
type Proof struct {
	Step uint64 `json:"step"`

	Pre  common.Hash `json:"pre"`
	Post common.Hash `json:"post"`

	StateData hexutil.Bytes `json:"state-data"`
	ProofData hexutil.Bytes `json:"proof-data"`

	OracleKey    hexutil.Bytes `json:"oracle-key,omitempty"`
	OracleValue  hexutil.Bytes `json:"oracle-value,omitempty"`
	OracleOffset uint32        `json:"oracle-offset,omitempty"`
}

func newProof(step uint64, pre, post common.Hash, wit *mipsevm.StepWitness) *Proof {
	proof := &Proof{
		Step:      step,
		Pre:       pre,
		Post:      post,
		StateData: wit.State,
		ProofData: wit.MemProof,
	}
	if wit.HasPreimage() {
		proof.OracleKey = wit.PreimageKey[:]
		proof.OracleValue = wit.PreimageValue
		proof.OracleOffset = wit.PreimageOffset
	}
	return proof
}

type StepFn func(proof bool) (*mipsevm.StepWitness, error)

// Guard wraps a step function to attribute step errors to a dead
// pre-image server, which otherwise surface as opaque broken pipes.
func Guard(proc *os.ProcessState, fn StepFn) StepFn {
	return func(proof bool) (*mipsevm.StepWitness, error) {
		witness, err := fn(proof)
		if err != nil {
			if proc.Exited() {
				return nil, fmt.Errorf("pre-image server exited with code %d: %w", proc.ExitCode(), err)
			}
			return nil, err
		}
		return witness, nil
	}
}

var _ mipsevm.PreimageOracle = (*ProcessPreimageOracle)(nil)

var OutFilePerm = os.FileMode(0o755)

func Run(ctx *cli.Context) error {
	if ctx.Bool(RunPProfCPU.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

	state, err := jsonutil.LoadJSON[mipsevm.State](ctx.Path(RunInputFlag.Name))
	if err != nil {
		return err
	}

	logger := Logger(os.Stderr, log.LevelInfo)
	outLog := &LoggingWriter{Log: logger.New("stream", "stdout")}
	errLog := &LoggingWriter{Log: logger.New("stream", "stderr")}

	stopAtAnyPreimage := false
	var stopAtPreimageKeyType preimage.KeyType
	switch ctx.String(RunStopAtPreimageTypeFlag.Name) {
	case "local":
		stopAtPreimageKeyType = preimage.LocalKeyType
	case "keccak":
		stopAtPreimageKeyType = preimage.Keccak256KeyType
	case "sha256":
		stopAtPreimageKeyType = preimage.Sha256KeyType
	case "any":
		stopAtAnyPreimage = true
	case "":
		// key type 0 is invalid, no pre-image key ever matches it
	default:
		return fmt.Errorf("invalid preimage type %q", ctx.String(RunStopAtPreimageTypeFlag.Name))
	}
	stopAtPreimageLargerThan := ctx.Int(RunStopAtPreimageLargerThanFlag.Name)

	// everything after the first '--' is the pre-image server command
	args := ctx.Args().Slice()
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		args = []string{""}
	}

	oracle, err := NewProcessPreimageOracle(args[0], args[1:])
	if err != nil {
		return fmt.Errorf("failed to create pre-image oracle process: %w", err)
	}
	if err := oracle.Start(); err != nil {
		return fmt.Errorf("failed to start pre-image oracle server: %w", err)
	}
	defer func() {
		if err := oracle.Close(); err != nil {
			logger.Error("failed to close pre-image server", "err", err)
		}
	}()

	stopAt := ctx.Generic(RunStopAtFlag.Name).(*StepMatcherFlag).Matcher()
	proofAt := ctx.Generic(RunProofAtFlag.Name).(*StepMatcherFlag).Matcher()
	snapshotAt := ctx.Generic(RunSnapshotAtFlag.Name).(*StepMatcherFlag).Matcher()
	infoAt := ctx.Generic(RunInfoAtFlag.Name).(*StepMatcherFlag).Matcher()

	meta := new(Metadata)
	if metaPath := ctx.Path(RunMetaFlag.Name); metaPath == "" {
		logger.Info("no metadata file specified, program counters will not resolve to symbols")
	} else if m, err := jsonutil.LoadJSON[Metadata](metaPath); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	} else {
		meta = m
	}

	vm := mipsevm.NewInstrumentedState(state, oracle, outLog, errLog)
	proofFmt := ctx.String(RunProofFmtFlag.Name)
	snapshotFmt := ctx.String(RunSnapshotFmtFlag.Name)

	stepFn := vm.Step
	if oracle.cmd != nil {
		stepFn = Guard(oracle.cmd.ProcessState, stepFn)
	}

	stopAtPreimage := func() bool {
		if stopAtAnyPreimage {
			return true
		}
		if state.PreimageKey[0] == byte(stopAtPreimageKeyType) {
			return true
		}
		if stopAtPreimageLargerThan != 0 {
			if _, value, _ := vm.LastPreimage(); len(value) > stopAtPreimageLargerThan {
				return true
			}
		}
		return false
	}

	startedAt := time.Now()
	startStep := state.Step

	for !state.Exited {
		step := state.Step
		if step%100 == 0 { // the loop is hot, poll the cli context only occasionally
			if err := ctx.Context.Err(); err != nil {
				return err
			}
		}

		if infoAt(state) {
			elapsed := time.Since(startedAt)
			logger.Info("processing",
				"step", step,
				"pc", HexU32(state.PC),
				"insn", HexU32(state.Instr()),
				"ips", float64(step-startStep)/(float64(elapsed)/float64(time.Second)),
				"pages", state.Memory.PageCount(),
				"mem", state.Memory.Usage(),
				"name", meta.LookupSymbol(state.PC),
			)
		}

		if stopAt(state) {
			break
		}

		if snapshotAt(state) {
			if err := jsonutil.WriteJSON(fmt.Sprintf(snapshotFmt, step), state, OutFilePerm); err != nil {
				return fmt.Errorf("failed to write snapshot at step %d: %w", step, err)
			}
		}

		prevPreimageOffset := state.PreimageOffset

		if proofAt(state) {
			preStateHash, err := state.EncodeWitness().StateHash()
			if err != nil {
				return fmt.Errorf("failed to hash pre-state witness: %w", err)
			}
			witness, err := stepFn(true)
			if err != nil {
				return fmt.Errorf("failed at proof-gen step %d (pc %08x): %w", step, state.PC, err)
			}
			postStateHash, err := state.EncodeWitness().StateHash()
			if err != nil {
				return fmt.Errorf("failed to hash post-state witness: %w", err)
			}
			proof := newProof(step, preStateHash, postStateHash, witness)
			if err := jsonutil.WriteJSON(fmt.Sprintf(proofFmt, step), proof, OutFilePerm); err != nil {
				return fmt.Errorf("failed to write proof data: %w", err)
			}
		} else {
			if _, err := stepFn(false); err != nil {
				return fmt.Errorf("failed at step %d (pc %08x): %w", step, state.PC, err)
			}
		}

		if state.PreimageOffset > prevPreimageOffset && stopAtPreimage() {
			break
		}
	}

	if debugInfoFile := ctx.Path(RunDebugInfoFlag.Name); debugInfoFile != "" {
		if err := jsonutil.WriteJSON(debugInfoFile, vm.GetDebugInfo(), OutFilePerm); err != nil {
			return fmt.Errorf("failed to write debug info: %w", err)
		}
	}

	if err := jsonutil.WriteJSON(ctx.Path(RunOutputFlag.Name), state, OutFilePerm); err != nil {
		return fmt.Errorf("failed to write final state: %w", err)
	}
	return nil
}

var RunCommand = &cli.Command{
	Name:        "run",
	Usage:       "Run MIPS emulator step(s) and optionally generate proof data for them.",
	Description: "Run MIPS emulator step(s) and optionally generate proof data for them. See flags to match when to output a proof, a snapshot, or to stop early.",
	Action:      Run,
	Flags: []cli.Flag{
		RunInputFlag,
		RunOutputFlag,
		RunProofAtFlag,
		RunProofFmtFlag,
		RunSnapshotAtFlag,
		RunSnapshotFmtFlag,
		RunStopAtFlag,
		RunStopAtPreimageTypeFlag,
		RunStopAtPreimageLargerThanFlag,
		RunMetaFlag,
		RunInfoAtFlag,
		RunPProfCPU,
		RunDebugInfoFlag,
	},
}
