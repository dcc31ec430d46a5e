package mipsevm

import (
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type PreimageOracle interface {
	Hint(v []byte)
	GetPreimage(k [32]byte) []byte
}

// ErrMemProofConflict is returned when a single step accesses more than one
// distinct memory word, which the per-step access proof cannot cover.
var ErrMemProofConflict = errors.New("second distinct mem access in one step")

type InstrumentedState struct {
	state *State

	stdOut io.Writer
	stdErr io.Writer

	lastMemAccess   uint32
	memProofEnabled bool
	memProof        [MemProofSize]byte

	preimageOracle *trackingOracle

	// one-entry pre-image cache, value stored with its 4-byte length prefix
	lastPreimage []byte
	// key the cached value belongs to
	lastPreimageKey [32]byte
	// offset of this step's pre-image read, max uint32 when it read nothing
	lastPreimageOffset uint32
}

func NewInstrumentedState(state *State, po PreimageOracle, stdOut, stdErr io.Writer) *InstrumentedState {
	return &InstrumentedState{
		state:          state,
		stdOut:         stdOut,
		stdErr:         stdErr,
		preimageOracle: &trackingOracle{po: po},
	}
}

func (m *InstrumentedState) Step(proof bool) (wit *StepWitness, err error) {
	m.memProofEnabled = proof
	m.lastMemAccess = ^uint32(0)
	m.lastPreimageOffset = ^uint32(0)

	if proof {
		insnProof := m.state.Memory.MerkleProof(m.state.PC)
		wit = &StepWitness{
			State:    m.state.EncodeWitness(),
			MemProof: insnProof[:],
		}
	}
	err = m.mipsStep()
	if err != nil {
		return nil, err
	}

	if proof {
		wit.MemProof = append(wit.MemProof, m.memProof[:]...)
		if m.lastPreimageOffset != ^uint32(0) {
			wit.PreimageKey = m.lastPreimageKey
			wit.PreimageValue = m.lastPreimage
			wit.PreimageOffset = m.lastPreimageOffset
		}
	}
	return
}

// LastPreimage returns the key, value, and offset of the last requested pre-image.
// The offset is relative to the start of the length-prefixed pre-image value.
func (m *InstrumentedState) LastPreimage() ([32]byte, []byte, uint32) {
	return m.lastPreimageKey, m.lastPreimage, m.lastPreimageOffset
}

func (m *InstrumentedState) GetDebugInfo() *DebugInfo {
	return &DebugInfo{
		Pages:               m.state.Memory.PageCount(),
		MemoryUsed:          hexutil.Uint64(m.state.Memory.UsageRaw()),
		NumPreimageRequests: m.preimageOracle.numPreimageRequests,
		TotalPreimageSize:   m.preimageOracle.totalPreimageSize,
	}
}

type trackingOracle struct {
	po                  PreimageOracle
	totalPreimageSize   int
	numPreimageRequests int
}

func (d *trackingOracle) Hint(v []byte) {
	d.po.Hint(v)
}

func (d *trackingOracle) GetPreimage(k [32]byte) []byte {
	d.numPreimageRequests++
	preimage := d.po.GetPreimage(k)
	d.totalPreimageSize += len(preimage)
	return preimage
}
