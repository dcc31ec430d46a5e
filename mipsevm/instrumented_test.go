package mipsevm

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/crypto"
)

type testOracle struct {
	hint        func(v []byte)
	getPreimage func(k [32]byte) []byte
}

func (t *testOracle) Hint(v []byte) {
	t.hint(v)
}

func (t *testOracle) GetPreimage(k [32]byte) []byte {
	return t.getPreimage(k)
}

var _ PreimageOracle = (*testOracle)(nil)

// syscallStep re-primes the state to re-run the syscall instruction at address 0.
func syscallStep(t *testing.T, us *InstrumentedState, state *State, num, a0, a1, a2 uint32) uint32 {
	state.PC = 0
	state.NextPC = 4
	state.Registers[2] = num
	state.Registers[4] = a0
	state.Registers[5] = a1
	state.Registers[6] = a2
	_, err := us.Step(false)
	require.NoError(t, err)
	return state.Registers[2]
}

func TestHintWrite(t *testing.T) {
	var hints [][]byte
	oracle := &testOracle{
		hint: func(v []byte) {
			hints = append(hints, append([]byte{}, v...))
		},
		getPreimage: func(k [32]byte) []byte {
			t.Fatal("no pre-image requests expected")
			return nil
		},
	}

	newHintState := func() (*InstrumentedState, *State) {
		hints = nil
		state := testState()
		state.Memory.SetMemory(0, 0x0000000C) // syscall
		return NewInstrumentedState(state, oracle, os.Stdout, os.Stderr), state
	}
	writeHint := func(t *testing.T, us *InstrumentedState, state *State, dat []byte) {
		require.NoError(t, state.Memory.SetMemoryRange(0x5000, bytes.NewReader(dat)))
		v0 := syscallStep(t, us, state, 4004, fdHintWrite, 0x5000, uint32(len(dat)))
		require.Equal(t, uint32(len(dat)), v0, "hint writes accept all data")
	}

	t.Run("frame per write", func(t *testing.T) {
		us, state := newHintState()
		writeHint(t, us, state, []byte{0, 0, 0, 3, 'a', 'b', 'c'})
		writeHint(t, us, state, []byte{0, 0, 0, 2, 'd', 'e'})
		require.Equal(t, [][]byte{[]byte("abc"), []byte("de")}, hints)
		require.Empty(t, state.LastHint, "nothing left buffered")
	})
	t.Run("incremental writes", func(t *testing.T) {
		us, state := newHintState()
		writeHint(t, us, state, []byte{0, 0, 0})
		require.Empty(t, hints, "length prefix is incomplete")
		writeHint(t, us, state, []byte{2})
		require.Empty(t, hints, "hint data not yet buffered")
		writeHint(t, us, state, []byte{0xAA})
		require.Empty(t, hints, "hint data incomplete")
		writeHint(t, us, state, []byte{0xBB})
		require.Equal(t, [][]byte{{0xAA, 0xBB}}, hints, "hint is emitted once complete")
		require.Empty(t, state.LastHint)
	})
	t.Run("multiple frames in one write", func(t *testing.T) {
		us, state := newHintState()
		writeHint(t, us, state, []byte{0, 0, 0, 1, 7, 0, 0, 0, 2, 8, 9})
		require.Equal(t, [][]byte{{7}, {8, 9}}, hints)
		require.Empty(t, state.LastHint)
	})
	t.Run("empty frame", func(t *testing.T) {
		us, state := newHintState()
		writeHint(t, us, state, []byte{0, 0, 0, 0})
		require.Len(t, hints, 1)
		require.Empty(t, hints[0])
	})
	t.Run("trailing partial frame stays buffered", func(t *testing.T) {
		us, state := newHintState()
		writeHint(t, us, state, []byte{0, 0, 0, 1, 5, 0, 0, 0, 9, 1, 2})
		require.Equal(t, [][]byte{{5}}, hints)
		require.Len(t, state.LastHint, 6, "incomplete second frame is kept")
	})
}

func TestPreimageRead(t *testing.T) {
	preimageData := []byte("hello world")
	key := crypto.Keccak256Hash(preimageData)
	key[0] = 2 // keccak256 key type
	oracle := &testOracle{
		hint: func(v []byte) {
			t.Fatal("no hints expected")
		},
		getPreimage: func(k [32]byte) []byte {
			require.Equal(t, [32]byte(key), k, "requested the pre-image key of the state")
			return preimageData
		},
	}

	newReadState := func() (*InstrumentedState, *State) {
		state := testState()
		state.PreimageKey = key
		state.Memory.SetMemory(0, 0x0000000C) // syscall
		return NewInstrumentedState(state, oracle, os.Stdout, os.Stderr), state
	}

	t.Run("sequential reads", func(t *testing.T) {
		us, state := newReadState()

		v0 := syscallStep(t, us, state, 4003, fdPreimageRead, 0x1000, 4)
		require.Equal(t, uint32(4), v0)
		require.Equal(t, uint32(11), state.Memory.GetMemory(0x1000), "first word is the length prefix")
		require.Equal(t, uint32(4), state.PreimageOffset)

		v0 = syscallStep(t, us, state, 4003, fdPreimageRead, 0x1004, 4)
		require.Equal(t, uint32(4), v0)
		require.Equal(t, uint32(0x68656C6C), state.Memory.GetMemory(0x1004), "hell")

		v0 = syscallStep(t, us, state, 4003, fdPreimageRead, 0x1008, 4)
		require.Equal(t, uint32(4), v0)
		require.Equal(t, uint32(0x6F20776F), state.Memory.GetMemory(0x1008), "o wo")

		v0 = syscallStep(t, us, state, 4003, fdPreimageRead, 0x100C, 4)
		require.Equal(t, uint32(3), v0, "only three bytes remain")
		require.Equal(t, uint32(0x726C6400), state.Memory.GetMemory(0x100C), "rld")
		require.Equal(t, uint32(15), state.PreimageOffset)

		v0 = syscallStep(t, us, state, 4003, fdPreimageRead, 0x1010, 4)
		require.Equal(t, uint32(0), v0, "past the end reads no data")
		require.Equal(t, uint32(15), state.PreimageOffset)

		k, v, o := us.LastPreimage()
		require.Equal(t, [32]byte(key), k)
		require.Equal(t, append([]byte{0, 0, 0, 11}, preimageData...), v, "value includes the length prefix")
		require.Equal(t, uint32(15), o)

		info := us.GetDebugInfo()
		require.Equal(t, 1, info.NumPreimageRequests, "pre-image is fetched once and cached")
		require.Equal(t, len(preimageData), info.TotalPreimageSize)
	})
	t.Run("unaligned destination", func(t *testing.T) {
		us, state := newReadState()
		state.PreimageOffset = 4

		v0 := syscallStep(t, us, state, 4003, fdPreimageRead, 0x2002, 4)
		require.Equal(t, uint32(2), v0, "copy is clamped to the word boundary")
		require.Equal(t, uint32(0x00006865), state.Memory.GetMemory(0x2000), "he lands in the low half")
		require.Equal(t, uint32(6), state.PreimageOffset)
	})
	t.Run("short read", func(t *testing.T) {
		us, state := newReadState()
		state.PreimageOffset = 4

		v0 := syscallStep(t, us, state, 4003, fdPreimageRead, 0x3000, 1)
		require.Equal(t, uint32(1), v0)
		require.Equal(t, uint32(0x68000000), state.Memory.GetMemory(0x3000))
		require.Equal(t, uint32(5), state.PreimageOffset)
	})
	t.Run("last byte", func(t *testing.T) {
		us, state := newReadState()
		state.PreimageOffset = 14 // one byte left of the 15-byte prefixed value

		v0 := syscallStep(t, us, state, 4003, fdPreimageRead, 0x3000, 4)
		require.Equal(t, uint32(1), v0, "one byte available regardless of the requested count")
		require.Equal(t, uint32(0x64000000), state.Memory.GetMemory(0x3000), "d")
		require.Equal(t, uint32(15), state.PreimageOffset)
	})
}

func TestPreimageWrite(t *testing.T) {
	oracle := &testOracle{
		hint: func(v []byte) {
			t.Fatal("no hints expected")
		},
		getPreimage: func(k [32]byte) []byte {
			t.Fatal("no pre-image requests expected")
			return nil
		},
	}

	newWriteState := func() (*InstrumentedState, *State) {
		state := testState()
		state.Memory.SetMemory(0, 0x0000000C) // syscall
		return NewInstrumentedState(state, oracle, os.Stdout, os.Stderr), state
	}

	t.Run("key shifts in from the right", func(t *testing.T) {
		us, state := newWriteState()
		state.PreimageOffset = 7
		state.Memory.SetMemory(0x1000, 0x11223344)

		v0 := syscallStep(t, us, state, 4004, fdPreimageWrite, 0x1000, 4)
		require.Equal(t, uint32(4), v0)
		require.Equal(t, uint32(0), state.PreimageOffset, "write resets the read offset")
		expected := [32]byte{28: 0x11, 29: 0x22, 30: 0x33, 31: 0x44}
		require.Equal(t, expected, [32]byte(state.PreimageKey))
	})
	t.Run("full key over eight writes", func(t *testing.T) {
		us, state := newWriteState()
		want := crypto.Keccak256Hash([]byte("pre-image to fetch"))
		want[0] = 2 // keccak256 key type
		for i := uint32(0); i < 8; i++ {
			state.Memory.SetMemory(0x1000+i*4, binary.BigEndian.Uint32(want[i*4:i*4+4]))
		}

		for i := uint32(0); i < 8; i++ {
			v0 := syscallStep(t, us, state, 4004, fdPreimageWrite, 0x1000+i*4, 4)
			require.Equal(t, uint32(4), v0)
		}
		require.Equal(t, want, state.PreimageKey)
	})
	t.Run("unaligned source", func(t *testing.T) {
		us, state := newWriteState()
		state.Memory.SetMemory(0x2000, 0xAABBCCDD)

		v0 := syscallStep(t, us, state, 4004, fdPreimageWrite, 0x2003, 4)
		require.Equal(t, uint32(1), v0, "only one byte fits until the word boundary")
		expected := [32]byte{31: 0xDD}
		require.Equal(t, expected, [32]byte(state.PreimageKey))
	})
}

func verifyMemProof(t *testing.T, root [32]byte, proof []byte, addr uint32) {
	require.Len(t, proof, MemProofSize)
	node := *(*[32]byte)(proof[:32])
	path := addr >> 5
	for i := 32; i < MemProofSize; i += 32 {
		sib := *(*[32]byte)(proof[i : i+32])
		if path&1 != 0 {
			node = HashPair(sib, node)
		} else {
			node = HashPair(node, sib)
		}
		path >>= 1
	}
	require.Equal(t, root, node, "proof does not reconstruct the memory root")
}

func TestStepWitness(t *testing.T) {
	t.Run("load proof", func(t *testing.T) {
		state := testState()
		state.PC = 0x100
		state.NextPC = 0x104
		state.Registers[9] = 0x4000
		state.Memory.SetMemory(0x100, 0x8D280000) // lw $t0, 0($t1)
		state.Memory.SetMemory(0x4000, 0x11223344)
		preRoot := state.Memory.MerkleRoot()

		us := NewInstrumentedState(state, nil, os.Stdout, os.Stderr)
		wit, err := us.Step(true)
		require.NoError(t, err)
		require.Equal(t, uint32(0x11223344), state.Registers[8], "lw result")

		require.Equal(t, preRoot[:], []byte(wit.State[:32]), "witness carries the pre-state")
		require.Len(t, wit.MemProof, 2*MemProofSize, "instruction proof and memory access proof")

		insnProof := wit.MemProof[:MemProofSize]
		require.Equal(t, uint32(0x8D280000), binary.BigEndian.Uint32(insnProof[:4]))
		verifyMemProof(t, preRoot, insnProof, 0x100)

		memProof := wit.MemProof[MemProofSize:]
		require.Equal(t, uint32(0x11223344), binary.BigEndian.Uint32(memProof[:4]))
		verifyMemProof(t, preRoot, memProof, 0x4000)

		require.False(t, wit.HasPreimage())
	})
	t.Run("store proof pre-state", func(t *testing.T) {
		state := testState()
		state.PC = 0x100
		state.NextPC = 0x104
		state.Registers[8] = 0xDEADBEEF
		state.Registers[9] = 0x4000
		state.Registers[10] = 0x8000
		state.Memory.SetMemory(0x100, 0xAD280000) // sw $t0, 0($t1)
		state.Memory.SetMemory(0x104, 0xAD480000) // sw $t0, 0($t2)
		preRoot := state.Memory.MerkleRoot()

		us := NewInstrumentedState(state, nil, os.Stdout, os.Stderr)
		wit, err := us.Step(true)
		require.NoError(t, err)
		verifyMemProof(t, preRoot, wit.MemProof[MemProofSize:], 0x4000)
		require.Equal(t, uint32(0xDEADBEEF), state.Memory.GetMemory(0x4000))

		// the access tracker resets between steps, a second store must not conflict
		midRoot := state.Memory.MerkleRoot()
		wit, err = us.Step(true)
		require.NoError(t, err)
		require.Equal(t, midRoot[:], []byte(wit.State[:32]))
		verifyMemProof(t, midRoot, wit.MemProof[MemProofSize:], 0x8000)
	})
	t.Run("pre-image read witness", func(t *testing.T) {
		preimageData := []byte("secret")
		key := crypto.Keccak256Hash(preimageData)
		key[0] = 2
		oracle := &testOracle{
			hint:        func(v []byte) { t.Fatal("no hints expected") },
			getPreimage: func(k [32]byte) []byte { return preimageData },
		}
		state := testState()
		state.PreimageKey = key
		state.PreimageOffset = 4
		state.Registers[2] = 4003
		state.Registers[4] = fdPreimageRead
		state.Registers[5] = 0x1000
		state.Registers[6] = 4
		state.Memory.SetMemory(0, 0x0000000C) // syscall

		us := NewInstrumentedState(state, oracle, os.Stdout, os.Stderr)
		wit, err := us.Step(true)
		require.NoError(t, err)
		require.True(t, wit.HasPreimage())
		require.Equal(t, [32]byte(key), wit.PreimageKey)
		require.Equal(t, append([]byte{0, 0, 0, 6}, preimageData...), wit.PreimageValue)
		require.Equal(t, uint32(4), wit.PreimageOffset, "offset at the time of access")
	})
}

func TestTrackMemAccess(t *testing.T) {
	t.Run("conflict", func(t *testing.T) {
		us := NewInstrumentedState(testState(), nil, os.Stdout, os.Stderr)
		us.memProofEnabled = true
		us.lastMemAccess = ^uint32(0)

		require.NoError(t, us.trackMemAccess(0x100))
		require.NoError(t, us.trackMemAccess(0x100), "repeated access to the same address")
		require.ErrorIs(t, us.trackMemAccess(0x104), ErrMemProofConflict)
	})
	t.Run("disabled", func(t *testing.T) {
		us := NewInstrumentedState(testState(), nil, os.Stdout, os.Stderr)
		us.memProofEnabled = false
		us.lastMemAccess = ^uint32(0)

		require.NoError(t, us.trackMemAccess(0x100))
		require.NoError(t, us.trackMemAccess(0x104), "no tracking without proof generation")
	})
}
