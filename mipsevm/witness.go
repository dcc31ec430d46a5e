package mipsevm

import (
	"errors"
	"fmt"

	preimage "github.com/ethereum-optimism/optimism/op-preimage"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Selectors of the on-chain single-step verifier and its pre-image oracle.
var (
	StepBytes4                      = crypto.Keccak256([]byte("step(bytes,bytes)"))[:4]
	LoadLocalDataBytes4             = crypto.Keccak256([]byte("loadLocalData(uint256,bytes32,uint256,uint256)"))[:4]
	LoadKeccak256PreimagePartBytes4 = crypto.Keccak256([]byte("loadKeccak256PreimagePart(uint256,bytes)"))[:4]
)

func uint32ToBytes32(v uint32) []byte {
	out := uint256.NewInt(uint64(v)).Bytes32()
	return out[:]
}

// StepWitness carries everything needed to replay one step on-chain: the
// pre-state encoding, the memory proof for the step's accesses, and the
// pre-image read during the step, if any.
type StepWitness struct {
	State []byte // pre-state witness encoding

	MemProof []byte

	PreimageKey    [32]byte // zero when the step reads no pre-image
	PreimageValue  []byte   // includes the 4-byte length prefix
	PreimageOffset uint32
}

func (wit *StepWitness) EncodeStepInput() []byte {
	abiStatePadding := (32 - uint32(len(wit.State))%32) % 32
	abiProofPadding := (32 - uint32(len(wit.MemProof))%32) % 32

	var input []byte
	input = append(input, StepBytes4...)
	// head: the offsets of the two dynamic bytes arguments
	input = append(input, uint32ToBytes32(32*2)...)
	input = append(input, uint32ToBytes32(32*2+32+uint32(len(wit.State))+abiStatePadding)...)

	// tail: length-prefixed state, then length-prefixed proof
	input = append(input, uint32ToBytes32(uint32(len(wit.State)))...)
	input = append(input, wit.State[:]...)
	input = append(input, make([]byte, abiStatePadding)...)
	input = append(input, uint32ToBytes32(uint32(len(wit.MemProof)))...)
	input = append(input, wit.MemProof[:]...)
	input = append(input, make([]byte, abiProofPadding)...)
	return input
}

func (wit *StepWitness) HasPreimage() bool {
	return wit.PreimageKey != ([32]byte{})
}

func (wit *StepWitness) EncodePreimageOracleInput() ([]byte, error) {
	if wit.PreimageKey == ([32]byte{}) {
		return nil, errors.New("cannot encode pre-image oracle input, witness has no pre-image to prove")
	}

	switch preimage.KeyType(wit.PreimageKey[0]) {
	case preimage.LocalKeyType:
		// Bootstrap pre-images have no on-chain preparation path in the
		// oracle contract, they are loaded directly with loadLocalData.
		if len(wit.PreimageValue) > 32+4 {
			return nil, fmt.Errorf("local pre-image exceeds maximum size of 32 bytes with key 0x%x", wit.PreimageKey)
		}
		ident := new(uint256.Int).SetBytes(wit.PreimageKey[1:]) // key with the type byte dropped
		identWord := ident.Bytes32()
		var tmp [32]byte
		copy(tmp[:], wit.PreimageValue[4:])
		var input []byte
		input = append(input, LoadLocalDataBytes4...)
		input = append(input, identWord[:]...)
		input = append(input, tmp[:]...)
		// value size, with the length prefix stripped
		input = append(input, uint32ToBytes32(uint32(len(wit.PreimageValue)-4))...)
		// requested part offset
		input = append(input, uint32ToBytes32(wit.PreimageOffset)...)
		return input, nil
	case preimage.Keccak256KeyType:
		var input []byte
		input = append(input, LoadKeccak256PreimagePartBytes4...)
		// requested part offset
		input = append(input, uint32ToBytes32(wit.PreimageOffset)...)
		// offset of the dynamic bytes argument
		input = append(input, uint32ToBytes32(32+32)...)
		// pre-image bytes, length word first, prefix stripped from the value
		input = append(input, uint32ToBytes32(uint32(len(wit.PreimageValue)-4))...)
		input = append(input, wit.PreimageValue[4:]...)
		padding := (32 - uint32(len(wit.PreimageValue)-4)%32) % 32
		input = append(input, make([]byte, padding)...)
		return input, nil
	default:
		return nil, fmt.Errorf("unsupported pre-image type %d, cannot prepare key %x (offset %d) for the oracle",
			wit.PreimageKey[0], wit.PreimageKey, wit.PreimageOffset)
	}
}
