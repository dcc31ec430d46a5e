package mipsevm

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadELF(t *testing.T) {
	t.Run("loads segments", func(t *testing.T) {
		f := &elf.File{
			FileHeader: elf.FileHeader{Entry: 0x1000},
			Progs: []*elf.Prog{
				{
					ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x1000, Filesz: 8, Memsz: 16},
					ReaderAt:   bytes.NewReader([]byte{0x3C, 0x08, 0x12, 0x34, 0x35, 0x08, 0x56, 0x78}),
				},
				{
					// MIPS_ABIFLAGS, metadata only
					ProgHeader: elf.ProgHeader{Type: 0x70000003, Vaddr: 0xdead0000, Filesz: 4, Memsz: 4},
					ReaderAt:   bytes.NewReader([]byte{1, 2, 3, 4}),
				},
			},
		}
		state, err := LoadELF(f)
		require.NoError(t, err)
		require.Equal(t, uint32(0x1000), state.PC)
		require.Equal(t, uint32(0x1004), state.NextPC)
		require.Equal(t, uint32(HeapStart), state.Heap)
		require.Equal(t, uint32(0x3C081234), state.Memory.GetMemory(0x1000))
		require.Equal(t, uint32(0x35085678), state.Memory.GetMemory(0x1004))
		require.Equal(t, uint32(0), state.Memory.GetMemory(0x1008), "zero-filled up to memsz")
		require.Equal(t, uint32(0), state.Memory.GetMemory(0xdead0000), "abiflags data is not loaded")
	})
	t.Run("rejects filesz larger than memsz", func(t *testing.T) {
		f := &elf.File{
			Progs: []*elf.Prog{
				{
					ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x1000, Filesz: 8, Memsz: 4},
					ReaderAt:   bytes.NewReader(make([]byte, 8)),
				},
			},
		}
		_, err := LoadELF(f)
		require.ErrorContains(t, err, "invalid PT_LOAD")
	})
	t.Run("rejects segments beyond 32-bit memory", func(t *testing.T) {
		f := &elf.File{
			Progs: []*elf.Prog{
				{
					ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0xFFffF000, Filesz: 0x2000, Memsz: 0x2000},
					ReaderAt:   bytes.NewReader(make([]byte, 0x2000)),
				},
			},
		}
		_, err := LoadELF(f)
		require.ErrorContains(t, err, "out of 32-bit mem range")
	})
}

func TestPatchStack(t *testing.T) {
	state := testState()
	require.NoError(t, PatchStack(state))

	sp := uint32(0x7f_ff_d0_00)
	require.Equal(t, sp, state.Registers[29], "stack pointer")

	require.Equal(t, uint32(0x42), state.Memory.GetMemory(sp+4*1))
	require.Equal(t, uint32(0x35), state.Memory.GetMemory(sp+4*2))
	require.Equal(t, uint32(0), state.Memory.GetMemory(sp+4*3), "envp terminator")
	require.Equal(t, uint32(6), state.Memory.GetMemory(sp+4*4), "AT_PAGESZ")
	require.Equal(t, uint32(4096), state.Memory.GetMemory(sp+4*5), "page size")
	require.Equal(t, uint32(25), state.Memory.GetMemory(sp+4*6), "AT_RANDOM")
	require.Equal(t, sp+4*9, state.Memory.GetMemory(sp+4*7), "randomness address")
	require.Equal(t, uint32(0), state.Memory.GetMemory(sp+4*8), "auxv terminator")
	require.Equal(t, uint32(0x6d697073), state.Memory.GetMemory(sp+4*9), "fixed randomness")
	require.Equal(t, uint32(0x72212121), state.Memory.GetMemory(sp+4*12))

	require.Equal(t, 5, state.Memory.PageCount(), "one page of stack data plus room to grow")
}
