package mipsevm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeapStart is the base of the mmap arena the bump allocator hands out.
	HeapStart = 0x20000000
	// ProgramBreak is the fixed address reported to every brk call.
	ProgramBreak = 0x40000000
)

func LoadELF(f *elf.File) (*State, error) {
	s := &State{
		Memory:    NewMemory(),
		Registers: [32]uint32{},
		PC:        uint32(f.Entry),
		NextPC:    uint32(f.Entry + 4),
		Heap:      HeapStart,
	}

	for i, prog := range f.Progs {
		if prog.Type == 0x70000003 {
			// MIPS_ABIFLAGS: metadata, not loaded into memory
			continue
		}

		r := io.Reader(io.NewSectionReader(prog, 0, int64(prog.Filesz)))
		if prog.Filesz != prog.Memsz {
			if prog.Type == elf.PT_LOAD {
				if prog.Filesz < prog.Memsz {
					r = io.MultiReader(r, bytes.NewReader(make([]byte, prog.Memsz-prog.Filesz)))
				} else {
					return nil, fmt.Errorf("invalid PT_LOAD segment %d: file size %d exceeds mem size %d", i, prog.Filesz, prog.Memsz)
				}
			} else {
				return nil, fmt.Errorf("segment %d has file size %d != mem size %d, zero-fill is only supported for PT_LOAD segments", i, prog.Filesz, prog.Memsz)
			}
		}

		if prog.Vaddr+prog.Memsz >= (1 << 32) {
			return nil, fmt.Errorf("segment %d out of 32-bit mem range: %x - %x (size %x)", i, prog.Vaddr, prog.Vaddr+prog.Memsz, prog.Memsz)
		}
		if err := s.Memory.SetMemoryRange(uint32(prog.Vaddr), r); err != nil {
			return nil, fmt.Errorf("failed to read program segment %d: %w", i, err)
		}
	}

	return s, nil
}

func PatchGo(f *elf.File, st *State) error {
	symbols, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("failed to read symbols data, cannot patch program: %w", err)
	}
	for _, s := range symbols {
		// The guest runs without a GC: stub out the runtime functions
		// that would start it, and the checks that need floats.
		switch s.Name {
		case "runtime.gcenable",
			"runtime.init.5",            // spawns forcegchelper
			"runtime.main.func1",        // spawns sysmon
			"runtime.deductSweepCredit", // float-heavy, drives the gc pacer
			"runtime.(*gcControllerState).commit",
			"runtime.check": // fails its float64nan check, floats are unsupported
			// overwrite the function head with:
			//   03e00008 = jr $ra
			//   00000000 = nop, fills the delay slot
			if err := st.Memory.SetMemoryRange(uint32(s.Value), bytes.NewReader([]byte{
				0x03, 0xe0, 0x00, 0x08,
				0, 0, 0, 0,
			})); err != nil {
				return fmt.Errorf("failed to patch out %s: %w", s.Name, err)
			}
		case "runtime.MemProfileRate":
			// zero the sampling rate, profiling would pull in float ops
			if err := st.Memory.SetMemoryRange(uint32(s.Value), bytes.NewReader(make([]byte, 4))); err != nil {
				return fmt.Errorf("failed to set memory profile rate: %w", err)
			}
		}
	}
	return nil
}

func PatchStack(st *State) error {
	sp := uint32(0x7f_ff_d0_00)
	// one page of initial stack content, four more below it for growth
	if err := st.Memory.SetMemoryRange(sp-4*PageSize, bytes.NewReader(make([]byte, 5*PageSize))); err != nil {
		return errors.New("failed to allocate stack pages")
	}
	st.Registers[29] = sp

	storeMem := func(addr uint32, v uint32) {
		var dat [4]byte
		binary.BigEndian.PutUint32(dat[:], v)
		_ = st.Memory.SetMemoryRange(addr, bytes.NewReader(dat[:]))
	}

	// argc, argv, envp, auxv, laid out the way the Linux startup contract expects
	storeMem(sp+4*1, 0x42)   // argc slot, marker value
	storeMem(sp+4*2, 0x35)   // argv terminator slot, marker value
	storeMem(sp+4*3, 0)      // envp terminator
	storeMem(sp+4*4, 6)      // auxv key: AT_PAGESZ
	storeMem(sp+4*5, 4096)   // page size, 4 KiB
	storeMem(sp+4*6, 25)     // auxv key: AT_RANDOM
	storeMem(sp+4*7, sp+4*9) // points at the 16 bytes below
	storeMem(sp+4*8, 0)      // auxv terminator

	// AT_RANDOM content, fixed for determinism
	storeMem(sp+4*9, 0x6d697073)  // "mips"
	storeMem(sp+4*10, 0x2d656d75) // "-emu"
	storeMem(sp+4*11, 0x6c61746f) // "lato"
	storeMem(sp+4*12, 0x72212121) // "r!!!"

	return nil
}
