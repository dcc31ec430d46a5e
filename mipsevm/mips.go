package mipsevm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	fdStdin         = 0
	fdStdout        = 1
	fdStderr        = 2
	fdHintRead      = 3
	fdHintWrite     = 4
	fdPreimageRead  = 5
	fdPreimageWrite = 6
)

const MipsEBADF = 0x9

// Fatal emulation errors. These signal a malformed or unsupported program,
// and leave the state poisoned mid-instruction: the caller must not step further.
// Syscall-level failures are not fatal, they surface to the guest as an errno.
var (
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrInvalidRegister    = errors.New("invalid register")
	ErrDivideByZero       = errors.New("instruction divide by zero")
)

func (m *InstrumentedState) readPreimage(key [32]byte, offset uint32) (dat [32]byte, datLen uint32) {
	preimage := m.lastPreimage
	if key != m.lastPreimageKey {
		m.lastPreimageKey = key
		data := m.preimageOracle.GetPreimage(key)
		// add the length prefix
		preimage = make([]byte, 0, 4+len(data))
		preimage = binary.BigEndian.AppendUint32(preimage, uint32(len(data)))
		preimage = append(preimage, data...)
		m.lastPreimage = preimage
	}
	m.lastPreimageOffset = offset
	if offset >= uint32(len(preimage)) {
		// read past the end yields no data, the guest sees a zero-length read
		return
	}
	datLen = uint32(copy(dat[:], preimage[offset:]))
	return
}

func (m *InstrumentedState) trackMemAccess(effAddr uint32) error {
	if !m.memProofEnabled || m.lastMemAccess == effAddr {
		return nil
	}
	if m.lastMemAccess != ^uint32(0) {
		return fmt.Errorf("%w: %08x, already have %08x buffered", ErrMemProofConflict, effAddr, m.lastMemAccess)
	}
	m.lastMemAccess = effAddr
	m.memProof = m.state.Memory.MerkleProof(effAddr)
	return nil
}

func (m *InstrumentedState) handleSyscall() error {
	syscallNum := m.state.Registers[2] // v0

	v0 := uint32(0)
	v1 := uint32(0)

	a0 := m.state.Registers[4]
	a1 := m.state.Registers[5]
	a2 := m.state.Registers[6]

	switch syscallNum {
	case 4090: // mmap
		sz := a1
		if sz&PageAddrMask != 0 { // round the size up to a page multiple
			sz += PageSize - (sz & PageAddrMask)
		}
		if a0 == 0 {
			v0 = m.state.Heap
			m.state.Heap += sz
		} else {
			v0 = a0
		}
	case 4045: // brk
		v0 = ProgramBreak
	case 4120: // clone (not supported, single thread only)
		v0 = 1
	case 4246: // exit_group
		m.state.Exited = true
		m.state.ExitCode = uint8(a0)
		return nil
	case 4003: // read
		// a0 = fd, a1 = buffer addr, a2 = count; v0 = bytes read, v1 = errno
		switch a0 {
		case fdStdin:
			// stdin is empty: zero bytes read, no error
		case fdPreimageRead: // pre-image oracle
			effAddr := a1 & 0xFFffFFfc
			if err := m.trackMemAccess(effAddr); err != nil {
				return err
			}
			mem := m.state.Memory.GetMemory(effAddr)
			dat, datLen := m.readPreimage(m.state.PreimageKey, m.state.PreimageOffset)
			alignment := a1 & 3
			space := 4 - alignment
			if datLen > space {
				datLen = space // clamp to the rest of the word
			}
			if datLen > a2 {
				datLen = a2 // clamp to the requested count
			}
			var outMem [4]byte
			binary.BigEndian.PutUint32(outMem[:], mem)
			copy(outMem[alignment:], dat[:datLen])
			m.state.Memory.SetMemory(effAddr, binary.BigEndian.Uint32(outMem[:]))
			m.state.PreimageOffset += datLen
			v0 = datLen
		case fdHintRead: // hint response
			// nothing observable comes back, report a full read
			// and let the guest discard it
			v0 = a2
		default:
			v0 = 0xFFffFFff
			v1 = MipsEBADF
		}
	case 4004: // write
		// a0 = fd, a1 = buffer addr, a2 = count; v0 = bytes written, v1 = errno
		switch a0 {
		case fdStdout:
			_, _ = io.Copy(m.stdOut, m.state.Memory.ReadMemoryRange(a1, a2))
			v0 = a2
		case fdStderr:
			_, _ = io.Copy(m.stdErr, m.state.Memory.ReadMemoryRange(a1, a2))
			v0 = a2
		case fdHintWrite:
			hintData, _ := io.ReadAll(m.state.Memory.ReadMemoryRange(a1, a2))
			m.state.LastHint = append(m.state.LastHint, hintData...)
			for len(m.state.LastHint) >= 4 { // drain every complete record out of the buffer
				hintLen := binary.BigEndian.Uint32(m.state.LastHint[:4])
				if hintLen > uint32(len(m.state.LastHint[4:])) {
					break // a trailing partial record stays buffered
				}
				hint := m.state.LastHint[4 : 4+hintLen] // without the length prefix
				m.state.LastHint = m.state.LastHint[4+hintLen:]
				m.preimageOracle.Hint(hint)
			}
			v0 = a2
		case fdPreimageWrite:
			effAddr := a1 & 0xFFffFFfc
			if err := m.trackMemAccess(effAddr); err != nil {
				return err
			}
			mem := m.state.Memory.GetMemory(effAddr)
			key := m.state.PreimageKey
			alignment := a1 & 3
			space := 4 - alignment
			if a2 > space {
				a2 = space // clamp to the rest of the word
			}
			copy(key[:], key[a2:]) // key bytes stream in from the right
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], mem)
			copy(key[32-a2:], tmp[alignment:])
			m.state.PreimageKey = key
			m.state.PreimageOffset = 0
			v0 = a2
		default:
			v0 = 0xFFffFFff
			v1 = MipsEBADF
		}
	case 4055: // fcntl
		// a0 = fd, a1 = cmd
		if a1 == 3 { // F_GETFL
			switch a0 {
			case fdStdin, fdPreimageRead, fdHintRead:
				v0 = 0 // O_RDONLY
			case fdStdout, fdStderr, fdPreimageWrite, fdHintWrite:
				v0 = 1 // O_WRONLY
			default:
				v0 = 0xFFffFFff
				v1 = MipsEBADF
			}
		} else {
			// unsupported fcntl command
			v0 = 0xFFffFFff
			v1 = MipsEBADF
		}
	default:
		// unimplemented syscalls are no-ops, the Go runtime probes a few we can ignore
	}

	m.state.Registers[2] = v0
	m.state.Registers[7] = v1

	m.state.PC = m.state.NextPC
	m.state.NextPC = m.state.NextPC + 4
	return nil
}

func (m *InstrumentedState) handleBranch(opcode uint32, insn uint32, rtReg uint32, rs uint32) error {
	shouldBranch := false
	if opcode == 4 || opcode == 5 { // beq/bne
		rt := m.state.Registers[rtReg]
		shouldBranch = (rs == rt && opcode == 4) || (rs != rt && opcode == 5)
	} else if opcode == 6 {
		shouldBranch = int32(rs) <= 0 // blez
	} else if opcode == 7 {
		shouldBranch = int32(rs) > 0 // bgtz
	} else if opcode == 1 {
		// regimm
		rtv := (insn >> 16) & 0x1F
		if rtv == 0 { // bltz
			shouldBranch = int32(rs) < 0
		} else if rtv == 1 { // bgez
			shouldBranch = int32(rs) >= 0
		} else {
			return fmt.Errorf("%w: branch insn %08x", ErrInvalidInstruction, insn)
		}
	}

	prevPC := m.state.PC
	m.state.PC = m.state.NextPC // the delay slot runs next
	if shouldBranch {
		m.state.NextPC = prevPC + 4 + (signExtend(insn&0xFFFF, 16) << 2) // target is relative to the delay slot
	} else {
		m.state.NextPC = m.state.NextPC + 4 // fall through
	}
	return nil
}

func (m *InstrumentedState) handleHiLo(fun uint32, rs uint32, rt uint32, storeReg uint32) error {
	val := uint32(0)
	switch fun {
	case 0x10: // mfhi
		val = m.state.HI
	case 0x11: // mthi
		m.state.HI = rs
	case 0x12: // mflo
		val = m.state.LO
	case 0x13: // mtlo
		m.state.LO = rs
	case 0x18: // mult
		acc := uint64(int64(int32(rs)) * int64(int32(rt)))
		m.state.HI = uint32(acc >> 32)
		m.state.LO = uint32(acc)
	case 0x19: // multu
		acc := uint64(rs) * uint64(rt)
		m.state.HI = uint32(acc >> 32)
		m.state.LO = uint32(acc)
	case 0x1a: // div
		if rt == 0 {
			return fmt.Errorf("%w: div", ErrDivideByZero)
		}
		m.state.HI = uint32(int32(rs) % int32(rt))
		m.state.LO = uint32(int32(rs) / int32(rt))
	case 0x1b: // divu
		if rt == 0 {
			return fmt.Errorf("%w: divu", ErrDivideByZero)
		}
		m.state.HI = rs % rt
		m.state.LO = rs / rt
	default:
		return fmt.Errorf("%w: hi/lo funct %#x", ErrInvalidInstruction, fun)
	}

	if storeReg != 0 {
		m.state.Registers[storeReg] = val
	}

	m.state.PC = m.state.NextPC
	m.state.NextPC = m.state.NextPC + 4
	return nil
}

func (m *InstrumentedState) handleJump(linkReg uint32, dest uint32) {
	prevPC := m.state.PC
	m.state.PC = m.state.NextPC // the delay slot runs next
	m.state.NextPC = dest
	if linkReg != 0 {
		m.state.Registers[linkReg] = prevPC + 8 // return address skips the delay slot
	}
}

func (m *InstrumentedState) handleRd(storeReg uint32, val uint32, conditional bool) error {
	if storeReg >= 32 {
		return fmt.Errorf("%w: rd %d", ErrInvalidRegister, storeReg)
	}
	if storeReg != 0 && conditional {
		m.state.Registers[storeReg] = val
	}

	m.state.PC = m.state.NextPC
	m.state.NextPC = m.state.NextPC + 4
	return nil
}

func (m *InstrumentedState) mipsStep() error {
	if m.state.Exited {
		return nil
	}
	m.state.Step += 1

	// fetch
	insn := m.state.Memory.GetMemory(m.state.PC)
	opcode := insn >> 26 // top 6 bits

	// j and jal
	if opcode == 2 || opcode == 3 {
		linkReg := uint32(0)
		if opcode == 3 {
			linkReg = 31
		}
		m.handleJump(linkReg, signExtend(insn&0x03FFffFF, 26)<<2)
		return nil
	}

	// operand fetch
	rt := uint32(0) // the ALU B operand
	rtReg := (insn >> 16) & 0x1F

	rs := m.state.Registers[(insn>>21)&0x1F]
	rdReg := rtReg
	if opcode == 0 || opcode == 0x1c {
		// R-type writes rd
		rt = m.state.Registers[rtReg]
		rdReg = (insn >> 11) & 0x1F
	} else if opcode < 0x20 {
		// immediate operand: andi/ori/xori zero-extend, the rest sign-extend
		if opcode == 0xC || opcode == 0xD || opcode == 0xE {
			rt = insn & 0xFFFF
		} else {
			rt = signExtend(insn&0xFFFF, 16)
		}
	} else if opcode >= 0x28 || opcode == 0x22 || opcode == 0x26 {
		// stores and the partial loads lwl/lwr read the current rt
		rt = m.state.Registers[rtReg]
		rdReg = rtReg
	}

	if (opcode >= 4 && opcode < 8) || opcode == 1 {
		return m.handleBranch(opcode, insn, rtReg, rs)
	}

	storeAddr := uint32(0xFFffFFff)
	// memory operand fetch; stores read the word too, for the
	// read-modify-write merge
	mem := uint32(0)
	if opcode >= 0x20 {
		// effective address = rs + signed 16-bit offset
		rs += signExtend(insn&0xFFFF, 16)
		addr := rs & 0xFFffFFfc
		if err := m.trackMemAccess(addr); err != nil {
			return err
		}
		mem = m.state.Memory.GetMemory(addr)
		if opcode >= 0x28 && opcode != 0x30 {
			// stores keep the address and skip the register write-back
			storeAddr = addr
			rdReg = 0
		}
	}

	// ALU
	val, err := execute(insn, rs, rt, mem)
	if err != nil {
		return err
	}

	fun := insn & 0x3F // 6-bits
	if opcode == 0 && fun >= 8 && fun < 0x1c {
		if fun == 8 || fun == 9 { // jr/jalr
			linkReg := uint32(0)
			if fun == 9 {
				linkReg = rdReg
			}
			m.handleJump(linkReg, rs)
			return nil
		}

		if fun == 0xa { // movz
			return m.handleRd(rdReg, rs, rt == 0)
		}
		if fun == 0xb { // movn
			return m.handleRd(rdReg, rs, rt != 0)
		}

		if fun == 0xC { // syscall
			return m.handleSyscall()
		}

		// hi/lo moves and mult/div
		if fun >= 0x10 && fun < 0x1c {
			return m.handleHiLo(fun, rs, rt, rdReg)
		}
	}

	// sc always reports success, a 1 lands in rt
	if opcode == 0x38 && rtReg != 0 {
		m.state.Registers[rtReg] = 1
	}

	// memory write-back
	if storeAddr != 0xFFffFFff {
		if err := m.trackMemAccess(storeAddr); err != nil {
			return err
		}
		m.state.Memory.SetMemory(storeAddr, val)
	}

	// register write-back
	return m.handleRd(rdReg, val, true)
}

func execute(insn uint32, rs uint32, rt uint32, mem uint32) (uint32, error) {
	opcode := insn >> 26 // top 6 bits
	fun := insn & 0x3F   // bottom 6 bits

	if opcode < 0x20 {
		// fold the immediate ALU opcodes onto their SPECIAL functs
		switch opcode {
		case 8:
			fun = 0x20 // addi
		case 9:
			fun = 0x21 // addiu
		case 0xA:
			fun = 0x2A // slti
		case 0xB:
			fun = 0x2B // sltiu
		case 0xC:
			fun = 0x24 // andi
		case 0xD:
			fun = 0x25 // ori
		case 0xE:
			fun = 0x26 // xori
		}
		if opcode >= 8 && opcode < 0xF {
			opcode = 0
		}

		// SPECIAL class
		if opcode == 0 {
			shamt := (insn >> 6) & 0x1F
			if fun < 0x20 {
				if fun >= 0x08 {
					// jr/jalr/movz/movn/syscall/hi-lo ops make their own writes, the ALU value is unused
					return rs, nil
				} else if fun == 0x00 {
					return rt << shamt, nil // sll
				} else if fun == 0x02 {
					return rt >> shamt, nil // srl
				} else if fun == 0x03 {
					return signExtend(rt>>shamt, 32-shamt), nil // sra
				} else if fun == 0x04 {
					return rt << (rs & 0x1F), nil // sllv
				} else if fun == 0x06 {
					return rt >> (rs & 0x1F), nil // srlv
				} else if fun == 0x07 {
					return signExtend(rt>>rs, 32-rs), nil // srav
				}
			}

			// three-register ALU ops
			switch fun {
			case 0x20, 0x21: // add or addu
				return rs + rt, nil
			case 0x22, 0x23: // sub or subu
				return rs - rt, nil
			case 0x24: // and
				return rs & rt, nil
			case 0x25: // or
				return rs | rt, nil
			case 0x26: // xor
				return rs ^ rt, nil
			case 0x27: // nor
				return ^(rs | rt), nil
			case 0x2A: // slt
				if int32(rs) < int32(rt) {
					return 1, nil
				}
				return 0, nil
			case 0x2B: // sltu
				if rs < rt {
					return 1, nil
				}
				return 0, nil
			}
		} else if opcode == 0xF {
			return rt << 16, nil // lui
		} else if opcode == 0x1C { // SPECIAL2
			if fun == 2 { // mul
				return uint32(int32(rs) * int32(rt)), nil
			}
			if fun == 0x20 || fun == 0x21 { // clz, clo
				if fun == 0x20 { // clz
					rs = ^rs
				}
				i := uint32(0)
				for ; rs&0x80000000 != 0; i++ {
					rs <<= 1
				}
				return i, nil
			}
		}
	} else if opcode < 0x28 {
		switch opcode {
		case 0x20: // lb
			return signExtend((mem>>(24-(rs&3)*8))&0xFF, 8), nil
		case 0x21: // lh
			return signExtend((mem>>(16-(rs&2)*8))&0xFFFF, 16), nil
		case 0x22: // lwl
			val := mem << ((rs & 3) * 8)
			mask := uint32(0xFFffFFff) << ((rs & 3) * 8)
			return (rt & ^mask) | val, nil
		case 0x23: // lw
			return mem, nil
		case 0x24: // lbu
			return (mem >> (24 - (rs&3)*8)) & 0xFF, nil
		case 0x25: // lhu
			return (mem >> (16 - (rs&2)*8)) & 0xFFFF, nil
		case 0x26: // lwr
			val := mem >> (24 - (rs&3)*8)
			mask := uint32(0xFFffFFff) >> (24 - (rs&3)*8)
			return (rt & ^mask) | val, nil
		}
	} else if opcode == 0x28 { // sb
		val := (rt & 0xFF) << (24 - (rs&3)*8)
		mask := 0xFFffFFff ^ uint32(0xFF<<(24-(rs&3)*8))
		return (mem & mask) | val, nil
	} else if opcode == 0x29 { // sh
		val := (rt & 0xFFFF) << (16 - (rs&2)*8)
		mask := 0xFFffFFff ^ uint32(0xFFFF<<(16-(rs&2)*8))
		return (mem & mask) | val, nil
	} else if opcode == 0x2A { // swl
		val := rt >> ((rs & 3) * 8)
		mask := uint32(0xFFffFFff) >> ((rs & 3) * 8)
		return (mem & ^mask) | val, nil
	} else if opcode == 0x2B { // sw
		return rt, nil
	} else if opcode == 0x2E { // swr
		val := rt << (24 - (rs&3)*8)
		mask := uint32(0xFFffFFff) << (24 - (rs&3)*8)
		return (mem & ^mask) | val, nil
	} else if opcode == 0x30 { // ll
		return mem, nil
	} else if opcode == 0x38 { // sc
		return rt, nil
	}

	return 0, fmt.Errorf("%w: opcode %#x (insn %08x)", ErrInvalidInstruction, opcode, insn)
}

func signExtend(dat uint32, idx uint32) uint32 {
	isSigned := (dat >> (idx - 1)) != 0
	signed := ((uint32(1) << (32 - idx)) - 1) << idx
	mask := (uint32(1) << idx) - 1
	if isSigned {
		return dat&mask | signed
	} else {
		return dat & mask
	}
}
