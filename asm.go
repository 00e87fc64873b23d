package hookcave

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	opJmpRel32  = 0xE9
	opNop       = 0x90
	opPushRax   = 0x50
	opPopRax    = 0x58
	jmpRel32Len = 5
)

// Register identifies an x86-64 general purpose register whose value a
// trampoline captures.
type Register int

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var registerNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Register) String() string {
	if r < 0 || int(r) >= len(registerNames) {
		return "reg?"
	}
	return registerNames[r]
}

// movToRax encodes mov rax, r.
func (r Register) movToRax() []byte {
	if r >= R8 {
		return []byte{0x4C, 0x89, 0xC0 + byte(r-R8)<<3}
	}
	return []byte{0x48, 0x89, 0xC0 + byte(r)<<3}
}

// JumpRel32 assembles an E9 near jump at from targeting to. Fails when the
// displacement does not fit in 32 bits, which happens when fresh pages land
// far from the jump site; a shared cave inside the module avoids that.
func JumpRel32(from, to uintptr) ([]byte, error) {
	delta := int64(to) - int64(from) - jmpRel32Len
	if delta > math.MaxInt32 || delta < math.MinInt32 {
		return nil, errors.Errorf("jump from %x to %x does not fit in rel32", from, to)
	}
	buf := make([]byte, jmpRel32Len)
	buf[0] = opJmpRel32
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(delta)))
	return buf, nil
}

// JumpPatch assembles the bytes written over the jump site: a near jump to
// hook, padded with nops to patchLen so no partial instruction is left
// behind.
func JumpPatch(site, hook uintptr, patchLen int) ([]byte, error) {
	if patchLen < jmpRel32Len {
		return nil, errors.Errorf("patch length %d is shorter than a near jump", patchLen)
	}
	jmp, err := JumpRel32(site, hook)
	if err != nil {
		return nil, err
	}
	for len(jmp) < patchLen {
		jmp = append(jmp, opNop)
	}
	return jmp, nil
}

// PatchLength decodes whole instructions from code until at least min bytes
// are covered and returns the exact byte count. Used when a hook knows only
// the minimum patch size and must not cut an instruction in half.
func PatchLength(code []byte, min int) (int, error) {
	n := 0
	for n < min {
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return 0, errors.WithMessagef(err, "decoding instruction at +%d", n)
		}
		n += inst.Len
	}
	return n, nil
}

// movRaxToSlot encodes the movabs that stores rax into a fixed remote
// address (48 A3 moffs64).
func movRaxToSlot(slot uintptr) []byte {
	buf := make([]byte, 10)
	buf[0], buf[1] = 0x48, 0xA3
	binary.LittleEndian.PutUint64(buf[2:], uint64(slot))
	return buf
}

// movSlotToRax encodes the movabs that loads rax from a fixed remote
// address (48 A1 moffs64).
func movSlotToRax(slot uintptr) []byte {
	buf := make([]byte, 10)
	buf[0], buf[1] = 0x48, 0xA1
	binary.LittleEndian.PutUint64(buf[2:], uint64(slot))
	return buf
}
