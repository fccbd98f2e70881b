// sm4_instructions.go - SM4/5 instruction-space opcode table and structural fallback

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
sm4_instructions.go decodes the instruction region's opcode table (the
minimum coverage list of SM4/SM5 opcodes) plus the two structural fallback
shapes the decoder must recognize for opcodes the table doesn't know:

  - Sample-like: {dst, src, resource, sampler} -> Sample
  - Load-like:   {dst, coord (>=2 components), resource} -> Ld

Both fallbacks require the operand sequence to consume exactly the
instruction's declared length; if it doesn't, or the Load-like coord is
scalar, the instruction decodes as Unknown instead. Future opcode-table
additions must not silently remove either fallback: some shipping
shaders in the field are only decodable through them.
*/

package main

import "fmt"

const (
	InstOpMov Sm4Opcode = 0x03 + iota
	InstOpAdd
	InstOpMul
	InstOpMad
	InstOpDp2
	InstOpDp3
	InstOpDp4
	InstOpMin
	InstOpMax
	InstOpRcp
	InstOpRsq
	InstOpFrc
	InstOpExp
	InstOpLog
	InstOpIAdd
	InstOpISub
	InstOpIMul
	InstOpIAbs
	InstOpINeg
	InstOpIMin
	InstOpIMax
	InstOpUMin
	InstOpUMax
	InstOpAnd
	InstOpOr
	InstOpXor
	InstOpNot
	InstOpIShl
	InstOpIShr
	InstOpUShr
	InstOpUDiv
	InstOpIDiv
	InstOpIEq
	InstOpULt
	InstOpUGe
	InstOpUBfe
	InstOpIBfe
	InstOpBfi
	InstOpBfRev
	InstOpCountBits
	InstOpFirstBitHi
	InstOpFirstBitLo
	InstOpFirstBitShi
	InstOpSample
	InstOpSampleL
	InstOpLd
	InstOpLdRaw
	InstOpLdStructured
	InstOpStoreRaw
	InstOpStoreStructured
	InstOpRet
	InstOpSync
	InstOpEmitStream
	InstOpCutStream
)

// Control-flow opcodes occupy their own block above the arithmetic/
// resource range. IF/LOOP/REP nesting is bounded by
// maxControlFlowNesting, enforced by DecodeSm4 as each opener is seen.
const (
	InstOpIf Sm4Opcode = 0x40 + iota
	InstOpElse
	InstOpEndIf
	InstOpLoop
	InstOpEndLoop
	InstOpBreak
	InstOpBreakC
	InstOpContinue
	InstOpRep
	InstOpEndRep
)

// maxControlFlowNesting bounds IF/LOOP/REP nesting depth so a hostile
// blob cannot drive unbounded decoder state.
const maxControlFlowNesting = 64

var instMnemonics = map[Sm4Opcode]string{
	InstOpNop: "nop", InstOpCustomData: "customdata",
	InstOpMov: "mov", InstOpAdd: "add", InstOpMul: "mul", InstOpMad: "mad",
	InstOpDp2: "dp2", InstOpDp3: "dp3", InstOpDp4: "dp4",
	InstOpMin: "min", InstOpMax: "max", InstOpRcp: "rcp", InstOpRsq: "rsq",
	InstOpFrc: "frc", InstOpExp: "exp", InstOpLog: "log",
	InstOpIAdd: "iadd", InstOpISub: "isub", InstOpIMul: "imul",
	InstOpIAbs: "iabs", InstOpINeg: "ineg", InstOpIMin: "imin", InstOpIMax: "imax",
	InstOpUMin: "umin", InstOpUMax: "umax",
	InstOpAnd: "and", InstOpOr: "or", InstOpXor: "xor", InstOpNot: "not",
	InstOpIShl: "ishl", InstOpIShr: "ishr", InstOpUShr: "ushr",
	InstOpUDiv: "udiv", InstOpIDiv: "idiv",
	InstOpIEq: "ieq", InstOpULt: "ult", InstOpUGe: "uge",
	InstOpUBfe: "ubfe", InstOpIBfe: "ibfe", InstOpBfi: "bfi", InstOpBfRev: "bfrev",
	InstOpCountBits: "countbits",
	InstOpFirstBitHi: "firstbit_hi", InstOpFirstBitLo: "firstbit_lo", InstOpFirstBitShi: "firstbit_shi",
	InstOpSample: "sample", InstOpSampleL: "sample_l",
	InstOpLd: "ld", InstOpLdRaw: "ld_raw", InstOpLdStructured: "ld_structured",
	InstOpStoreRaw: "store_raw", InstOpStoreStructured: "store_structured",
	InstOpRet: "ret", InstOpSync: "sync",
	InstOpEmitStream: "emit_stream", InstOpCutStream: "cut_stream",
	InstOpIf: "if", InstOpElse: "else", InstOpEndIf: "endif",
	InstOpLoop: "loop", InstOpEndLoop: "endloop",
	InstOpBreak: "break", InstOpBreakC: "breakc", InstOpContinue: "continue",
	InstOpRep: "rep", InstOpEndRep: "endrep",
}

// instrShape gives the fixed {dst,src} operand counts for opcodes whose
// arity never varies with the operands themselves.
var instrShape = map[Sm4Opcode][2]int{
	InstOpMov: {1, 1}, InstOpRcp: {1, 1}, InstOpRsq: {1, 1}, InstOpFrc: {1, 1},
	InstOpExp: {1, 1}, InstOpLog: {1, 1}, InstOpIAbs: {1, 1}, InstOpINeg: {1, 1},
	InstOpNot: {1, 1}, InstOpBfRev: {1, 1}, InstOpCountBits: {1, 1},
	InstOpFirstBitHi: {1, 1}, InstOpFirstBitLo: {1, 1}, InstOpFirstBitShi: {1, 1},

	InstOpAdd: {1, 2}, InstOpMul: {1, 2}, InstOpDp2: {1, 2}, InstOpDp3: {1, 2}, InstOpDp4: {1, 2},
	InstOpMin: {1, 2}, InstOpMax: {1, 2},
	InstOpIAdd: {1, 2}, InstOpISub: {1, 2}, InstOpIMin: {1, 2}, InstOpIMax: {1, 2},
	InstOpUMin: {1, 2}, InstOpUMax: {1, 2}, InstOpAnd: {1, 2}, InstOpOr: {1, 2}, InstOpXor: {1, 2},
	InstOpIShl: {1, 2}, InstOpIShr: {1, 2}, InstOpUShr: {1, 2},
	InstOpIEq: {1, 2}, InstOpULt: {1, 2}, InstOpUGe: {1, 2},

	InstOpMad: {1, 3}, InstOpUBfe: {1, 3}, InstOpIBfe: {1, 3}, InstOpBfi: {1, 4},

	InstOpIMul: {2, 2}, InstOpUDiv: {2, 2}, InstOpIDiv: {2, 2},

	InstOpEmitStream: {0, 1}, InstOpCutStream: {0, 1},

	InstOpIf: {0, 1}, InstOpBreakC: {0, 1}, InstOpRep: {0, 1},
	InstOpElse: {0, 0}, InstOpEndIf: {0, 0},
	InstOpLoop: {0, 0}, InstOpEndLoop: {0, 0},
	InstOpBreak: {0, 0}, InstOpContinue: {0, 0}, InstOpEndRep: {0, 0},
}

// controlFlowDelta reports how op changes the IF/LOOP/REP nesting depth:
// +1 for an opener, -1 for the matching closer, 0 otherwise.
func controlFlowDelta(op Sm4Opcode) int {
	switch op {
	case InstOpIf, InstOpLoop, InstOpRep:
		return 1
	case InstOpEndIf, InstOpEndLoop, InstOpEndRep:
		return -1
	default:
		return 0
	}
}

// Instruction is the decoded form of one instruction-region opcode.
type Instruction struct {
	Opcode    Sm4Opcode
	Mnemonic  string
	Dsts      []Operand
	Srcs      []Operand
	Saturate  bool

	// ExplicitLOD distinguishes ld's two coordinate conventions: false
	// means coord.z supplies the LOD implicitly.
	ExplicitLOD bool

	// WorkgroupBarrier is set on a sync instruction decoded with the
	// thread-group-sync flag; otherwise sync decodes as a plain Instruction
	// with Mnemonic "sync".
	WorkgroupBarrier bool

	// Unknown marks a structurally-unrecognized opcode whose raw tokens
	// are preserved in RawTokens rather than typed Dsts/Srcs.
	Unknown   bool
	RawTokens []uint32
}

// decodeInstruction decodes one instruction-region opcode (already known
// to be < 0x100) starting after its header token(s) have been consumed.
func decodeInstruction(r *tokenReader, hdr instructionHeader, consumed int) (Instruction, error) {
	op := Sm4Opcode(hdr.Opcode)

	if shape, ok := instrShape[op]; ok {
		dsts, srcs, err := decodeShape(r, shape[0], shape[1])
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: instMnemonics[op], Dsts: dsts, Srcs: srcs, Saturate: hdr.Saturate}, nil
	}

	switch op {
	case InstOpRet:
		return Instruction{Opcode: op, Mnemonic: "ret"}, nil

	case InstOpSync:
		return Instruction{Opcode: op, Mnemonic: "sync", WorkgroupBarrier: hdr.ThreadGroupSync}, nil

	case InstOpSample:
		dsts, srcs, err := decodeShape(r, 1, 3)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: "sample", Dsts: dsts, Srcs: srcs}, nil

	case InstOpSampleL:
		dsts, srcs, err := decodeShape(r, 1, 4)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: "sample_l", Dsts: dsts, Srcs: srcs}, nil

	case InstOpLd:
		return decodeLd(r, hdr, consumed)

	case InstOpLdRaw:
		dsts, srcs, err := decodeShape(r, 1, 2)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: "ld_raw", Dsts: dsts, Srcs: srcs}, nil

	case InstOpLdStructured:
		dsts, srcs, err := decodeShape(r, 1, 3)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: "ld_structured", Dsts: dsts, Srcs: srcs}, nil

	case InstOpStoreRaw:
		dsts, srcs, err := decodeShape(r, 1, 2)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: "store_raw", Dsts: dsts, Srcs: srcs}, nil

	case InstOpStoreStructured:
		dsts, srcs, err := decodeShape(r, 1, 3)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Opcode: op, Mnemonic: "store_structured", Dsts: dsts, Srcs: srcs}, nil

	default:
		return decodeUnknownInstruction(r, hdr, consumed)
	}
}

func decodeShape(r *tokenReader, dstCount, srcCount int) ([]Operand, []Operand, error) {
	dsts := make([]Operand, dstCount)
	for i := 0; i < dstCount; i++ {
		op, err := decodeOperand(r, false)
		if err != nil {
			return nil, nil, err
		}
		dsts[i] = op
	}
	srcs := make([]Operand, srcCount)
	for i := 0; i < srcCount; i++ {
		op, err := decodeOperand(r, true)
		if err != nil {
			return nil, nil, err
		}
		srcs[i] = op
	}
	return dsts, srcs, nil
}

// decodeLd implements ld's two coordinate conventions: without an
// explicit LOD, coord.z supplies it; a trailing
// non-offset scalar source is consumed as an explicit LOD instead. An
// offset-like trailing operand (this decoder has no distinct offset
// operand kind) is never produced here, so that branch always falls to
// the 2-source form; the explicit-LOD form only triggers when the
// instruction's declared length has one extra source token to consume.
func decodeLd(r *tokenReader, hdr instructionHeader, consumed int) (Instruction, error) {
	start := r.byteOffset()
	dst, err := decodeOperand(r, false)
	if err != nil {
		return Instruction{}, err
	}
	coord, err := decodeOperand(r, true)
	if err != nil {
		return Instruction{}, err
	}
	resource, err := decodeOperand(r, true)
	if err != nil {
		return Instruction{}, err
	}
	consumedTokens := consumed + (r.byteOffset()-start)/4
	remaining := int(hdr.LengthDwords) - consumedTokens
	if remaining <= 0 {
		return Instruction{Opcode: InstOpLd, Mnemonic: "ld", Dsts: []Operand{dst}, Srcs: []Operand{coord, resource}}, nil
	}
	lod, err := decodeOperand(r, true)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		Opcode: InstOpLd, Mnemonic: "ld", ExplicitLOD: true,
		Dsts: []Operand{dst}, Srcs: []Operand{coord, resource, lod},
	}, nil
}

// decodeUnknownInstruction applies the structural fallback heuristics
// before giving up and preserving the instruction as opaque tokens.
func decodeUnknownInstruction(r *tokenReader, hdr instructionHeader, consumed int) (Instruction, error) {
	op := Sm4Opcode(hdr.Opcode)
	remaining := int(hdr.LengthDwords) - consumed
	if remaining < 0 {
		return Instruction{}, sm4Err(Sm4ErrLengthMismatch, fmt.Sprintf("instruction opcode 0x%X length underflow", op))
	}
	start := r.byteOffset()

	if dsts, srcs, ok := tryFixedShape(r, start, remaining, 1, 3); ok {
		return Instruction{Opcode: op, Mnemonic: "sample", Dsts: dsts, Srcs: srcs}, nil
	}
	r.seekByteOffset(start)

	if dsts, srcs, ok := tryFixedShape(r, start, remaining, 1, 2); ok {
		if srcs[0].componentCount() >= 2 {
			return Instruction{Opcode: op, Mnemonic: "ld", Dsts: dsts, Srcs: srcs}, nil
		}
	}
	r.seekByteOffset(start)

	raw := make([]uint32, 0, remaining)
	for i := 0; i < remaining; i++ {
		v, err := r.next()
		if err != nil {
			return Instruction{}, err
		}
		raw = append(raw, v)
	}
	return Instruction{Opcode: op, Mnemonic: "unknown", Unknown: true, RawTokens: raw}, nil
}

// tryFixedShape attempts to decode exactly dstCount+srcCount operands and
// reports ok=false (restoring nothing itself — callers must reseek) if
// decoding errored or didn't consume exactly `remaining` dwords.
func tryFixedShape(r *tokenReader, start, remaining, dstCount, srcCount int) ([]Operand, []Operand, bool) {
	dsts := make([]Operand, 0, dstCount)
	for i := 0; i < dstCount; i++ {
		op, err := decodeOperand(r, false)
		if err != nil {
			return nil, nil, false
		}
		dsts = append(dsts, op)
	}
	srcs := make([]Operand, 0, srcCount)
	for i := 0; i < srcCount; i++ {
		op, err := decodeOperand(r, true)
		if err != nil {
			return nil, nil, false
		}
		srcs = append(srcs, op)
	}
	consumedDwords := (r.byteOffset() - start) / 4
	if consumedDwords != remaining {
		return nil, nil, false
	}
	return dsts, srcs, true
}
