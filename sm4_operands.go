// sm4_operands.go - SM4/5 operand-token decoding

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
sm4_operands.go decodes the Dst/Src operand tokens DXBC bytecode uses:
a register-type-plus-index operand token, an optional
component selection (mask, swizzle, or single-component select), and for
Src operands an optional modifier extension token (None/Neg/Abs/AbsNeg).

Register type is carried as a 5-bit field split across two token regions
(a 3-bit low nibble and a 2-bit high extension) rather than one
contiguous field, mirroring how the real format reserves the high bits
for forward extension; everything above this file only ever sees the
combined regType and never the split encoding.
*/

package main

// RegisterType identifies which register file an operand addresses.
type RegisterType uint32

const (
	RegTemp RegisterType = iota
	RegInput
	RegOutput
	RegConstBuffer
	RegSampler
	RegResource
	RegUAV
	RegImmediate32
	RegNull
)

// SelectionMode is how an operand's component-selection bits are
// interpreted.
type SelectionMode uint32

const (
	SelectMask SelectionMode = iota
	SelectSwizzle
	SelectSelect1
)

// Modifier is a Src operand's arithmetic modifier.
type Modifier uint32

const (
	ModNone Modifier = iota
	ModNeg
	ModAbs
	ModAbsNeg
)

// IndexRepresentation discriminates how an operand's register indices are
// encoded. Only Immediate32 is supported; anything else is a decode
// error.
type IndexRepresentation uint32

const (
	IndexImmediate32 IndexRepresentation = iota
	IndexRelative
	IndexRelativePlusImmediate
)

const (
	operandExtendedBit = 1 << 31

	opcodeMaskBits   = 0x7FF // bits 0-10
	opcodeLenShift   = 24
	opcodeLenBits    = 0x7F // bits 24-30
	opcodeExtendedBit = 1 << 31
	opcodeSaturateBit = 1 << 13 // within the extended opcode token
	opcodeSyncGroupBit = 1 << 14 // within the extended opcode token; sync-only
)

// Operand is the decoded form of one Dst or Src operand token (plus any
// trailing index and modifier tokens).
type Operand struct {
	RegType  RegisterType
	Indices  []uint32 // one per index dimension, immediate32 values
	Mode     SelectionMode
	Mask     uint8 // SelectMask: xyzw write-mask bits
	Swizzle  [4]uint8
	Select1  uint8
	Modifier Modifier // Src only; Dst operands are always ModNone
	Imm      [4]uint32 // raw bits for RegImmediate32 (read as float or int by the consumer)
}

func decodeRegisterType(operandTok uint32) RegisterType {
	lo := (operandTok >> 12) & 0x7
	hi := (operandTok >> 19) & 0x3
	return RegisterType(lo | hi<<3)
}

func decodeSelection(operandTok uint32, mode SelectionMode) (mask uint8, swizzle [4]uint8, select1 uint8) {
	bits := uint8((operandTok >> 2) & 0xFF)
	switch mode {
	case SelectMask:
		mask = bits & 0xF
	case SelectSwizzle:
		for i := 0; i < 4; i++ {
			swizzle[i] = (bits >> (uint(i) * 2)) & 0x3
		}
	case SelectSelect1:
		select1 = bits & 0x3
	}
	return
}

// decodeOperand reads one operand starting at r's current position: the
// operand token itself, its index tokens, and (for Src operands) a
// trailing modifier extension token if the operand token's extended bit
// is set. isSrc controls whether a modifier extension is expected.
func decodeOperand(r *tokenReader, isSrc bool) (Operand, error) {
	tok, err := r.next()
	if err != nil {
		return Operand{}, err
	}

	op := Operand{
		RegType: decodeRegisterType(tok),
		Mode:    SelectionMode(tok & 0x3),
	}
	op.Mask, op.Swizzle, op.Select1 = decodeSelection(tok, op.Mode)

	indexDim := int((tok >> 15) & 0x3)
	indexRep := IndexRepresentation((tok >> 17) & 0x3)
	if indexDim > 0 {
		if indexRep != IndexImmediate32 {
			return Operand{}, sm4Err(Sm4ErrBadOperand, "UnsupportedIndexRepresentation")
		}
		indices := make([]uint32, indexDim)
		for i := 0; i < indexDim; i++ {
			v, err := r.next()
			if err != nil {
				return Operand{}, err
			}
			indices[i] = v
		}
		op.Indices = indices
	}

	if op.RegType == RegImmediate32 {
		n := 1
		if op.Mode == SelectSwizzle || op.Mode == SelectMask {
			n = 4
		}
		raw, err := r.take(n)
		if err != nil {
			return Operand{}, err
		}
		for i := 0; i < n && i < 4; i++ {
			op.Imm[i] = leUint32(raw[i*4 : i*4+4])
		}
	}

	if isSrc && tok&operandExtendedBit != 0 {
		extTok, err := r.next()
		if err != nil {
			return Operand{}, err
		}
		op.Modifier = Modifier(extTok & 0x3)
	}

	return op, nil
}

// componentCount reports how many vector components an operand actually
// selects, used by the structural Load-like fallback to reject a scalar
// coordinate ("Fallbacks must not fire when operand
// shape differs, e.g. scalar coordinate").
func (op Operand) componentCount() int {
	switch op.Mode {
	case SelectMask:
		c := 0
		for i := 0; i < 4; i++ {
			if op.Mask&(1<<uint(i)) != 0 {
				c++
			}
		}
		return c
	case SelectSwizzle:
		return 4
	case SelectSelect1:
		return 1
	default:
		return 0
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// instructionHeader is the decoded opcode token (plus its extended
// opcode token, if present).
type instructionHeader struct {
	Opcode          uint32
	LengthDwords    uint32 // total instruction length including the opcode token
	Saturate        bool
	ThreadGroupSync bool // sync-only: selects WorkgroupBarrier vs a plain Sync
}

func decodeInstructionHeader(r *tokenReader) (instructionHeader, error) {
	tok, err := r.next()
	if err != nil {
		return instructionHeader{}, err
	}
	hdr := instructionHeader{
		Opcode:       tok & opcodeMaskBits,
		LengthDwords: (tok >> opcodeLenShift) & opcodeLenBits,
	}
	if tok&opcodeExtendedBit != 0 {
		extTok, err := r.next()
		if err != nil {
			return instructionHeader{}, err
		}
		hdr.Saturate = extTok&opcodeSaturateBit != 0
		hdr.ThreadGroupSync = extTok&opcodeSyncGroupBit != 0
	}
	if hdr.LengthDwords == 0 {
		return instructionHeader{}, sm4Err(Sm4ErrTruncatedToken, "instruction declares zero length")
	}
	return hdr, nil
}
