// sm4_declarations.go - SM4/5 declaration-region opcodes

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
sm4_declarations.go covers the declaration region of the bytecode stream:
opcodes >= 0x100 are declarations, appended to the module's
decl list until the first non-declaration (instruction-space, < 0x100)
opcode is seen. NOP and CUSTOMDATA are instruction-space opcodes that do
NOT end the declaration region — CUSTOMDATA in particular is preserved
as an ImmediateConstantBuffer declaration when it carries one.
*/

package main

import "fmt"

// Sm4Opcode spans both the instruction space (< 0x100) and the
// declaration space (>= 0x100).
type Sm4Opcode uint32

const sm4DeclSpaceStart Sm4Opcode = 0x100

func (op Sm4Opcode) isDeclaration() bool { return op >= sm4DeclSpaceStart }

const (
	DeclOpInput Sm4Opcode = sm4DeclSpaceStart + iota
	DeclOpOutput
	DeclOpConstantBuffer
	DeclOpResourceTyped
	DeclOpResourceStructured
	DeclOpResourceRaw
	DeclOpUAVTyped
	DeclOpUAVStructured
	DeclOpUAVRaw
	DeclOpSampler
	DeclOpThreadGroupSize
	DeclOpGSInstanceCount
	DeclOpOutputTopology
)

// Instruction-space opcodes that are relevant to declaration-region
// handling specifically (the rest live in sm4_instructions.go).
const (
	InstOpCustomData Sm4Opcode = 0x02
	InstOpNop        Sm4Opcode = 0x00
)

// Decl is implemented by every declaration variant, known or not.
type Decl interface {
	DeclOpcode() Sm4Opcode
}

type InputDecl struct {
	Register uint32
	Mask     uint8
}

func (InputDecl) DeclOpcode() Sm4Opcode { return DeclOpInput }

type OutputDecl struct {
	Register uint32
	Mask     uint8
}

func (OutputDecl) DeclOpcode() Sm4Opcode { return DeclOpOutput }

type ConstBufferDecl struct {
	Slot      uint32
	VecCount  uint32 // number of float4 registers the cbuffer exposes
}

func (ConstBufferDecl) DeclOpcode() Sm4Opcode { return DeclOpConstantBuffer }

// ResourceKind discriminates a resource/UAV declaration's addressing
// mode ("structured/raw/typed variants").
type ResourceKind uint32

const (
	ResourceTyped ResourceKind = iota
	ResourceStructured
	ResourceRaw
)

type ResourceDecl struct {
	Slot   uint32
	Kind   ResourceKind
	Stride uint32 // meaningful for ResourceStructured only
}

func (ResourceDecl) DeclOpcode() Sm4Opcode { return DeclOpResourceTyped }

type UAVDecl struct {
	Slot   uint32
	Kind   ResourceKind
	Stride uint32
}

func (UAVDecl) DeclOpcode() Sm4Opcode { return DeclOpUAVTyped }

type SamplerDecl struct{ Slot uint32 }

func (SamplerDecl) DeclOpcode() Sm4Opcode { return DeclOpSampler }

type ThreadGroupSizeDecl struct{ X, Y, Z uint32 }

func (ThreadGroupSizeDecl) DeclOpcode() Sm4Opcode { return DeclOpThreadGroupSize }

type GSInstanceCountDecl struct{ Count uint32 }

func (GSInstanceCountDecl) DeclOpcode() Sm4Opcode { return DeclOpGSInstanceCount }

type OutputTopologyDecl struct{ Topology uint32 }

func (OutputTopologyDecl) DeclOpcode() Sm4Opcode { return DeclOpOutputTopology }

// ImmediateConstantBufferDecl preserves a CUSTOMDATA block that carries
// an immediate constant buffer ("immediate constant
// buffers (from customdata blocks)").
type ImmediateConstantBufferDecl struct {
	Values [][4]float32
}

func (ImmediateConstantBufferDecl) DeclOpcode() Sm4Opcode { return InstOpCustomData }

// UnknownDecl preserves an unrecognized declaration-space opcode's raw
// payload tokens.
type UnknownDecl struct {
	RawOpcode Sm4Opcode
	Tokens    []uint32
}

func (d UnknownDecl) DeclOpcode() Sm4Opcode { return d.RawOpcode }

// decodeDeclaration reads one declaration starting at r's current
// position, given its already-decoded instruction header (length is in
// dwords including the header token(s) already consumed).
func decodeDeclaration(r *tokenReader, hdr instructionHeader, consumedTokens int) (Decl, error) {
	op := Sm4Opcode(hdr.Opcode)
	remaining := int(hdr.LengthDwords) - consumedTokens
	if remaining < 0 {
		return nil, sm4Err(Sm4ErrLengthMismatch, fmt.Sprintf("declaration opcode 0x%X length underflow", op))
	}

	switch op {
	case DeclOpInput, DeclOpOutput:
		operand, err := decodeOperand(r, false)
		if err != nil {
			return nil, err
		}
		if op == DeclOpInput {
			return InputDecl{Register: firstIndex(operand), Mask: operand.Mask}, nil
		}
		return OutputDecl{Register: firstIndex(operand), Mask: operand.Mask}, nil

	case DeclOpConstantBuffer:
		operand, err := decodeOperand(r, false)
		if err != nil {
			return nil, err
		}
		vecCount, err := r.next()
		if err != nil {
			return nil, err
		}
		return ConstBufferDecl{Slot: firstIndex(operand), VecCount: vecCount}, nil

	case DeclOpResourceTyped, DeclOpResourceStructured, DeclOpResourceRaw:
		operand, err := decodeOperand(r, false)
		if err != nil {
			return nil, err
		}
		decl := ResourceDecl{Slot: firstIndex(operand)}
		switch op {
		case DeclOpResourceStructured:
			decl.Kind = ResourceStructured
			stride, err := r.next()
			if err != nil {
				return nil, err
			}
			decl.Stride = stride
		case DeclOpResourceRaw:
			decl.Kind = ResourceRaw
		default:
			decl.Kind = ResourceTyped
		}
		return decl, nil

	case DeclOpUAVTyped, DeclOpUAVStructured, DeclOpUAVRaw:
		operand, err := decodeOperand(r, false)
		if err != nil {
			return nil, err
		}
		decl := UAVDecl{Slot: firstIndex(operand)}
		switch op {
		case DeclOpUAVStructured:
			decl.Kind = ResourceStructured
			stride, err := r.next()
			if err != nil {
				return nil, err
			}
			decl.Stride = stride
		case DeclOpUAVRaw:
			decl.Kind = ResourceRaw
		default:
			decl.Kind = ResourceTyped
		}
		return decl, nil

	case DeclOpSampler:
		operand, err := decodeOperand(r, false)
		if err != nil {
			return nil, err
		}
		return SamplerDecl{Slot: firstIndex(operand)}, nil

	case DeclOpThreadGroupSize:
		x, err := r.next()
		if err != nil {
			return nil, err
		}
		y, err := r.next()
		if err != nil {
			return nil, err
		}
		z, err := r.next()
		if err != nil {
			return nil, err
		}
		return ThreadGroupSizeDecl{X: x, Y: y, Z: z}, nil

	case DeclOpGSInstanceCount:
		count, err := r.next()
		if err != nil {
			return nil, err
		}
		return GSInstanceCountDecl{Count: count}, nil

	case DeclOpOutputTopology:
		topo, err := r.next()
		if err != nil {
			return nil, err
		}
		return OutputTopologyDecl{Topology: topo}, nil

	default:
		toks := make([]uint32, 0, remaining)
		for i := 0; i < remaining; i++ {
			v, err := r.next()
			if err != nil {
				return nil, err
			}
			toks = append(toks, v)
		}
		return UnknownDecl{RawOpcode: op, Tokens: toks}, nil
	}
}

func firstIndex(op Operand) uint32 {
	if len(op.Indices) == 0 {
		return 0
	}
	return op.Indices[0]
}

// decodeCustomData reads a CUSTOMDATA block (instruction-space opcode,
// does not end the declaration region). Its payload is the remainder of
// the block's declared length interpreted as packed float4s, matching
// the immediate-constant-buffer usage this covers; a payload that is not
// a whole number of float4s (e.g. opcode-token tables) is skipped and
// recorded as an empty ImmediateConstantBufferDecl, its tokens not kept.
func decodeCustomData(r *tokenReader, totalLengthDwords uint32) (ImmediateConstantBufferDecl, error) {
	remaining := int(totalLengthDwords) - 2 // CUSTOMDATA uses a 2-token header: opcode + explicit total length
	if remaining < 0 {
		remaining = 0
	}
	if remaining%4 != 0 {
		// Not a clean float4 table; preserve as an empty ICB rather than fail
		// the whole module — CUSTOMDATA payloads the decoder cannot interpret
		// as an ICB are otherwise inert.
		for i := 0; i < remaining; i++ {
			if _, err := r.next(); err != nil {
				return ImmediateConstantBufferDecl{}, err
			}
		}
		return ImmediateConstantBufferDecl{}, nil
	}
	vecs := make([][4]float32, remaining/4)
	for i := range vecs {
		raw, err := r.take(4)
		if err != nil {
			return ImmediateConstantBufferDecl{}, err
		}
		for c := 0; c < 4; c++ {
			vecs[i][c] = readFloat32(raw[c*4 : c*4+4])
		}
	}
	return ImmediateConstantBufferDecl{Values: vecs}, nil
}
