// sm4_decoder.go - top-level SM4/5 (DXBC) module decoder

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
sm4_decoder.go is the entry point CreateShaderDXBC calls: it reads the
2-token program header, then walks the declaration region followed by
the instruction region, producing a Sm4Module.
Declaration opcodes (>= 0x100) are appended to Decls until the first
instruction-space opcode that is not NOP or CUSTOMDATA is seen; that
opcode and everything after it belongs to Instructions.
*/

package main

import "fmt"

// Sm4ShaderModel is the {major,minor} pair from the version token.
type Sm4ShaderModel struct{ Major, Minor uint8 }

// Sm4Module is the decoded, validated result of DecodeSm4: a stage,
// shader model, and the declaration/instruction lists walked out of the
// token stream.
type Sm4Module struct {
	Stage        sm4ProgramType
	ShaderModel  Sm4ShaderModel
	Decls        []Decl
	Instructions []Instruction
}

const sm4ProgramHeaderTokens = 2

// DecodeSm4 parses a DXBC token-stream blob into a Sm4Module. On any
// malformed-token error, the caller (CreateShaderDXBC) rejects the
// shader-create handle rather than installing a partially-decoded
// module.
func DecodeSm4(blob []byte) (*Sm4Module, error) {
	if len(blob)%4 != 0 {
		return nil, sm4Err(Sm4ErrTooShort, "blob length not a multiple of 4")
	}
	if len(blob) < sm4ProgramHeaderTokens*4 {
		return nil, sm4Err(Sm4ErrTooShort, "blob shorter than the program header")
	}

	r := newTokenReader(blob)
	verTok, err := r.next()
	if err != nil {
		return nil, err
	}
	ver := decodeVersionToken(verTok)

	totalLenTok, err := r.next()
	if err != nil {
		return nil, err
	}
	totalLenDwords := totalLenTok
	if int(totalLenDwords)*4 > len(blob) {
		return nil, sm4Err(Sm4ErrLengthMismatch, fmt.Sprintf("program declares %d tokens, blob holds %d", totalLenDwords, len(blob)/4))
	}
	// Token stream beyond the declared total length is ignored, matching
	// the command-stream decoder's "descriptor may be larger" tolerance.
	r.raw = r.raw[:totalLenDwords*4]

	module := &Sm4Module{
		Stage:       ver.ProgramType,
		ShaderModel: Sm4ShaderModel{Major: ver.Major, Minor: ver.Minor},
	}

	inDeclRegion := true
	cfDepth := 0
	for !r.atEnd() {
		peeked, err := r.peek()
		if err != nil {
			return nil, err
		}
		if Sm4Opcode(peeked&opcodeMaskBits) == InstOpCustomData {
			// CUSTOMDATA is the one instruction-space opcode whose second
			// token is an explicit total-length dword rather than a length
			// bitfield on the opcode token itself, so it needs bespoke
			// framing instead of decodeInstructionHeader.
			if _, err := r.next(); err != nil {
				return nil, err
			}
			totalLen, err := r.next()
			if err != nil {
				return nil, err
			}
			icb, err := decodeCustomData(r, totalLen)
			if err != nil {
				return nil, err
			}
			module.Decls = append(module.Decls, icb)
			continue
		}

		beforeHdr := r.byteOffset()
		hdr, err := decodeInstructionHeader(r)
		if err != nil {
			return nil, err
		}
		consumed := (r.byteOffset() - beforeHdr) / 4
		op := Sm4Opcode(hdr.Opcode)

		if op == InstOpNop {
			if err := skipRemaining(r, hdr, consumed); err != nil {
				return nil, err
			}
			continue
		}

		if inDeclRegion && op.isDeclaration() {
			decl, err := decodeDeclaration(r, hdr, consumed)
			if err != nil {
				return nil, err
			}
			module.Decls = append(module.Decls, decl)
			continue
		}

		// First non-declaration, non-NOP/CUSTOMDATA opcode ends the
		// declaration region, even if it happens to be a decl-space opcode
		// that shows up out of order (treated as the start of instructions
		// the declaration region must precede the instruction region).
		inDeclRegion = false
		inst, err := decodeInstruction(r, hdr, consumed)
		if err != nil {
			return nil, err
		}
		cfDepth += controlFlowDelta(op)
		if cfDepth > maxControlFlowNesting {
			return nil, sm4Err(Sm4ErrControlFlowDepth, fmt.Sprintf("IF/LOOP/REP nesting exceeds %d", maxControlFlowNesting))
		}
		if cfDepth < 0 {
			return nil, sm4Err(Sm4ErrControlFlowDepth, fmt.Sprintf("unbalanced %s with no open block", inst.Mnemonic))
		}
		module.Instructions = append(module.Instructions, inst)
	}

	return module, nil
}

// skipRemaining advances past whatever tokens an instruction's declared
// length still claims, used for NOP (which carries no operands but may
// still declare padding length).
func skipRemaining(r *tokenReader, hdr instructionHeader, consumed int) error {
	remaining := int(hdr.LengthDwords) - consumed
	for i := 0; i < remaining; i++ {
		if _, err := r.next(); err != nil {
			return err
		}
	}
	return nil
}
