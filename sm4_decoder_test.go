// sm4_decoder_test.go - SM4/5 (DXBC) decoder tests

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"testing"
)

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func versionToken(major, minor uint8, programType sm4ProgramType) uint32 {
	return uint32(minor) | uint32(major)<<8 | uint32(programType)<<16
}

// TestDecodeSm4_HeaderOnly decodes the minimal valid blob: a version token
// and a total-length token declaring only the header itself, with no
// declarations or instructions.
func TestDecodeSm4_HeaderOnly(t *testing.T) {
	var blob []byte
	blob = append(blob, le32(versionToken(5, 0, Sm4ProgramPixel))...)
	blob = append(blob, le32(2)...) // total length: 2 dwords (the header)

	mod, err := DecodeSm4(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mod.Stage != Sm4ProgramPixel {
		t.Errorf("Stage = %v, want Pixel", mod.Stage)
	}
	if mod.ShaderModel != (Sm4ShaderModel{Major: 5, Minor: 0}) {
		t.Errorf("ShaderModel = %+v, want {5 0}", mod.ShaderModel)
	}
	if len(mod.Decls) != 0 || len(mod.Instructions) != 0 {
		t.Errorf("expected an empty module, got %d decls, %d instructions", len(mod.Decls), len(mod.Instructions))
	}
}

// TestDecodeSm4_SingleNop decodes a version header followed by one
// zero-operand NOP instruction token, exercising the decoder's
// instruction-region path without needing a full operand decode.
func TestDecodeSm4_SingleNop(t *testing.T) {
	var blob []byte
	blob = append(blob, le32(versionToken(4, 0, Sm4ProgramVertex))...)
	blob = append(blob, le32(3)...) // header (2) + one NOP token
	nopTok := uint32(0) | uint32(1)<<24
	blob = append(blob, le32(nopTok)...)

	mod, err := DecodeSm4(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mod.Instructions) != 0 {
		t.Errorf("NOP must not be recorded as an instruction, got %d", len(mod.Instructions))
	}
}

// TestDecodeSm4_NotMultipleOf4 rejects a blob whose length is not a whole
// number of dwords.
func TestDecodeSm4_NotMultipleOf4(t *testing.T) {
	blob := []byte{0x00, 0x01, 0x02}
	if _, err := DecodeSm4(blob); err == nil {
		t.Fatal("expected an error for a non-dword-aligned blob")
	} else if se, ok := err.(*Sm4Error); !ok || se.Kind != Sm4ErrTooShort {
		t.Errorf("error = %v, want Sm4ErrTooShort", err)
	}
}

// TestDecodeSm4_ShorterThanHeader rejects a blob that does not even hold
// the two-token program header.
func TestDecodeSm4_ShorterThanHeader(t *testing.T) {
	blob := le32(versionToken(4, 0, Sm4ProgramPixel))
	if _, err := DecodeSm4(blob); err == nil {
		t.Fatal("expected an error for a blob shorter than the program header")
	}
}

// TestDecodeSm4_LengthMismatch rejects a declared total token count that
// exceeds what the blob actually holds.
func TestDecodeSm4_LengthMismatch(t *testing.T) {
	var blob []byte
	blob = append(blob, le32(versionToken(5, 0, Sm4ProgramCompute))...)
	blob = append(blob, le32(10)...) // claims 10 dwords, blob holds 2
	if _, err := DecodeSm4(blob); err == nil {
		t.Fatal("expected a length-mismatch error")
	} else if se, ok := err.(*Sm4Error); !ok || se.Kind != Sm4ErrLengthMismatch {
		t.Errorf("error = %v, want Sm4ErrLengthMismatch", err)
	}
}

func opcodeTok(op Sm4Opcode, lengthDwords uint32) uint32 {
	return uint32(op) | lengthDwords<<opcodeLenShift
}

// operandTok assembles one operand token: component-selection mode and
// bits, split register type, and an immediate32 index dimension count.
func operandTok(reg RegisterType, mode SelectionMode, sel uint8, indexDim int) uint32 {
	tok := uint32(mode)&0x3 | uint32(sel)<<2
	tok |= (uint32(reg) & 0x7) << 12
	tok |= ((uint32(reg) >> 3) & 0x3) << 19
	tok |= uint32(indexDim&0x3) << 15
	return tok
}

func appendTokens(blob []byte, toks ...uint32) []byte {
	for _, tok := range toks {
		blob = append(blob, le32(tok)...)
	}
	return blob
}

// computeShaderBlob assembles the raw-load/raw-store compute program used
// by the decode and round-trip tests below:
//
//	dcl_thread_group 8, 8, 1
//	ld_raw r0, l(0), t0
//	store_raw u0.xyzw, l(0), r0
//	ret
func computeShaderBlob(t *testing.T) []byte {
	t.Helper()
	var body []byte
	body = appendTokens(body, opcodeTok(DeclOpThreadGroupSize, 4), 8, 8, 1)
	body = appendTokens(body,
		opcodeTok(InstOpLdRaw, 7),
		operandTok(RegTemp, SelectMask, 0xF, 1), 0,
		operandTok(RegImmediate32, SelectSelect1, 0, 0), 0,
		operandTok(RegResource, SelectSwizzle, 0xE4, 1), 0,
	)
	body = appendTokens(body,
		opcodeTok(InstOpStoreRaw, 7),
		operandTok(RegUAV, SelectMask, 0xF, 1), 0,
		operandTok(RegImmediate32, SelectSelect1, 0, 0), 0,
		operandTok(RegTemp, SelectSwizzle, 0xE4, 1), 0,
	)
	body = appendTokens(body, opcodeTok(InstOpRet, 1))

	totalDwords := uint32(2 + len(body)/4)
	var blob []byte
	blob = append(blob, le32(versionToken(5, 0, Sm4ProgramCompute))...)
	blob = append(blob, le32(totalDwords)...)
	return append(blob, body...)
}

// TestDecodeSm4_ComputeRawLoadStore decodes a compute program carrying a
// thread-group declaration and a raw load/store pair.
func TestDecodeSm4_ComputeRawLoadStore(t *testing.T) {
	mod, err := DecodeSm4(computeShaderBlob(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mod.Stage != Sm4ProgramCompute {
		t.Errorf("Stage = %v, want Compute", mod.Stage)
	}

	var tgs *ThreadGroupSizeDecl
	for _, d := range mod.Decls {
		if v, ok := d.(ThreadGroupSizeDecl); ok {
			tgs = &v
		}
	}
	if tgs == nil {
		t.Fatal("missing ThreadGroupSize declaration")
	}
	if tgs.X != 8 || tgs.Y != 8 || tgs.Z != 1 {
		t.Errorf("ThreadGroupSize = %+v, want {8 8 1}", *tgs)
	}

	if len(mod.Instructions) != 3 {
		t.Fatalf("got %d instructions, want 3", len(mod.Instructions))
	}
	if mod.Instructions[0].Opcode != InstOpLdRaw {
		t.Errorf("instruction 0 = %s, want ld_raw", mod.Instructions[0].Mnemonic)
	}
	if mod.Instructions[1].Opcode != InstOpStoreRaw {
		t.Errorf("instruction 1 = %s, want store_raw", mod.Instructions[1].Mnemonic)
	}
	if mod.Instructions[2].Opcode != InstOpRet {
		t.Errorf("instruction 2 = %s, want ret", mod.Instructions[2].Mnemonic)
	}
	if got := mod.Instructions[0].Dsts[0].RegType; got != RegTemp {
		t.Errorf("ld_raw dst register type = %v, want RegTemp", got)
	}
	if got := mod.Instructions[1].Dsts[0].Mask; got != 0xF {
		t.Errorf("store_raw dst mask = 0x%X, want 0xF (.xyzw)", got)
	}
}

// TestSm4_ReencodeIsSizeConserving round-trips the compute program's
// instruction region through EncodeInstructions and asserts the token
// stream comes back bit-identical, which implies length conservation.
func TestSm4_ReencodeIsSizeConserving(t *testing.T) {
	blob := computeShaderBlob(t)
	mod, err := DecodeSm4(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	encoded := EncodeInstructions(mod.Instructions)

	// Instruction region: everything after the 2-token header and the
	// 4-token thread-group declaration.
	instRegion := blob[(2+4)*4:]
	if len(encoded)*4 != len(instRegion) {
		t.Fatalf("re-encoded region is %d bytes, original was %d", len(encoded)*4, len(instRegion))
	}
	for i, tok := range encoded {
		orig := leUint32(instRegion[i*4 : i*4+4])
		if tok != orig {
			t.Errorf("token %d: re-encoded 0x%08X, original 0x%08X", i, tok, orig)
		}
	}
}

// TestDecodeSm4_ControlFlowNestingBound rejects a blob nesting IF blocks
// beyond the decoder's depth bound, and accepts a balanced shallow nest.
func TestDecodeSm4_ControlFlowNestingBound(t *testing.T) {
	ifToks := []uint32{opcodeTok(InstOpIf, 3), operandTok(RegImmediate32, SelectSelect1, 0, 0), 1}

	var body []byte
	for i := 0; i <= maxControlFlowNesting; i++ {
		body = appendTokens(body, ifToks...)
	}
	var blob []byte
	blob = append(blob, le32(versionToken(5, 0, Sm4ProgramPixel))...)
	blob = append(blob, le32(uint32(2+len(body)/4))...)
	blob = append(blob, body...)

	_, err := DecodeSm4(blob)
	se, ok := err.(*Sm4Error)
	if !ok || se.Kind != Sm4ErrControlFlowDepth {
		t.Fatalf("error = %v, want Sm4ErrControlFlowDepth", err)
	}

	var balanced []byte
	balanced = appendTokens(balanced, ifToks...)
	balanced = appendTokens(balanced, ifToks...)
	balanced = appendTokens(balanced, opcodeTok(InstOpEndIf, 1), opcodeTok(InstOpEndIf, 1))
	var okBlob []byte
	okBlob = append(okBlob, le32(versionToken(5, 0, Sm4ProgramPixel))...)
	okBlob = append(okBlob, le32(uint32(2+len(balanced)/4))...)
	okBlob = append(okBlob, balanced...)
	if _, err := DecodeSm4(okBlob); err != nil {
		t.Fatalf("balanced two-level nest should decode, got: %v", err)
	}
}

// TestDecodeSm4_UnbalancedEndIf rejects a closer with no matching opener.
func TestDecodeSm4_UnbalancedEndIf(t *testing.T) {
	var body []byte
	body = appendTokens(body, opcodeTok(InstOpEndIf, 1))
	var blob []byte
	blob = append(blob, le32(versionToken(4, 0, Sm4ProgramPixel))...)
	blob = append(blob, le32(uint32(2+len(body)/4))...)
	blob = append(blob, body...)

	_, err := DecodeSm4(blob)
	se, ok := err.(*Sm4Error)
	if !ok || se.Kind != Sm4ErrControlFlowDepth {
		t.Fatalf("error = %v, want Sm4ErrControlFlowDepth", err)
	}
}

// TestDecodeSm4_SampleLikeFallback covers the structural fallback for an
// unknown opcode shaped {dst, src, resource, sampler}: it decodes as a
// Sample rather than an opaque Unknown.
func TestDecodeSm4_SampleLikeFallback(t *testing.T) {
	const unknownOp = Sm4Opcode(0xF0)
	var body []byte
	body = appendTokens(body,
		opcodeTok(unknownOp, 9),
		operandTok(RegTemp, SelectMask, 0xF, 1), 0, // dst
		operandTok(RegTemp, SelectSwizzle, 0xE4, 1), 1, // src coords
		operandTok(RegResource, SelectSwizzle, 0xE4, 1), 0, // resource
		operandTok(RegSampler, SelectSelect1, 0, 1), 0, // sampler
	)
	var blob []byte
	blob = append(blob, le32(versionToken(4, 0, Sm4ProgramPixel))...)
	blob = append(blob, le32(uint32(2+len(body)/4))...)
	blob = append(blob, body...)

	mod, err := DecodeSm4(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mod.Instructions) != 1 {
		t.Fatalf("got %d instructions, want 1", len(mod.Instructions))
	}
	inst := mod.Instructions[0]
	if inst.Unknown || inst.Mnemonic != "sample" {
		t.Errorf("instruction = %+v, want the sample-like fallback to fire", inst)
	}
}

// TestDecodeSm4_LoadLikeFallbackRejectsScalarCoord covers the fallback
// guard: a load-shaped unknown opcode whose coordinate operand is scalar
// must decode as Unknown, not Ld.
func TestDecodeSm4_LoadLikeFallbackRejectsScalarCoord(t *testing.T) {
	const unknownOp = Sm4Opcode(0xF1)
	var body []byte
	body = appendTokens(body,
		opcodeTok(unknownOp, 7),
		operandTok(RegTemp, SelectMask, 0xF, 1), 0, // dst
		operandTok(RegTemp, SelectSelect1, 0, 1), 1, // scalar coord
		operandTok(RegResource, SelectSwizzle, 0xE4, 1), 0, // resource
	)
	var blob []byte
	blob = append(blob, le32(versionToken(4, 0, Sm4ProgramPixel))...)
	blob = append(blob, le32(uint32(2+len(body)/4))...)
	blob = append(blob, body...)

	mod, err := DecodeSm4(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mod.Instructions) != 1 {
		t.Fatalf("got %d instructions, want 1", len(mod.Instructions))
	}
	if !mod.Instructions[0].Unknown {
		t.Errorf("instruction = %+v, want Unknown (scalar coord must not fire the load fallback)", mod.Instructions[0])
	}
}

// TestDecodeSm4_Idempotent is a smoke check that decoding two
// independent blobs does not share state through package-level globals.
func TestDecodeSm4_Idempotent(t *testing.T) {
	var blob []byte
	blob = append(blob, le32(versionToken(4, 1, Sm4ProgramGeometry))...)
	blob = append(blob, le32(2)...)

	mod1, err := DecodeSm4(blob)
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}
	mod2, err := DecodeSm4(blob)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if mod1.ShaderModel != mod2.ShaderModel || mod1.Stage != mod2.Stage {
		t.Errorf("repeated decode of the same blob diverged: %+v vs %+v", mod1, mod2)
	}
}
