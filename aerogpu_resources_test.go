// aerogpu_resources_test.go - Resource Manager tests

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

package main

import "testing"

func TestResourceManager_CreateTexture2D_HostOnly(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateTexture2DCmd{
		Handle: 1, Usage: UsageRenderTarget,
		Format: FormatR8G8B8A8UNorm, Width: 16, Height: 16,
		MipLevels: 1, ArrayLayers: 1,
	}
	tex, err := rm.CreateTexture2D(cmd, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tex.Width != 16 || tex.Height != 16 {
		t.Errorf("tex = %+v, want 16x16", tex)
	}
}

func TestResourceManager_CreateTexture2D_ZeroExtent(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateTexture2DCmd{Handle: 1, Format: FormatR8G8B8A8UNorm, Width: 0, Height: 16, MipLevels: 1, ArrayLayers: 1}
	_, err := rm.CreateTexture2D(cmd, nil)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrZeroExtent {
		t.Fatalf("error = %v, want ResourceErrZeroExtent", err)
	}
}

func TestResourceManager_CreateTexture2D_ZeroMipLevels(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateTexture2DCmd{Handle: 1, Format: FormatR8G8B8A8UNorm, Width: 16, Height: 16, MipLevels: 0, ArrayLayers: 1}
	_, err := rm.CreateTexture2D(cmd, nil)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrZeroExtent {
		t.Fatalf("error = %v, want ResourceErrZeroExtent for mip_levels=0", err)
	}
}

func TestResourceManager_CreateTexture2D_DuplicateHandle(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateTexture2DCmd{Handle: 1, Format: FormatR8G8B8A8UNorm, Width: 4, Height: 4, MipLevels: 1, ArrayLayers: 1}
	if _, err := rm.CreateTexture2D(cmd, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := rm.CreateTexture2D(cmd, nil)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrDuplicateHandle {
		t.Fatalf("error = %v, want ResourceErrDuplicateHandle", err)
	}
}

func TestResourceManager_CreateTexture2D_ZeroHandle(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateTexture2DCmd{Handle: 0, Format: FormatR8G8B8A8UNorm, Width: 4, Height: 4, MipLevels: 1, ArrayLayers: 1}
	_, err := rm.CreateTexture2D(cmd, nil)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrZeroHandle {
		t.Fatalf("error = %v, want ResourceErrZeroHandle", err)
	}
}

func TestResourceManager_CreateTexture2D_GuestBacked_RowPitchTooSmall(t *testing.T) {
	rm := NewResourceManager()
	allocs := AllocTable{1: AllocEntryInfo{GPA: 0x1000, SizeBytes: 1 << 20}}
	minPitch := minMip0TightPitch(FormatR8G8B8A8UNorm, 16)
	cmd := CreateTexture2DCmd{
		Handle: 1, Format: FormatR8G8B8A8UNorm, Width: 16, Height: 16,
		MipLevels: 1, ArrayLayers: 1, RowPitchBytes: minPitch - 1, BackingAllocID: 1,
	}
	_, err := rm.CreateTexture2D(cmd, allocs)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrBadRowPitch {
		t.Fatalf("error = %v, want ResourceErrBadRowPitch", err)
	}
}

func TestResourceManager_CreateTexture2D_GuestBacked_BackingTooSmall(t *testing.T) {
	rm := NewResourceManager()
	allocs := AllocTable{1: AllocEntryInfo{GPA: 0x1000, SizeBytes: 4}} // far too small for 16x16 RGBA8
	minPitch := minMip0TightPitch(FormatR8G8B8A8UNorm, 16)
	cmd := CreateTexture2DCmd{
		Handle: 1, Format: FormatR8G8B8A8UNorm, Width: 16, Height: 16,
		MipLevels: 1, ArrayLayers: 1, RowPitchBytes: minPitch, BackingAllocID: 1,
	}
	_, err := rm.CreateTexture2D(cmd, allocs)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrBackingTooSmall {
		t.Fatalf("error = %v, want ResourceErrBackingTooSmall", err)
	}
}

func TestResourceManager_CreateTexture2D_GuestBacked_MissingAllocID(t *testing.T) {
	rm := NewResourceManager()
	minPitch := minMip0TightPitch(FormatR8G8B8A8UNorm, 16)
	cmd := CreateTexture2DCmd{
		Handle: 1, Format: FormatR8G8B8A8UNorm, Width: 16, Height: 16,
		MipLevels: 1, ArrayLayers: 1, RowPitchBytes: minPitch, BackingAllocID: 99,
	}
	_, err := rm.CreateTexture2D(cmd, AllocTable{})
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrBackingTooSmall {
		t.Fatalf("error = %v, want ResourceErrBackingTooSmall", err)
	}
}

func TestResourceManager_CreateBuffer_Alignment(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateBufferCmd{Handle: 1, SizeBytes: 13}
	_, err := rm.CreateBuffer(cmd)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrBadBufferAlignment {
		t.Fatalf("error = %v, want ResourceErrBadBufferAlignment", err)
	}
}

func TestResourceManager_CreateBuffer_OK(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateBufferCmd{Handle: 1, SizeBytes: 16}
	buf, err := rm.CreateBuffer(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.SizeBytes != 16 {
		t.Errorf("buf.SizeBytes = %d, want 16", buf.SizeBytes)
	}
}

func TestResourceManager_CreateShaderDXBC_DecodeFailureRejectsHandle(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateShaderDXBCCmd{Handle: 1, Stage: StagePixel, DXBC: []byte{0x00, 0x01, 0x02}} // not dword-aligned
	_, err := rm.CreateShaderDXBC(cmd)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrShaderDecode {
		t.Fatalf("error = %v, want ResourceErrShaderDecode", err)
	}
	if _, lookupErr := rm.lookupShader(1); lookupErr == nil {
		t.Fatalf("expected handle 1 to remain unregistered after a decode failure")
	}
}

func TestResourceManager_CreateShaderDXBC_OK(t *testing.T) {
	rm := NewResourceManager()
	var blob []byte
	blob = append(blob, le32(versionToken(5, 0, Sm4ProgramPixel))...)
	blob = append(blob, le32(2)...)
	cmd := CreateShaderDXBCCmd{Handle: 1, Stage: StagePixel, DXBC: blob}
	sh, err := rm.CreateShaderDXBC(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sh.Module.Stage != Sm4ProgramPixel {
		t.Errorf("decoded stage = %v, want Pixel", sh.Module.Stage)
	}
}

func TestResourceManager_CreateInputLayout_MissingSentinel(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateInputLayoutCmd{Handle: 1, Elements: []D3DVertexElement{{Stream: 0, Type: 1}}}
	_, err := rm.CreateInputLayout(cmd)
	re, ok := err.(*ResourceError)
	if !ok || re.Kind != ResourceErrMissingSentinel {
		t.Fatalf("error = %v, want ResourceErrMissingSentinel", err)
	}
}

func TestResourceManager_CreateInputLayout_OK(t *testing.T) {
	rm := NewResourceManager()
	sentinel := D3DVertexElement{Stream: vertexElementSentinelStream, Type: vertexElementTypeUnused}
	cmd := CreateInputLayoutCmd{Handle: 1, Elements: []D3DVertexElement{{Stream: 0, Type: 1}, sentinel}}
	layout, err := rm.CreateInputLayout(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(layout.Elements) != 2 {
		t.Errorf("len(layout.Elements) = %d, want 2", len(layout.Elements))
	}
}

// TestResourceManager_DestroyDelaysReuse covers the destroy/refcount reaping
// contract: a handle still bound by a live submission is tombstoned, not
// removed, until ReleaseFenceRefs drops its count to zero.
func TestResourceManager_DestroyDelaysReuse(t *testing.T) {
	rm := NewResourceManager()
	cmd := CreateBufferCmd{Handle: 1, SizeBytes: 16}
	if _, err := rm.CreateBuffer(cmd); err != nil {
		t.Fatalf("create: %v", err)
	}
	rm.buffers[1].refCount = 1

	if err := rm.Destroy(1); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := rm.buffers[1]; !ok {
		t.Fatalf("expected the tombstoned handle to remain present while refCount > 0")
	}

	rm.ReleaseFenceRefs([]uint32{1})
	if _, ok := rm.buffers[1]; ok {
		t.Fatalf("expected the handle to be reaped once its refCount reached 0")
	}
}

func TestResourceManager_Reset(t *testing.T) {
	rm := NewResourceManager()
	if _, err := rm.CreateBuffer(CreateBufferCmd{Handle: 1, SizeBytes: 4}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rm.Reset()
	if len(rm.buffers) != 0 {
		t.Errorf("expected an empty buffer table after Reset, got %d", len(rm.buffers))
	}
}
