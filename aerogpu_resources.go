// aerogpu_resources.go - Resource Manager: handle tables and creation contracts

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_resources.go owns the per-type dense handle tables ("allocate
handles from per-type dense maps indexed by a 32-bit key"). Destruction
marks a slot free but delays reuse until its
reference count (bumped on bind, dropped on fence completion) reaches
zero, so a submission racing a destroy never sees a resource vanish out
from under it mid-flight.
*/

package main

import "fmt"

// ShaderStage identifies which programmable stage a shader or constant
// bank targets.
type ShaderStage uint32

const (
	StageVertex ShaderStage = iota
	StagePixel
	StageCompute
)

// Texture usage bitmask.
const (
	UsageTexture      uint32 = 1 << 0
	UsageRenderTarget uint32 = 1 << 1
	UsageDepthStencil uint32 = 1 << 2
)

// Buffer usage bitmask.
const (
	UsageVertexBuffer uint32 = 1 << 0
	UsageIndexBuffer  uint32 = 1 << 1
	UsageUniform      uint32 = 1 << 2
)

// ResourceErrorKind discriminates resource-manager creation failures.
type ResourceErrorKind int

const (
	ResourceErrDuplicateHandle ResourceErrorKind = iota
	ResourceErrZeroHandle
	ResourceErrBadRowPitch
	ResourceErrBackingTooSmall
	ResourceErrBadBufferAlignment
	ResourceErrShaderDecode
	ResourceErrMissingSentinel
	ResourceErrUnknownHandle
	ResourceErrDestroyedHandle
	ResourceErrHandleInUse
	ResourceErrSizeMismatch
	ResourceErrZeroExtent
)

func (k ResourceErrorKind) String() string {
	names := [...]string{
		"DuplicateHandle", "ZeroHandle", "BadRowPitch", "BackingTooSmall",
		"BadBufferAlignment", "ShaderDecode", "MissingSentinel",
		"UnknownHandle", "DestroyedHandle", "HandleInUse", "SizeMismatch",
		"ZeroExtent",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

type ResourceError struct {
	Kind   ResourceErrorKind
	Detail string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource manager: %s: %s", e.Kind, e.Detail)
}

func resourceErr(kind ResourceErrorKind, detail string) error {
	return &ResourceError{Kind: kind, Detail: detail}
}

// Texture2D is the decoded, validated state of a CreateTexture2D command.
type Texture2D struct {
	Handle             uint32
	Usage              uint32
	Format             TextureFormat
	Width, Height      uint32
	MipLevels          uint32
	ArrayLayers        uint32
	RowPitchBytes      uint32
	BackingAllocID     uint32
	BackingOffsetBytes uint64

	// destroyed marks the handle slot as released; refCount delays actual
	// reuse until no pending submission still references it.
	destroyed bool
	refCount  int32

	// renderedSinceBind tracks whether any draw/clear has touched this
	// target since it was bound; the pipeline executor sets and clears it,
	// and no code reads it.
	renderedSinceBind bool

	// Shadow holds the tightly-packed host-side copy of a guest-backed
	// texture's pixels, synced by ResourceDirtyRange. Every mip/layer is
	// stored back-to-back at its own tight pitch, regardless of whatever
	// padded row_pitch_bytes the guest declared for mip 0.
	Shadow []byte
}

func (t *Texture2D) guestBacked() bool { return t.BackingAllocID != 0 }

// Buffer is the decoded, validated state of a CreateBuffer command.
type Buffer struct {
	Handle             uint32
	Usage              uint32
	SizeBytes          uint32
	BackingAllocID     uint32
	BackingOffsetBytes uint64

	// Shadow is the host-side copy of the buffer's contents, filled by
	// UploadResource; sized lazily on first upload.
	Shadow []byte

	destroyed bool
	refCount  int32
}

// Shader is the decoded state of a CreateShaderDXBC command: the raw blob
// plus the SM4/5 module decoded from it.
type Shader struct {
	Handle uint32
	Stage  ShaderStage
	DXBC   []byte
	Module *Sm4Module

	destroyed bool
	refCount  int32
}

// InputLayout is the decoded state of a CreateInputLayout command.
type InputLayout struct {
	Handle   uint32
	Elements []D3DVertexElement

	destroyed bool
	refCount  int32
}

// ResourceManager owns the per-type handle tables for one device instance.
type ResourceManager struct {
	textures     map[uint32]*Texture2D
	buffers      map[uint32]*Buffer
	shaders      map[uint32]*Shader
	inputLayouts map[uint32]*InputLayout
}

// NewResourceManager returns an empty resource manager, as seen
// immediately after a hard reset.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		textures:     make(map[uint32]*Texture2D),
		buffers:      make(map[uint32]*Buffer),
		shaders:      make(map[uint32]*Shader),
		inputLayouts: make(map[uint32]*InputLayout),
	}
}

// Reset releases every handle table, as a VM hard reset demands.
func (rm *ResourceManager) Reset() {
	rm.textures = make(map[uint32]*Texture2D)
	rm.buffers = make(map[uint32]*Buffer)
	rm.shaders = make(map[uint32]*Shader)
	rm.inputLayouts = make(map[uint32]*InputLayout)
}

func validateHandle(handle uint32) error {
	if handle == 0 {
		return resourceErr(ResourceErrZeroHandle, "handle must be nonzero")
	}
	return nil
}

// CreateTexture2D validates and installs a new texture handle per the
// creation contract below.
func (rm *ResourceManager) CreateTexture2D(c CreateTexture2DCmd, allocs AllocTable) (*Texture2D, error) {
	if err := validateHandle(c.Handle); err != nil {
		return nil, err
	}
	if _, exists := rm.textures[c.Handle]; exists {
		return nil, resourceErr(ResourceErrDuplicateHandle, fmt.Sprintf("texture handle %d already exists", c.Handle))
	}
	if c.Width == 0 || c.Height == 0 || c.MipLevels == 0 || c.ArrayLayers == 0 {
		return nil, resourceErr(ResourceErrZeroExtent, "width, height, mip_levels and array_layers must all be nonzero")
	}
	info, known := c.Format.info()
	_ = info
	if !known {
		return nil, resourceErr(ResourceErrBadRowPitch, fmt.Sprintf("unknown format %d", c.Format))
	}

	if c.BackingAllocID != 0 {
		if c.RowPitchBytes == 0 {
			return nil, resourceErr(ResourceErrBadRowPitch, "guest-backed texture requires nonzero row_pitch_bytes")
		}
		minPitch := minMip0TightPitch(c.Format, c.Width)
		if c.RowPitchBytes < minPitch {
			return nil, resourceErr(ResourceErrBadRowPitch, fmt.Sprintf("row_pitch_bytes=%d below minimum tight pitch %d", c.RowPitchBytes, minPitch))
		}
		backing, ok := allocs[c.BackingAllocID]
		if !ok {
			return nil, resourceErr(ResourceErrBackingTooSmall, fmt.Sprintf("alloc_id %d not present in table", c.BackingAllocID))
		}
		required := tightTextureSize(c.Format, c.Width, c.Height, c.MipLevels, c.ArrayLayers, c.RowPitchBytes)
		available := backing.SizeBytes - minUint64(c.BackingOffsetBytes, backing.SizeBytes)
		if available < required {
			return nil, resourceErr(ResourceErrBackingTooSmall, fmt.Sprintf("backing provides %d bytes, need %d", available, required))
		}
	}

	tex := &Texture2D{
		Handle:             c.Handle,
		Usage:              c.Usage,
		Format:             c.Format,
		Width:              c.Width,
		Height:             c.Height,
		MipLevels:          c.MipLevels,
		ArrayLayers:        c.ArrayLayers,
		RowPitchBytes:      c.RowPitchBytes,
		BackingAllocID:     c.BackingAllocID,
		BackingOffsetBytes: c.BackingOffsetBytes,
	}
	rm.textures[c.Handle] = tex
	return tex, nil
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// CreateBuffer validates and installs a new buffer handle.
func (rm *ResourceManager) CreateBuffer(c CreateBufferCmd) (*Buffer, error) {
	if err := validateHandle(c.Handle); err != nil {
		return nil, err
	}
	if _, exists := rm.buffers[c.Handle]; exists {
		return nil, resourceErr(ResourceErrDuplicateHandle, fmt.Sprintf("buffer handle %d already exists", c.Handle))
	}
	if c.SizeBytes%4 != 0 {
		return nil, resourceErr(ResourceErrBadBufferAlignment, fmt.Sprintf("size_bytes=%d not 4-byte aligned", c.SizeBytes))
	}
	buf := &Buffer{
		Handle:             c.Handle,
		Usage:              c.Usage,
		SizeBytes:          c.SizeBytes,
		BackingAllocID:     c.BackingAllocID,
		BackingOffsetBytes: c.BackingOffsetBytes,
	}
	rm.buffers[c.Handle] = buf
	return buf, nil
}

// CreateShaderDXBC decodes the DXBC blob via the SM4/5 decoder and, on
// success, installs the shader handle. On decode failure the handle is
// never installed: on failure the handle is rejected.
func (rm *ResourceManager) CreateShaderDXBC(c CreateShaderDXBCCmd) (*Shader, error) {
	if err := validateHandle(c.Handle); err != nil {
		return nil, err
	}
	if _, exists := rm.shaders[c.Handle]; exists {
		return nil, resourceErr(ResourceErrDuplicateHandle, fmt.Sprintf("shader handle %d already exists", c.Handle))
	}
	module, err := DecodeSm4(c.DXBC)
	if err != nil {
		return nil, resourceErr(ResourceErrShaderDecode, err.Error())
	}
	sh := &Shader{Handle: c.Handle, Stage: c.Stage, DXBC: c.DXBC, Module: module}
	rm.shaders[c.Handle] = sh
	return sh, nil
}

// CreateInputLayout validates the terminating sentinel and installs the
// input-layout handle.
func (rm *ResourceManager) CreateInputLayout(c CreateInputLayoutCmd) (*InputLayout, error) {
	if err := validateHandle(c.Handle); err != nil {
		return nil, err
	}
	if _, exists := rm.inputLayouts[c.Handle]; exists {
		return nil, resourceErr(ResourceErrDuplicateHandle, fmt.Sprintf("input layout handle %d already exists", c.Handle))
	}
	if len(c.Elements) == 0 || !c.Elements[len(c.Elements)-1].isSentinel() {
		return nil, resourceErr(ResourceErrMissingSentinel, "element list must end with the (0xFF, UNUSED) sentinel")
	}
	layout := &InputLayout{Handle: c.Handle, Elements: c.Elements}
	rm.inputLayouts[c.Handle] = layout
	return layout, nil
}

// lookupTexture returns a live texture handle, or an UnknownHandle or
// DestroyedHandle error.
func (rm *ResourceManager) lookupTexture(handle uint32) (*Texture2D, error) {
	t, ok := rm.textures[handle]
	if !ok {
		return nil, resourceErr(ResourceErrUnknownHandle, fmt.Sprintf("texture handle %d unknown", handle))
	}
	if t.destroyed {
		return nil, resourceErr(ResourceErrDestroyedHandle, fmt.Sprintf("texture handle %d destroyed", handle))
	}
	return t, nil
}

func (rm *ResourceManager) lookupBuffer(handle uint32) (*Buffer, error) {
	b, ok := rm.buffers[handle]
	if !ok {
		return nil, resourceErr(ResourceErrUnknownHandle, fmt.Sprintf("buffer handle %d unknown", handle))
	}
	if b.destroyed {
		return nil, resourceErr(ResourceErrDestroyedHandle, fmt.Sprintf("buffer handle %d destroyed", handle))
	}
	return b, nil
}

func (rm *ResourceManager) lookupShader(handle uint32) (*Shader, error) {
	if handle == 0 {
		return nil, nil
	}
	s, ok := rm.shaders[handle]
	if !ok {
		return nil, resourceErr(ResourceErrUnknownHandle, fmt.Sprintf("shader handle %d unknown", handle))
	}
	if s.destroyed {
		return nil, resourceErr(ResourceErrDestroyedHandle, fmt.Sprintf("shader handle %d destroyed", handle))
	}
	return s, nil
}

func (rm *ResourceManager) lookupInputLayout(handle uint32) (*InputLayout, error) {
	l, ok := rm.inputLayouts[handle]
	if !ok {
		return nil, resourceErr(ResourceErrUnknownHandle, fmt.Sprintf("input layout handle %d unknown", handle))
	}
	if l.destroyed {
		return nil, resourceErr(ResourceErrDestroyedHandle, fmt.Sprintf("input layout handle %d destroyed", handle))
	}
	return l, nil
}

// Destroy marks a handle (of whichever type holds it) as released. If the
// handle still has a live binding (refCount > 0) the slot is retained,
// tombstoned, until ReleaseFenceRefs drops the count to zero.
func (rm *ResourceManager) Destroy(handle uint32) error {
	if t, ok := rm.textures[handle]; ok {
		t.destroyed = true
		rm.maybeReap(handle, &t.refCount, rm.textures)
		return nil
	}
	if b, ok := rm.buffers[handle]; ok {
		b.destroyed = true
		rm.maybeReapBuffer(handle, b)
		return nil
	}
	if s, ok := rm.shaders[handle]; ok {
		s.destroyed = true
		rm.maybeReapShader(handle, s)
		return nil
	}
	if l, ok := rm.inputLayouts[handle]; ok {
		l.destroyed = true
		rm.maybeReapLayout(handle, l)
		return nil
	}
	return resourceErr(ResourceErrUnknownHandle, fmt.Sprintf("handle %d unknown to any type", handle))
}

func (rm *ResourceManager) maybeReap(handle uint32, refCount *int32, table map[uint32]*Texture2D) {
	if *refCount <= 0 {
		delete(table, handle)
	}
}

func (rm *ResourceManager) maybeReapBuffer(handle uint32, b *Buffer) {
	if b.refCount <= 0 {
		delete(rm.buffers, handle)
	}
}

func (rm *ResourceManager) maybeReapShader(handle uint32, s *Shader) {
	if s.refCount <= 0 {
		delete(rm.shaders, handle)
	}
}

func (rm *ResourceManager) maybeReapLayout(handle uint32, l *InputLayout) {
	if l.refCount <= 0 {
		delete(rm.inputLayouts, handle)
	}
}

// BindFenceRefs adds one reference to every handle a submission's command
// stream binds, keeping the resource alive even across a racing Destroy
// until ReleaseFenceRefs drops the count again at fence completion.
func (rm *ResourceManager) BindFenceRefs(handles []uint32) {
	for _, h := range handles {
		if t, ok := rm.textures[h]; ok {
			t.refCount++
			continue
		}
		if b, ok := rm.buffers[h]; ok {
			b.refCount++
			continue
		}
		if s, ok := rm.shaders[h]; ok {
			s.refCount++
			continue
		}
		if l, ok := rm.inputLayouts[h]; ok {
			l.refCount++
		}
	}
}

// ReleaseFenceRefs drops one reference from every handle bound by a
// submission whose fence has just completed, reaping any that were
// already destroyed and have no remaining binder.
func (rm *ResourceManager) ReleaseFenceRefs(handles []uint32) {
	for _, h := range handles {
		if t, ok := rm.textures[h]; ok {
			t.refCount--
			if t.destroyed {
				rm.maybeReap(h, &t.refCount, rm.textures)
			}
			continue
		}
		if b, ok := rm.buffers[h]; ok {
			b.refCount--
			if b.destroyed {
				rm.maybeReapBuffer(h, b)
			}
			continue
		}
		if s, ok := rm.shaders[h]; ok {
			s.refCount--
			if s.destroyed {
				rm.maybeReapShader(h, s)
			}
			continue
		}
		if l, ok := rm.inputLayouts[h]; ok {
			l.refCount--
			if l.destroyed {
				rm.maybeReapLayout(h, l)
			}
		}
	}
}
