// aerogpu_pipeline.go - Pipeline Executor: bound state and draw/clear/copy/present semantics

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_pipeline.go applies a validated command list to a per-context
PipelineState and rasterizes onto host-side render-target buffers. Full
HLSL execution is out of scope ("pixel-perfect GPU
emulation", "supporting every Direct3D feature"); Draw/DrawIndexed here
resolve a single flat fragment color from the bound pixel shader's c0
constant (falling back to opaque white), which is enough to exercise the
binding/state-tracking contract and the clear/scissor/present pixel
contracts this module's behavior actually pins down.
*/

package main

import (
	"fmt"
	"image"
	"image/draw"

	ximagedraw "golang.org/x/image/draw"
)

type IndexFormat uint32

const (
	IndexFormat16 IndexFormat = iota
	IndexFormat32
)

type PrimitiveTopology uint32

const (
	TopologyTriangleList PrimitiveTopology = iota
	TopologyTriangleStrip
	TopologyLineList
	TopologyPointList
)

// RenderState mirrors a subset of D3D9 render states.
type RenderState uint32

const (
	RsZEnable RenderState = iota
	RsZWriteEnable
	RsZFunc
	RsScissorTestEnable
	RsSrgbWriteEnable
	RsCullMode
)

const (
	CullNone RenderState = iota
	CullCW
	CullCCW
)

// CmpFunc mirrors D3DCMPFUNC values relevant to ZFUNC.
type CmpFunc uint32

const (
	CmpAlways CmpFunc = iota
	CmpLess
	CmpLessEqual
	CmpGreaterEqual
	CmpGreater
)

// Viewport and Scissor are simple float/int rectangles.
type Viewport struct{ X, Y, W, H, MinDepth, MaxDepth float32 }
type ScissorRect struct{ X, Y, W, H int32 }

// ConstantBank holds up to 256 vec4 registers per shader stage, the way
// D3D9 exposes c#/i#/b# register banks.
type ConstantBank struct {
	Float [][4]float32
	Int   [][4]int32
	Bool  []bool
}

func newConstantBank() *ConstantBank {
	return &ConstantBank{
		Float: make([][4]float32, 256),
		Int:   make([][4]int32, 16),
		Bool:  make([]bool, 16),
	}
}

// PipelineState is the full bound state for one context_id, isolated from
// every other context's state ("cross-context leakage
// of c# constants is a defect").
type PipelineState struct {
	RenderTargets    [8]uint32
	RenderTargetCount int
	DepthStencil     uint32

	Viewport      Viewport
	Scissor       ScissorRect
	ScissorEnable bool

	InputLayout uint32
	VertexBufs  map[uint32]VertexBufferBinding
	IndexBuf    SetIndexBufferCmd
	Topology    PrimitiveTopology

	VS, PS, CS uint32

	Constants map[ShaderStage]*ConstantBank

	RenderStateBits map[RenderState]uint32
	SamplerStates   map[uint32]map[uint32]uint32
}

func newPipelineState() *PipelineState {
	return &PipelineState{
		VertexBufs: make(map[uint32]VertexBufferBinding),
		Constants: map[ShaderStage]*ConstantBank{
			StageVertex:  newConstantBank(),
			StagePixel:   newConstantBank(),
			StageCompute: newConstantBank(),
		},
		RenderStateBits: make(map[RenderState]uint32),
		SamplerStates:   make(map[uint32]map[uint32]uint32),
	}
}

// RGBA8Target is a host-side render target or depth/stencil backing
// store, addressed as tightly-packed rows.
type RGBA8Target struct {
	Width, Height uint32
	Pixels        []byte // RGBA8, width*height*4 bytes
}

func newRGBA8Target(w, h uint32) *RGBA8Target {
	return &RGBA8Target{Width: w, Height: h, Pixels: make([]byte, uint64(w)*uint64(h)*4)}
}

func (t *RGBA8Target) setPixel(x, y int32, r, g, b, a uint8) {
	if x < 0 || y < 0 || uint32(x) >= t.Width || uint32(y) >= t.Height {
		return
	}
	off := (uint64(y)*uint64(t.Width) + uint64(x)) * 4
	t.Pixels[off+0] = r
	t.Pixels[off+1] = g
	t.Pixels[off+2] = b
	t.Pixels[off+3] = a
}

func (t *RGBA8Target) getPixel(x, y int32) (r, g, b, a uint8) {
	if x < 0 || y < 0 || uint32(x) >= t.Width || uint32(y) >= t.Height {
		return 0, 0, 0, 0
	}
	off := (uint64(y)*uint64(t.Width) + uint64(x)) * 4
	return t.Pixels[off+0], t.Pixels[off+1], t.Pixels[off+2], t.Pixels[off+3]
}

// Scanout mirrors a single display output's framebuffer binding.
type Scanout struct {
	Enable         bool
	Width, Height  uint32
	PitchBytes     uint32
	FramebufferGPA uint64
	Format         TextureFormat
}

// PipelineExecutor mutates per-context PipelineState and drives host
// render-target buffers.
type PipelineExecutor struct {
	resources *ResourceManager
	contexts  map[uint32]*PipelineState
	targets   map[uint32]*RGBA8Target // keyed by texture handle
	scanouts  [4]Scanout
	presented [4]uint32 // last render-target handle presented to each scanout

	// depthClear/stencilClear record the most recent clear values applied
	// to each depth-stencil handle; the stencil value is stored already
	// masked to the 8 bits a D24S8 attachment keeps.
	depthClear   map[uint32]float32
	stencilClear map[uint32]uint8
}

func NewPipelineExecutor(rm *ResourceManager) *PipelineExecutor {
	return &PipelineExecutor{
		resources:    rm,
		contexts:     make(map[uint32]*PipelineState),
		targets:      make(map[uint32]*RGBA8Target),
		depthClear:   make(map[uint32]float32),
		stencilClear: make(map[uint32]uint8),
	}
}

func (e *PipelineExecutor) Reset() {
	e.contexts = make(map[uint32]*PipelineState)
	e.targets = make(map[uint32]*RGBA8Target)
	e.scanouts = [4]Scanout{}
	e.presented = [4]uint32{}
	e.depthClear = make(map[uint32]float32)
	e.stencilClear = make(map[uint32]uint8)
}

func (e *PipelineExecutor) stateFor(contextID uint32) *PipelineState {
	st, ok := e.contexts[contextID]
	if !ok {
		st = newPipelineState()
		e.contexts[contextID] = st
	}
	return st
}

// targetFor returns (creating if needed) the host-side pixel buffer
// backing a render-target or depth-stencil texture handle.
func (e *PipelineExecutor) targetFor(handle uint32) (*RGBA8Target, error) {
	if t, ok := e.targets[handle]; ok {
		return t, nil
	}
	tex, err := e.resources.lookupTexture(handle)
	if err != nil {
		return nil, err
	}
	target := newRGBA8Target(tex.Width, tex.Height)
	e.targets[handle] = target
	return target, nil
}

// PipelineErrorKind discriminates apply-time pipeline errors.
type PipelineErrorKind int

const (
	PipelineErrUnboundResource PipelineErrorKind = iota
	PipelineErrTooManyRenderTargets
	PipelineErrNoScanout
)

type PipelineError struct {
	Kind   PipelineErrorKind
	Detail string
}

func (e *PipelineError) Error() string { return fmt.Sprintf("pipeline: %s", e.Detail) }

func pipelineErr(kind PipelineErrorKind, detail string) error {
	return &PipelineError{Kind: kind, Detail: detail}
}

// Apply mutates contextID's pipeline state for every command in cmds,
// executing renders/clears/copies/presents against the host-side targets
// as each state-mutating or draw-like command is encountered, in order.
func (e *PipelineExecutor) Apply(contextID uint32, cmds []Command, mem GuestMemory, allocs AllocTable) error {
	st := e.stateFor(contextID)
	for _, cmd := range cmds {
		if err := e.applyOne(st, cmd, mem, allocs); err != nil {
			return err
		}
	}
	return nil
}

func (e *PipelineExecutor) applyOne(st *PipelineState, cmd Command, mem GuestMemory, allocs AllocTable) error {
	switch c := cmd.(type) {
	case CreateTexture2DCmd:
		_, err := e.resources.CreateTexture2D(c, allocs)
		return err
	case CreateBufferCmd:
		_, err := e.resources.CreateBuffer(c)
		return err
	case CreateShaderDXBCCmd:
		_, err := e.resources.CreateShaderDXBC(c)
		return err
	case CreateInputLayoutCmd:
		_, err := e.resources.CreateInputLayout(c)
		return err
	case DestroyResourceCmd:
		return e.resources.Destroy(c.Handle)
	case UploadResourceCmd:
		return e.applyUpload(c)
	case ResourceDirtyRangeCmd:
		return e.applyDirtyRange(c, mem, allocs)

	case SetInputLayoutCmd:
		if _, err := e.resources.lookupInputLayout(c.Handle); err != nil {
			return err
		}
		st.InputLayout = c.Handle
		return nil
	case SetVertexBuffersCmd:
		for i, b := range c.Buffers {
			if _, err := e.resources.lookupBuffer(b.Handle); err != nil {
				return err
			}
			st.VertexBufs[c.StartSlot+uint32(i)] = b
		}
		return nil
	case SetIndexBufferCmd:
		if c.Handle != 0 {
			if _, err := e.resources.lookupBuffer(c.Handle); err != nil {
				return err
			}
		}
		st.IndexBuf = c
		return nil
	case SetPrimitiveTopologyCmd:
		st.Topology = c.Topology
		return nil
	case SetRenderTargetsCmd:
		if len(c.Targets) > 8 {
			return pipelineErr(PipelineErrTooManyRenderTargets, "more than 8 render targets bound")
		}
		for i, h := range c.Targets {
			if h != 0 {
				if _, err := e.targetFor(h); err != nil {
					return err
				}
			}
			st.RenderTargets[i] = h
		}
		st.RenderTargetCount = len(c.Targets)
		for i := len(c.Targets); i < 8; i++ {
			st.RenderTargets[i] = 0
		}
		if c.DepthStencilHandle != 0 {
			if _, err := e.targetFor(c.DepthStencilHandle); err != nil {
				return err
			}
		}
		st.DepthStencil = c.DepthStencilHandle
		for _, h := range c.Targets {
			if h != 0 {
				if tex, ok := e.resources.textures[h]; ok {
					tex.renderedSinceBind = false
				}
			}
		}
		return nil
	case SetViewportCmd:
		st.Viewport = Viewport{X: c.X, Y: c.Y, W: c.W, H: c.H, MinDepth: c.MinDepth, MaxDepth: c.MaxDepth}
		return nil
	case SetScissorCmd:
		st.Scissor = ScissorRect{X: c.X, Y: c.Y, W: c.W, H: c.H}
		return nil
	case SetRenderStateCmd:
		st.RenderStateBits[c.State] = c.Value
		if c.State == RsScissorTestEnable {
			st.ScissorEnable = c.Value != 0
		}
		return nil
	case SetShaderConstantsFCmd:
		bank := st.Constants[c.Stage]
		for i, v := range c.Values {
			reg := int(c.StartRegister) + i
			if reg < len(bank.Float) {
				bank.Float[reg] = v
			}
		}
		return nil
	case SetShaderConstantsICmd:
		bank := st.Constants[c.Stage]
		for i, v := range c.Values {
			reg := int(c.StartRegister) + i
			if reg < len(bank.Int) {
				bank.Int[reg] = v
			}
		}
		return nil
	case SetShaderConstantsBCmd:
		bank := st.Constants[c.Stage]
		for i, v := range c.Values {
			reg := int(c.StartRegister) + i
			if reg < len(bank.Bool) {
				bank.Bool[reg] = v
			}
		}
		return nil
	case SetSamplerStateCmd:
		slot, ok := st.SamplerStates[c.Slot]
		if !ok {
			slot = make(map[uint32]uint32)
			st.SamplerStates[c.Slot] = slot
		}
		slot[c.State] = c.Value
		return nil
	case BindShadersCmd:
		for _, h := range []uint32{c.VertexShader, c.PixelShader, c.ComputeShader} {
			if _, err := e.resources.lookupShader(h); err != nil {
				return err
			}
		}
		st.VS, st.PS, st.CS = c.VertexShader, c.PixelShader, c.ComputeShader
		return nil

	case ClearCmd:
		return e.applyClear(st, c)
	case DrawCmd:
		return e.applyDraw(st)
	case DrawIndexedCmd:
		return e.applyDraw(st)
	case CopyTexture2DCmd:
		return e.applyCopy(c, mem, allocs)
	case PresentCmd:
		return e.applyPresent(st, c, mem)

	case UnknownCommand:
		return nil
	default:
		return nil
	}
}

// applyUpload copies a packet's inline bytes into the target resource's
// host-side shadow at the declared offset. The shadow always uses tight
// pitches; callers uploading a padded source repack before submitting.
func (e *PipelineExecutor) applyUpload(c UploadResourceCmd) error {
	if tex, ok := e.resources.textures[c.Handle]; ok && !tex.destroyed {
		tightPitch0 := minMip0TightPitch(tex.Format, tex.Width)
		total := tightLayerSize(tex.Format, tex.Width, tex.Height, tex.MipLevels, tightPitch0) * uint64(tex.ArrayLayers)
		if uint64(len(tex.Shadow)) != total {
			tex.Shadow = make([]byte, total)
		}
		end := uint64(c.DstOffsetBytes) + uint64(len(c.Data))
		if end > total {
			return resourceErr(ResourceErrSizeMismatch, fmt.Sprintf("UploadResource: offset %d + %d bytes exceeds texture size %d", c.DstOffsetBytes, len(c.Data), total))
		}
		copy(tex.Shadow[c.DstOffsetBytes:end], c.Data)
		return nil
	}
	if buf, ok := e.resources.buffers[c.Handle]; ok && !buf.destroyed {
		if len(buf.Shadow) != int(buf.SizeBytes) {
			buf.Shadow = make([]byte, buf.SizeBytes)
		}
		end := uint64(c.DstOffsetBytes) + uint64(len(c.Data))
		if end > uint64(buf.SizeBytes) {
			return resourceErr(ResourceErrSizeMismatch, fmt.Sprintf("UploadResource: offset %d + %d bytes exceeds buffer size %d", c.DstOffsetBytes, len(c.Data), buf.SizeBytes))
		}
		copy(buf.Shadow[c.DstOffsetBytes:end], c.Data)
		return nil
	}
	return resourceErr(ResourceErrUnknownHandle, fmt.Sprintf("UploadResource: handle %d unknown", c.Handle))
}

// applyDirtyRange re-syncs a guest-backed texture's declared range into
// its host-side shadow, repacking mip 0's padded guest rows into the
// tight layout every mip above 0 already uses in guest memory
// (row_pitch_bytes padding only ever applies to mip 0).
func (e *PipelineExecutor) applyDirtyRange(c ResourceDirtyRangeCmd, mem GuestMemory, allocs AllocTable) error {
	tex, err := e.resources.lookupTexture(c.Handle)
	if err != nil {
		if _, berr := e.resources.lookupBuffer(c.Handle); berr == nil {
			return nil
		}
		return err
	}
	if !tex.guestBacked() {
		return nil
	}
	backing, ok := allocs[tex.BackingAllocID]
	if !ok {
		return resourceErr(ResourceErrBackingTooSmall, "dirty range references a table with no matching alloc_id")
	}

	info, _ := tex.Format.info()
	tightPitch0 := minMip0TightPitch(tex.Format, tex.Width)
	guestLayerStride := tightLayerSize(tex.Format, tex.Width, tex.Height, tex.MipLevels, tex.RowPitchBytes)
	hostLayerStride := tightLayerSize(tex.Format, tex.Width, tex.Height, tex.MipLevels, tightPitch0)
	totalHostSize := hostLayerStride * uint64(tex.ArrayLayers)
	if uint64(len(tex.Shadow)) != totalHostSize {
		tex.Shadow = make([]byte, totalHostSize)
	}

	for layer := uint32(0); layer < tex.ArrayLayers; layer++ {
		guestLayerBase := backing.GPA + tex.BackingOffsetBytes + uint64(layer)*guestLayerStride
		hostLayerBase := uint64(layer) * hostLayerStride
		var guestOff, hostOff uint64
		for level := uint32(0); level < tex.MipLevels; level++ {
			h := mipExtent(tex.Height, level)
			rowsOfBlocks := blocksAcross(h, info.blockHeight)
			tightPitch := tightRowPitch(tex.Format, tex.Width, level)
			guestPitch := tightPitch
			if level == 0 {
				guestPitch = tex.RowPitchBytes
			}
			for row := uint32(0); row < rowsOfBlocks; row++ {
				src := guestLayerBase + guestOff + uint64(row)*uint64(guestPitch)
				row8, ok := mem.ReadPhysical(src, tightPitch)
				if !ok {
					return resourceErr(ResourceErrBackingTooSmall, "dirty range read past backing allocation")
				}
				dst := hostLayerBase + hostOff + uint64(row)*uint64(tightPitch)
				copy(tex.Shadow[dst:dst+uint64(tightPitch)], row8)
			}
			guestOff += uint64(guestPitch) * uint64(rowsOfBlocks)
			hostOff += uint64(tightPitch) * uint64(rowsOfBlocks)
		}
	}
	return nil
}

// applyClear implements the clear semantics, including
// scissored-rectangle clamping and the stencil 8-bit mask.
func (e *PipelineExecutor) applyClear(st *PipelineState, c ClearCmd) error {
	r8, g8, b8, a8 := floatToU8(c.R), floatToU8(c.G), floatToU8(c.B), floatToU8(c.A)

	if c.Flags&ClearFlagColor != 0 {
		for i := 0; i < st.RenderTargetCount; i++ {
			handle := st.RenderTargets[i]
			if handle == 0 {
				continue
			}
			target, err := e.targetFor(handle)
			if err != nil {
				return err
			}
			if st.ScissorEnable {
				x0, y0, x1, y1 := clampScissor(st.Scissor, int32(target.Width), int32(target.Height))
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						target.setPixel(x, y, r8, g8, b8, a8)
					}
				}
			} else {
				for px := 0; px+4 <= len(target.Pixels); px += 4 {
					target.Pixels[px+0] = r8
					target.Pixels[px+1] = g8
					target.Pixels[px+2] = b8
					target.Pixels[px+3] = a8
				}
			}
			if tex, ok := e.resources.textures[handle]; ok {
				tex.renderedSinceBind = true
			}
		}
	}
	// Depth/stencil clears are not rasterized pixel-visibly; the applied
	// clear values are recorded per attachment, with the stencil value
	// masked down to the 8 bits a D24S8 attachment actually stores.
	if st.DepthStencil != 0 {
		if c.Flags&ClearFlagDepth != 0 {
			e.depthClear[st.DepthStencil] = c.Depth
		}
		if c.Flags&ClearFlagStencil != 0 {
			e.stencilClear[st.DepthStencil] = uint8(c.Stencil & 0xFF)
		}
	}
	return nil
}

// DepthStencilClearValues reports the last clear values applied to a
// depth-stencil handle.
func (e *PipelineExecutor) DepthStencilClearValues(handle uint32) (depth float32, stencil uint8, ok bool) {
	d, dok := e.depthClear[handle]
	s, sok := e.stencilClear[handle]
	return d, s, dok || sok
}

func floatToU8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// clampScissor intersects a scissor rect (which may have negative x/y)
// with [0,W)x[0,H).
func clampScissor(s ScissorRect, targetW, targetH int32) (x0, y0, x1, y1 int32) {
	x0, y0 = s.X, s.Y
	x1, y1 = s.X+s.W, s.Y+s.H
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > targetW {
		x1 = targetW
	}
	if y1 > targetH {
		y1 = targetH
	}
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return
}

// applyDraw resolves a single flat fragment color from the bound pixel
// shader's c0 register (or opaque white absent a bound shader) and fills
// the scissor/viewport-clipped render-target region — see file header for
// why this module does not execute HLSL.
func (e *PipelineExecutor) applyDraw(st *PipelineState) error {
	r, g, b, a := uint8(255), uint8(255), uint8(255), uint8(255)
	if st.PS != 0 {
		c0 := st.Constants[StagePixel].Float[0]
		r, g, b, a = floatToU8(c0[0]), floatToU8(c0[1]), floatToU8(c0[2]), floatToU8(c0[3])
	}
	for i := 0; i < st.RenderTargetCount; i++ {
		handle := st.RenderTargets[i]
		if handle == 0 {
			continue
		}
		target, err := e.targetFor(handle)
		if err != nil {
			return err
		}
		x0 := int32(st.Viewport.X)
		y0 := int32(st.Viewport.Y)
		x1 := x0 + int32(st.Viewport.W)
		y1 := y0 + int32(st.Viewport.H)
		if st.ScissorEnable {
			sx0, sy0, sx1, sy1 := clampScissor(st.Scissor, int32(target.Width), int32(target.Height))
			if sx0 > x0 {
				x0 = sx0
			}
			if sy0 > y0 {
				y0 = sy0
			}
			if sx1 < x1 {
				x1 = sx1
			}
			if sy1 < y1 {
				y1 = sy1
			}
		}
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				target.setPixel(x, y, r, g, b, a)
			}
		}
		if tex, ok := e.resources.textures[handle]; ok {
			tex.renderedSinceBind = true
		}
	}
	return nil
}

// applyCopy implements CopyTexture2D, including WRITEBACK_DST to guest
// memory.
func (e *PipelineExecutor) applyCopy(c CopyTexture2DCmd, mem GuestMemory, allocs AllocTable) error {
	srcTarget, err := e.targetFor(c.Src)
	if err != nil {
		return err
	}
	dstTarget, err := e.targetFor(c.Dst)
	if err != nil {
		return err
	}
	for y := uint32(0); y < c.Height; y++ {
		for x := uint32(0); x < c.Width; x++ {
			r, g, b, a := srcTarget.getPixel(int32(c.SrcX+x), int32(c.SrcY+y))
			dstTarget.setPixel(int32(c.DstX+x), int32(c.DstY+y), r, g, b, a)
		}
	}
	if c.writebackDst() {
		dstTex, err := e.resources.lookupTexture(c.Dst)
		if err != nil {
			return err
		}
		if dstTex.guestBacked() {
			return e.writebackToBacking(dstTex, dstTarget, mem, allocs)
		}
	}
	return nil
}

// writebackToBacking copies a render target's pixels back into the guest
// allocation backing tex, honoring the declared mip-0 row pitch and the
// texture's wire format for each written row.
func (e *PipelineExecutor) writebackToBacking(tex *Texture2D, target *RGBA8Target, mem GuestMemory, allocs AllocTable) error {
	backing, ok := allocs[tex.BackingAllocID]
	if !ok {
		return resourceErr(ResourceErrBackingTooSmall, "writeback references a table with no matching alloc_id")
	}
	base := backing.GPA + tex.BackingOffsetBytes
	row := make([]byte, tex.RowPitchBytes)
	for y := uint32(0); y < tex.Height && y < target.Height; y++ {
		for i := range row {
			row[i] = 0
		}
		for x := uint32(0); x < tex.Width && x < target.Width; x++ {
			r, g, b, a := target.getPixel(int32(x), int32(y))
			switch tex.Format {
			case FormatB5G6R5UNorm:
				writeU16(row, x*2, rgba8ToB5G6R5(r, g, b))
			case FormatB5G5R5A1UNorm:
				writeU16(row, x*2, rgba8ToB5G5R5A1(r, g, b, a))
			case FormatB8G8R8A8UNorm:
				off := x * 4
				if int(off)+4 <= len(row) {
					row[off+0] = b
					row[off+1] = g
					row[off+2] = r
					row[off+3] = a
				}
			default:
				off := x * 4
				if int(off)+4 <= len(row) {
					row[off+0] = r
					row[off+1] = g
					row[off+2] = b
					row[off+3] = a
				}
			}
		}
		if !mem.WritePhysical(base+uint64(y)*uint64(tex.RowPitchBytes), row) {
			return resourceErr(ResourceErrBackingTooSmall, "writeback row write past backing allocation")
		}
	}
	return nil
}

// applyPresent converts the scanout's render target into the configured
// scanout format and writes it to framebuffer_gpa.
func (e *PipelineExecutor) applyPresent(st *PipelineState, c PresentCmd, mem GuestMemory) error {
	if int(c.ScanoutID) >= len(e.scanouts) {
		return pipelineErr(PipelineErrNoScanout, fmt.Sprintf("scanout %d out of range", c.ScanoutID))
	}
	scanout := e.scanouts[c.ScanoutID]
	if !scanout.Enable {
		return nil
	}
	if st.RenderTargetCount == 0 || st.RenderTargets[0] == 0 {
		return pipelineErr(PipelineErrNoScanout, "present with no bound render target 0")
	}
	target, err := e.targetFor(st.RenderTargets[0])
	if err != nil {
		return err
	}
	e.presented[c.ScanoutID] = st.RenderTargets[0]

	// When the scanout's configured resolution doesn't match the source
	// render target 1:1, scale (approximate bilinear) into scanout-sized pixels before
	// format conversion, rather than truncating to the overlapping region.
	srcPixels := target
	if scanout.Width != target.Width || scanout.Height != target.Height {
		srcPixels = scaleRGBA8Target(target, scanout.Width, scanout.Height)
	}

	row := make([]byte, scanout.PitchBytes)
	for y := uint32(0); y < scanout.Height && y < srcPixels.Height; y++ {
		for i := range row {
			row[i] = 0
		}
		for x := uint32(0); x < scanout.Width && x < srcPixels.Width; x++ {
			r, g, b, a := srcPixels.getPixel(int32(x), int32(y))
			switch scanout.Format {
			case FormatB5G6R5UNorm:
				v := rgba8ToB5G6R5(r, g, b)
				writeU16(row, x*2, v)
			case FormatB5G5R5A1UNorm:
				v := rgba8ToB5G5R5A1(r, g, b, a)
				writeU16(row, x*2, v)
			default:
				off := x * 4
				if int(off)+4 <= len(row) {
					row[off+0] = r
					row[off+1] = g
					row[off+2] = b
					row[off+3] = a
				}
			}
		}
		mem.WritePhysical(scanout.FramebufferGPA+uint64(y)*uint64(scanout.PitchBytes), row)
	}
	return nil
}

// scaleRGBA8Target scales src into a newly allocated target sized
// dstW x dstH, used by applyPresent when a scanout's configured resolution
// doesn't match its source render target. Approximate bilinear is a cheap
// middle ground between nearest-neighbor aliasing and a full Lanczos pass,
// matching the kind of presentation-path resize the Non-goal "pixel-perfect
// GPU emulation" allows this module to approximate rather than guarantee
// exactly.
func scaleRGBA8Target(src *RGBA8Target, dstW, dstH uint32) *RGBA8Target {
	srcImg := &image.RGBA{
		Pix:    src.Pixels,
		Stride: int(src.Width) * 4,
		Rect:   image.Rect(0, 0, int(src.Width), int(src.Height)),
	}
	dstImg := image.NewRGBA(image.Rect(0, 0, int(dstW), int(dstH)))
	ximagedraw.ApproxBiLinear.Scale(dstImg, dstImg.Bounds(), srcImg, srcImg.Bounds(), draw.Src, nil)
	return &RGBA8Target{Width: dstW, Height: dstH, Pixels: dstImg.Pix}
}

func writeU16(row []byte, off uint32, v uint16) {
	if int(off)+2 > len(row) {
		return
	}
	row[off] = byte(v)
	row[off+1] = byte(v >> 8)
}

// SetScanout configures scanout idx (used by the device model's MMIO
// register writes).
func (e *PipelineExecutor) SetScanout(idx int, s Scanout) {
	if idx < 0 || idx >= len(e.scanouts) {
		return
	}
	e.scanouts[idx] = s
}

func (e *PipelineExecutor) GetScanout(idx int) (Scanout, bool) {
	if idx < 0 || idx >= len(e.scanouts) {
		return Scanout{}, false
	}
	return e.scanouts[idx], true
}

// ReadTargetRGBA8 exposes a render target's current pixels for tests and
// for GpuBackend.ReadScanoutRGBA8 implementations.
func (e *PipelineExecutor) ReadTargetRGBA8(handle uint32) (*RGBA8Target, bool) {
	t, ok := e.targets[handle]
	return t, ok
}

// ReadPresentedRGBA8 returns the render target most recently presented to
// scanout idx, letting a GpuBackend pull composited pixels without its own
// GuestMemory access.
func (e *PipelineExecutor) ReadPresentedRGBA8(idx int) (*RGBA8Target, bool) {
	if idx < 0 || idx >= len(e.presented) {
		return nil, false
	}
	handle := e.presented[idx]
	if handle == 0 {
		return nil, false
	}
	return e.ReadTargetRGBA8(handle)
}
