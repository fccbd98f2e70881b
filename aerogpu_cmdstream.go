// aerogpu_cmdstream.go - Command-stream decoder for the AeroGPU ring protocol

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_cmdstream.go validates a command stream buffer (header + packets)
and turns it into a sequence of typed Command values
per a fixed opcode catalog. Unknown opcodes decode to
UnknownCommand rather than aborting the stream, matching the "polymorphic
commands" design note: a tagged-variant enum with one arm per opcode.
*/

package main

import (
	"encoding/binary"
	"fmt"
)

// CmdStreamErrorKind discriminates command-stream decode failures.
type CmdStreamErrorKind int

const (
	CmdStreamTooSmall CmdStreamErrorKind = iota
	CmdStreamTooLarge
	CmdStreamBadHeader
	CmdStreamSizeTooLarge
	CmdStreamInconsistentDescriptor
	CmdStreamAddressOverflow
	CmdStreamBadPacket
)

func (k CmdStreamErrorKind) String() string {
	switch k {
	case CmdStreamTooSmall:
		return "TooSmall"
	case CmdStreamTooLarge:
		return "TooLarge"
	case CmdStreamBadHeader:
		return "BadHeader"
	case CmdStreamSizeTooLarge:
		return "StreamSizeTooLarge"
	case CmdStreamInconsistentDescriptor:
		return "InconsistentDescriptor"
	case CmdStreamAddressOverflow:
		return "AddressOverflow"
	case CmdStreamBadPacket:
		return "BadPacket"
	default:
		return "Unknown"
	}
}

// CmdStreamError reports a command-stream decode failure.
type CmdStreamError struct {
	Kind   CmdStreamErrorKind
	Detail string
}

func (e *CmdStreamError) Error() string {
	return fmt.Sprintf("cmd stream: %s: %s", e.Kind, e.Detail)
}

func cmdStreamErr(kind CmdStreamErrorKind, detail string) error {
	return &CmdStreamError{Kind: kind, Detail: detail}
}

// Opcode identifies a command-stream packet's meaning.
type Opcode uint32

const (
	OpCreateTexture2D Opcode = iota + 1
	OpCreateBuffer
	OpCreateShaderDXBC
	OpCreateInputLayout
	OpSetInputLayout
	OpSetVertexBuffers
	OpSetIndexBuffer
	OpSetPrimitiveTopology
	OpSetRenderTargets
	OpSetViewport
	OpSetScissor
	OpSetRenderState
	OpSetShaderConstantsF
	OpSetShaderConstantsI
	OpSetShaderConstantsB
	OpSetSamplerState
	OpBindShaders
	OpDraw
	OpDrawIndexed
	OpClear
	OpCopyTexture2D
	OpUploadResource
	OpResourceDirtyRange
	OpPresent
	// OpDestroyResource closes the handle lifecycle: a destroyed
	// resource can no longer be bound, and its slot is reclaimed once
	// the last in-flight submission referencing it completes.
	OpDestroyResource
)

// Command is implemented by every decoded packet payload, known or not.
type Command interface {
	Opcode() Opcode
}

// UnknownCommand preserves an unrecognized opcode's raw payload so the
// stream can be forward-compatibly skipped without failing decode.
type UnknownCommand struct {
	RawOpcode uint32
	Payload   []byte
}

func (c UnknownCommand) Opcode() Opcode { return Opcode(c.RawOpcode) }

type CreateTexture2DCmd struct {
	Handle             uint32
	Usage              uint32
	Format              TextureFormat
	Width, Height       uint32
	MipLevels           uint32
	ArrayLayers         uint32
	RowPitchBytes       uint32
	BackingAllocID      uint32
	BackingOffsetBytes  uint64
}

func (CreateTexture2DCmd) Opcode() Opcode { return OpCreateTexture2D }

type CreateBufferCmd struct {
	Handle             uint32
	Usage              uint32
	SizeBytes          uint32
	BackingAllocID     uint32
	BackingOffsetBytes uint64
}

func (CreateBufferCmd) Opcode() Opcode { return OpCreateBuffer }

type CreateShaderDXBCCmd struct {
	Handle uint32
	Stage  ShaderStage
	DXBC   []byte
}

func (CreateShaderDXBCCmd) Opcode() Opcode { return OpCreateShaderDXBC }

// D3DVertexElement mirrors a D3DVERTEXELEMENT9 entry.
type D3DVertexElement struct {
	Stream     uint16
	Offset     uint16
	Type       uint8
	Method     uint8
	Usage      uint8
	UsageIndex uint8
}

const (
	vertexElementSentinelStream = 0xFF
	vertexElementTypeUnused     = 17
)

func (e D3DVertexElement) isSentinel() bool {
	return e.Stream == vertexElementSentinelStream && e.Type == vertexElementTypeUnused
}

type CreateInputLayoutCmd struct {
	Handle   uint32
	Elements []D3DVertexElement // includes the terminating sentinel
}

func (CreateInputLayoutCmd) Opcode() Opcode { return OpCreateInputLayout }

type SetInputLayoutCmd struct{ Handle uint32 }

func (SetInputLayoutCmd) Opcode() Opcode { return OpSetInputLayout }

type VertexBufferBinding struct {
	Handle uint32
	Stride uint32
	Offset uint32
}

type SetVertexBuffersCmd struct {
	StartSlot uint32
	Buffers   []VertexBufferBinding
}

func (SetVertexBuffersCmd) Opcode() Opcode { return OpSetVertexBuffers }

type SetIndexBufferCmd struct {
	Handle uint32
	Format IndexFormat
	Offset uint32
}

func (SetIndexBufferCmd) Opcode() Opcode { return OpSetIndexBuffer }

type SetPrimitiveTopologyCmd struct{ Topology PrimitiveTopology }

func (SetPrimitiveTopologyCmd) Opcode() Opcode { return OpSetPrimitiveTopology }

type SetRenderTargetsCmd struct {
	Targets           []uint32
	DepthStencilHandle uint32
}

func (SetRenderTargetsCmd) Opcode() Opcode { return OpSetRenderTargets }

type SetViewportCmd struct {
	X, Y, W, H         float32
	MinDepth, MaxDepth float32
}

func (SetViewportCmd) Opcode() Opcode { return OpSetViewport }

type SetScissorCmd struct {
	X, Y, W, H int32
}

func (SetScissorCmd) Opcode() Opcode { return OpSetScissor }

type SetRenderStateCmd struct {
	State RenderState
	Value uint32
}

func (SetRenderStateCmd) Opcode() Opcode { return OpSetRenderState }

type SetShaderConstantsFCmd struct {
	Stage         ShaderStage
	StartRegister uint32
	Values        [][4]float32
}

func (SetShaderConstantsFCmd) Opcode() Opcode { return OpSetShaderConstantsF }

type SetShaderConstantsICmd struct {
	Stage         ShaderStage
	StartRegister uint32
	Values        [][4]int32
}

func (SetShaderConstantsICmd) Opcode() Opcode { return OpSetShaderConstantsI }

type SetShaderConstantsBCmd struct {
	Stage         ShaderStage
	StartRegister uint32
	Values        []bool
}

func (SetShaderConstantsBCmd) Opcode() Opcode { return OpSetShaderConstantsB }

type SetSamplerStateCmd struct {
	Slot  uint32
	State uint32
	Value uint32
}

func (SetSamplerStateCmd) Opcode() Opcode { return OpSetSamplerState }

type BindShadersCmd struct {
	VertexShader  uint32
	PixelShader   uint32
	ComputeShader uint32
}

func (BindShadersCmd) Opcode() Opcode { return OpBindShaders }

type DrawCmd struct {
	VertexCount, InstanceCount uint32
	FirstVertex, FirstInstance uint32
}

func (DrawCmd) Opcode() Opcode { return OpDraw }

type DrawIndexedCmd struct {
	IndexCount, InstanceCount uint32
	FirstIndex                uint32
	BaseVertex                int32
	FirstInstance              uint32
}

func (DrawIndexedCmd) Opcode() Opcode { return OpDrawIndexed }

const (
	ClearFlagColor   uint32 = 1 << 0
	ClearFlagDepth   uint32 = 1 << 1
	ClearFlagStencil uint32 = 1 << 2
)

type ClearCmd struct {
	Flags              uint32
	R, G, B, A         float32
	Depth              float32
	Stencil            uint32
}

func (ClearCmd) Opcode() Opcode { return OpClear }

const copyFlagWritebackDst uint32 = 1 << 0

type CopyTexture2DCmd struct {
	Dst, Src               uint32
	DstMip, DstLayer       uint32
	SrcMip, SrcLayer       uint32
	DstX, DstY             uint32
	SrcX, SrcY             uint32
	Width, Height          uint32
	Flags                  uint32
}

func (c CopyTexture2DCmd) writebackDst() bool { return c.Flags&copyFlagWritebackDst != 0 }

func (CopyTexture2DCmd) Opcode() Opcode { return OpCopyTexture2D }

type UploadResourceCmd struct {
	Handle         uint32
	DstOffsetBytes uint32
	Data           []byte
}

func (UploadResourceCmd) Opcode() Opcode { return OpUploadResource }

type ResourceDirtyRangeCmd struct {
	Handle        uint32
	OffsetBytes   uint32
	SizeBytes     uint32
}

func (ResourceDirtyRangeCmd) Opcode() Opcode { return OpResourceDirtyRange }

const presentFlagVsync uint32 = 1 << 0

type PresentCmd struct {
	ScanoutID uint32
	Flags     uint32
}

func (c PresentCmd) vsync() bool { return c.Flags&presentFlagVsync != 0 }

func (PresentCmd) Opcode() Opcode { return OpPresent }

type DestroyResourceCmd struct{ Handle uint32 }

func (DestroyResourceCmd) Opcode() Opcode { return OpDestroyResource }

// decodeCommandStream validates the stream header and iterates its packet
// region, producing one Command per packet. It implements the full
// command-stream validation order, including the descriptor<->header size
// consistency check.
func decodeCommandStream(raw []byte, descCmdGPA uint64, descCmdSizeBytes uint32) ([]Command, error) {
	cmdIsNil := descCmdGPA == 0
	cmdSizeZero := descCmdSizeBytes == 0
	if cmdIsNil != cmdSizeZero {
		return nil, cmdStreamErr(CmdStreamInconsistentDescriptor, "cmd_gpa=0 must imply cmd_size_bytes=0 and vice versa")
	}
	if cmdIsNil {
		return nil, nil
	}

	if len(raw) < cmdStreamHeaderSize {
		return nil, cmdStreamErr(CmdStreamTooSmall, "buffer shorter than header")
	}
	hdr := decodeCmdStreamHeader(raw)
	if hdr.Magic != cmdStreamMagic {
		return nil, cmdStreamErr(CmdStreamBadHeader, fmt.Sprintf("bad magic 0x%08X", hdr.Magic))
	}
	if !abiMajorSupported(hdr.ABIVersion) {
		return nil, cmdStreamErr(CmdStreamBadHeader, fmt.Sprintf("abi major %d unsupported", hdr.ABIVersion.Major))
	}
	if hdr.SizeBytes < cmdStreamHeaderSize {
		return nil, cmdStreamErr(CmdStreamTooSmall, fmt.Sprintf("size_bytes=%d smaller than header", hdr.SizeBytes))
	}
	if hdr.SizeBytes > maxCmdStreamSize {
		return nil, cmdStreamErr(CmdStreamSizeTooLarge, fmt.Sprintf("size_bytes=%d exceeds %d", hdr.SizeBytes, maxCmdStreamSize))
	}
	if hdr.SizeBytes > descCmdSizeBytes {
		return nil, cmdStreamErr(CmdStreamTooLarge, fmt.Sprintf("used length %d exceeds descriptor buffer %d", hdr.SizeBytes, descCmdSizeBytes))
	}
	if uint64(hdr.SizeBytes) > uint64(len(raw)) {
		return nil, cmdStreamErr(CmdStreamTooSmall, fmt.Sprintf("used length %d exceeds buffer %d", hdr.SizeBytes, len(raw)))
	}

	var cmds []Command
	off := uint32(cmdStreamHeaderSize)
	for off < hdr.SizeBytes {
		if hdr.SizeBytes-off < packetHeaderSize {
			return nil, cmdStreamErr(CmdStreamBadPacket, fmt.Sprintf("truncated packet header at offset %d", off))
		}
		ph := decodePacketHeader(raw[off : off+packetHeaderSize])
		if ph.SizeBytes < packetHeaderSize {
			return nil, cmdStreamErr(CmdStreamBadPacket, fmt.Sprintf("packet at %d has size_bytes=%d < %d", off, ph.SizeBytes, packetHeaderSize))
		}
		if ph.SizeBytes%4 != 0 {
			return nil, cmdStreamErr(CmdStreamBadPacket, fmt.Sprintf("packet at %d has unaligned size_bytes=%d", off, ph.SizeBytes))
		}
		if ph.SizeBytes > hdr.SizeBytes-off {
			return nil, cmdStreamErr(CmdStreamBadPacket, fmt.Sprintf("packet at %d (size %d) exceeds remaining stream", off, ph.SizeBytes))
		}
		payload := raw[off+packetHeaderSize : off+ph.SizeBytes]
		cmd, err := decodeCommandPayload(ph.Opcode, payload)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
		off += ph.SizeBytes
	}
	return cmds, nil
}

func decodeCommandPayload(rawOpcode uint32, p []byte) (Command, error) {
	op := Opcode(rawOpcode)
	switch op {
	case OpCreateTexture2D:
		if len(p) != 44 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CreateTexture2D payload must be 44 bytes")
		}
		return CreateTexture2DCmd{
			Handle:             binary.LittleEndian.Uint32(p[0:4]),
			Usage:              binary.LittleEndian.Uint32(p[4:8]),
			Format:             TextureFormat(binary.LittleEndian.Uint32(p[8:12])),
			Width:              binary.LittleEndian.Uint32(p[12:16]),
			Height:             binary.LittleEndian.Uint32(p[16:20]),
			MipLevels:          binary.LittleEndian.Uint32(p[20:24]),
			ArrayLayers:        binary.LittleEndian.Uint32(p[24:28]),
			RowPitchBytes:      binary.LittleEndian.Uint32(p[28:32]),
			BackingAllocID:     binary.LittleEndian.Uint32(p[32:36]),
			BackingOffsetBytes: binary.LittleEndian.Uint64(p[36:44]),
		}, nil

	case OpCreateBuffer:
		if len(p) != 24 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CreateBuffer payload must be 24 bytes")
		}
		return CreateBufferCmd{
			Handle:             binary.LittleEndian.Uint32(p[0:4]),
			Usage:              binary.LittleEndian.Uint32(p[4:8]),
			SizeBytes:          binary.LittleEndian.Uint32(p[8:12]),
			BackingAllocID:     binary.LittleEndian.Uint32(p[12:16]),
			BackingOffsetBytes: binary.LittleEndian.Uint64(p[16:24]),
		}, nil

	case OpCreateShaderDXBC:
		if len(p) < 12 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CreateShaderDXBC payload too short")
		}
		size := binary.LittleEndian.Uint32(p[8:12])
		if uint64(12)+uint64(size) > uint64(len(p)) {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CreateShaderDXBC dxbc size exceeds payload")
		}
		dxbc := make([]byte, size)
		copy(dxbc, p[12:12+size])
		return CreateShaderDXBCCmd{
			Handle: binary.LittleEndian.Uint32(p[0:4]),
			Stage:  ShaderStage(binary.LittleEndian.Uint32(p[4:8])),
			DXBC:   dxbc,
		}, nil

	case OpCreateInputLayout:
		if len(p) < 8 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CreateInputLayout payload too short")
		}
		handle := binary.LittleEndian.Uint32(p[0:4])
		count := binary.LittleEndian.Uint32(p[4:8])
		need := 8 + int(count)*8
		if need > len(p) {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CreateInputLayout element count exceeds payload")
		}
		elems := make([]D3DVertexElement, count)
		for i := uint32(0); i < count; i++ {
			o := 8 + int(i)*8
			elems[i] = D3DVertexElement{
				Stream:     binary.LittleEndian.Uint16(p[o : o+2]),
				Offset:     binary.LittleEndian.Uint16(p[o+2 : o+4]),
				Type:       p[o+4],
				Method:     p[o+5],
				Usage:      p[o+6],
				UsageIndex: p[o+7],
			}
		}
		if count == 0 || !elems[count-1].isSentinel() {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CreateInputLayout missing terminating sentinel")
		}
		return CreateInputLayoutCmd{Handle: handle, Elements: elems}, nil

	case OpSetInputLayout:
		if len(p) != 4 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetInputLayout payload must be 4 bytes")
		}
		return SetInputLayoutCmd{Handle: binary.LittleEndian.Uint32(p[0:4])}, nil

	case OpSetVertexBuffers:
		if len(p) < 8 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetVertexBuffers payload too short")
		}
		start := binary.LittleEndian.Uint32(p[0:4])
		count := binary.LittleEndian.Uint32(p[4:8])
		need := 8 + int(count)*12
		if need > len(p) {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetVertexBuffers count exceeds payload")
		}
		bufs := make([]VertexBufferBinding, count)
		for i := uint32(0); i < count; i++ {
			o := 8 + int(i)*12
			bufs[i] = VertexBufferBinding{
				Handle: binary.LittleEndian.Uint32(p[o : o+4]),
				Stride: binary.LittleEndian.Uint32(p[o+4 : o+8]),
				Offset: binary.LittleEndian.Uint32(p[o+8 : o+12]),
			}
		}
		return SetVertexBuffersCmd{StartSlot: start, Buffers: bufs}, nil

	case OpSetIndexBuffer:
		if len(p) != 12 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetIndexBuffer payload must be 12 bytes")
		}
		return SetIndexBufferCmd{
			Handle: binary.LittleEndian.Uint32(p[0:4]),
			Format: IndexFormat(binary.LittleEndian.Uint32(p[4:8])),
			Offset: binary.LittleEndian.Uint32(p[8:12]),
		}, nil

	case OpSetPrimitiveTopology:
		if len(p) != 4 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetPrimitiveTopology payload must be 4 bytes")
		}
		return SetPrimitiveTopologyCmd{Topology: PrimitiveTopology(binary.LittleEndian.Uint32(p[0:4]))}, nil

	case OpSetRenderTargets:
		if len(p) < 8 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetRenderTargets payload too short")
		}
		count := binary.LittleEndian.Uint32(p[0:4])
		if count > 8 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetRenderTargets count exceeds 8 slots")
		}
		need := 4 + int(count)*4 + 4
		if need > len(p) {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetRenderTargets count exceeds payload")
		}
		targets := make([]uint32, count)
		for i := uint32(0); i < count; i++ {
			o := 4 + int(i)*4
			targets[i] = binary.LittleEndian.Uint32(p[o : o+4])
		}
		ds := binary.LittleEndian.Uint32(p[4+int(count)*4 : 4+int(count)*4+4])
		return SetRenderTargetsCmd{Targets: targets, DepthStencilHandle: ds}, nil

	case OpSetViewport:
		if len(p) != 24 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetViewport payload must be 24 bytes")
		}
		return SetViewportCmd{
			X:        readFloat32(p[0:4]),
			Y:        readFloat32(p[4:8]),
			W:        readFloat32(p[8:12]),
			H:        readFloat32(p[12:16]),
			MinDepth: readFloat32(p[16:20]),
			MaxDepth: readFloat32(p[20:24]),
		}, nil

	case OpSetScissor:
		if len(p) != 16 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetScissor payload must be 16 bytes")
		}
		return SetScissorCmd{
			X: int32(binary.LittleEndian.Uint32(p[0:4])),
			Y: int32(binary.LittleEndian.Uint32(p[4:8])),
			W: int32(binary.LittleEndian.Uint32(p[8:12])),
			H: int32(binary.LittleEndian.Uint32(p[12:16])),
		}, nil

	case OpSetRenderState:
		if len(p) != 8 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetRenderState payload must be 8 bytes")
		}
		return SetRenderStateCmd{
			State: RenderState(binary.LittleEndian.Uint32(p[0:4])),
			Value: binary.LittleEndian.Uint32(p[4:8]),
		}, nil

	case OpSetShaderConstantsF:
		stage, start, count, rest, err := decodeConstHeader(p)
		if err != nil {
			return nil, err
		}
		if len(rest) < int(count)*16 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetShaderConstantsF count exceeds payload")
		}
		vals := make([][4]float32, count)
		for i := uint32(0); i < count; i++ {
			o := int(i) * 16
			for c := 0; c < 4; c++ {
				vals[i][c] = readFloat32(rest[o+c*4 : o+c*4+4])
			}
		}
		return SetShaderConstantsFCmd{Stage: stage, StartRegister: start, Values: vals}, nil

	case OpSetShaderConstantsI:
		stage, start, count, rest, err := decodeConstHeader(p)
		if err != nil {
			return nil, err
		}
		if len(rest) < int(count)*16 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetShaderConstantsI count exceeds payload")
		}
		vals := make([][4]int32, count)
		for i := uint32(0); i < count; i++ {
			o := int(i) * 16
			for c := 0; c < 4; c++ {
				vals[i][c] = int32(binary.LittleEndian.Uint32(rest[o+c*4 : o+c*4+4]))
			}
		}
		return SetShaderConstantsICmd{Stage: stage, StartRegister: start, Values: vals}, nil

	case OpSetShaderConstantsB:
		stage, start, count, rest, err := decodeConstHeader(p)
		if err != nil {
			return nil, err
		}
		if len(rest) < int(count)*4 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetShaderConstantsB count exceeds payload")
		}
		vals := make([]bool, count)
		for i := uint32(0); i < count; i++ {
			vals[i] = binary.LittleEndian.Uint32(rest[int(i)*4:int(i)*4+4]) != 0
		}
		return SetShaderConstantsBCmd{Stage: stage, StartRegister: start, Values: vals}, nil

	case OpSetSamplerState:
		if len(p) != 12 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "SetSamplerState payload must be 12 bytes")
		}
		return SetSamplerStateCmd{
			Slot:  binary.LittleEndian.Uint32(p[0:4]),
			State: binary.LittleEndian.Uint32(p[4:8]),
			Value: binary.LittleEndian.Uint32(p[8:12]),
		}, nil

	case OpBindShaders:
		if len(p) != 12 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "BindShaders payload must be 12 bytes")
		}
		return BindShadersCmd{
			VertexShader:  binary.LittleEndian.Uint32(p[0:4]),
			PixelShader:   binary.LittleEndian.Uint32(p[4:8]),
			ComputeShader: binary.LittleEndian.Uint32(p[8:12]),
		}, nil

	case OpDraw:
		if len(p) != 16 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "Draw payload must be 16 bytes")
		}
		return DrawCmd{
			VertexCount:   binary.LittleEndian.Uint32(p[0:4]),
			InstanceCount: binary.LittleEndian.Uint32(p[4:8]),
			FirstVertex:   binary.LittleEndian.Uint32(p[8:12]),
			FirstInstance: binary.LittleEndian.Uint32(p[12:16]),
		}, nil

	case OpDrawIndexed:
		if len(p) != 20 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "DrawIndexed payload must be 20 bytes")
		}
		return DrawIndexedCmd{
			IndexCount:    binary.LittleEndian.Uint32(p[0:4]),
			InstanceCount: binary.LittleEndian.Uint32(p[4:8]),
			FirstIndex:    binary.LittleEndian.Uint32(p[8:12]),
			BaseVertex:    int32(binary.LittleEndian.Uint32(p[12:16])),
			FirstInstance: binary.LittleEndian.Uint32(p[16:20]),
		}, nil

	case OpClear:
		if len(p) != 28 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "Clear payload must be 28 bytes")
		}
		return ClearCmd{
			Flags:   binary.LittleEndian.Uint32(p[0:4]),
			R:       readFloat32(p[4:8]),
			G:       readFloat32(p[8:12]),
			B:       readFloat32(p[12:16]),
			A:       readFloat32(p[16:20]),
			Depth:   readFloat32(p[20:24]),
			Stencil: binary.LittleEndian.Uint32(p[24:28]),
		}, nil

	case OpCopyTexture2D:
		if len(p) != 52 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "CopyTexture2D payload must be 52 bytes")
		}
		return CopyTexture2DCmd{
			Dst:      binary.LittleEndian.Uint32(p[0:4]),
			Src:      binary.LittleEndian.Uint32(p[4:8]),
			DstMip:   binary.LittleEndian.Uint32(p[8:12]),
			DstLayer: binary.LittleEndian.Uint32(p[12:16]),
			SrcMip:   binary.LittleEndian.Uint32(p[16:20]),
			SrcLayer: binary.LittleEndian.Uint32(p[20:24]),
			DstX:     binary.LittleEndian.Uint32(p[24:28]),
			DstY:     binary.LittleEndian.Uint32(p[28:32]),
			SrcX:     binary.LittleEndian.Uint32(p[32:36]),
			SrcY:     binary.LittleEndian.Uint32(p[36:40]),
			Width:    binary.LittleEndian.Uint32(p[40:44]),
			Height:   binary.LittleEndian.Uint32(p[44:48]),
			Flags:    binary.LittleEndian.Uint32(p[48:52]),
		}, nil

	case OpUploadResource:
		if len(p) < 12 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "UploadResource payload too short")
		}
		size := binary.LittleEndian.Uint32(p[8:12])
		if uint64(12)+uint64(size) > uint64(len(p)) {
			return nil, cmdStreamErr(CmdStreamBadPacket, "UploadResource size exceeds payload")
		}
		data := make([]byte, size)
		copy(data, p[12:12+size])
		return UploadResourceCmd{
			Handle:         binary.LittleEndian.Uint32(p[0:4]),
			DstOffsetBytes: binary.LittleEndian.Uint32(p[4:8]),
			Data:           data,
		}, nil

	case OpResourceDirtyRange:
		if len(p) != 12 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "ResourceDirtyRange payload must be 12 bytes")
		}
		return ResourceDirtyRangeCmd{
			Handle:      binary.LittleEndian.Uint32(p[0:4]),
			OffsetBytes: binary.LittleEndian.Uint32(p[4:8]),
			SizeBytes:   binary.LittleEndian.Uint32(p[8:12]),
		}, nil

	case OpPresent:
		if len(p) != 8 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "Present payload must be 8 bytes")
		}
		return PresentCmd{
			ScanoutID: binary.LittleEndian.Uint32(p[0:4]),
			Flags:     binary.LittleEndian.Uint32(p[4:8]),
		}, nil

	case OpDestroyResource:
		if len(p) != 4 {
			return nil, cmdStreamErr(CmdStreamBadPacket, "DestroyResource payload must be 4 bytes")
		}
		return DestroyResourceCmd{Handle: binary.LittleEndian.Uint32(p[0:4])}, nil

	default:
		payload := make([]byte, len(p))
		copy(payload, p)
		return UnknownCommand{RawOpcode: rawOpcode, Payload: payload}, nil
	}
}

// decodeConstHeader reads the common {stage, start_register, count} prefix
// shared by SetShaderConstantsF/I/B.
func decodeConstHeader(p []byte) (ShaderStage, uint32, uint32, []byte, error) {
	if len(p) < 12 {
		return 0, 0, 0, nil, cmdStreamErr(CmdStreamBadPacket, "shader-constants payload too short")
	}
	stage := ShaderStage(binary.LittleEndian.Uint32(p[0:4]))
	start := binary.LittleEndian.Uint32(p[4:8])
	count := binary.LittleEndian.Uint32(p[8:12])
	return stage, start, count, p[12:], nil
}
