// aerogpu_format.go - Pixel format geometry and scanout conversion helpers

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpu_format.go centralizes everything the Resource Manager and Pipeline
Executor need to know about a TextureFormat's on-the-wire geometry: block
size, bytes per block, and tight-pitch/tight-size computation for mip
chains. Getting this wrong for block-compressed formats is the single
easiest way to under-validate a guest-backed texture,
so every mip/layer size in this module goes through tightMipSize rather
than a bit-shift of mip0's pitch.
*/

package main

import (
	"encoding/binary"
	"math"
)

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func writeFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

// TextureFormat enumerates the formats this module understands. Block
// formats use BCn-style 4x4 compression; all others are uncompressed.
type TextureFormat uint32

const (
	FormatUnknown TextureFormat = iota
	FormatR8G8B8A8UNorm
	FormatB8G8R8A8UNorm
	FormatB5G6R5UNorm
	FormatB5G5R5A1UNorm
	FormatD24UNormS8UInt
	FormatR32Float
	FormatBC1UNorm
	FormatBC3UNorm
)

type formatInfo struct {
	blockWidth, blockHeight uint32
	blockBytes              uint32
}

func (f TextureFormat) info() (formatInfo, bool) {
	switch f {
	case FormatR8G8B8A8UNorm, FormatB8G8R8A8UNorm, FormatD24UNormS8UInt, FormatR32Float:
		return formatInfo{1, 1, 4}, true
	case FormatB5G6R5UNorm, FormatB5G5R5A1UNorm:
		return formatInfo{1, 1, 2}, true
	case FormatBC1UNorm:
		return formatInfo{4, 4, 8}, true
	case FormatBC3UNorm:
		return formatInfo{4, 4, 16}, true
	default:
		return formatInfo{}, false
	}
}

func (f TextureFormat) isBlockCompressed() bool {
	info, ok := f.info()
	return ok && (info.blockWidth > 1 || info.blockHeight > 1)
}

func mipExtent(dim, level uint32) uint32 {
	e := dim >> level
	if e == 0 {
		e = 1
	}
	return e
}

// blocksAcross returns the number of format blocks needed to cover extent
// texels, rounding up for block-compressed formats.
func blocksAcross(extent, blockDim uint32) uint32 {
	return (extent + blockDim - 1) / blockDim
}

// tightRowPitch returns the minimum, unpadded row stride for the given mip
// level: blocks_wide(mip) * block_bytes. This is what mip levels N>0 must
// always use — never a bit shift of mip0's (possibly padded) row pitch.
func tightRowPitch(f TextureFormat, mip0Width, level uint32) uint32 {
	info, _ := f.info()
	w := mipExtent(mip0Width, level)
	bw := blocksAcross(w, info.blockWidth)
	return bw * info.blockBytes
}

// tightMipSize returns the tightly-packed byte size of one mip level (one
// array layer's worth), using rowPitch for the row stride (mip0 may use a
// padded rowPitch from the wire descriptor; mip>0 always uses its own
// tight pitch, so callers pass tightRowPitch for those levels).
func tightMipSize(f TextureFormat, mip0Width, mip0Height, level uint32, rowPitch uint32) uint64 {
	info, _ := f.info()
	h := mipExtent(mip0Height, level)
	rowsOfBlocks := blocksAcross(h, info.blockHeight)
	return uint64(rowPitch) * uint64(rowsOfBlocks)
}

// tightLayerSize sums the tight size of every mip level 0..mipLevels-1 for
// one array layer. mip0 uses mip0RowPitch (the wire-declared pitch, which
// may include padding); every mip above 0 uses its own tight pitch,
// regardless of what mip0's pitch was — this is the rule a guest-supplied
// calls out as "critical for block-compressed formats".
func tightLayerSize(f TextureFormat, width, height, mipLevels uint32, mip0RowPitch uint32) uint64 {
	var total uint64
	for level := uint32(0); level < mipLevels; level++ {
		var pitch uint32
		if level == 0 {
			pitch = mip0RowPitch
		} else {
			pitch = tightRowPitch(f, width, level)
		}
		total += tightMipSize(f, width, height, level, pitch)
	}
	return total
}

// tightTextureSize sums tightLayerSize across every array layer — the
// total backing-allocation size a guest-backed texture create must not
// exceed ("backing_size >= Sum tight_sizes" must hold).
func tightTextureSize(f TextureFormat, width, height, mipLevels, arrayLayers uint32, mip0RowPitch uint32) uint64 {
	return tightLayerSize(f, width, height, mipLevels, mip0RowPitch) * uint64(arrayLayers)
}

// minMip0TightPitch is the smallest row_pitch_bytes a guest-backed texture
// create may declare for mip 0: blocks_wide(mip0) * block_bytes.
func minMip0TightPitch(f TextureFormat, width uint32) uint32 {
	return tightRowPitch(f, width, 0)
}

// rgba8ToB5G6R5 packs an 8-bit RGBA pixel into B5G6R5 with correct channel
// rounding (used by Present when a scanout format narrower than RGBA8 is
// requested).
func rgba8ToB5G6R5(r, g, b uint8) uint16 {
	r5 := (uint16(r)*31 + 127) / 255
	g6 := (uint16(g)*63 + 127) / 255
	b5 := (uint16(b)*31 + 127) / 255
	return (r5 << 11) | (g6 << 5) | b5
}

// rgba8ToB5G5R5A1 packs an 8-bit RGBA pixel into B5G5R5A1; alpha becomes a
// single coverage bit (>=128 maps to opaque).
func rgba8ToB5G5R5A1(r, g, b, a uint8) uint16 {
	r5 := uint16(r) * 31 / 255
	g5 := uint16(g) * 31 / 255
	b5 := uint16(b) * 31 / 255
	var a1 uint16
	if a >= 128 {
		a1 = 1
	}
	return (a1 << 15) | (r5 << 10) | (g5 << 5) | b5
}
