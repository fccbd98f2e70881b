// acpi_sdt.go - ACPI system description table (SDT) builders

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
acpi_sdt.go builds the individual table blobs a minimal ACPI firmware image needs:
RSDP, RSDT, XSDT, FADT (rev 3, 244 bytes, with Generic Address Structures),
FACS, MADT, HPET, and the optional MCFG. Every SDT is finalized with a
checksum byte at header offset 9 chosen so the unsigned sum of the whole buffer
wraps to zero mod 256.
*/

package main

// acpiFadtFlagPwrButton advertises the fixed-feature power button so the
// guest OS watches PM1 status bits instead of looking for a control-method
// device in the DSDT.
const acpiFadtFlagPwrButton uint32 = 1 << 4

// acpiFadtFlagSlpButton is the fixed-feature sleep button flag.
const acpiFadtFlagSlpButton uint32 = 1 << 5

// acpiFadtFlagResetRegSup advertises RESET_REG/RESET_VALUE support.
const acpiFadtFlagResetRegSup uint32 = 1 << 10

func buildSDTHeader(signature [4]byte, revision byte, totalLen uint32, cfg AcpiConfig) [36]byte {
	var out [36]byte
	copy(out[0:4], signature[:])
	putLE32(out[4:8], totalLen)
	out[8] = revision
	out[9] = 0 // checksum filled by finalizeSDT
	copy(out[10:16], cfg.OemID[:])
	copy(out[16:24], cfg.OemTableID[:])
	putLE32(out[24:28], cfg.OemRevision)
	copy(out[28:32], cfg.CreatorID[:])
	putLE32(out[32:36], cfg.CreatorRevision)
	return out
}

func finalizeSDT(table []byte) []byte {
	if len(table) < 36 {
		panic("acpi: SDT shorter than header")
	}
	table[9] = 0
	table[9] = acpiChecksum8(table)
	return table
}

func buildRSDP(cfg AcpiConfig, rsdtAddr uint32, xsdtAddr uint64) []byte {
	out := make([]byte, 0, 36)
	out = append(out, "RSD PTR "...)
	out = append(out, 0) // checksum placeholder
	out = append(out, cfg.OemID[:]...)
	out = append(out, 2) // ACPI 2.0+
	var rsdt4 [4]byte
	putLE32(rsdt4[:], rsdtAddr)
	out = append(out, rsdt4[:]...)
	var len4 [4]byte
	putLE32(len4[:], 36)
	out = append(out, len4[:]...)
	var xsdt8 [8]byte
	for i := 0; i < 8; i++ {
		xsdt8[i] = byte(xsdtAddr >> (8 * i))
	}
	out = append(out, xsdt8[:]...)
	out = append(out, 0)          // extended checksum placeholder
	out = append(out, 0, 0, 0)    // reserved

	out[8] = 0
	out[8] = acpiChecksum8(out[:20])

	out[32] = 0
	out[32] = acpiChecksum8(out)

	return out
}

func buildRSDT(cfg AcpiConfig, addrs []uint32) []byte {
	totalLen := 36 + len(addrs)*4
	out := make([]byte, 0, totalLen)
	hdr := buildSDTHeader([4]byte{'R', 'S', 'D', 'T'}, 1, uint32(totalLen), cfg)
	out = append(out, hdr[:]...)
	var b4 [4]byte
	for _, a := range addrs {
		putLE32(b4[:], a)
		out = append(out, b4[:]...)
	}
	return finalizeSDT(out)
}

func buildXSDT(cfg AcpiConfig, addrs []uint64) []byte {
	totalLen := 36 + len(addrs)*8
	out := make([]byte, 0, totalLen)
	hdr := buildSDTHeader([4]byte{'X', 'S', 'D', 'T'}, 1, uint32(totalLen), cfg)
	out = append(out, hdr[:]...)
	var b8 [8]byte
	for _, a := range addrs {
		for i := 0; i < 8; i++ {
			b8[i] = byte(a >> (8 * i))
		}
		out = append(out, b8[:]...)
	}
	return finalizeSDT(out)
}

func buildMCFG(cfg AcpiConfig) []byte {
	if cfg.PcieEcamBase == 0 {
		panic("acpi: MCFG requested with PcieEcamBase=0")
	}
	if cfg.PcieEcamBase&((1<<20)-1) != 0 {
		panic("acpi: PcieEcamBase must be 1MiB-aligned")
	}
	if cfg.PcieStartBus > cfg.PcieEndBus {
		panic("acpi: PcieStartBus must be <= PcieEndBus")
	}

	totalLen := 36 + 8 + 16
	out := make([]byte, 0, totalLen)
	hdr := buildSDTHeader([4]byte{'M', 'C', 'F', 'G'}, 1, uint32(totalLen), cfg)
	out = append(out, hdr[:]...)
	out = append(out, make([]byte, 8)...) // reserved

	var base8 [8]byte
	for i := 0; i < 8; i++ {
		base8[i] = byte(cfg.PcieEcamBase >> (8 * i))
	}
	out = append(out, base8[:]...)
	var seg2 [2]byte
	putLE16(seg2[:], cfg.PcieSegment)
	out = append(out, seg2[:]...)
	out = append(out, cfg.PcieStartBus, cfg.PcieEndBus)
	out = append(out, 0, 0, 0, 0) // reserved

	return finalizeSDT(out)
}

func buildFACS() []byte {
	out := make([]byte, 64)
	copy(out[0:4], "FACS")
	putLE32(out[4:8], 64)
	out[32] = 2 // version: ACPI 2.0+
	return out
}

type gas struct {
	AddressSpaceID    byte
	RegisterBitWidth  byte
	RegisterBitOffset byte
	AccessSize        byte
	Address           uint64
}

func gasIO(bitWidth byte, port uint16) gas {
	return gas{AddressSpaceID: 1, RegisterBitWidth: bitWidth, Address: uint64(port)}
}

func gasIOWithAccess(bitWidth, accessSize byte, port uint16) gas {
	return gas{AddressSpaceID: 1, RegisterBitWidth: bitWidth, AccessSize: accessSize, Address: uint64(port)}
}

func gasMMIO(address uint64) gas {
	return gas{AddressSpaceID: 0, Address: address}
}

func (g gas) bytes() [12]byte {
	var out [12]byte
	out[0] = g.AddressSpaceID
	out[1] = g.RegisterBitWidth
	out[2] = g.RegisterBitOffset
	out[3] = g.AccessSize
	for i := 0; i < 8; i++ {
		out[4+i] = byte(g.Address >> (8 * i))
	}
	return out
}

func buildFADT(cfg AcpiConfig, dsdtAddr, facsAddr uint64) []byte {
	const fadtLen = 244
	out := make([]byte, 0, fadtLen)
	hdr := buildSDTHeader([4]byte{'F', 'A', 'C', 'P'}, 3, fadtLen, cfg)
	out = append(out, hdr[:]...)

	var u32buf [4]byte
	putU32 := func(v uint32) { putLE32(u32buf[:], v); out = append(out, u32buf[:]...) }
	var u16buf [2]byte
	putU16 := func(v uint16) { putLE16(u16buf[:], v); out = append(out, u16buf[:]...) }

	putU32(uint32(facsAddr)) // FIRMWARE_CTRL
	putU32(uint32(dsdtAddr)) // DSDT

	out = append(out, 0) // reserved: Model
	out = append(out, 1) // preferred PM profile: Desktop
	putU16(uint16(cfg.SCIIRQ))
	putU32(uint32(cfg.SMICmdPort))
	out = append(out, cfg.AcpiEnableCmd, cfg.AcpiDisableCmd)
	out = append(out, 0, 0) // S4BIOS_REQ, PSTATE_CNT

	putU32(uint32(cfg.PM1aEvtBlk))
	putU32(0) // PM1B_EVT_BLK
	putU32(uint32(cfg.PM1aCntBlk))
	putU32(0) // PM1B_CNT_BLK
	putU32(0) // PM2_CNT_BLK
	putU32(uint32(cfg.PMTmrBlk))
	putU32(uint32(cfg.GPE0Blk))
	putU32(0) // GPE1_BLK

	out = append(out, 4) // PM1_EVT_LEN
	out = append(out, 2) // PM1_CNT_LEN
	out = append(out, 0) // PM2_CNT_LEN
	out = append(out, 4) // PM_TMR_LEN
	out = append(out, cfg.GPE0BlkLen)
	out = append(out, 0, 0, 0) // GPE1_BLK_LEN, GPE1_BASE, CST_CNT

	putU16(0) // P_LVL2_LAT
	putU16(0) // P_LVL3_LAT
	putU16(0) // FLUSH_SIZE
	putU16(0) // FLUSH_STRIDE
	out = append(out, 0, 0, 0, 0, 0) // DUTY_OFFSET, DUTY_WIDTH, DAY_ALRM, MON_ALRM, CENTURY
	putU16(0x0003)                   // IAPC_BOOT_ARCH: legacy devices + 8042
	out = append(out, 0)             // reserved

	flags := acpiFadtFlagResetRegSup | acpiFadtFlagPwrButton | acpiFadtFlagSlpButton
	putU32(flags)

	resetReg := gasIOWithAccess(8, 1, 0x0CF9)
	rr := resetReg.bytes()
	out = append(out, rr[:]...)
	out = append(out, 0x06) // RESET_VALUE
	putU16(0)               // ARM_BOOT_ARCH
	out = append(out, 0)    // FADT_MINOR_VERSION

	var u64buf [8]byte
	putU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			u64buf[i] = byte(v >> (8 * i))
		}
		out = append(out, u64buf[:]...)
	}
	putU64(facsAddr) // X_FIRMWARE_CTRL
	putU64(dsdtAddr) // X_DSDT

	xPM1aEvt := gasIO(32, cfg.PM1aEvtBlk)
	xPM1bEvt := gasIO(0, 0)
	xPM1aCnt := gasIO(16, cfg.PM1aCntBlk)
	xPM1bCnt := gasIO(0, 0)
	xPM2Cnt := gasIO(0, 0)
	xPMTmr := gasIO(32, cfg.PMTmrBlk)
	xGPE0 := gasIO(gpe0BitWidth(cfg.GPE0BlkLen), cfg.GPE0Blk)
	xGPE1 := gasIO(0, 0)

	for _, g := range []gas{xPM1aEvt, xPM1bEvt, xPM1aCnt, xPM1bCnt, xPM2Cnt, xPMTmr, xGPE0, xGPE1} {
		b := g.bytes()
		out = append(out, b[:]...)
	}

	if len(out) != fadtLen {
		panic("acpi: FADT length mismatch")
	}
	return finalizeSDT(out)
}

func gpe0BitWidth(blkLen uint8) byte {
	v := uint16(blkLen) * 8
	if v > 255 {
		return 255
	}
	return byte(v)
}

const (
	isoPolarityConforms  uint16 = 0b00
	isoPolarityActiveLow uint16 = 0b11
	isoTriggerConforms   uint16 = 0b00 << 2
	isoTriggerLevel      uint16 = 0b11 << 2
)

const isoActiveLowLevel = isoPolarityActiveLow | isoTriggerLevel

func buildMADT(cfg AcpiConfig) []byte {
	var body []byte
	var u32buf [4]byte
	putLE32(u32buf[:], cfg.LocalAPICAddr)
	body = append(body, u32buf[:]...)
	putLE32(u32buf[:], 1) // flags: PCAT_COMPAT
	body = append(body, u32buf[:]...)

	for cpuID := uint8(0); cpuID < cfg.CPUCount; cpuID++ {
		body = append(body, 0, 8, cpuID, cpuID)
		putLE32(u32buf[:], 1) // flags: enabled
		body = append(body, u32buf[:]...)
	}

	// I/O APIC entry.
	body = append(body, 1, 12, 0, 0)
	putLE32(u32buf[:], cfg.IOAPICAddr)
	body = append(body, u32buf[:]...)
	putLE32(u32buf[:], 0) // GSI base
	body = append(body, u32buf[:]...)

	iso1 := madtISO(0, 0, 2, isoPolarityConforms|isoTriggerConforms)
	body = append(body, iso1[:]...)
	iso2 := madtISO(0, cfg.SCIIRQ, uint32(cfg.SCIIRQ), isoActiveLowLevel)
	body = append(body, iso2[:]...)
	lapicNMI := madtLapicNMI(0xFF, 0x0000, 1)
	body = append(body, lapicNMI[:]...)

	totalLen := 36 + len(body)
	out := make([]byte, 0, totalLen)
	hdr := buildSDTHeader([4]byte{'A', 'P', 'I', 'C'}, 3, uint32(totalLen), cfg)
	out = append(out, hdr[:]...)
	out = append(out, body...)
	return finalizeSDT(out)
}

func madtISO(bus, sourceIRQ byte, gsi uint32, flags uint16) [10]byte {
	var out [10]byte
	out[0] = 2
	out[1] = 10
	out[2] = bus
	out[3] = sourceIRQ
	putLE32(out[4:8], gsi)
	putLE16(out[8:10], flags)
	return out
}

func madtLapicNMI(acpiProcessorID byte, flags uint16, lint byte) [6]byte {
	var out [6]byte
	out[0] = 4
	out[1] = 6
	out[2] = acpiProcessorID
	putLE16(out[3:5], flags)
	out[5] = lint
	return out
}

func buildHPETTable(cfg AcpiConfig) []byte {
	const totalLen = 56
	out := make([]byte, 0, totalLen)
	hdr := buildSDTHeader([4]byte{'H', 'P', 'E', 'T'}, 1, totalLen, cfg)
	out = append(out, hdr[:]...)

	const hwRev uint32 = 0x01
	const comparators uint32 = 2 << 8
	const counterSize uint32 = 1 << 13
	const legacyRoute uint32 = 1 << 15
	const vendor uint32 = 0x8086 << 16
	blockID := hwRev | comparators | counterSize | legacyRoute | vendor
	var b4 [4]byte
	putLE32(b4[:], blockID)
	out = append(out, b4[:]...)

	g := gasMMIO(cfg.HPETAddr)
	g.RegisterBitWidth = 64
	gb := g.bytes()
	out = append(out, gb[:]...)

	out = append(out, 0) // HPET number
	var clk [2]byte
	putLE16(clk[:], 0x0080)
	out = append(out, clk[:]...)
	out = append(out, 0) // page protection

	if len(out) != totalLen {
		panic("acpi: HPET length mismatch")
	}
	return finalizeSDT(out)
}

func buildDSDTTable(cfg AcpiConfig) []byte {
	aml := buildDSDTAML(cfg)
	totalLen := 36 + len(aml)
	out := make([]byte, 0, totalLen)
	hdr := buildSDTHeader([4]byte{'D', 'S', 'D', 'T'}, 2, uint32(totalLen), cfg)
	out = append(out, hdr[:]...)
	out = append(out, aml...)
	return finalizeSDT(out)
}
