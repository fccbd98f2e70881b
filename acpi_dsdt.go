// acpi_dsdt.go - DSDT namespace assembly (AML)

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
acpi_dsdt.go assembles the minimal ACPI namespace
requires under _SB and _PR: the motherboard resource device (_SB.SYS0),
power/sleep buttons, the PCI root bridge (with a _CRS split around ECAM
and a static _PRT), HPET, RTC, and PIT devices, per-CPU ACPI0007 devices,
_Sx_ sleep packages, _PTS/_WAK, and the _PIC method that reprograms the
8259/IOAPIC routing via ports 0x22/0x23.
*/

package main

const (
	pci0CrsGeneralFlags        = 0x0C // ResourceProducer, PosDecode, MinFixed, MaxFixed
	pci0CrsMMIOTypeSpecific    = 0x03 // Cacheable, ReadWrite
	pci0CrsIOTypeSpecificEntire = 0x03
)

func buildDSDTAML(cfg AcpiConfig) []byte {
	var out []byte

	out = append(out, amlNameInteger([4]byte{'P', 'I', 'C', 'M'}, 0)...)
	out = append(out, amlOpRegion([4]byte{'I', 'M', 'C', 'R'}, 0x01, 0x22, 0x02)...)
	out = append(out, amlField([4]byte{'I', 'M', 'C', 'R'}, 0x01, []amlFieldEntry{
		{Name: [4]byte{'I', 'M', 'C', 'S'}, Bits: 8},
		{Name: [4]byte{'I', 'M', 'C', 'D'}, Bits: 8},
	})...)
	out = append(out, amlMethodPic()...)
	out = append(out, amlMethodPTS()...)
	out = append(out, amlMethodWAK()...)

	var sb []byte
	sb = append(sb, amlDeviceSYS0(cfg)...)
	sb = append(sb, amlDevicePWRB()...)
	sb = append(sb, amlDeviceSLPB()...)
	sb = append(sb, amlDevicePCI0(cfg)...)
	sb = append(sb, amlDeviceHPET(cfg)...)
	sb = append(sb, amlDeviceRTC()...)
	sb = append(sb, amlDeviceTIMR()...)
	out = append(out, amlScope([4]byte{'_', 'S', 'B', '_'}, sb)...)

	var pr []byte
	for cpu := uint8(0); cpu < cfg.CPUCount; cpu++ {
		pr = append(pr, amlDeviceCPU(cpu)...)
	}
	out = append(out, amlScope([4]byte{'_', 'P', 'R', '_'}, pr)...)

	out = append(out, amlSleepState([4]byte{'_', 'S', '1', '_'}, 1)...)
	out = append(out, amlSleepState([4]byte{'_', 'S', '3', '_'}, 3)...)
	out = append(out, amlSleepState([4]byte{'_', 'S', '4', '_'}, 4)...)
	out = append(out, amlSleepState([4]byte{'_', 'S', '5', '_'}, 5)...)

	return out
}

// amlMethodPic encodes:
//
//	Method (_PIC, 1) { Store(Arg0, PICM); Store(0x70, IMCS); And(Arg0, One, IMCD) }
func amlMethodPic() []byte {
	var body []byte
	body = append(body, amlOpStore, amlOpArg0)
	body = append(body, "PICM"...)
	body = append(body, amlOpStore)
	body = append(body, amlInteger(0x70)...)
	body = append(body, "IMCS"...)
	body = append(body, amlOpAnd, amlOpArg0, amlOpOne)
	body = append(body, "IMCD"...)
	return amlMethod([4]byte{'_', 'P', 'I', 'C'}, 0x01, body)
}

func amlMethodPTS() []byte {
	return amlMethod([4]byte{'_', 'P', 'T', 'S'}, 0x01, nil)
}

func amlMethodWAK() []byte {
	pkg := amlPackage([][]byte{amlInteger(0), amlInteger(0)})
	body := append([]byte{amlOpReturn}, pkg...)
	return amlMethod([4]byte{'_', 'W', 'A', 'K'}, 0x01, body)
}

func amlSleepState(name [4]byte, slpTyp uint64) []byte {
	return amlNamePackage(name, [][]byte{amlInteger(slpTyp), amlInteger(slpTyp)})
}

func amlDeviceCPU(cpuID uint8) []byte {
	const hexDigits = "0123456789ABCDEF"
	var name [4]byte
	if cpuID < 16 {
		name = [4]byte{'C', 'P', 'U', hexDigits[cpuID]}
	} else {
		name = [4]byte{'C', 'P', hexDigits[cpuID>>4], hexDigits[cpuID&0x0F]}
	}
	var body []byte
	body = append(body, amlNameString([4]byte{'_', 'H', 'I', 'D'}, "ACPI0007")...)
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, uint64(cpuID))...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'T', 'A'}, 0x0F)...)
	return amlDevice(name, body)
}

func sys0CRS(cfg AcpiConfig) []byte {
	var out []byte
	put8 := func(d [8]byte) { out = append(out, d[:]...) }
	put8(ioPortDescriptor(cfg.SMICmdPort, cfg.SMICmdPort, 1, 1))
	put8(ioPortDescriptor(cfg.PM1aEvtBlk, cfg.PM1aEvtBlk, 1, 4))
	put8(ioPortDescriptor(cfg.PM1aCntBlk, cfg.PM1aCntBlk, 1, 2))
	put8(ioPortDescriptor(cfg.PMTmrBlk, cfg.PMTmrBlk, 1, 4))
	put8(ioPortDescriptor(cfg.GPE0Blk, cfg.GPE0Blk, 1, cfg.GPE0BlkLen))
	put8(ioPortDescriptor(0x0022, 0x0022, 1, 2)) // IMCR
	put8(ioPortDescriptor(0x0092, 0x0092, 1, 1)) // A20 gate
	put8(ioPortDescriptor(0x0060, 0x0060, 1, 5)) // i8042
	put8(ioPortDescriptor(0x0CF9, 0x0CF9, 1, 1)) // reset port
	out = append(out, endTag[:]...)
	return out
}

func amlDeviceSYS0(cfg AcpiConfig) []byte {
	var body []byte
	body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0C02")...)
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, 0)...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'T', 'A'}, 0x0F)...)
	body = append(body, amlNameBuffer([4]byte{'_', 'C', 'R', 'S'}, sys0CRS(cfg))...)
	return amlDevice([4]byte{'S', 'Y', 'S', '0'}, body)
}

func amlDevicePWRB() []byte {
	var body []byte
	body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0C0C")...)
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, 0)...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'T', 'A'}, 0x0F)...)
	return amlDevice([4]byte{'P', 'W', 'R', 'B'}, body)
}

func amlDeviceSLPB() []byte {
	var body []byte
	body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0C0E")...)
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, 0)...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'T', 'A'}, 0x0F)...)
	return amlDevice([4]byte{'S', 'L', 'P', 'B'}, body)
}

func amlDeviceHPET(cfg AcpiConfig) []byte {
	var crs []byte
	hpetMem := memory32FixedDescriptor(uint32(cfg.HPETAddr), 0x400)
	crs = append(crs, hpetMem[:]...)
	crs = append(crs, endTag[:]...)

	var body []byte
	body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0103")...)
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, 0)...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'T', 'A'}, 0x0F)...)
	body = append(body, amlNameBuffer([4]byte{'_', 'C', 'R', 'S'}, crs)...)
	return amlDevice([4]byte{'H', 'P', 'E', 'T'}, body)
}

func amlDeviceRTC() []byte {
	var crs []byte
	rtcPort := ioPortDescriptor(0x0070, 0x0070, 1, 2)
	crs = append(crs, rtcPort[:]...)
	irq := irqNoFlagsDescriptor(8)
	crs = append(crs, irq[:]...)
	crs = append(crs, endTag[:]...)

	var body []byte
	body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0B00")...)
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, 0)...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'T', 'A'}, 0x0F)...)
	body = append(body, amlNameBuffer([4]byte{'_', 'C', 'R', 'S'}, crs)...)
	return amlDevice([4]byte{'R', 'T', 'C', '_'}, body)
}

func amlDeviceTIMR() []byte {
	var crs []byte
	timrPort := ioPortDescriptor(0x0040, 0x0040, 1, 4)
	crs = append(crs, timrPort[:]...)
	irq := irqNoFlagsDescriptor(0)
	crs = append(crs, irq[:]...)
	crs = append(crs, endTag[:]...)

	var body []byte
	body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0100")...)
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, 0)...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'T', 'A'}, 0x0F)...)
	body = append(body, amlNameBuffer([4]byte{'_', 'C', 'R', 'S'}, crs)...)
	return amlDevice([4]byte{'T', 'I', 'M', 'R'}, body)
}

func amlDevicePCI0(cfg AcpiConfig) []byte {
	var body []byte
	pcie := cfg.PcieEcamBase != 0
	if pcie {
		body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0A08")...)
		body = append(body, amlNameEisaID([4]byte{'_', 'C', 'I', 'D'}, "PNP0A03")...)
	} else {
		body = append(body, amlNameEisaID([4]byte{'_', 'H', 'I', 'D'}, "PNP0A03")...)
	}
	body = append(body, amlNameInteger([4]byte{'_', 'U', 'I', 'D'}, 0)...)
	body = append(body, amlNameInteger([4]byte{'_', 'B', 'B', 'N'}, uint64(cfg.PcieStartBus))...)
	body = append(body, amlNameInteger([4]byte{'_', 'S', 'E', 'G'}, uint64(cfg.PcieSegment))...)
	if pcie {
		body = append(body, amlNameInteger([4]byte{'_', 'C', 'B', 'A'}, cfg.PcieEcamBase)...)
	}
	body = append(body, amlNameBuffer([4]byte{'_', 'C', 'R', 'S'}, pci0CRS(cfg))...)
	body = append(body, amlNamePackage([4]byte{'_', 'P', 'R', 'T'}, pci0PRT(cfg))...)
	return amlDevice([4]byte{'P', 'C', 'I', '0'}, body)
}

func pci0CRS(cfg AcpiConfig) []byte {
	var out []byte

	startBus := uint16(cfg.PcieStartBus)
	endBusRaw := uint16(cfg.PcieEndBus)
	endBus := endBusRaw
	if endBus < startBus {
		endBus = startBus
	}
	busLen := endBus - startBus + 1
	bus := wordAddrSpaceDescriptor(
		addrSpaceHeader{ResourceType: 0x02, GeneralFlags: pci0CrsGeneralFlags, TypeSpecificFlags: 0x00},
		addrSpaceRange16{Granularity: 0, Min: startBus, Max: endBus, Translation: 0, Length: busLen},
	)
	out = append(out, bus[:]...)

	cf8 := ioPortDescriptor(0x0CF8, 0x0CF8, 1, 8)
	out = append(out, cf8[:]...)

	ioLow := wordAddrSpaceDescriptor(
		addrSpaceHeader{ResourceType: 0x01, GeneralFlags: pci0CrsGeneralFlags, TypeSpecificFlags: pci0CrsIOTypeSpecificEntire},
		addrSpaceRange16{Granularity: 0, Min: 0x0000, Max: 0x0CF7, Translation: 0, Length: 0x0CF8},
	)
	out = append(out, ioLow[:]...)

	ioHigh := wordAddrSpaceDescriptor(
		addrSpaceHeader{ResourceType: 0x01, GeneralFlags: pci0CrsGeneralFlags, TypeSpecificFlags: pci0CrsIOTypeSpecificEntire},
		addrSpaceRange16{Granularity: 0, Min: 0x0D00, Max: 0xFFFF, Translation: 0, Length: 0xF300},
	)
	out = append(out, ioHigh[:]...)

	mmioStart := uint64(cfg.PciMMIOBase)
	mmioEnd := mmioStart + uint64(cfg.PciMMIOSize)
	pcie := cfg.PcieEcamBase != 0
	ecamStart := cfg.PcieEcamBase
	busCount := uint64(cfg.PcieEndBus-cfg.PcieStartBus) + 1
	ecamEnd := ecamStart + busCount*(1<<20)

	emitMMIO := func(rangeStart, rangeEnd uint64) {
		if rangeEnd <= rangeStart {
			return
		}
		start := uint32(rangeStart)
		endIncl := uint32(rangeEnd - 1)
		length := uint32(rangeEnd - rangeStart)
		d := dwordAddrSpaceDescriptor(
			addrSpaceHeader{ResourceType: 0x00, GeneralFlags: pci0CrsGeneralFlags, TypeSpecificFlags: pci0CrsMMIOTypeSpecific},
			addrSpaceRange32{Granularity: 0, Min: start, Max: endIncl, Translation: 0, Length: length},
		)
		out = append(out, d[:]...)
	}

	if !pcie || ecamEnd <= mmioStart || ecamStart >= mmioEnd {
		emitMMIO(mmioStart, mmioEnd)
	} else {
		lo := ecamStart
		if mmioEnd < lo {
			lo = mmioEnd
		}
		emitMMIO(mmioStart, lo)
		hi := ecamEnd
		if mmioStart > hi {
			hi = mmioStart
		}
		emitMMIO(hi, mmioEnd)
	}

	out = append(out, endTag[:]...)
	return out
}

// pci0PRT builds the static PIRQ routing table for devices 1..31, pins
// INTA#..INTD#, as AML Package(4){Address, Pin, Source=0, SourceIndex=GSI}
// entries (design note on named-device
// links vs literal GSIs — this module always uses the literal-GSI form).
func pci0PRT(cfg AcpiConfig) [][]byte {
	var entries [][]byte
	for dev := uint32(1); dev <= 31; dev++ {
		addr := (dev << 16) | 0xFFFF
		for pin := uint8(0); pin <= 3; pin++ {
			gsi := gsiForIntx(cfg.PirqToGsi, uint8(dev), pin)
			entries = append(entries, amlPackage([][]byte{
				amlInteger(uint64(addr)),
				amlInteger(uint64(pin)),
				amlInteger(0),
				amlInteger(uint64(gsi)),
			}))
		}
	}
	return entries
}
