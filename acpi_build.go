// acpi_build.go - ACPI table set assembly and placement

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
acpi_build.go sequences table placement exactly as the platform firmware
describes: DSDT first, then the FACS into the NVS window, then FADT,
MADT, HPET, the optional MCFG, and finally RSDT/XSDT/RSDP, each table
start aligned per AcpiPlacement.Alignment. AcpiTables.WriteTo commits the
built blobs onto a GuestMemory so a VMM can map them in before first
guest boot; the builder itself stays decoupled from the eventual memory
backing (aerogpu_membus.go).
*/

package main

import "fmt"

// AcpiAddresses records where each table landed once built, so a caller
// can wire up E820/UEFI config tables without re-deriving offsets.
type AcpiAddresses struct {
	RSDP uint64
	RSDT uint64
	XSDT uint64
	FADT uint64
	FACS uint64
	MADT uint64
	HPET uint64
	MCFG uint64 // zero if MCFG was not built
	DSDT uint64
}

// AcpiTables holds the fully built table blobs plus their placement.
type AcpiTables struct {
	Addrs AcpiAddresses

	rsdp []byte
	rsdt []byte
	xsdt []byte
	fadt []byte
	facs []byte
	madt []byte
	hpet []byte
	mcfg []byte
	dsdt []byte
}

// BuildAcpiTables builds a complete, checksummed, bit-exact ACPI table
// set for cfg, placed according to placement. The 4GiB RSDT entry cap and
// NVS/table-region overlap are structural invariants of the reference
// layout and are asserted here rather than silently
// tolerated.
func BuildAcpiTables(cfg AcpiConfig, placement AcpiPlacement) (*AcpiTables, error) {
	cursor := placement.TablesBase

	place := func(size int) uint64 {
		addr := alignUp(cursor, placement.Alignment)
		cursor = addr + uint64(size)
		return addr
	}

	dsdt := buildDSDTTable(cfg)
	dsdtAddr := place(len(dsdt))

	facs := buildFACS()
	if uint64(len(facs)) > placement.NvsSize {
		return nil, fmt.Errorf("acpi: FACS (%d bytes) exceeds NVS window (%d bytes)", len(facs), placement.NvsSize)
	}
	facsAddr := placement.NvsBase

	fadt := buildFADT(cfg, dsdtAddr, facsAddr)
	fadtAddr := place(len(fadt))

	madt := buildMADT(cfg)
	madtAddr := place(len(madt))

	hpet := buildHPETTable(cfg)
	hpetAddr := place(len(hpet))

	var mcfg []byte
	var mcfgAddr uint64
	if cfg.PcieEcamBase != 0 {
		mcfg = buildMCFG(cfg)
		mcfgAddr = place(len(mcfg))
	}

	entryAddrs := []uint64{fadtAddr, madtAddr, hpetAddr}
	if mcfg != nil {
		entryAddrs = append(entryAddrs, mcfgAddr)
	}
	for _, a := range entryAddrs {
		if a > 0xFFFF_FFFF {
			return nil, fmt.Errorf("acpi: table address 0x%X exceeds the 32-bit RSDT entry width", a)
		}
	}

	rsdtAddrs := make([]uint32, len(entryAddrs))
	for i, a := range entryAddrs {
		rsdtAddrs[i] = uint32(a)
	}
	rsdt := buildRSDT(cfg, rsdtAddrs)
	rsdtAddr := place(len(rsdt))

	xsdt := buildXSDT(cfg, entryAddrs)
	xsdtAddr := place(len(xsdt))

	tablesEnd := cursor
	nvsEnd := placement.NvsBase + placement.NvsSize
	if rangesOverlap(placement.TablesBase, tablesEnd, placement.NvsBase, nvsEnd) {
		return nil, fmt.Errorf("acpi: table region [0x%X, 0x%X) overlaps NVS region [0x%X, 0x%X)",
			placement.TablesBase, tablesEnd, placement.NvsBase, nvsEnd)
	}

	rsdp := buildRSDP(cfg, uint32(rsdtAddr), xsdtAddr)

	return &AcpiTables{
		Addrs: AcpiAddresses{
			RSDP: placement.RsdpAddr,
			RSDT: rsdtAddr,
			XSDT: xsdtAddr,
			FADT: fadtAddr,
			FACS: facsAddr,
			MADT: madtAddr,
			HPET: hpetAddr,
			MCFG: mcfgAddr,
			DSDT: dsdtAddr,
		},
		rsdp: rsdp,
		rsdt: rsdt,
		xsdt: xsdt,
		fadt: fadt,
		facs: facs,
		madt: madt,
		hpet: hpet,
		mcfg: mcfg,
		dsdt: dsdt,
	}, nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

// WriteTo commits every built table blob onto mem at its placed address.
// Returns an error naming the first table that failed to write, so a
// caller can tell a too-small guest memory backing from a programming
// error in placement.
func (t *AcpiTables) WriteTo(mem GuestMemory) error {
	writes := []struct {
		name string
		addr uint64
		data []byte
	}{
		{"RSDP", t.Addrs.RSDP, t.rsdp},
		{"DSDT", t.Addrs.DSDT, t.dsdt},
		{"FACS", t.Addrs.FACS, t.facs},
		{"FADT", t.Addrs.FADT, t.fadt},
		{"MADT", t.Addrs.MADT, t.madt},
		{"HPET", t.Addrs.HPET, t.hpet},
		{"RSDT", t.Addrs.RSDT, t.rsdt},
		{"XSDT", t.Addrs.XSDT, t.xsdt},
	}
	if t.mcfg != nil {
		writes = append(writes, struct {
			name string
			addr uint64
			data []byte
		}{"MCFG", t.Addrs.MCFG, t.mcfg})
	}
	for _, w := range writes {
		if ok := mem.WritePhysical(w.addr, w.data); !ok {
			return fmt.Errorf("acpi: failed to write %s at 0x%X (%d bytes)", w.name, w.addr, len(w.data))
		}
	}
	return nil
}
