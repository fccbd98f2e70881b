// acpi_config.go - ACPI placement and platform configuration

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
acpi_config.go defines the inputs to the ACPI Table Emitter: where tables
land in guest-physical memory and the platform facts (OEM strings, PM
I/O block bases, SCI IRQ, PIRQ routing, PCIe ECAM window) the emitter
needs to produce a bit-exact table set. One config struct with defaults
rather than a dozen parameters threaded through Build.
*/

package main

// DefaultAcpiAlignment is the default table-start alignment in bytes.
const DefaultAcpiAlignment uint64 = 16

// DefaultAcpiNvsSize is the default size of the ACPI NVS window reserved
// for the FACS.
const DefaultAcpiNvsSize uint64 = 0x1000

// AcpiPlacement describes where the emitted table blobs land in
// guest-physical memory.
type AcpiPlacement struct {
	// TablesBase is the base address for the SDT blobs (DSDT/FADT/MADT/
	// HPET/MCFG/RSDT/XSDT).
	TablesBase uint64
	// NvsBase is the base address for ACPI NVS blobs (E820 type 4); the
	// FACS is placed here, not in the reclaimable table region.
	NvsBase uint64
	// NvsSize is the size of the ACPI NVS window in bytes.
	NvsSize uint64
	// RsdpAddr is the physical address where the RSDP is written (must be
	// discoverable in the BIOS search range below 1MiB).
	RsdpAddr uint64
	// Alignment is applied to each table's start address. Need not be a
	// power of two.
	Alignment uint64
}

// DefaultAcpiPlacement returns the placement this device model treats as its
// the default layout.
func DefaultAcpiPlacement() AcpiPlacement {
	return AcpiPlacement{
		TablesBase: 0x0010_0000,
		NvsBase:    0x0011_0000,
		NvsSize:    DefaultAcpiNvsSize,
		RsdpAddr:   0x000F_0000,
		Alignment:  DefaultAcpiAlignment,
	}
}

// AcpiConfig carries the platform facts consumed while building tables.
type AcpiConfig struct {
	OemID          [6]byte
	OemTableID     [8]byte
	OemRevision    uint32
	CreatorID      [4]byte
	CreatorRevision uint32

	CPUCount uint8

	LocalAPICAddr uint32
	IOAPICAddr    uint32
	HPETAddr      uint64

	// SCIIRQ is the ACPI SCI interrupt (legacy IRQ number).
	SCIIRQ uint8

	// SMICmdPort is the FADT SMI command port used for the ACPI
	// enable/disable handshake.
	SMICmdPort     uint16
	AcpiEnableCmd  uint8
	AcpiDisableCmd uint8

	PM1aEvtBlk uint16
	PM1aCntBlk uint16
	PMTmrBlk   uint16
	GPE0Blk    uint16
	GPE0BlkLen uint8

	PciMMIOBase uint32
	PciMMIOSize uint32

	// PcieEcamBase is the base of the PCIe ECAM ("MMCONFIG") window. Zero
	// disables MCFG emission and the PCI root bridge reports PNP0A03
	// instead of PNP0A08+PNP0A03.
	PcieEcamBase  uint64
	PcieSegment   uint16
	PcieStartBus  uint8
	PcieEndBus    uint8

	// PirqToGsi maps PCI PIRQ[A-D] (index 0..3) to platform GSIs, used by
	// the DSDT _PRT. The swizzle is pirq = (device + pin) mod 4.
	PirqToGsi [4]uint32
}

// DefaultAcpiConfig returns the platform defaults this device model
// names, matching the reference implementation's PC/AT-compatible layout.
func DefaultAcpiConfig() AcpiConfig {
	return AcpiConfig{
		OemID:           [6]byte{'A', 'E', 'R', 'O', ' ', ' '},
		OemTableID:      [8]byte{'A', 'E', 'R', 'O', 'A', 'C', 'P', 'I'},
		OemRevision:     1,
		CreatorID:       [4]byte{'A', 'E', 'R', 'O'},
		CreatorRevision: 1,

		CPUCount: 1,

		LocalAPICAddr: 0xFEE0_0000,
		IOAPICAddr:    0xFEC0_0000,
		HPETAddr:      0xFED0_0000,

		SCIIRQ: 9,

		SMICmdPort:     0x00B2,
		AcpiEnableCmd:  0xA0,
		AcpiDisableCmd: 0xA1,

		PM1aEvtBlk: 0x0400,
		PM1aCntBlk: 0x0404,
		PMTmrBlk:   0x0408,
		GPE0Blk:    0x0420,
		GPE0BlkLen: 0x08,

		PciMMIOBase: 0xC000_0000,
		PciMMIOSize: 0x3EC0_0000,

		PcieEcamBase: 0,
		PcieSegment:  0,
		PcieStartBus: 0,
		PcieEndBus:   0xFF,

		PirqToGsi: [4]uint32{10, 11, 12, 13},
	}
}

// gsiForIntx applies the standard PCI PIRQ swizzle: pirq = (device + pin)
// mod 4, then maps that PIRQ index through PirqToGsi.
func gsiForIntx(pirqToGsi [4]uint32, device uint8, pin uint8) uint32 {
	pirq := (uint32(device) + uint32(pin)) % 4
	return pirqToGsi[pirq]
}
