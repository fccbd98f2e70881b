// acpi_tables_test.go - ACPI table emitter tests

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

package main

import (
	"bytes"
	"testing"
)

func TestAmlEncodePkgLength(t *testing.T) {
	cases := []struct {
		length int
		want   []byte
	}{
		{0x3F, []byte{0x3F}},
		{0x40, []byte{0x40, 0x04}},
		{0x70, []byte{0x40, 0x07}},
		{0x0FFF, []byte{0x4F, 0xFF}},
		{0x1000, []byte{0x80, 0x00, 0x01}},
	}
	for _, c := range cases {
		got := amlEncodePkgLength(c.length)
		if !bytes.Equal(got, c.want) {
			t.Errorf("amlEncodePkgLength(0x%X) = % X, want % X", c.length, got, c.want)
		}
	}
}

func TestAmlPkgLengthForPayload_Converges(t *testing.T) {
	for _, payloadLen := range []int{0, 1, 0x3E, 0x3F, 0x40, 0xFFE, 0xFFF, 0x1000, 0xFFFFE} {
		enc := amlPkgLengthForPayload(payloadLen)
		total := payloadLen + len(enc)
		if decoded := amlEncodePkgLength(total); len(decoded) != len(enc) {
			t.Errorf("payloadLen=%d: PkgLength encoding is not self-consistent: enc=% X covers total=%d but re-encoding needs %d bytes", payloadLen, enc, total, len(decoded))
		}
	}
}

func TestEisaIDToUint32_KnownValues(t *testing.T) {
	cases := map[string]uint32{
		"PNP0A03": 0x030AD041,
		"PNP0A08": 0x080AD041,
		"PNP0103": 0x0301D041,
	}
	for id, want := range cases {
		got, ok := eisaIDToUint32(id)
		if !ok {
			t.Fatalf("eisaIDToUint32(%q) reported invalid", id)
		}
		if got != want {
			t.Errorf("eisaIDToUint32(%q) = 0x%08X, want 0x%08X", id, got, want)
		}
	}
}

func TestEisaIDToUint32_RejectsMalformed(t *testing.T) {
	for _, id := range []string{"PNP0A0", "pnp0a03zz", "NOTANID!"} {
		if _, ok := eisaIDToUint32(id); ok {
			t.Errorf("eisaIDToUint32(%q) should have reported invalid", id)
		}
	}
}

func TestAcpiChecksum8_SumsToZero(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0xFE}
	data[3] = 0
	data[3] = acpiChecksum8(data)
	var sum byte
	for _, b := range data {
		sum += b
	}
	if sum != 0 {
		t.Errorf("checksummed buffer sums to %d, want 0", sum)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ value, align, want uint64 }{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{100, 1, 100}, // identity for align=1
		{7, 3, 9},     // non-power-of-two alignment
	}
	for _, c := range cases {
		if got := alignUp(c.value, c.align); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", c.value, c.align, got, c.want)
		}
	}
}

func TestBuildRSDP_ChecksumsValidate(t *testing.T) {
	cfg := DefaultAcpiConfig()
	rsdp := buildRSDP(cfg, 0x0010_1000, 0x0010_2000)
	if len(rsdp) != 36 {
		t.Fatalf("RSDP length = %d, want 36", len(rsdp))
	}
	var sum20 byte
	for _, b := range rsdp[:20] {
		sum20 += b
	}
	if sum20 != 0 {
		t.Errorf("RSDP first-20-byte checksum = %d, want 0", sum20)
	}
	var sumAll byte
	for _, b := range rsdp {
		sumAll += b
	}
	if sumAll != 0 {
		t.Errorf("RSDP extended checksum = %d, want 0", sumAll)
	}
	if !bytes.Equal(rsdp[0:8], []byte("RSD PTR ")) {
		t.Errorf("RSDP signature = %q", rsdp[0:8])
	}
}

func TestBuildFADT_IsRev3AndChecksums(t *testing.T) {
	cfg := DefaultAcpiConfig()
	fadt := buildFADT(cfg, 0x0010_0000, 0x0011_0000)
	if len(fadt) != 244 {
		t.Fatalf("FADT length = %d, want 244", len(fadt))
	}
	if fadt[8] != 3 {
		t.Errorf("FADT revision = %d, want 3", fadt[8])
	}
	assertSDTChecksum(t, "FADT", fadt)
}

func TestBuildMADT_Checksums(t *testing.T) {
	cfg := DefaultAcpiConfig()
	cfg.CPUCount = 4
	madt := buildMADT(cfg)
	assertSDTChecksum(t, "MADT", madt)
}

func TestBuildHPET_Checksums(t *testing.T) {
	cfg := DefaultAcpiConfig()
	hpet := buildHPETTable(cfg)
	assertSDTChecksum(t, "HPET", hpet)
	if len(hpet) != 56 {
		t.Errorf("HPET length = %d, want 56", len(hpet))
	}
}

func TestBuildMCFG_AlignmentAndOrderAssertions(t *testing.T) {
	cfg := DefaultAcpiConfig()
	cfg.PcieEcamBase = 0xB000_0000
	cfg.PcieStartBus = 0
	cfg.PcieEndBus = 0xFF

	mcfg := buildMCFG(cfg)
	assertSDTChecksum(t, "MCFG", mcfg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic for a misaligned ECAM base")
		}
	}()
	bad := cfg
	bad.PcieEcamBase = 0xB000_0001
	buildMCFG(bad)
}

func TestBuildMCFG_RejectsBusOrderInversion(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic when start_bus > end_bus")
		}
	}()
	cfg := DefaultAcpiConfig()
	cfg.PcieEcamBase = 0xB000_0000
	cfg.PcieStartBus = 10
	cfg.PcieEndBus = 5
	buildMCFG(cfg)
}

func TestBuildDSDTAML_HIDSwitchesOnECAM(t *testing.T) {
	legacy := DefaultAcpiConfig()
	legacy.PcieEcamBase = 0
	legacyAML := buildDSDTAML(legacy)
	if !bytes.Contains(legacyAML, []byte("PCI0")) {
		t.Fatal("expected a PCI0 device in the legacy DSDT")
	}

	pcie := DefaultAcpiConfig()
	pcie.PcieEcamBase = 0xB000_0000
	pcieAML := buildDSDTAML(pcie)

	legacyEisa, _ := eisaIDToUint32("PNP0A03")
	pcieEisa, _ := eisaIDToUint32("PNP0A08")
	if !bytes.Contains(pcieAML, le32(pcieEisa)) {
		t.Error("expected PNP0A08 (_HID) in the PCIe DSDT")
	}
	if bytes.Contains(legacyAML, le32(pcieEisa)) {
		t.Error("legacy DSDT should not reference PNP0A08")
	}
	_ = legacyEisa
}

func TestPci0PRT_SwizzleFormula(t *testing.T) {
	cfg := DefaultAcpiConfig()
	entries := pci0PRT(cfg)
	if len(entries) != 31*4 {
		t.Fatalf("got %d _PRT entries, want %d (31 devices * 4 pins)", len(entries), 31*4)
	}
	for dev := uint8(1); dev <= 31; dev++ {
		for pin := uint8(0); pin <= 3; pin++ {
			want := gsiForIntx(cfg.PirqToGsi, dev, pin)
			wantPirq := (uint32(dev) + uint32(pin)) % 4
			if want != cfg.PirqToGsi[wantPirq] {
				t.Errorf("gsiForIntx(dev=%d,pin=%d) = %d, want pirq_to_gsi[%d]=%d", dev, pin, want, wantPirq, cfg.PirqToGsi[wantPirq])
			}
		}
	}
}

func TestBuildAcpiTables_EndToEnd(t *testing.T) {
	cfg := DefaultAcpiConfig()
	cfg.PcieEcamBase = 0xB000_0000
	placement := DefaultAcpiPlacement()

	tables, err := BuildAcpiTables(cfg, placement)
	if err != nil {
		t.Fatalf("BuildAcpiTables: %v", err)
	}

	mem := NewFlatGuestMemory(0x2000_0000)
	if err := tables.WriteTo(mem); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	rsdpBytes, ok := mem.ReadPhysical(tables.Addrs.RSDP, 36)
	if !ok {
		t.Fatalf("could not read back RSDP at 0x%X", tables.Addrs.RSDP)
	}
	if !bytes.Equal(rsdpBytes[0:8], []byte("RSD PTR ")) {
		t.Errorf("RSDP readback signature mismatch: %q", rsdpBytes[0:8])
	}

	if tables.Addrs.MCFG == 0 {
		t.Error("expected MCFG to be placed when PcieEcamBase is set")
	}
	if tables.Addrs.DSDT%placement.Alignment != 0 {
		t.Errorf("DSDT address 0x%X is not aligned to %d", tables.Addrs.DSDT, placement.Alignment)
	}
}

func TestBuildAcpiTables_NoMCFGWhenEcamUnset(t *testing.T) {
	cfg := DefaultAcpiConfig()
	cfg.PcieEcamBase = 0
	tables, err := BuildAcpiTables(cfg, DefaultAcpiPlacement())
	if err != nil {
		t.Fatalf("BuildAcpiTables: %v", err)
	}
	if tables.Addrs.MCFG != 0 {
		t.Errorf("MCFG address = 0x%X, want 0 (not built)", tables.Addrs.MCFG)
	}
}

// TestDSDT_PicMethodBytes pins down the _PIC plumbing byte-exactly: the
// IMCR OperationRegion at SystemIO 0x22..0x23, a Field exposing IMCS and
// IMCD as 8-bit slots, and the method body
// Store(Arg0, PICM); Store(0x70, IMCS); And(Arg0, One, IMCD) — all
// present in the default DSDT, in that order.
func TestDSDT_PicMethodBytes(t *testing.T) {
	aml := buildDSDTAML(DefaultAcpiConfig())

	opRegion := amlOpRegion([4]byte{'I', 'M', 'C', 'R'}, 0x01, 0x22, 0x02)
	field := amlField([4]byte{'I', 'M', 'C', 'R'}, 0x01, []amlFieldEntry{
		{Name: [4]byte{'I', 'M', 'C', 'S'}, Bits: 8},
		{Name: [4]byte{'I', 'M', 'C', 'D'}, Bits: 8},
	})
	method := amlMethodPic()

	regionAt := bytes.Index(aml, opRegion)
	fieldAt := bytes.Index(aml, field)
	methodAt := bytes.Index(aml, method)
	if regionAt < 0 {
		t.Fatal("DSDT missing the IMCR OperationRegion bytes")
	}
	if fieldAt < 0 {
		t.Fatal("DSDT missing the IMCS/IMCD Field bytes")
	}
	if methodAt < 0 {
		t.Fatal("DSDT missing the _PIC method bytes")
	}
	if !(regionAt < fieldAt && fieldAt < methodAt) {
		t.Errorf("IMCR plumbing out of order: region@%d field@%d method@%d", regionAt, fieldAt, methodAt)
	}

	var wantBody []byte
	wantBody = append(wantBody, amlOpStore, amlOpArg0)
	wantBody = append(wantBody, "PICM"...)
	wantBody = append(wantBody, amlOpStore)
	wantBody = append(wantBody, amlInteger(0x70)...)
	wantBody = append(wantBody, "IMCS"...)
	wantBody = append(wantBody, amlOpAnd, amlOpArg0, amlOpOne)
	wantBody = append(wantBody, "IMCD"...)
	if !bytes.Contains(method, wantBody) {
		t.Error("_PIC method body does not carry the Store/Store/And sequence")
	}
}

func assertSDTChecksum(t *testing.T, name string, table []byte) {
	t.Helper()
	var sum byte
	for _, b := range table {
		sum += b
	}
	if sum != 0 {
		t.Errorf("%s checksum invariant violated: byte sum = %d, want 0", name, sum)
	}
}
