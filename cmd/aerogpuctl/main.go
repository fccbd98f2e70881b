// main.go - aerogpuctl: interactive Lua console for poking AeroGPU MMIO registers

/*
AeroGPU - paravirtualized GPU device model for guest VMs

License: GPLv3 or later
*/

/*
aerogpuctl is a standalone operator tool: it never links against the
device model, it only understands the MMIO register map well enough to
read and write bytes on some transport (here,
an in-memory scratch register file standing in for a real VMM's MMIO
BAR). The console embeds a Lua interpreter so an operator can script a
sequence of register pokes instead of typing them one at a time, and
puts the terminal in raw mode so single keystrokes (Ctrl-D to quit)
work without waiting for Enter.
*/

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	lua "github.com/yuin/gopher-lua"
)

// registerFile is a tiny stand-in for a real MMIO BAR, addressed by the
// same offsets aerogpu_registers.go defines in the device model.
type registerFile struct {
	values map[uint32]uint32
}

func newRegisterFile() *registerFile {
	return &registerFile{values: make(map[uint32]uint32)}
}

func (r *registerFile) read(offset uint32) uint32 { return r.values[offset] }
func (r *registerFile) write(offset, v uint32)    { r.values[offset] = v }

const (
	regAbiVersion = 0x003C
	regDoorbell   = 0x0020
	regIrqStatus  = 0x0028
)

func main() {
	regs := newRegisterFile()
	regs.write(regAbiVersion, 1)

	L := lua.NewState()
	defer L.Close()
	registerLuaBindings(L, regs)

	fmt.Println("aerogpuctl: type Lua statements, regs.read(offset)/regs.write(offset,value); Ctrl-D to quit")

	if term.IsTerminal(int(os.Stdin.Fd())) {
		runRawConsole(L)
		return
	}
	runLineConsole(L)
}

func registerLuaBindings(L *lua.LState, regs *registerFile) {
	regsTable := L.NewTable()
	L.SetField(regsTable, "read", L.NewFunction(func(L *lua.LState) int {
		offset := uint32(L.CheckInt64(1))
		L.Push(lua.LNumber(regs.read(offset)))
		return 1
	}))
	L.SetField(regsTable, "write", L.NewFunction(func(L *lua.LState) int {
		offset := uint32(L.CheckInt64(1))
		value := uint32(L.CheckInt64(2))
		regs.write(offset, value)
		return 0
	}))
	L.SetGlobal("regs", regsTable)
	L.SetGlobal("REG_ABI_VERSION", lua.LNumber(regAbiVersion))
	L.SetGlobal("REG_DOORBELL", lua.LNumber(regDoorbell))
	L.SetGlobal("REG_IRQ_STATUS", lua.LNumber(regIrqStatus))
}

// runLineConsole is used when stdin is not a terminal (piped scripts, CI).
func runLineConsole(L *lua.LState) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		evalLine(L, scanner.Text())
	}
}

// runRawConsole puts the terminal in raw mode so Ctrl-D (EOF) cleanly
// exits without the shell needing an extra newline, then restores the
// previous terminal state on exit.
func runRawConsole(L *lua.LState) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aerogpuctl: failed to set raw mode: %v\n", err)
		runLineConsole(L)
		return
	}
	defer term.Restore(fd, oldState)

	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n == 0 || err != nil {
			fmt.Print("\r\n")
			return
		}
		b := buf[0]
		switch b {
		case '\r', '\n':
			fmt.Print("\r\n")
			evalLine(L, string(line))
			line = line[:0]
		case 0x04: // Ctrl-D
			fmt.Print("\r\n")
			return
		case 0x7F, 0x08: // backspace/DEL
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Print("\b \b")
			}
		default:
			line = append(line, b)
			fmt.Printf("%c", b)
		}
	}
}

func evalLine(L *lua.LState, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if err := L.DoString(line); err != nil {
		fmt.Fprintf(os.Stderr, "aerogpuctl: %v\n", err)
	}
}
