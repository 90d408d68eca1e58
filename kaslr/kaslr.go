// Package kaslr resolves the guest's kernel address space layout
// randomization offset by correlating the live CR3/IDTR against two
// known vmlinux symbols (component D), grounded on
// _examples/original_source/main.c (calc_kaslr_offset, get_vec0_addr,
// derive_kaslr_offset, x86_64_post_reloc).
package kaslr

import (
	"encoding/binary"
	"fmt"

	"github.com/kvmdmesg/dmesg-extract/guestmem"
	"github.com/kvmdmesg/dmesg-extract/paging"
	"github.com/kvmdmesg/dmesg-extract/symtab"
)

const (
	cr3PcidMask        = 0xFFF
	ptiUserPgtableMask = 1 << paging.PageShift
	gateDescSize       = 16
)

// Result is the resolved relocation state: how far the live kernel has
// slid from its vmlinux link addresses, and the phys_base the direct
// physical map is offset by.
type Result struct {
	// KaslrOffset is divide_error(vmcore) - divide_error(vmlinux); zero
	// means no randomization (or it could not be measured).
	KaslrOffset uint64

	// Relocate is -KaslrOffset (two's complement), but only set to a
	// nonzero value when KaslrOffset != 0 — matching derive_kaslr_offset,
	// which leaves kt->relocate at its zero-initialized default
	// otherwise rather than normalizing it to an explicit zero-is-set
	// state.
	Relocate uint64

	PhysBase uint64
}

// relocAddr applies Relocate to a raw (vmlinux-relative) symbol address
// the way get_symbol_data does when kt->flags & RELOC_SET is set —
// since Relocate defaults to 0 when KASLR wasn't detected, subtracting
// it unconditionally is equivalent to the original's gated subtraction.
func (r Result) relocAddr(addr uint64) uint64 {
	return addr - r.Relocate
}

// RelocAddr exposes relocAddr for other packages (vmcoreinfo, printk)
// that need to resolve a raw symbol address the same way.
func (r Result) RelocAddr(addr uint64) uint64 {
	return r.relocAddr(addr)
}

// Resolve performs the CR3/IDTR correlation: it seeds the paging
// walker's PGD from the live CR3, walks the live IDTR to its physical
// address, reads the vector-0 (divide_error) gate descriptor there,
// and compares its target address against the vmlinux symbol to
// derive the offset — exactly calc_kaslr_offset plus
// derive_kaslr_offset.
func Resolve(mem guestmem.Provider, w *paging.Walker, spec *paging.MachineSpec, t *symtab.Table) (Result, error) {
	regs, err := mem.Registers()
	if err != nil {
		return Result{}, fmt.Errorf("kaslr: reading registers: %w", err)
	}

	pgd := regs.CR3 &^ uint64(cr3PcidMask|ptiUserPgtableMask)

	spec.PhysicalMaskShift = paging.PhysicalMaskShift26
	spec.PgdirShift = 39
	spec.PtrsPerPgd = 512

	if err := w.SeedPGD(pgd); err != nil {
		return Result{}, fmt.Errorf("kaslr: seeding PGD at 0x%x: %w", pgd, err)
	}

	idtrPaddr, err := w.Kvtop(regs.IDTR)
	if err != nil {
		return Result{}, fmt.Errorf("kaslr: walking IDTR 0x%x: %w", regs.IDTR, err)
	}

	vec0, err := readVec0Addr(mem, idtrPaddr)
	if err != nil {
		return Result{}, fmt.Errorf("kaslr: reading vector-0 gate descriptor: %w", err)
	}

	divideErrorVmlinux, err := divideErrorSymbol(t)
	if err != nil {
		return Result{}, err
	}

	idtTableVmlinux, err := t.MustValue("idt_table")
	if err != nil {
		return Result{}, err
	}

	kaslrOffset := vec0 - divideErrorVmlinux
	physBase := idtrPaddr - (idtTableVmlinux + kaslrOffset - paging.StartKernelMap)

	var relocate uint64
	if kaslrOffset != 0 {
		relocate = -kaslrOffset
	}

	spec.PhysBase = physBase

	return Result{KaslrOffset: kaslrOffset, Relocate: relocate, PhysBase: physBase}, nil
}

// divideErrorSymbol prefers asm_exc_divide_error (newer kernels), the
// same preference order as symtab_init.
func divideErrorSymbol(t *symtab.Table) (uint64, error) {
	if v, ok := t.Value("asm_exc_divide_error"); ok {
		return v, nil
	}

	return t.MustValue("divide_error")
}

// readVec0Addr reads the 16-byte vector-0 IDT gate descriptor at a
// guest physical address and reassembles its target offset, matching
// get_vec0_addr's packed gate_struct64 layout:
// offset_low(u16) segment(u16) bitfield(u16, unused) offset_middle(u16)
// offset_high(u32) zero1(u32).
func readVec0Addr(mem guestmem.Provider, idtrPaddr uint64) (uint64, error) {
	var gate [gateDescSize]byte

	if err := mem.ReadPhys(idtrPaddr, gate[:]); err != nil {
		return 0, err
	}

	offsetLow := binary.LittleEndian.Uint16(gate[0:2])
	offsetMiddle := binary.LittleEndian.Uint16(gate[6:8])
	offsetHigh := binary.LittleEndian.Uint32(gate[8:12])

	return uint64(offsetHigh)<<32 | uint64(offsetMiddle)<<16 | uint64(offsetLow), nil
}

// PostReloc overrides spec.PageOffset from the page_offset_base symbol
// when present, matching x86_64_post_reloc — newer kernels relocate
// the direct physical map base away from the PAGE_OFFSET_2_6_27
// default, and this symbol (when it exists) carries the live value.
func PostReloc(w *paging.Walker, t *symtab.Table, result Result, spec *paging.MachineSpec) error {
	v, ok := t.Value("page_offset_base")
	if !ok {
		return nil
	}

	var buf [8]byte
	if err := w.ReadMem(result.relocAddr(v), paging.KVADDR, buf[:]); err != nil {
		return fmt.Errorf("kaslr: reading page_offset_base: %w", err)
	}

	spec.PageOffset = binary.LittleEndian.Uint64(buf[:])

	return nil
}
