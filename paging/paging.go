// Package paging implements the x86_64 4-level page table walker and
// the guest-virtual/physical address dispatch rules (component C),
// grounded on _examples/original_source/main.c (x86_64_kpgd_offset,
// x86_64_pud_offset, x86_64_pmd_offset, x86_64_pte_offset,
// x86_64_kvtop) and defs.h (the FILL_PGD/PUD/PMD/PTBL cache macros and
// the x86_64 paging constants).
//
// Large pages are not supported: a guest mapping its kernel text with
// 2 MiB/1 GiB PS-bit entries at the PMD or PUD level will translate
// incorrectly, since the walker always descends one more level rather
// than checking the PS bit. Preserved as-is (spec.md §9 open question).
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kvmdmesg/dmesg-extract/guestmem"
)

// Kind selects how an address is interpreted, mirroring client.h's
// KVADDR/PHYSADDR memtype discriminant.
type Kind int

const (
	KVADDR Kind = iota
	PHYSADDR
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	PudShift   = 30
	PmdShift   = 21
	PtrsPerPud = 512
	PtrsPerPmd = 512
	PtrsPerPte = 512

	// StartKernelMap is __START_KERNEL_map: kernel virtual addresses at
	// or above this are in the kernel text mapping, translated via
	// phys_base; addresses below it are in the direct physical map,
	// translated via page_offset.
	StartKernelMap = 0xffffffff80000000

	// PageOffset2627 is PAGE_OFFSET_2_6_27, the default direct-mapping
	// base for kernels from the 2.6.27 era onward (x86_64_post_reloc
	// may override this from the page_offset_base symbol on newer
	// kernels, see the kaslr package).
	PageOffset2627 = 0xffff880000000000

	// PhysicalMaskShift26 is __PHYSICAL_MASK_SHIFT_2_6.
	PhysicalMaskShift26 = 46
)

// MachineSpec is struct machine_specific: the small set of
// machine-dependent parameters the walker needs, some fixed (pud/pmd/pte
// shifts are hardcoded macros upstream) and some derived at KASLR
// resolution time (page_offset, phys_base, pgdir_shift, ptrs_per_pgd,
// physical_mask_shift).
type MachineSpec struct {
	PageOffset        uint64
	PhysBase          uint64
	PgdirShift        uint
	PtrsPerPgd        uint64
	PhysicalMaskShift uint
}

// DefaultMachineSpec returns the x86_64_init defaults before KASLR
// resolution fills in PhysBase (and possibly overrides PageOffset).
func DefaultMachineSpec() MachineSpec {
	return MachineSpec{
		PageOffset:        PageOffset2627,
		PgdirShift:        39,
		PtrsPerPgd:        512,
		PhysicalMaskShift: PhysicalMaskShift26,
	}
}

func (m MachineSpec) physicalMask() uint64 {
	return (uint64(1) << m.PhysicalMaskShift) - 1
}

func (m MachineSpec) physicalPageMask() uint64 {
	return ^uint64(PageSize-1) & m.physicalMask()
}

var ErrTranslation = errors.New("paging: translation failed")

type cacheSlot struct {
	valid bool
	paddr uint64
	buf   [PageSize]byte
}

func (s *cacheSlot) fill(mem guestmem.Provider, paddr uint64) error {
	if s.valid && s.paddr == paddr {
		return nil
	}

	if err := mem.ReadPhys(paddr, s.buf[:]); err != nil {
		return fmt.Errorf("%w: reading page at 0x%x: %v", ErrTranslation, paddr, err)
	}

	s.paddr = paddr
	s.valid = true

	return nil
}

func (s *cacheSlot) entry(offset uint64) uint64 {
	return binary.LittleEndian.Uint64(s.buf[offset : offset+8])
}

// Cache is the four page-table-level cache (PageTableCache), one slot
// per level, matching machdep->pgd/pud/pmd/ptbl plus the
// last_*_read-gated FILL_* macros: a slot is only re-fetched from the
// guest when its cached physical base address differs from what the
// next lookup needs.
type Cache struct {
	pgd, pud, pmd, ptbl cacheSlot
}

// Walker performs guest virtual-to-physical translation and dispatches
// reads to the underlying guestmem.Provider.
type Walker struct {
	mem   guestmem.Provider
	spec  *MachineSpec
	cache Cache
}

// New returns a Walker over mem using spec, which the caller continues
// to mutate in place (e.g. kaslr.Resolve fills PhysBase after this
// Walker is constructed).
func New(mem guestmem.Provider, spec *MachineSpec) *Walker {
	return &Walker{mem: mem, spec: spec}
}

// SeedPGD directly loads the top-level page directory at paddr into the
// cache, matching calc_kaslr_offset's one-time
// readmem(pgd, PHYSADDR, machdep->pgd, PAGESIZE()) — the PGD is read
// once up front and never re-fetched by the walker afterward, unlike
// the PUD/PMD/PTE levels.
func (w *Walker) SeedPGD(paddr uint64) error {
	return w.cache.pgd.fill(w.mem, paddr)
}

func pgdIndex(addr uint64, spec *MachineSpec) uint64 {
	return (addr >> spec.PgdirShift) & (spec.PtrsPerPgd - 1)
}

func pudIndex(addr uint64) uint64 { return (addr >> PudShift) & (PtrsPerPud - 1) }
func pmdIndex(addr uint64) uint64 { return (addr >> PmdShift) & (PtrsPerPmd - 1) }
func pteIndex(addr uint64) uint64 { return (addr >> PageShift) & (PtrsPerPte - 1) }

// Kvtop walks the guest's own 4-level page tables to translate a
// kernel virtual address to a guest physical address, matching
// x86_64_kvtop exactly. It assumes SeedPGD has already been called
// (the KASLR resolver is the only caller in this tool, translating the
// live IDTR).
func (w *Walker) Kvtop(kvaddr uint64) (uint64, error) {
	if !w.cache.pgd.valid {
		return 0, fmt.Errorf("%w: PGD not seeded", ErrTranslation)
	}

	pgdEntry := w.cache.pgd.entry(pgdIndex(kvaddr, w.spec) * 8)

	pudPaddr := pgdEntry & w.spec.physicalPageMask()
	if err := w.cache.pud.fill(w.mem, pudPaddr); err != nil {
		return 0, err
	}

	pudPte := w.cache.pud.entry(pudIndex(kvaddr) * 8)

	pmdPaddr := pudPte & w.spec.physicalPageMask()
	if err := w.cache.pmd.fill(w.mem, pmdPaddr); err != nil {
		return 0, err
	}

	pmdPte := w.cache.pmd.entry(pmdIndex(kvaddr) * 8)

	ptePaddr := pmdPte & w.spec.physicalPageMask()
	if err := w.cache.ptbl.fill(w.mem, ptePaddr); err != nil {
		return 0, err
	}

	pte := w.cache.ptbl.entry(pteIndex(kvaddr) * 8)

	paddr := (pte & w.spec.physicalPageMask()) + (kvaddr & (PageSize - 1))

	return paddr, nil
}

// ReadMem reads size bytes at addr, dispatching on kind exactly as
// client.c:readmem does: PHYSADDR is used as-is, and KVADDR is resolved
// by the flat linear rule (kernel-text-map vs. direct-physical-map)
// rather than a page walk — the walker's Kvtop is only ever invoked
// explicitly by the KASLR resolver to translate the live IDTR.
func (w *Walker) ReadMem(addr uint64, kind Kind, buf []byte) error {
	var paddr uint64

	switch kind {
	case KVADDR:
		if addr >= StartKernelMap {
			paddr = addr - StartKernelMap + w.spec.PhysBase
		} else {
			paddr = addr - w.spec.PageOffset
		}
	case PHYSADDR:
		paddr = addr
	default:
		return fmt.Errorf("%w: unknown address kind %d", ErrTranslation, kind)
	}

	if err := w.mem.ReadPhys(paddr, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTranslation, err)
	}

	return nil
}
