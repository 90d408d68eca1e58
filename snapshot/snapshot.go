// Package snapshot composes the guest-memory, symbol, paging, KASLR,
// VMCOREINFO, and printk-decoder packages into a single one-shot run,
// grounded on _examples/original_source/main.c's main(): client setup,
// symtab parse, machine defaults, KASLR derivation, post-reloc
// override, VMCOREINFO fetch, then decoder dispatch.
package snapshot

import (
	"fmt"
	"io"

	"github.com/kvmdmesg/dmesg-extract/guestmem"
	"github.com/kvmdmesg/dmesg-extract/guestmem/libvirt"
	"github.com/kvmdmesg/dmesg-extract/guestmem/qmp"
	"github.com/kvmdmesg/dmesg-extract/guestmem/rawfile"
	"github.com/kvmdmesg/dmesg-extract/internal/xlog"
	"github.com/kvmdmesg/dmesg-extract/kaslr"
	"github.com/kvmdmesg/dmesg-extract/paging"
	"github.com/kvmdmesg/dmesg-extract/printk"
	"github.com/kvmdmesg/dmesg-extract/symtab"
	"github.com/kvmdmesg/dmesg-extract/version"
	"github.com/kvmdmesg/dmesg-extract/vmcoreinfo"
)

// GuestAccessKind mirrors guest_access_t: how the guest_ac argument was
// classified.
type GuestAccessKind int

const (
	GuestMemory GuestAccessKind = iota
	QMPSocket
	GuestName
)

func (k GuestAccessKind) String() string {
	switch k {
	case GuestMemory:
		return "guest-memory-file"
	case QMPSocket:
		return "qmp-socket"
	case GuestName:
		return "libvirt-domain"
	default:
		return "unknown"
	}
}

// openProvider dials the transport matching how cmd/dmesg-extract
// classified the guest-access argument.
func openProvider(guestAc string, kind GuestAccessKind) (guestmem.Provider, error) {
	switch kind {
	case GuestMemory:
		return rawfile.Open(guestAc)
	case QMPSocket:
		return qmp.Dial(guestAc)
	case GuestName:
		return libvirt.Open(guestAc)
	default:
		return nil, fmt.Errorf("snapshot: unknown guest access kind %d", kind)
	}
}

// Run performs one full extraction: open the guest, resolve KASLR,
// load VMCOREINFO, decode dmesg, and write the rendered text stream to
// out.
func Run(guestAc string, kind GuestAccessKind, systemMapPath string, out io.Writer) error {
	fmt.Fprintf(out, "Version %s\n\n", version.Text())

	mem, err := openProvider(guestAc, kind)
	if err != nil {
		return fmt.Errorf("snapshot: opening guest: %w", err)
	}
	defer mem.Close()

	if pid, ok := mem.PID(); ok {
		xlog.Infof("owning QEMU process: pid %d", pid)
	}

	fmt.Fprintf(out, "Guest: %s\n", guestAc)
	fmt.Fprintf(out, "System.map: %s\n", systemMapPath)

	tab, err := symtab.Parse(systemMapPath)
	if err != nil {
		return fmt.Errorf("snapshot: parsing System.map: %w", err)
	}

	spec := paging.DefaultMachineSpec()
	w := paging.New(mem, &spec)

	result, err := kaslr.Resolve(mem, w, &spec, tab)
	if err != nil {
		return fmt.Errorf("snapshot: resolving KASLR offset: %w", err)
	}

	xlog.Infof("kaslr offset: 0x%x, phys_base: 0x%x", result.KaslrOffset, result.PhysBase)

	if err := kaslr.PostReloc(w, tab, result, &spec); err != nil {
		return fmt.Errorf("snapshot: applying post-relocation page offset: %w", err)
	}

	vc, vcErr := vmcoreinfo.Fetch(w, tab, result.Relocate)
	if vcErr != nil {
		xlog.Warningf("vmcoreinfo unavailable: %v", vcErr)
	} else if release, ok := vc.OSRelease(); ok {
		xlog.Infof("guest kernel release: %s", release)
	}

	records, text, err := printk.Decode(w, tab, vc, result.Relocate)
	if err != nil {
		return fmt.Errorf("snapshot: decoding dmesg: %w", err)
	}

	xlog.Infof("decoded %d dmesg records", len(records))

	_, err = io.WriteString(out, text)

	return err
}
