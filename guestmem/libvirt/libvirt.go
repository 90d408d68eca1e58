// Package libvirt implements guestmem.Provider by binding libvirt's
// QEMU monitor pass-through at runtime via dlopen/dlsym, the direct Go
// expression of the original's libvirt_client.c: libvirt is never
// linked at build time, so a host without libvirt installed still
// produces a working binary (spec.md §4.A LibvirtHmp, §9 open design
// notes: "unchanged in spirit").
package libvirt

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef void* virConnectPtr;
typedef void* virDomainPtr;

typedef virConnectPtr (*connopen_t)(const char*);
typedef int            (*connclose_t)(virConnectPtr);
typedef virDomainPtr   (*lookup_t)(virConnectPtr, const char*);
typedef int            (*domfree_t)(virDomainPtr);
typedef int            (*moncmd_t)(virDomainPtr, const char*, char**, unsigned int);

static virConnectPtr call_connect_open(void *fn, const char *uri) {
	return ((connopen_t)fn)(uri);
}

static int call_connect_close(void *fn, virConnectPtr conn) {
	return ((connclose_t)fn)(conn);
}

static virDomainPtr call_lookup_by_name(void *fn, virConnectPtr conn, const char *name) {
	return ((lookup_t)fn)(conn, name);
}

static int call_domain_free(void *fn, virDomainPtr dom) {
	return ((domfree_t)fn)(dom);
}

static int call_monitor_command(void *fn, virDomainPtr dom, const char *cmd, char **result, unsigned int flags) {
	return ((moncmd_t)fn)(dom, cmd, result, flags);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"unsafe"

	"github.com/kvmdmesg/dmesg-extract/guestmem"
)

// ErrLibvirtUnavailable is returned when libvirt.so.0 / libvirt-qemu.so.0
// cannot be dlopen'd, or any of the five required symbols cannot be
// dlsym'd — a soft, typed failure rather than a build-time dependency.
var ErrLibvirtUnavailable = errors.New("guestmem/libvirt: libvirt not available on this host")

// hmpFlag is VIR_DOMAIN_QEMU_MONITOR_COMMAND_HMP.
const hmpFlag = C.uint(1)

type binding struct {
	libHandle  unsafe.Pointer
	qemuHandle unsafe.Pointer

	fnConnectOpen  unsafe.Pointer
	fnConnectClose unsafe.Pointer
	fnLookupByName unsafe.Pointer
	fnDomainFree   unsafe.Pointer
	fnMonitorCmd   unsafe.Pointer
}

func dlopenLibvirt() (*binding, error) {
	libName := C.CString("libvirt.so.0")
	defer C.free(unsafe.Pointer(libName))

	qemuName := C.CString("libvirt-qemu.so.0")
	defer C.free(unsafe.Pointer(qemuName))

	libHandle := C.dlopen(libName, C.RTLD_NOW)
	if libHandle == nil {
		return nil, fmt.Errorf("%w: dlopen libvirt.so.0: %s", ErrLibvirtUnavailable, C.GoString(C.dlerror()))
	}

	qemuHandle := C.dlopen(qemuName, C.RTLD_NOW)
	if qemuHandle == nil {
		C.dlclose(libHandle)
		return nil, fmt.Errorf("%w: dlopen libvirt-qemu.so.0: %s", ErrLibvirtUnavailable, C.GoString(C.dlerror()))
	}

	b := &binding{libHandle: libHandle, qemuHandle: qemuHandle}

	bind := func(handle unsafe.Pointer, name string) (unsafe.Pointer, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))

		sym := C.dlsym(handle, cname)
		if sym == nil {
			return nil, fmt.Errorf("%w: dlsym %s: %s", ErrLibvirtUnavailable, name, C.GoString(C.dlerror()))
		}

		return sym, nil
	}

	var err error

	if b.fnConnectOpen, err = bind(libHandle, "virConnectOpen"); err != nil {
		b.close()
		return nil, err
	}

	if b.fnConnectClose, err = bind(libHandle, "virConnectClose"); err != nil {
		b.close()
		return nil, err
	}

	if b.fnLookupByName, err = bind(libHandle, "virDomainLookupByName"); err != nil {
		b.close()
		return nil, err
	}

	if b.fnDomainFree, err = bind(libHandle, "virDomainFree"); err != nil {
		b.close()
		return nil, err
	}

	if b.fnMonitorCmd, err = bind(qemuHandle, "virDomainQemuMonitorCommand"); err != nil {
		b.close()
		return nil, err
	}

	return b, nil
}

func (b *binding) close() {
	if b.qemuHandle != nil {
		C.dlclose(b.qemuHandle)
	}

	if b.libHandle != nil {
		C.dlclose(b.libHandle)
	}
}

// Provider is a guestmem.Provider backed by a live libvirt domain
// connection, speaking HMP through virDomainQemuMonitorCommand.
type Provider struct {
	b    *binding
	conn C.virConnectPtr
	dom  C.virDomainPtr
}

// Open connects to qemu:///system, looks up the domain named guestName
// there, and returns a Provider
// bound to its running QEMU monitor, matching
// libvirt_client.c:libvirt_client_init.
func Open(guestName string) (*Provider, error) {
	b, err := dlopenLibvirt()
	if err != nil {
		return nil, err
	}

	uri := C.CString("qemu:///system")
	defer C.free(unsafe.Pointer(uri))

	conn := C.call_connect_open(b.fnConnectOpen, uri)
	if conn == nil {
		b.close()
		return nil, fmt.Errorf("%w: virConnectOpen(qemu:///system) failed", guestmem.ErrTransport)
	}

	name := C.CString(guestName)
	defer C.free(unsafe.Pointer(name))

	dom := C.call_lookup_by_name(b.fnLookupByName, conn, name)
	if dom == nil {
		C.call_connect_close(b.fnConnectClose, conn)
		b.close()
		return nil, fmt.Errorf("%w: virDomainLookupByName(%s) failed", guestmem.ErrTransport, guestName)
	}

	return &Provider{b: b, conn: conn, dom: dom}, nil
}

func (p *Provider) monitorCommand(line string) (string, error) {
	ccmd := C.CString(line)
	defer C.free(unsafe.Pointer(ccmd))

	var result *C.char

	rc := C.call_monitor_command(p.b.fnMonitorCmd, p.dom, ccmd, &result, hmpFlag)
	if rc != 0 || result == nil {
		return "", fmt.Errorf("%w: virDomainQemuMonitorCommand(%q) failed", guestmem.ErrTransport, line)
	}
	defer C.free(unsafe.Pointer(result))

	return C.GoString(result), nil
}

var regField = func(key string) *regexp.Regexp {
	return regexp.MustCompile(key + `\s*=\s*([0-9a-fA-F]+)`)
}

// Registers implements guestmem.Provider via "info registers". HMP
// never reports CR4 through this path, matching
// libvirt_client.c:libvirt_get_registers, which always sets it to 0.
func (p *Provider) Registers() (guestmem.Registers, error) {
	text, err := p.monitorCommand("info registers")
	if err != nil {
		return guestmem.Registers{}, err
	}

	cr3, ok := hexField(text, "CR3")
	if !ok {
		return guestmem.Registers{}, fmt.Errorf("%w: CR3 not found in register dump", guestmem.ErrTransport)
	}

	idt, ok := hexField(text, "IDT")
	if !ok {
		return guestmem.Registers{}, fmt.Errorf("%w: IDT not found in register dump", guestmem.ErrTransport)
	}

	return guestmem.Registers{CR3: cr3, IDTR: idt, CR4: 0}, nil
}

func hexField(text, key string) (uint64, bool) {
	m := regField(key).FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}

	v, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, false
	}

	return v, true
}

var reWord = regexp.MustCompile(`0x([0-9a-fA-F]{1,8})`)

// readAt services one atomic read of up to guestmem.PageSize bytes via
// a single "xp /Nxw 0xADDR" HMP command (word form, four bytes per
// token, unlike QMP's byte-form "xp /Nxb"), matching
// libvirt_client.c:libvirt_dump_phy_memory. The byte count is rounded
// up to whole 4-byte words before issuing the command, and
// the decoded words are copied back little-endian into buf.
func (p *Provider) readAt(paddr uint64, buf []byte) error {
	words := (len(buf) + 3) / 4

	cmd := fmt.Sprintf("xp /%dxw 0x%x", words, paddr)

	text, err := p.monitorCommand(cmd)
	if err != nil {
		return err
	}

	matches := reWord.FindAllStringSubmatch(text, -1)
	if len(matches) < words {
		return fmt.Errorf("%w: xp returned %d words, wanted %d", guestmem.ErrShortRead, len(matches), words)
	}

	decoded := make([]byte, words*4)

	for i := 0; i < words; i++ {
		v, err := strconv.ParseUint(matches[i][1], 16, 32)
		if err != nil {
			return fmt.Errorf("%w: parsing xp word: %v", guestmem.ErrTransport, err)
		}

		decoded[i*4+0] = byte(v)
		decoded[i*4+1] = byte(v >> 8)
		decoded[i*4+2] = byte(v >> 16)
		decoded[i*4+3] = byte(v >> 24)
	}

	copy(buf, decoded)

	return nil
}

// ReadPhys implements guestmem.Provider, chunking larger requests into
// page-sized "xp" commands per the chunking invariant.
func (p *Provider) ReadPhys(paddr uint64, buf []byte) error {
	return guestmem.ChunkedRead(paddr, buf, p.readAt)
}

func (p *Provider) Kind() guestmem.AccessKind { return guestmem.AccessLibvirt }

// PID is not resolved for the libvirt transport: the monitor socket
// path used by get_inode_from_socket in the original is an internal
// libvirt detail not exposed through the five bound entry points, so
// this is a documented simplification relative to the C client.
func (p *Provider) PID() (int, bool) { return 0, false }

func (p *Provider) Close() error {
	var rc C.int
	if p.dom != nil {
		rc = C.call_domain_free(p.b.fnDomainFree, p.dom)
	}

	C.call_connect_close(p.b.fnConnectClose, p.conn)
	p.b.close()

	if rc != 0 {
		return fmt.Errorf("%w: virDomainFree failed", guestmem.ErrTransport)
	}

	return nil
}
