// Package guestmem provides the uniform guest-physical-memory
// abstraction (component A) over three transports: a raw memory-dump
// file, a libvirt HMP pass-through, and a QEMU QMP socket. None of the
// three ever executes code inside the guest; each only reads bytes at
// a guest physical address and reports the live CR3/IDTR/CR4 control
// registers.
package guestmem

import "errors"

// PageSize is the guest page size this tool assumes throughout (4 KiB,
// the only size spec.md's x86_64 4-level walker supports).
const PageSize = 4096

// AccessKind records which transport backs a Provider, mirroring the
// original C tool's guest_access_t tag (GUEST_NAME/GUEST_MEMORY/QMP_SOCKET).
type AccessKind uint8

const (
	AccessRawFile AccessKind = iota
	AccessLibvirt
	AccessQMP
)

func (k AccessKind) String() string {
	switch k {
	case AccessRawFile:
		return "raw-file"
	case AccessLibvirt:
		return "libvirt"
	case AccessQMP:
		return "qmp"
	default:
		return "unknown"
	}
}

// Registers is the live control-register snapshot a transport reports.
// CR4 is part of the contract for parity with the original's
// get_registers(uint64_t*, uint64_t*, uint64_t*) signature, but nothing
// in the core ever reads it back (spec.md §9 open question).
type Registers struct {
	IDTR uint64
	CR3  uint64
	CR4  uint64
}

// Provider is the capability contract every transport implements.
type Provider interface {
	// ReadPhys reads len(buf) bytes of guest physical memory starting
	// at paddr into buf.
	ReadPhys(paddr uint64, buf []byte) error

	// Registers returns the current CR3/IDTR/CR4 snapshot.
	Registers() (Registers, error)

	// Kind reports which transport this is.
	Kind() AccessKind

	// PID returns the owning QEMU process id when the transport can
	// derive one (only the QMP transport does), and whether it was found.
	// Recorded for a future direct /proc/<pid>/mem fast path; the core
	// never consumes it (spec.md §6 "Process discovery").
	PID() (pid int, ok bool)

	Close() error
}

var (
	// ErrTransport is wrapped by every transport-level I/O failure.
	ErrTransport = errors.New("guestmem: transport failure")

	// ErrShortRead indicates a read returned fewer bytes than requested.
	ErrShortRead = errors.New("guestmem: short read")
)

// ChunkedRead services a len(buf)-byte request as ⌊len(buf)/PageSize⌋
// full-page reads followed by one tail read of len(buf) mod PageSize,
// per the chunking invariant in spec.md §4.A. Any sub-read error aborts
// the whole request; read is the transport's single-shot primitive,
// which must itself support reads up to PageSize atomically.
func ChunkedRead(paddr uint64, buf []byte, read func(paddr uint64, p []byte) error) error {
	n := len(buf)

	full := n / PageSize
	for i := 0; i < full; i++ {
		chunk := buf[i*PageSize : (i+1)*PageSize]
		if err := read(paddr, chunk); err != nil {
			return err
		}

		paddr += PageSize
	}

	if tail := n % PageSize; tail > 0 {
		if err := read(paddr, buf[full*PageSize:]); err != nil {
			return err
		}
	}

	return nil
}
