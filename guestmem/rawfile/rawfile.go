// Package rawfile implements guestmem.Provider over a flat memory-dump
// file, the simplest of the three transports: guest physical address
// equals file offset, and the control registers are fixed constants
// matching the bundled test dump rather than a live query (spec.md §4.A).
package rawfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kvmdmesg/dmesg-extract/guestmem"
)

// Fixed register values for the bundled raw-file test fixture, taken
// verbatim from the original's file_get_registers (client.c).
const (
	FixedCR3  = 0x19872000
	FixedIDTR = 0xffffffffff528000
	FixedCR4  = 0
)

// Provider reads guest physical memory directly from a file at
// offset == paddr.
type Provider struct {
	f io.ReaderAt
	c io.Closer
}

// Open opens path as a raw physical-memory dump.
func Open(path string) (*Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", guestmem.ErrTransport, err)
	}

	return &Provider{f: f, c: f}, nil
}

// New wraps an already-open io.ReaderAt, used by tests to inject a
// counting fake and verify the chunking invariant without a real file.
func New(r io.ReaderAt) *Provider {
	return &Provider{f: r}
}

func (p *Provider) readAt(paddr uint64, buf []byte) error {
	n, err := p.f.ReadAt(buf, int64(paddr))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", guestmem.ErrTransport, err)
	}

	if n < len(buf) {
		return fmt.Errorf("%w: got %d of %d bytes at 0x%x", guestmem.ErrShortRead, n, len(buf), paddr)
	}

	return nil
}

// ReadPhys implements guestmem.Provider. Partial reads at EOF are
// reported as an error rather than silently padded or retried, matching
// file_readmem's feof-checked short-read behavior.
func (p *Provider) ReadPhys(paddr uint64, buf []byte) error {
	return guestmem.ChunkedRead(paddr, buf, p.readAt)
}

// Registers implements guestmem.Provider with the fixed constants a raw
// dump has no way to discover live.
func (p *Provider) Registers() (guestmem.Registers, error) {
	return guestmem.Registers{CR3: FixedCR3, IDTR: FixedIDTR, CR4: FixedCR4}, nil
}

func (p *Provider) Kind() guestmem.AccessKind { return guestmem.AccessRawFile }

// PID never resolves for a raw-file dump; there is no owning process.
func (p *Provider) PID() (int, bool) { return 0, false }

func (p *Provider) Close() error {
	if p.c == nil {
		return nil
	}

	return p.c.Close()
}
