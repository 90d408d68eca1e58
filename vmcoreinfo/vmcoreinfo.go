// Package vmcoreinfo fetches and parses the guest's VMCOREINFO blob
// (component E), the kernel's self-describing struct-layout note used
// to recover printk ring-buffer offsets across kernel versions without
// matching debug symbols. Grounded on
// _examples/original_source/printk.c (vmcoreinfo_init,
// vmcoreinfo_read_string, datatype_info) and kernel.c (the OSRELEASE
// lookup, restored here as a supplemented diagnostic feature).
package vmcoreinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kvmdmesg/dmesg-extract/paging"
	"github.com/kvmdmesg/dmesg-extract/symtab"
)

// ErrMalformed wraps any failure fetching or reading the blob itself.
var ErrMalformed = errors.New("vmcoreinfo: malformed data")

// osreleaseSentinel is the ASCII bytes "OSRELEAS" read little-endian as
// a uint64 — on legacy kernels (e.g. CentOS 3.10.x) vmcoreinfo_data is
// an inline char array rather than a pointer, and get_symbol_data on
// such a symbol returns the string's own bytes instead of an address.
// Detecting that the "address" we read back is literally this ASCII
// prefix is how the original tells the two layouts apart.
const osreleaseSentinel = 0x5341454c4552534f

// sizeMask is the literal mask applied to vmcoreinfo_size: ((1<<13)-1)
// = 8191, not a rounder 8192 — preserved exactly (spec.md §9).
const sizeMask = (1 << 13) - 1

// Map holds the raw VMCOREINFO text and answers SIZE(type) and
// OFFSET(type.member) queries by substring search over the whole blob,
// matching vmcoreinfo_read_string's strstr-based lookup rather than a
// line-indexed parse, so multiple occurrences of a key resolve to
// whichever appears first exactly as the original does.
type Map struct {
	raw string
}

// Fetch reads VMCOREINFO from the guest via w, resolving the
// vmcoreinfo_size/vmcoreinfo_data symbols through t and applying
// relocate (0 if KASLR was not in effect), replicating
// vmcoreinfo_init's addressing including the inline-array quirk.
func Fetch(w *paging.Walker, t *symtab.Table, relocate uint64) (*Map, error) {
	sizeSym, err := t.MustValue("vmcoreinfo_size")
	if err != nil {
		return nil, err
	}

	var rawSize [8]byte
	if err := w.ReadMem(sizeSym-relocate, paging.KVADDR, rawSize[:]); err != nil {
		return nil, fmt.Errorf("%w: reading vmcoreinfo_size: %v", ErrMalformed, err)
	}

	size := binary.LittleEndian.Uint64(rawSize[:]) & sizeMask

	dataSym, err := t.MustValue("vmcoreinfo_data")
	if err != nil {
		return nil, err
	}

	var rawPtr [8]byte
	if err := w.ReadMem(dataSym-relocate, paging.KVADDR, rawPtr[:]); err != nil {
		return nil, fmt.Errorf("%w: reading vmcoreinfo_data: %v", ErrMalformed, err)
	}

	addr := binary.LittleEndian.Uint64(rawPtr[:])
	if addr == osreleaseSentinel {
		addr = dataSym - relocate
	}

	buf := make([]byte, size+1)
	if err := w.ReadMem(addr, paging.KVADDR, buf[:size]); err != nil {
		return nil, fmt.Errorf("%w: reading vmcoreinfo blob: %v", ErrMalformed, err)
	}

	buf[size] = '\n'

	return &Map{raw: string(buf)}, nil
}

// Parse builds a Map directly from an already-fetched blob, used by
// tests and by callers that retrieved VMCOREINFO some other way.
func Parse(blob []byte) *Map {
	return &Map{raw: string(blob)}
}

// ReadString is vmcoreinfo_read_string: it finds "key=" anywhere in the
// blob and returns the text up to the next newline.
func (m *Map) ReadString(key string) (string, bool) {
	marker := key + "="

	idx := strings.Index(m.raw, marker)
	if idx < 0 {
		return "", false
	}

	rest := m.raw[idx+len(marker):]

	end := strings.IndexByte(rest, '\n')
	if end < 0 {
		return "", false
	}

	return rest[:end], true
}

func (m *Map) readInt(key string) (int64, bool) {
	s, ok := m.ReadString(key)
	if !ok {
		return 0, false
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}

	return v, true
}

// Size is datatype_info(name, NULL, STRUCT_SIZE_REQUEST): SIZE(name).
func (m *Map) Size(typeName string) (int64, bool) {
	return m.readInt(fmt.Sprintf("SIZE(%s)", typeName))
}

// Offset is datatype_info(name, member, MEMBER_OFFSET_REQUEST):
// OFFSET(name.member).
func (m *Map) Offset(typeName, member string) (int64, bool) {
	return m.readInt(fmt.Sprintf("OFFSET(%s.%s)", typeName, member))
}

// OSRelease restores kernel.c:kernel_init's OSRELEASE lookup as a
// diagnostic-only supplemented feature (SPEC_FULL.md §4.H): it is
// never used to branch decoder logic, only logged if present.
func (m *Map) OSRelease() (string, bool) {
	return m.ReadString("OSRELEASE")
}
