// Package symtab parses a System.map and exposes the handful of kernel
// symbols the rest of the tool needs (component B), replicating the
// original's chained 512-bucket hash table bit-for-bit — including its
// quirks — so that lookup order and duplicate-name handling match
// exactly (_examples/original_source/symbols.c).
package symtab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrSymbolMissing is returned by MustValue and wrapped by callers that
// treat a missing symbol as fatal.
var ErrSymbolMissing = errors.New("symtab: symbol not found")

const hashBuckets = 512

// needed is the fixed symbol allow-list from symbols.c:symbol_needed.
// Only these names are ever hashed; System.map lines for anything else
// are skipped during parsing, exactly as the original does.
var needed = map[string]bool{
	"log_first_idx":        true,
	"log_next_idx":         true,
	"log_buf":              true,
	"log_end":              true,
	"log_buf_len":          true,
	"divide_error":         true,
	"asm_exc_divide_error": true,
	"idt_table":            true,
	"vmcoreinfo_data":      true,
	"vmcoreinfo_size":      true,
	"page_offset_base":     true,
	"vmalloc_base":         true,
	"prb":                  true,
}

type entry struct {
	name  string
	value uint64
	next  *entry
}

// Table is a parsed System.map restricted to the allow-listed symbols.
type Table struct {
	buckets [hashBuckets]*entry
}

// hashIndex reproduces SYMNAME_HASH_INDEX exactly: C's `char` is signed
// on x86_64, so each byte is sign-extended to int before the xor/mul,
// and C's '%' truncates toward zero for negative operands the same way
// Go's does — preserved here even though every allow-listed name is
// plain ASCII and never actually exercises the negative path.
func hashIndex(name string) int {
	n := len(name)
	if n == 0 {
		return 0
	}

	first := int(int8(name[0]))
	last := int(int8(name[n-1]))
	mid := int(int8(name[n/2]))

	return (first ^ (last * mid)) % hashBuckets
}

// Parse reads a System.map file and builds a Table containing only the
// allow-listed symbols, matching symname_hash_init's "%lx %*s %s" scan
// and first-insertion-wins duplicate handling (symname_hash_install
// bumps a reference count on a name collision but never overwrites the
// first entry's value).
func Parse(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symtab: opening %s: %w", path, err)
	}
	defer f.Close()

	return ParseReader(f)
}

// ParseReader is Parse against an already-open reader, used by tests to
// build fixtures in memory.
func ParseReader(r io.Reader) (*Table, error) {
	t := &Table{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		addr, name, ok := parseLine(scanner.Text())
		if !ok || !needed[name] {
			continue
		}

		t.install(name, addr)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("symtab: reading map: %w", err)
	}

	return t, nil
}

// parseLine matches sscanf(line, "%lx %*s %s", &address, symbol): the
// first field is a hex address, the second (symbol type, e.g. "T"/"t")
// is discarded, and the third is the symbol name.
func parseLine(line string) (addr uint64, name string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, "", false
	}

	v, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return 0, "", false
	}

	return v, fields[2], true
}

func (t *Table) install(name string, value uint64) {
	idx := hashIndex(name)

	e := &entry{name: name, value: value}

	head := t.buckets[idx]
	if head == nil {
		t.buckets[idx] = e
		return
	}

	// First insertion wins: a later duplicate name is still chained in
	// (so bucket traversal order is preserved) but search always finds
	// whichever entry for that name comes first in the chain.
	for cur := head; ; cur = cur.next {
		if cur.next == nil {
			cur.next = e
			return
		}
	}
}

func (t *Table) search(name string) (*entry, bool) {
	for e := t.buckets[hashIndex(name)]; e != nil; e = e.next {
		if e.name == name {
			return e, true
		}
	}

	return nil, false
}

// Exists reports whether symbol was found in the map.
func (t *Table) Exists(symbol string) bool {
	_, ok := t.search(symbol)
	return ok
}

// Value returns symbol's raw (unrelocated) address, and whether it was found.
func (t *Table) Value(symbol string) (uint64, bool) {
	e, ok := t.search(symbol)
	if !ok {
		return 0, false
	}

	return e.value, true
}

// MustValue returns symbol's raw address or a wrapped ErrSymbolMissing,
// for callers (kaslr, snapshot) that treat the symbol as required.
func (t *Table) MustValue(symbol string) (uint64, error) {
	v, ok := t.Value(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolMissing, symbol)
	}

	return v, nil
}
