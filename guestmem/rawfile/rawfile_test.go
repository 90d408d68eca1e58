package rawfile

import (
	"bytes"
	"io"
	"os"
	"testing"
)

// countingReaderAt wraps a bytes.Reader-backed source and records every
// ReadAt call, so the chunking invariant can be pinned against the
// real transport rather than the bare ChunkedRead helper.
type countingReaderAt struct {
	data  []byte
	calls []int64
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	c.calls = append(c.calls, off)

	if off >= int64(len(c.data)) {
		return 0, io.EOF
	}

	n := copy(p, c.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func TestReadPhysChunksIntoPagesPlusTail(t *testing.T) {
	t.Parallel()

	data := make([]byte, 9000)
	for i := range data {
		data[i] = byte(i)
	}

	r := &countingReaderAt{data: data}
	p := New(r)

	buf := make([]byte, len(data))
	if err := p.ReadPhys(0, buf); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}

	if !bytes.Equal(buf, data) {
		t.Fatalf("ReadPhys returned wrong data")
	}

	if len(r.calls) != 3 {
		t.Fatalf("got %d ReadAt calls, want 3 (two full pages + tail)", len(r.calls))
	}
}

func TestReadPhysShortReadAtEOFIsError(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "rawfile-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	p, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	buf := make([]byte, 8)
	if err := p.ReadPhys(0, buf); err == nil {
		t.Fatalf("ReadPhys: expected short-read error at EOF, got nil")
	}
}

func TestRegistersReturnsFixedConstants(t *testing.T) {
	t.Parallel()

	p := New(bytes.NewReader(nil))

	regs, err := p.Registers()
	if err != nil {
		t.Fatalf("Registers: %v", err)
	}

	if regs.CR3 != FixedCR3 || regs.IDTR != FixedIDTR || regs.CR4 != FixedCR4 {
		t.Fatalf("Registers = %+v, want fixed constants", regs)
	}
}
