package printk

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/kvmdmesg/dmesg-extract/guestmem/rawfile"
	"github.com/kvmdmesg/dmesg-extract/paging"
	"github.com/kvmdmesg/dmesg-extract/symtab"
	"github.com/kvmdmesg/dmesg-extract/vmcoreinfo"
)

// memImage is a flat fake guest physical memory, addressed identically
// to guest virtual addresses in these fixtures (PageOffset is set to 0
// and every address used stays below StartKernelMap).
type memImage struct {
	data []byte
}

func (m *memImage) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memImage) putU64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.data[off:off+8], v)
}

func (m *memImage) putU32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.data[off:off+4], v)
}

func (m *memImage) putU16(off uint64, v uint16) {
	binary.LittleEndian.PutUint16(m.data[off:off+2], v)
}

func (m *memImage) putBytes(off uint64, b []byte) {
	copy(m.data[off:], b)
}

func flatWalker(img *memImage) *paging.Walker {
	spec := &paging.MachineSpec{PageOffset: 0, PhysBase: 0}
	return paging.New(rawfile.New(img), spec)
}

func hexAddr(v uint64) string {
	const hexDigits = "0123456789abcdef"

	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}

	return string(buf)
}

func buildMap(symbols map[string]uint64) *symtab.Table {
	var sb strings.Builder

	for name, addr := range symbols {
		sb.WriteString(hexAddr(addr))
		sb.WriteString(" T ")
		sb.WriteString(name)
		sb.WriteString("\n")
	}

	tab, err := symtab.ParseReader(strings.NewReader(sb.String()))
	if err != nil {
		panic(err)
	}

	return tab
}

func TestDecodeLegacySplitsOnNonASCIIRuns(t *testing.T) {
	t.Parallel()

	const (
		logBufLenAddr = 0x2000
		logBufAddr    = 0x2008
		bufAddr       = 0x3000
	)

	img := &memImage{data: make([]byte, 0x4000)}
	img.putU32(logBufLenAddr, 16)
	img.putU64(logBufAddr, bufAddr)
	img.putBytes(bufAddr, []byte("abc\x00def\x00\x00\x00\x00\x00\x00\x00\x00"))

	tab := buildMap(map[string]uint64{
		"log_buf":     logBufAddr,
		"log_buf_len": logBufLenAddr,
	})

	w := flatWalker(img)

	records, text, err := Decode(w, tab, nil, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("legacy mode should produce exactly one synthetic record, got %d", len(records))
	}

	if text != "abc\ndef\n\n" {
		t.Errorf("text = %q, want %q", text, "abc\ndef\n\n")
	}
}

func TestDecodeVarlenWalksTwoRecords(t *testing.T) {
	t.Parallel()

	const (
		firstIdxAddr = 0x2000
		nextIdxAddr  = 0x2004
		bufLenAddr   = 0x2008
		bufPtrAddr   = 0x200c
		bufAddr      = 0x3000
	)

	img := &memImage{data: make([]byte, 0x4000)}

	img.putU32(firstIdxAddr, 0)
	img.putU32(bufLenAddr, 64)
	img.putU64(bufPtrAddr, bufAddr)

	// record 0 at idx 0: header(16) + "hi" (2 bytes), stride 18
	img.putU64(bufAddr+0, 1_000_000_000) // ts_nsec: 1.000000s
	img.putU16(bufAddr+8, 18)            // len
	img.putU16(bufAddr+10, 2)            // text_len
	img.putBytes(bufAddr+16, []byte("hi"))

	// record 1 at idx 18: header(16) + "yo" (2 bytes), stride 18
	const idx1 = 18
	img.putU64(bufAddr+idx1+0, 2_250_000_000) // 2.250000s
	img.putU16(bufAddr+idx1+8, 18)
	img.putU16(bufAddr+idx1+10, 2)
	img.putBytes(bufAddr+idx1+16, []byte("yo"))

	img.putU32(nextIdxAddr, idx1+18) // log_next_idx: one past record 1

	tab := buildMap(map[string]uint64{
		"log_first_idx": firstIdxAddr,
		"log_next_idx":  nextIdxAddr,
		"log_buf_len":   bufLenAddr,
		"log_buf":       bufPtrAddr,
	})

	w := flatWalker(img)

	records, text, err := Decode(w, tab, nil, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	if records[0].Seconds != 1 || records[0].Micros != 0 || records[0].Text != "hi" {
		t.Errorf("records[0] = %+v, want {1 0 hi}", records[0])
	}

	if records[1].Seconds != 2 || records[1].Micros != 250000 || records[1].Text != "yo" {
		t.Errorf("records[1] = %+v, want {2 250000 yo}", records[1])
	}

	want := "[    1.000000] hi\n[    2.250000] yo\n"
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestDecodeVarlenStopsAtBufferBoundary(t *testing.T) {
	t.Parallel()

	const (
		firstIdxAddr = 0x2000
		nextIdxAddr  = 0x2004
		bufLenAddr   = 0x2008
		bufPtrAddr   = 0x200c
		bufAddr      = 0x3000
	)

	img := &memImage{data: make([]byte, 0x4000)}

	img.putU32(firstIdxAddr, 0)
	img.putU32(bufLenAddr, 18) // exactly one record's stride: the ring wraps here
	img.putU64(bufPtrAddr, bufAddr)

	img.putU64(bufAddr+0, 3_000_000_000)
	img.putU16(bufAddr+8, 18) // len (stride)
	img.putU16(bufAddr+10, 1) // text_len
	img.putBytes(bufAddr+16, []byte("z"))

	// log_next_idx is never reached: log_next(0,...) computes
	// 0+18=18, which the decoder never compares against next_idx
	// because idx (18) >= log_buf_len (18) breaks the loop first —
	// the "truncates early on a legitimate wrap" quirk (spec.md §9).
	img.putU32(nextIdxAddr, 5)

	tab := buildMap(map[string]uint64{
		"log_first_idx": firstIdxAddr,
		"log_next_idx":  nextIdxAddr,
		"log_buf_len":   bufLenAddr,
		"log_buf":       bufPtrAddr,
	})

	w := flatWalker(img)

	records, _, err := Decode(w, tab, nil, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (loop should stop once idx >= log_buf_len)", len(records))
	}

	if records[0].Text != "z" {
		t.Errorf("records[0].Text = %q, want %q", records[0].Text, "z")
	}
}

func TestDecodeLocklessWalksInclusiveTailToHead(t *testing.T) {
	t.Parallel()

	const (
		prbSymAddr   = 0x4000
		prbDataAddr  = 0x4100
		descsAddr    = 0x5000
		infosAddr    = 0x6000
		textDataAddr = 0x7000
	)

	img := &memImage{data: make([]byte, 0x8000)}

	img.putU64(prbSymAddr, prbDataAddr)

	// struct printk_ringbuffer fixture layout (see fetchPrbSnapshot doc):
	// desc_ring @0 (count_bits@0, descs@8, infos@16, head_id@24, tail_id@32)
	// text_data_ring @40 (size_bits@0, data@8)
	img.putU32(prbDataAddr+0, 2) // count_bits=2 -> 4 desc slots
	img.putU64(prbDataAddr+8, descsAddr)
	img.putU64(prbDataAddr+16, infosAddr)
	img.putU64(prbDataAddr+24, 1) // head_id
	img.putU64(prbDataAddr+32, 0) // tail_id
	img.putU32(prbDataAddr+40, 8) // size_bits=8 -> 256-byte text ring
	img.putU64(prbDataAddr+48, textDataAddr)

	const descCommitted = uint64(1) << 62

	// desc[0]: id 0, committed, text block [0,13)
	img.putU64(descsAddr+0*24+0, 0|descCommitted)
	img.putU64(descsAddr+0*24+8, 0)
	img.putU64(descsAddr+0*24+16, 13)

	// desc[1]: id 1, committed, text block [13,26)
	img.putU64(descsAddr+1*24+0, 1|descCommitted)
	img.putU64(descsAddr+1*24+8, 13)
	img.putU64(descsAddr+1*24+16, 26)

	// info[0]: ts_nsec=1.5s, text_len=5 ("hello")
	img.putU64(infosAddr+0*24+8, 1_500_000_000)
	img.putU16(infosAddr+0*24+16, 5)

	// info[1]: ts_nsec=2.75s, text_len=5 ("world")
	img.putU64(infosAddr+1*24+8, 2_750_000_000)
	img.putU16(infosAddr+1*24+16, 5)

	// text data ring: each block is an 8-byte header (skipped) + body
	img.putBytes(textDataAddr+8, []byte("hello"))
	img.putBytes(textDataAddr+21, []byte("world"))

	vc := vmcoreinfo.Parse([]byte(
		"SIZE(printk_info)=24\n" +
			"SIZE(prb_desc)=24\n" +
			"SIZE(printk_ringbuffer)=80\n" +
			"OFFSET(printk_ringbuffer.desc_ring)=0\n" +
			"OFFSET(printk_ringbuffer.text_data_ring)=40\n" +
			"OFFSET(prb_desc_ring.count_bits)=0\n" +
			"OFFSET(prb_desc_ring.descs)=8\n" +
			"OFFSET(prb_desc_ring.infos)=16\n" +
			"OFFSET(prb_desc_ring.head_id)=24\n" +
			"OFFSET(prb_desc_ring.tail_id)=32\n" +
			"OFFSET(prb_data_ring.size_bits)=0\n" +
			"OFFSET(prb_data_ring.data)=8\n",
	))

	tab := buildMap(map[string]uint64{"prb": prbSymAddr})

	w := flatWalker(img)

	records, text, err := Decode(w, tab, vc, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	if records[0].Seconds != 1 || records[0].Micros != 500000 || records[0].Text != "hello" {
		t.Errorf("records[0] = %+v", records[0])
	}

	if records[1].Seconds != 2 || records[1].Micros != 750000 || records[1].Text != "world" {
		t.Errorf("records[1] = %+v", records[1])
	}

	want := "[    1.500000] hello\n[    2.750000] world\n"
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestDecodeLocklessSkipsUncommittedDescriptors(t *testing.T) {
	t.Parallel()

	const (
		prbSymAddr   = 0x4000
		prbDataAddr  = 0x4100
		descsAddr    = 0x5000
		infosAddr    = 0x6000
		textDataAddr = 0x7000
	)

	img := &memImage{data: make([]byte, 0x8000)}

	img.putU64(prbSymAddr, prbDataAddr)
	img.putU32(prbDataAddr+0, 1) // count_bits=1 -> 2 slots
	img.putU64(prbDataAddr+8, descsAddr)
	img.putU64(prbDataAddr+16, infosAddr)
	img.putU64(prbDataAddr+24, 0) // head_id == tail_id: one slot total
	img.putU64(prbDataAddr+32, 0)
	img.putU32(prbDataAddr+40, 8)
	img.putU64(prbDataAddr+48, textDataAddr)

	const descReusable = uint64(3) << 62

	// desc[0]: id 0, but state is "reusable" (free slot) — must be skipped.
	img.putU64(descsAddr+0, 0|descReusable)

	vc := vmcoreinfo.Parse([]byte(
		"SIZE(printk_info)=24\n" +
			"SIZE(prb_desc)=24\n" +
			"SIZE(printk_ringbuffer)=80\n" +
			"OFFSET(printk_ringbuffer.desc_ring)=0\n" +
			"OFFSET(printk_ringbuffer.text_data_ring)=40\n" +
			"OFFSET(prb_desc_ring.count_bits)=0\n" +
			"OFFSET(prb_desc_ring.descs)=8\n" +
			"OFFSET(prb_desc_ring.infos)=16\n" +
			"OFFSET(prb_desc_ring.head_id)=24\n" +
			"OFFSET(prb_desc_ring.tail_id)=32\n" +
			"OFFSET(prb_data_ring.size_bits)=0\n" +
			"OFFSET(prb_data_ring.data)=8\n",
	))

	tab := buildMap(map[string]uint64{"prb": prbSymAddr})

	w := flatWalker(img)

	records, text, err := Decode(w, tab, vc, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(records) != 0 {
		t.Errorf("got %d records, want 0 (reusable slot must be skipped)", len(records))
	}

	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
}
