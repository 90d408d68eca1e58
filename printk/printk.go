// Package printk decodes a guest kernel's dmesg ring buffer in any of
// its three historical representations (component F), grounded on
// _examples/original_source/main.c (ascii, log_from_idx, log_next,
// dump_log_entry, dump_variable_length_record_log) and
// _examples/original_source/printk.c (get_desc_state, dump_record,
// dump_lockless_record_log, offsets_init).
package printk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/kvmdmesg/dmesg-extract/paging"
	"github.com/kvmdmesg/dmesg-extract/symtab"
	"github.com/kvmdmesg/dmesg-extract/vmcoreinfo"
)

// ErrDescriptorInconsistent is returned when the lockless ring's
// committed struct layout cannot be resolved from VMCOREINFO.
var ErrDescriptorInconsistent = errors.New("printk: descriptor ring layout inconsistent")

// logBufLenMask is the literal mask applied to log_buf_len in both the
// legacy and variable-length paths: ((1<<20)|((1<<20)-1)) = 0x1FFFFF,
// capping the buffer at just under 2 MiB. Preserved exactly
// (spec.md §9).
const logBufLenMask = (1 << 20) | ((1 << 20) - 1)

// legacyLogHeaderSize is sizeof(struct log): ts_nsec(8) + len(2) +
// text_len(2) + dict_len(2) + facility(1) + flags/level bitfield(1).
const legacyLogHeaderSize = 16

// DescState mirrors enum desc_state from the lockless printk ring
// buffer: a descriptor slot's state as encoded in its top two bits.
type DescState int

const (
	DescReserved DescState = iota
	DescCommitted
	DescFinalized
	DescReusable
	DescMiss DescState = -1
)

func (s DescState) String() string {
	switch s {
	case DescReserved:
		return "reserved"
	case DescCommitted:
		return "committed"
	case DescFinalized:
		return "finalized"
	case DescReusable:
		return "reusable"
	default:
		return "miss"
	}
}

const (
	descFlagsShift = 62
	descIDMask     = ^(uint64(3) << descFlagsShift)
)

func descState(id, stateVar uint64) DescState {
	if id != stateVar&descIDMask {
		return DescMiss
	}

	return DescState(3 & (stateVar >> descFlagsShift))
}

// Record is one decoded dmesg line: a timestamp split the way the
// original's sprintf("[%5lld.%06ld] ", ...) does, plus its filtered
// text body.
type Record struct {
	Seconds int64
	Micros  int64
	Text    string

	// noTimestamp marks a lockless-ring record whose text block was
	// empty (begin == next): dump_record skips reading ts_nsec
	// entirely for these and emits only a bare newline.
	noTimestamp bool
}

func splitTimestamp(tsNanos uint64) (seconds, micros int64) {
	return int64(tsNanos / 1_000_000_000), int64((tsNanos % 1_000_000_000) / 1000)
}

func (r Record) header() string {
	return fmt.Sprintf("[%5d.%06d] ", r.Seconds, r.Micros)
}

// filterByte replicates dump_log_entry/dump_record's per-byte
// transform: newline bytes become line breaks, printable-or-space
// bytes pass through, everything else becomes a dot.
func filterByte(sb *strings.Builder, b byte) {
	switch {
	case b == '\n':
		sb.WriteByte('\n')
	case isPrint(b) || isSpace(b):
		sb.WriteByte(b)
	default:
		sb.WriteByte('.')
	}
}

func isPrint(b byte) bool { return b >= 0x20 && b < 0x7f }

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	default:
		return false
	}
}

// PrbSnapshot holds the descriptor, info and text-data blobs read out
// of a live printk_ringbuffer (component F's lockless mode; the
// printk_ringbuffer struct itself is only read to locate them), so the decode
// arithmetic can be exercised against a fixture without a guest.
type PrbSnapshot struct {
	Descs    []byte
	Infos    []byte
	TextData []byte

	DescRingCount    uint32
	TextDataRingSize uint32

	TailID uint64
	HeadID uint64

	descSize uint32
	infoSize uint32
}

// Decode is the single entry point: it probes for the guest's printk
// representation (lockless ring, variable-length log, or legacy flat
// buffer) in that preference order, matching main()'s
// kernel_symbol_exists cascade exactly, and returns both the parsed
// records and the fully rendered text stream (the concatenation of
// every record's header+body+newline, in ring order).
func Decode(w *paging.Walker, t *symtab.Table, vc *vmcoreinfo.Map, relocate uint64) ([]Record, string, error) {
	if _, ok := t.Value("prb"); ok {
		return decodeLockless(w, t, vc, relocate)
	}

	_, hasFirst := t.Value("log_first_idx")
	_, hasNext := t.Value("log_next_idx")

	if hasFirst && hasNext {
		return decodeVarlen(w, t, relocate)
	}

	return decodeLegacy(w, t, relocate)
}

func readKVAddr(w *paging.Walker, addr uint64, buf []byte) error {
	return w.ReadMem(addr, paging.KVADDR, buf)
}

func readU32Symbol(w *paging.Walker, t *symtab.Table, name string, relocate uint64) (uint32, error) {
	sym, err := t.MustValue(name)
	if err != nil {
		return 0, err
	}

	var buf [4]byte
	if err := readKVAddr(w, sym-relocate, buf[:]); err != nil {
		return 0, fmt.Errorf("printk: reading %s: %w", name, err)
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readPtrSymbol(w *paging.Walker, t *symtab.Table, name string, relocate uint64) (uint64, error) {
	sym, err := t.MustValue(name)
	if err != nil {
		return 0, err
	}

	var buf [8]byte
	if err := readKVAddr(w, sym-relocate, buf[:]); err != nil {
		return 0, fmt.Errorf("printk: reading %s: %w", name, err)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// decodeLegacy is dump_log_entry's caller inlined into main(): no
// per-record structure at all, just a raw byte scan over log_buf
// emitting ASCII bytes and collapsing runs of non-ASCII/NUL bytes into
// line breaks. There is no timestamp to recover in this mode, so the
// whole buffer becomes a single Record.
func decodeLegacy(w *paging.Walker, t *symtab.Table, relocate uint64) ([]Record, string, error) {
	logBufLen, err := readU32Symbol(w, t, "log_buf_len", relocate)
	if err != nil {
		return nil, "", err
	}

	logBufAddr, err := readPtrSymbol(w, t, "log_buf", relocate)
	if err != nil {
		return nil, "", err
	}

	size := logBufLen & logBufLenMask

	buf := make([]byte, size)
	if err := readKVAddr(w, logBufAddr, buf); err != nil {
		return nil, "", fmt.Errorf("printk: reading log_buf: %w", err)
	}

	var sb strings.Builder

	nextLine := false

	for _, b := range buf {
		if b != 0 && b <= 0x7f {
			nextLine = true
			sb.WriteByte(b)
		} else {
			if nextLine {
				sb.WriteByte('\n')
			}

			nextLine = false
		}
	}

	sb.WriteByte('\n')

	text := sb.String()

	return []Record{{Text: text}}, text, nil
}

// logFromIdx is log_from_idx: if the record at idx has a zero length
// field, treat idx as the ring-wrap sentinel and restart at 0.
func logFromIdx(idx uint32, logbuf []byte) uint32 {
	msglen := binary.LittleEndian.Uint16(logbuf[idx+8 : idx+10])
	if msglen == 0 {
		return 0
	}

	return idx
}

// logNext is log_next: when the current record's length is zero, it
// returns the *raw length value stored at offset 0* as the next index
// — not idx+msglen — exactly mirroring the original's quirky return,
// rather than a more sensible wrap-to-zero.
func logNext(idx uint32, logbuf []byte) uint32 {
	msglen := binary.LittleEndian.Uint16(logbuf[idx+8 : idx+10])
	if msglen == 0 {
		return uint32(binary.LittleEndian.Uint16(logbuf[8:10]))
	}

	return idx + uint32(msglen)
}

func decodeLogEntry(logbuf []byte, idx uint32) Record {
	textLen := binary.LittleEndian.Uint16(logbuf[idx+10 : idx+12])
	tsNanos := binary.LittleEndian.Uint64(logbuf[idx : idx+8])

	msg := logbuf[idx+legacyLogHeaderSize : idx+legacyLogHeaderSize+uint32(textLen)]

	seconds, micros := splitTimestamp(tsNanos)

	var sb strings.Builder
	for _, b := range msg {
		filterByte(&sb, b)
	}

	return Record{Seconds: seconds, Micros: micros, Text: sb.String()}
}

// decodeVarlen is dump_variable_length_record_log: a fixed-layout
// struct log per record, walked via the first/next index pair.
func decodeVarlen(w *paging.Walker, t *symtab.Table, relocate uint64) ([]Record, string, error) {
	logFirstIdx, err := readU32Symbol(w, t, "log_first_idx", relocate)
	if err != nil {
		return nil, "", err
	}

	logNextIdx, err := readU32Symbol(w, t, "log_next_idx", relocate)
	if err != nil {
		return nil, "", err
	}

	logBufLenRaw, err := readU32Symbol(w, t, "log_buf_len", relocate)
	if err != nil {
		return nil, "", err
	}

	logBufAddr, err := readPtrSymbol(w, t, "log_buf", relocate)
	if err != nil {
		return nil, "", err
	}

	logBufLen := logBufLenRaw & logBufLenMask

	logbuf := make([]byte, logBufLen)
	if err := readKVAddr(w, logBufAddr, logbuf); err != nil {
		return nil, "", fmt.Errorf("printk: reading log_buf: %w", err)
	}

	var records []Record

	var sb strings.Builder

	idx := logFirstIdx
	for idx != logNextIdx {
		logptr := logFromIdx(idx, logbuf)

		rec := decodeLogEntry(logbuf, logptr)
		records = append(records, rec)

		sb.WriteString(rec.header())
		sb.WriteString(rec.Text)
		sb.WriteByte('\n')

		idx = logNext(idx, logbuf)

		if idx >= logBufLen {
			break
		}
	}

	return records, sb.String(), nil
}

// fetchPrbSnapshot reads the four live blobs making up a lockless
// printk ring buffer (the struct printk_ringbuffer itself plus its
// desc, info, and text-data arrays), resolving array strides and ring
// positions from VMCOREINFO exactly as offsets_init/dump_lockless_record_log
// does. The handful of offsets VMCOREINFO does not carry — the
// internal layout of struct prb_desc and struct printk_info — are
// fixed compile-time constants on the guest's kernel ABI, not derived
// dynamically (offsets_init never calls MEMBER_OFFSET_INIT for them
// either).
func fetchPrbSnapshot(w *paging.Walker, t *symtab.Table, vc *vmcoreinfo.Map, relocate uint64) (*PrbSnapshot, error) {
	if vc == nil {
		return nil, fmt.Errorf("%w: VMCOREINFO unavailable", ErrDescriptorInconsistent)
	}

	sizePrintkInfo, ok := vc.Size("printk_info")
	if !ok {
		return nil, fmt.Errorf("%w: missing SIZE(printk_info)", ErrDescriptorInconsistent)
	}

	sizePrbDesc, ok := vc.Size("prb_desc")
	if !ok {
		return nil, fmt.Errorf("%w: missing SIZE(prb_desc)", ErrDescriptorInconsistent)
	}

	sizePrintkRingbuffer, ok := vc.Size("printk_ringbuffer")
	if !ok {
		return nil, fmt.Errorf("%w: missing SIZE(printk_ringbuffer)", ErrDescriptorInconsistent)
	}

	offDescRing, ok := vc.Offset("printk_ringbuffer", "desc_ring")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(printk_ringbuffer.desc_ring)", ErrDescriptorInconsistent)
	}

	offTextDataRing, ok := vc.Offset("printk_ringbuffer", "text_data_ring")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(printk_ringbuffer.text_data_ring)", ErrDescriptorInconsistent)
	}

	offCountBits, ok := vc.Offset("prb_desc_ring", "count_bits")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(prb_desc_ring.count_bits)", ErrDescriptorInconsistent)
	}

	offDescs, ok := vc.Offset("prb_desc_ring", "descs")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(prb_desc_ring.descs)", ErrDescriptorInconsistent)
	}

	offInfos, ok := vc.Offset("prb_desc_ring", "infos")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(prb_desc_ring.infos)", ErrDescriptorInconsistent)
	}

	offHeadID, ok := vc.Offset("prb_desc_ring", "head_id")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(prb_desc_ring.head_id)", ErrDescriptorInconsistent)
	}

	offTailID, ok := vc.Offset("prb_desc_ring", "tail_id")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(prb_desc_ring.tail_id)", ErrDescriptorInconsistent)
	}

	offSizeBits, ok := vc.Offset("prb_data_ring", "size_bits")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(prb_data_ring.size_bits)", ErrDescriptorInconsistent)
	}

	offData, ok := vc.Offset("prb_data_ring", "data")
	if !ok {
		return nil, fmt.Errorf("%w: missing OFFSET(prb_data_ring.data)", ErrDescriptorInconsistent)
	}

	prbAddr, err := readPtrSymbol(w, t, "prb", relocate)
	if err != nil {
		return nil, err
	}

	prbBuf := make([]byte, sizePrintkRingbuffer)
	if err := readKVAddr(w, prbAddr, prbBuf); err != nil {
		return nil, fmt.Errorf("printk: reading printk_ringbuffer: %w", err)
	}

	descRing := prbBuf[offDescRing:]

	descRingCountBits := binary.LittleEndian.Uint32(descRing[offCountBits:])
	descRingCount := uint32(1) << descRingCountBits

	descsAddr := binary.LittleEndian.Uint64(descRing[offDescs:])
	descsBuf := make([]byte, uint32(sizePrbDesc)*descRingCount)

	if err := readKVAddr(w, descsAddr, descsBuf); err != nil {
		return nil, fmt.Errorf("printk: reading prb_desc_ring descs: %w", err)
	}

	infosAddr := binary.LittleEndian.Uint64(descRing[offInfos:])
	infosBuf := make([]byte, uint32(sizePrintkInfo)*descRingCount)

	if err := readKVAddr(w, infosAddr, infosBuf); err != nil {
		return nil, fmt.Errorf("printk: reading prb_info_ring: %w", err)
	}

	textDataRing := prbBuf[offTextDataRing:]

	textDataRingSizeBits := binary.LittleEndian.Uint32(textDataRing[offSizeBits:])
	textDataRingSize := uint32(1) << textDataRingSizeBits

	textDataAddr := binary.LittleEndian.Uint64(textDataRing[offData:])
	textData := make([]byte, textDataRingSize)

	if err := readKVAddr(w, textDataAddr, textData); err != nil {
		return nil, fmt.Errorf("printk: reading prb_text_data_ring: %w", err)
	}

	tailID := binary.LittleEndian.Uint64(descRing[offTailID:])
	headID := binary.LittleEndian.Uint64(descRing[offHeadID:])

	return &PrbSnapshot{
		Descs:            descsBuf,
		Infos:            infosBuf,
		TextData:         textData,
		DescRingCount:    descRingCount,
		TextDataRingSize: textDataRingSize,
		TailID:           tailID,
		HeadID:           headID,
		descSize:         uint32(sizePrbDesc),
		infoSize:         uint32(sizePrintkInfo),
	}, nil
}

// The offsets below are not VMCOREINFO-derived: offsets_init never
// calls MEMBER_OFFSET_INIT for them, so the original relies on its
// local struct prb_desc/printk_info/atomic_long_t definitions, which
// are stable across the kernel versions this ring buffer format
// shipped in.
const (
	descStateVarCounterOffset = 0 // offsetof(prb_desc, state_var) + offsetof(atomic_long_t, counter)
	descTextBlkBeginOffset    = 8 // offsetof(prb_desc, text_blk_lpos) + offsetof(prb_data_blk_lpos, begin)
	descTextBlkNextOffset     = 16

	infoTsNsecOffset  = 8
	infoTextLenOffset = 16
)

// dumpRecord is dump_record: decode one descriptor slot, skipping it
// entirely (returning ok=false) unless it is committed or finalized.
func (snap *PrbSnapshot) dumpRecord(id uint64) (Record, bool) {
	descIdx := id % uint64(snap.DescRingCount)
	descOff := descIdx * uint64(snap.descSize)
	desc := snap.Descs[descOff : descOff+uint64(snap.descSize)]

	stateVar := binary.LittleEndian.Uint64(desc[descStateVarCounterOffset:])

	state := descState(id, stateVar)
	if state != DescCommitted && state != DescFinalized {
		return Record{}, false
	}

	infoOff := descIdx * uint64(snap.infoSize)
	info := snap.Infos[infoOff : infoOff+uint64(snap.infoSize)]

	textLen := uint32(binary.LittleEndian.Uint16(info[infoTextLenOffset:]))

	textDataRingSize := uint64(snap.TextDataRingSize)

	begin := binary.LittleEndian.Uint64(desc[descTextBlkBeginOffset:]) % textDataRingSize
	next := binary.LittleEndian.Uint64(desc[descTextBlkNextOffset:]) % textDataRingSize

	if begin == next {
		return Record{noTimestamp: true}, true
	}

	tsNanos := binary.LittleEndian.Uint64(info[infoTsNsecOffset:])
	seconds, micros := splitTimestamp(tsNanos)

	if begin > next {
		begin = 0
	}

	begin += 8 // skip the data block's internal id header (sizeof(unsigned long))

	if next-begin < uint64(textLen) {
		textLen = uint32(next - begin)
	}

	text := snap.TextData[begin : begin+uint64(textLen)]

	var sb strings.Builder
	for _, b := range text {
		filterByte(&sb, b)
	}

	return Record{Seconds: seconds, Micros: micros, Text: sb.String()}, true
}

// decode walks the inclusive tail_id..head_id range — the loop body
// covers tail_id..head_id-1, then dump_record is called once more
// explicitly on head_id, matching dump_lockless_record_log's trailing
// out-of-loop call.
func (snap *PrbSnapshot) decode() ([]Record, string) {
	var records []Record

	var sb strings.Builder

	emit := func(id uint64) {
		rec, ok := snap.dumpRecord(id)
		if !ok {
			return
		}

		records = append(records, rec)

		if !rec.noTimestamp {
			sb.WriteString(rec.header())
		}

		sb.WriteString(rec.Text)
		sb.WriteByte('\n')
	}

	id := snap.TailID
	for id != snap.HeadID {
		emit(id)
		id = (id + 1) & descIDMask
	}

	emit(id)

	return records, sb.String()
}

func decodeLockless(w *paging.Walker, t *symtab.Table, vc *vmcoreinfo.Map, relocate uint64) ([]Record, string, error) {
	snap, err := fetchPrbSnapshot(w, t, vc, relocate)
	if err != nil {
		return nil, "", err
	}

	records, text := snap.decode()

	return records, text, nil
}
