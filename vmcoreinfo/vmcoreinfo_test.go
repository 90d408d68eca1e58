package vmcoreinfo

import (
	"strings"
	"testing"
)

func TestReadStringFindsFirstOccurrence(t *testing.T) {
	t.Parallel()

	m := Parse([]byte("PAGESIZE=4096\nSIZE(printk_info)=68\nOFFSET(printk_info.text_len)=16\nPAGESIZE=8192\n"))

	v, ok := m.ReadString("PAGESIZE")
	if !ok || v != "4096" {
		t.Errorf("PAGESIZE = %q, %v, want 4096, true", v, ok)
	}
}

func TestSizeAndOffset(t *testing.T) {
	t.Parallel()

	m := Parse([]byte("SIZE(printk_info)=68\nOFFSET(printk_info.text_len)=16\n"))

	size, ok := m.Size("printk_info")
	if !ok || size != 68 {
		t.Errorf("Size(printk_info) = %d, %v, want 68, true", size, ok)
	}

	off, ok := m.Offset("printk_info", "text_len")
	if !ok || off != 16 {
		t.Errorf("Offset(printk_info.text_len) = %d, %v, want 16, true", off, ok)
	}
}

func TestMissingKey(t *testing.T) {
	t.Parallel()

	m := Parse([]byte("SIZE(printk_info)=68\n"))

	if _, ok := m.Size("prb_desc"); ok {
		t.Errorf("Size(prb_desc) should be absent")
	}
}

func TestOSReleaseDiagnosticLookup(t *testing.T) {
	t.Parallel()

	m := Parse([]byte("OSRELEASE=5.15.0-generic\nPAGESIZE=4096\n"))

	release, ok := m.OSRelease()
	if !ok || release != "5.15.0-generic" {
		t.Errorf("OSRelease = %q, %v, want 5.15.0-generic, true", release, ok)
	}
}

func TestOSReleaseAbsentIsNotAnError(t *testing.T) {
	t.Parallel()

	m := Parse([]byte("PAGESIZE=4096\n"))

	if _, ok := m.OSRelease(); ok {
		t.Errorf("expected OSRELEASE to be absent")
	}

	if !strings.Contains(m.raw, "PAGESIZE") {
		t.Fatalf("sanity check on raw blob failed")
	}
}
