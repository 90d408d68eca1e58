package libvirt

import "testing"

// Open requires libvirt.so.0 and libvirt-qemu.so.0 to be dlopen-able
// and an actual qemu:///system connection with a running domain; none
// of that is available in a sandboxed test environment, so this is a
// skip-guarded smoke test mirroring kvm_test.go's privilege-skip style
// rather than a real exercise of the binding.
func TestOpenRequiresLibvirt(t *testing.T) {
	t.Parallel()

	_, err := Open("nonexistent-test-domain")
	if err == nil {
		t.Skip("libvirt unexpectedly available; skipping negative-path assertion")
	}
}
