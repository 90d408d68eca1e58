package version

import "testing"

func TestText(t *testing.T) {
	if got, want := Text(), "1.0.0"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}
