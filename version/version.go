// Package version carries the tool's own release string, mirroring
// version.c's get_version_text (kept out of scope per spec.md §6, so
// only the banner string is reproduced here).
package version

import "fmt"

const (
	major  = 1
	minor  = 0
	bugfix = 0
)

// Text returns the "MAJOR.MINOR.BUGFIX" version string printed in the
// startup banner.
func Text() string {
	return fmt.Sprintf("%d.%d.%d", major, minor, bugfix)
}
