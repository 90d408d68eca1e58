// Command dmesg-extract reads the kernel log out of a live or paused
// x86_64 KVM guest by introspecting its memory, without executing
// anything inside the guest. Grounded on _examples/original_source/main.c's
// main(): two positional arguments, classified by a stat + text-file
// sniff rather than named flags.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"unicode"

	"github.com/kvmdmesg/dmesg-extract/snapshot"
)

// isTextFile sniffs the first 1024 bytes of path, matching the
// original's is_text_file: any byte that is neither printable, space,
// nor NUL disqualifies it as the System.map argument.
func isTextFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	for i := 0; i < 1024; i++ {
		b, err := r.ReadByte()
		if err != nil {
			break
		}

		if b == 0 {
			continue
		}

		if !unicode.IsPrint(rune(b)) && !unicode.IsSpace(rune(b)) {
			return false, nil
		}
	}

	return true, nil
}

// classifyGuestAccess mirrors main()'s stat-based three-way switch:
// a regular file is a raw memory dump, a socket is QMP, and anything
// else (including a stat failure) is treated as a libvirt domain name.
func classifyGuestAccess(path string) snapshot.GuestAccessKind {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot.GuestName
	}

	switch {
	case info.Mode().IsRegular():
		return snapshot.GuestMemory
	case info.Mode()&os.ModeSocket != 0:
		return snapshot.QMPSocket
	default:
		return snapshot.GuestName
	}
}

// pickSystemMap decides which of the two positional arguments is the
// System.map file: whichever is a regular, all-text file. The other
// argument is the guest-access target.
func pickSystemMap(arg1, arg2 string) (symmap, guestAc string, err error) {
	for _, candidate := range [][2]string{{arg1, arg2}, {arg2, arg1}} {
		info, statErr := os.Stat(candidate[0])
		if statErr != nil || !info.Mode().IsRegular() {
			continue
		}

		text, textErr := isTextFile(candidate[0])
		if textErr != nil {
			return "", "", textErr
		}

		if text {
			return candidate[0], candidate[1], nil
		}
	}

	return "", "", fmt.Errorf("System.map file not found in arguments %q, %q", arg1, arg2)
}

func main() {
	if len(os.Args) != 3 {
		log.Fatalf("Usage: %s <domain_name/socket_path/memory_file> <system.map>", os.Args[0])
	}

	symmap, guestAc, err := pickSystemMap(os.Args[1], os.Args[2])
	if err != nil {
		log.Fatal(err)
	}

	kind := classifyGuestAccess(guestAc)

	if err := snapshot.Run(guestAc, kind, symmap, os.Stdout); err != nil {
		log.Fatal(err)
	}
}
