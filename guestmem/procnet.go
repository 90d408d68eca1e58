package guestmem

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LookupPIDForSocket resolves the process that owns the listening end
// of a Unix domain socket, replicating the original's two-step
// get_inode_from_socket + find_pid_by_inode walk (client.c /
// qmp_client.c): first the socket path is resolved to its inode via
// /proc/net/unix, then every /proc/*/fd/* entry is scanned for a
// "socket:[<inode>]" symlink target pointing at it.
//
// Recorded for a future direct /proc/<pid>/mem fast path; the core
// never consumes the result (spec.md §6 "Process discovery").
func LookupPIDForSocket(path string) (pid int, ok bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, false
	}

	inode, ok := inodeForUnixSocket(abs)
	if !ok {
		return 0, false
	}

	return pidForSocketInode(inode)
}

func inodeForUnixSocket(path string) (string, bool) {
	f, err := os.Open("/proc/net/unix")
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}

		if fields[len(fields)-1] == path {
			return fields[6], true
		}
	}

	return "", false
}

func pidForSocketInode(inode string) (int, bool) {
	target := fmt.Sprintf("socket:[%s]", inode)

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		fdDir := filepath.Join("/proc", entry.Name(), "fd")

		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}

		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}

			if link == target {
				return pid, true
			}
		}
	}

	return 0, false
}
