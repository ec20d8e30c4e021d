//go:build linux

// Package hostconn answers one question the Engine Driver cannot:
// whether a host port currently has an ESTABLISHED TCP connection,
// independent of the container engine's own view (spec.md §4.4 reap
// decision, step 3). No pack repo reaches for a third-party library
// for /proc/net/tcp introspection, so this is built directly on the
// kernel's proc-net text format using only the standard library.
package hostconn

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const tcpEstablished = "01"

// HasEstablished reports whether any local TCP socket bound to port is
// currently in the ESTABLISHED state, across both IPv4 and IPv6.
func HasEstablished(port int) (bool, error) {
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		found, err := scanForEstablished(path, port)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// scanForEstablished parses one proc-net table. Each data line has the
// shape:
//
//	sl  local_address rem_address   st ...
//	0: 0100007F:1F90 00000000:0000 01 ...
//
// local_address is "<hex IP>:<hex port>"; st "01" is ESTABLISHED.
func scanForEstablished(path string, port int) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		localAddr := fields[1]
		state := fields[3]
		if state != tcpEstablished {
			continue
		}
		parts := strings.SplitN(localAddr, ":", 2)
		if len(parts) != 2 {
			continue
		}
		// The port is zero-padded hex ("0050" for 80), so compare numerically.
		if p, err := strconv.ParseUint(parts[1], 16, 16); err == nil && int(p) == port {
			return true, nil
		}
	}
	return false, scanner.Err()
}
