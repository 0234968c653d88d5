// Package procnet discovers listening TCP ports by parsing the kernel
// socket tables (/proc/net/tcp and /proc/net/tcp6) of a container.
//
// Each data line of a socket table looks like:
//
//	sl  local_address rem_address   st tx_queue ...
//	0: 00000000:0BB8 00000000:0000 0A 00000000:00000000 ...
//
// The local address is HEXADDR:HEXPORT and the state is a two hex digit
// code; 0A is LISTEN. Malformed lines are skipped one at a time so a
// damaged snapshot never hides the ports on its good lines.
package procnet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// StateListen is the socket-table code for TCP_LISTEN.
const StateListen = "0A"

// Socket table paths inside the container.
const (
	TCP4Path = "/proc/net/tcp"
	TCP6Path = "/proc/net/tcp6"
)

// Family tags which socket table a port was observed in.
type Family string

const (
	TCP4 Family = "tcp4"
	TCP6 Family = "tcp6"
)

// PortSet is a set of port numbers.
type PortSet map[uint16]struct{}

// NewPortSet returns a set holding ports.
func NewPortSet(ports ...uint16) PortSet {
	s := make(PortSet, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether port is in the set.
func (s PortSet) Has(port uint16) bool {
	_, ok := s[port]
	return ok
}

// Add inserts port.
func (s PortSet) Add(port uint16) { s[port] = struct{}{} }

// Sorted returns the members in ascending order.
func (s PortSet) Sorted() []uint16 {
	out := make([]uint16, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Parse returns the ports in LISTEN state found in a socket table. The
// first line is treated as the column header. Lines may be of any length;
// a read error ends the table at the last complete line.
func Parse(r io.Reader) PortSet {
	ports := make(PortSet)
	br := bufio.NewReader(r)
	header := true
	for {
		line, err := br.ReadString('\n')
		if header {
			header = false
		} else if port, ok := parseLine(line); ok {
			ports.Add(port)
		}
		if err != nil {
			return ports
		}
	}
}

// ParseString is Parse over a string snapshot.
func ParseString(content string) PortSet {
	return Parse(strings.NewReader(content))
}

// parseLine returns the local port of a LISTEN line.
func parseLine(line string) (uint16, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return 0, false
	}

	state := fields[3]
	if len(state) != 2 {
		return 0, false
	}
	code, err := strconv.ParseUint(state, 16, 8)
	if err != nil || code != 0x0A {
		return 0, false
	}

	idx := strings.LastIndexByte(fields[1], ':')
	if idx < 0 {
		return 0, false
	}
	// IPv6 addresses are 32 hex digits, wider than any integer type.
	if !isHex(fields[1][:idx]) {
		return 0, false
	}
	port, err := strconv.ParseUint(fields[1][idx+1:], 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(port), true
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// Snapshot is a point-in-time view of listening ports per address family.
type Snapshot map[Family]PortSet

// Ports returns the union over all families. A port listening on both
// stacks appears once.
func (s Snapshot) Ports() PortSet {
	out := make(PortSet)
	for _, set := range s {
		for p := range set {
			out.Add(p)
		}
	}
	return out
}

// Execer runs a command inside a container and returns its stdout.
type Execer interface {
	Exec(ctx context.Context, containerID string, cmd []string) (string, error)
}

// Scanner reads the socket tables of one container through an Execer.
type Scanner struct {
	Exec        Execer
	ContainerID string
}

// Scan reads both socket tables. The IPv4 table is required; the IPv6
// table is optional because IPv6 may be disabled in the container.
func (s *Scanner) Scan(ctx context.Context) (Snapshot, error) {
	tcp, err := s.Exec.Exec(ctx, s.ContainerID, []string{"cat", TCP4Path})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TCP4Path, err)
	}
	snap := Snapshot{TCP4: ParseString(tcp)}

	if tcp6, err := s.Exec.Exec(ctx, s.ContainerID, []string{"cat", TCP6Path}); err == nil {
		snap[TCP6] = ParseString(tcp6)
	}
	return snap, nil
}
