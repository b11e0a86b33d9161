package service

import (
	"sort"
	"strconv"
	"strings"
)

// tcpListen is the LISTEN state in /proc/net/tcp.
const tcpListen = "0A"

// ParseListeningPorts extracts listening TCP ports from concatenated
// /proc/net/tcp and /proc/net/tcp6 content. Malformed lines are skipped.
func ParseListeningPorts(procNetTCP string) []int {
	seen := make(map[int]bool)
	for _, line := range strings.Split(procNetTCP, "\n") {
		fields := strings.Fields(line)
		// sl local_address rem_address st ...
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		if fields[3] != tcpListen {
			continue
		}
		addr := fields[1]
		i := strings.LastIndexByte(addr, ':')
		if i < 0 {
			continue
		}
		port, err := strconv.ParseInt(addr[i+1:], 16, 32)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		seen[int(port)] = true
	}

	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func mergePorts(declared, discovered []int) []int {
	seen := make(map[int]bool)
	for _, p := range declared {
		seen[p] = true
	}
	for _, p := range discovered {
		seen[p] = true
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
