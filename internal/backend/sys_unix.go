//go:build unix

package backend

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const mmapSupported = true

// mlockSupported probes RLIMIT_MEMLOCK; a zero limit means mlock always
// fails for unprivileged processes.
func mlockSupported() bool {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil {
		return false
	}
	return lim.Cur > 0 || os.Geteuid() == 0
}

func numaNodes() int {
	nodes, err := filepath.Glob("/sys/devices/system/node/node[0-9]*")
	if err != nil || len(nodes) == 0 {
		return 1
	}
	return len(nodes)
}
