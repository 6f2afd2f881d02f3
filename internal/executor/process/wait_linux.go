//go:build linux

package process

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// awaitExit blocks until p exits but leaves it unreaped, so its pid stays
// reserved until the caller's Wait. It reports false if it could not wait.
func awaitExit(p *os.Process) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, p.Pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err == nil
	}
}
