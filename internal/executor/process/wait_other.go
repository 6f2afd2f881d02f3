//go:build !linux

package process

import "os"

// awaitExit is unavailable here. The group is then killed after Wait has reaped
// the leader, which leaves a small window for pid reuse.
func awaitExit(*os.Process) bool { return false }
