//go:build unix

package hostsignal

import (
	"os"

	"golang.org/x/sys/unix"
)

// ForegroundSignals returns the signals that mean the process was resumed.
func ForegroundSignals() []os.Signal {
	return []os.Signal{unix.SIGCONT}
}
