//go:build !unix

package hostsignal

import "os"

// ForegroundSignals returns no signals on platforms without job control.
func ForegroundSignals() []os.Signal {
	return nil
}
