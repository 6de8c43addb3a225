//go:build !unix

package exit_handler

import log "github.com/sirupsen/logrus"

// Restart runs the exit functions and exits, leaving the restart to a supervisor.
func Restart() {
	log.Warnf("restart is not supported on this platform, exiting")
	Exit(1)
}
