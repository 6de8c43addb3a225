// Package exit_handler runs registered cleanup functions when the process stops, whether from a signal, a
// fatal error or a service request to shut down or reboot the node.
package exit_handler

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

var lock sync.Mutex
var exitFuncs []func()
var once sync.Once

// AddExitFunc registers a function to run at exit.  Functions run in reverse order of registration.
func AddExitFunc(f func()) {
	lock.Lock()
	defer lock.Unlock()
	exitFuncs = append(exitFuncs, f)
}

// RunExitFuncs runs the registered functions, once only.
func RunExitFuncs() {
	once.Do(func() {
		lock.Lock()
		funcs := exitFuncs
		lock.Unlock()
		for i := len(funcs) - 1; i >= 0; i-- {
			funcs[i]()
		}
	})
}

// Exit runs the exit functions and ends the process.
func Exit(code int) {
	RunExitFuncs()
	os.Exit(code)
}

// HandleSignals makes SIGINT and SIGTERM run the exit functions before exiting.
func HandleSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("received %s, shutting down", s)
		if s == syscall.SIGINT {
			Exit(130)
		}
		Exit(143)
	}()
}
