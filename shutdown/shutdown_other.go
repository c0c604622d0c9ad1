//go:build !windows

// Package shutdown delivers OS stop signals so an in-flight recording can
// flush its buffered audio before the process exits.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}
