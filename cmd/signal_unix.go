//go:build unix

package cmd

import (
	"os"
	"syscall"
)

var lowMemorySignal os.Signal = syscall.SIGUSR1
