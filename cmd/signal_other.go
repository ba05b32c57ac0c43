//go:build !unix

package cmd

import "os"

var lowMemorySignal os.Signal
