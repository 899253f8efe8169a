//go:build !windows

package main

import (
	"os"
	"syscall"
)

var controlSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}

func isPauseSignal(s os.Signal) bool  { return s == syscall.SIGUSR1 }
func isResumeSignal(s os.Signal) bool { return s == syscall.SIGUSR2 }
