//go:build windows

package main

import "os"

// Windows has no user signals; pause and resume are unavailable from the CLI.
var controlSignals []os.Signal

func isPauseSignal(os.Signal) bool  { return false }
func isResumeSignal(os.Signal) bool { return false }
