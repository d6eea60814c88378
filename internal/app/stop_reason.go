package app

import (
	"os"
	"syscall"
)

// StopReason is logged with every shutdown.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// StopReasonFor maps the signal that ended the process to a StopReason.
func StopReasonFor(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	case nil:
		return StopAppStop
	default:
		return StopUnknown
	}
}
