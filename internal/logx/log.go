// Package logx provides the ambient leveled logger and traffic counters
// shared by every component of the agent.
package logx

import "github.com/pterm/pterm"

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 2006 15:04:05"
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func Debug(format string, args ...interface{}) {
	pterm.Debug.Printfln(format, args...)
}

func Info(format string, args ...interface{}) {
	pterm.Info.Printfln(format, args...)
}

func Success(format string, args ...interface{}) {
	pterm.Success.Printfln(format, args...)
}

func Warn(format string, args ...interface{}) {
	pterm.Warning.Printfln(format, args...)
}

func Error(format string, args ...interface{}) {
	pterm.Error.Printfln(format, args...)
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.EnableDebugMessages()
}
