package app

// StopReason says why the app shut down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopIdle       StopReason = "idle"
	StopFatalError StopReason = "fatal_error"
)
