package app

// StopReason describes why the app is shutting down; it only affects
// log lines, never behavior.
type StopReason string

const (
	StopReasonSignal   StopReason = "signal"
	StopReasonInternal StopReason = "internal"
)
