package runs

import "github.com/stha-sanket/RPA-App/internal/executor"

// Indicator returns the colored marker shown next to a status.
// Unknown and empty statuses render as stopped.
func Indicator(s executor.Status) string {
	switch s {
	case executor.StatusRunning:
		return "🟡"
	case executor.StatusCompleted:
		return "🟢"
	case executor.StatusFailed:
		return "🔴"
	default:
		return "⚪"
	}
}

// StatusLine renders "<indicator> Status: <status>".
func StatusLine(s executor.Status) string {
	return Indicator(s) + " Status: " + string(s)
}
