// Package sym defines the glyphs relay uses in logs and CLI output.
// They are stable across the CLI, the server and log fields.
package sym

// System markers.
const (
	Pulse      = "꩜" // scheduler, dispatch and retry activity
	PulseOpen  = "✿" // run start and resume
	PulseClose = "❀" // run finalization and shutdown
	DB         = "⊔" // persistence layer
	AM         = "≡" // configuration
)

// Job and run status glyphs for human output.
const (
	Pending   = "○"
	Queued    = "◔"
	Running   = "◑"
	Completed = "●"
	Failed    = "✗"
	Skipped   = "⊘"
	Blocked   = "⊟"
	Cancelled = "⊗"
	Paused    = "‖"
)

var statusGlyphs = map[string]string{
	"pending":   Pending,
	"queued":    Queued,
	"running":   Running,
	"completed": Completed,
	"failed":    Failed,
	"skipped":   Skipped,
	"blocked":   Blocked,
	"cancelled": Cancelled,
	"paused":    Paused,
}

// ForStatus returns the glyph for a run or job status string.
// Unknown statuses get "?".
func ForStatus(status string) string {
	if g, ok := statusGlyphs[status]; ok {
		return g
	}
	return "?"
}
