// Package sym defines canonical symbols used as a structured log field and in
// CLI output. They are stable across logs, CLI and the run feed.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // periodic invocation, execution gate, pacing
	PulseOpen  = "✿" // server / ticker startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
)

// Domain symbols.
const (
	Drip = "⟶" // a step executed for an enrollment
	At   = "✦" // a scheduled moment (next_step_at)
)

type entry struct {
	glyph       string
	label       string
	description string
}

var registry = []entry{
	{Pulse, "pulse", "Periodic invocation, execution gate, pacing"},
	{PulseOpen, "open", "Server and ticker startup"},
	{PulseClose, "close", "Graceful shutdown"},
	{DB, "db", "Database/storage layer"},
	{AM, "am", "Configuration"},
	{Drip, "drip", "Sequence step executed for an enrollment"},
	{At, "at", "Scheduled moment"},
}

var glyphToEntry map[string]entry

func init() {
	glyphToEntry = make(map[string]entry, len(registry))
	for _, e := range registry {
		glyphToEntry[e.glyph] = e
	}
}

// Label returns the short text label for a glyph, or "" if unknown.
func Label(glyph string) string {
	return glyphToEntry[glyph].label
}

// Describe returns the human-readable description for a glyph, or "" if unknown.
func Describe(glyph string) string {
	return glyphToEntry[glyph].description
}
