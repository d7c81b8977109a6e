package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: warnings and errors only
	VerbosityInfo  = 1 // -v: + run summaries, startup
	VerbosityDebug = 2 // -vv: + per-enrollment outcomes, SQL timings
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels
//
// Mapping:
//
//	0 (none)  -> WarnLevel
//	1 (-v)    -> InfoLevel
//	2+ (-vv)  -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
