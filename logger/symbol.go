package logger

import (
	"github.com/teranos/drip/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol goes in a structured field, not the message, so logs stay
// queryable by segment.

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.Pulse, msg, keysAndValues...)
}

// DBInfow logs an info message with the DB symbol (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.DB, msg, keysAndValues...)
}

// SymbolInfow logs with any symbol
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// Instance logger wrappers, for components holding their own logger.
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddDripSymbol wraps a logger with the Drip symbol (⟶)
func AddDripSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Drip)
}
