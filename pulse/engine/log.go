package engine

import (
	"go.uber.org/zap"

	"github.com/teranos/relay/sym"
)

// pulseLogger wraps zap.SugaredLogger with methods for scheduler lifecycle:
//   - Starting (✿) logs at DEBUG
//   - Closing (❀) logs at INFO
//   - Pulse (꩜) logs at INFO
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general scheduler activity
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

func (l pulseLogger) with(keysAndValues ...interface{}) pulseLogger {
	return pulseLogger{l.SugaredLogger.With(keysAndValues...)}
}
