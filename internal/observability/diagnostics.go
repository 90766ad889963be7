package observability

// Diagnostics is the write-only, always-available channel of last resort
// used when durable error recording itself fails. Implementations must not
// return errors or panic.
type Diagnostics interface {
	Report(msg string, fields ...Field)
}

// LoggerDiagnostics routes diagnostic lines through the global logger,
// swallowing any panic a misbehaving logger implementation might raise.
type LoggerDiagnostics struct{}

// Report emits one diagnostic line. It never propagates a failure.
func (LoggerDiagnostics) Report(msg string, fields ...Field) {
	defer func() {
		_ = recover()
	}()
	Log().Error(msg, fields...)
}
