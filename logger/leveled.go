package logger

import (
	"fmt"
	"strings"
)

// KV adapts a Logger to the message plus key/value pairs convention used by
// retrying HTTP clients (retryablehttp.LeveledLogger).
type KV struct {
	L *Logger
}

func (k KV) Error(msg string, keysAndValues ...interface{}) {
	k.L.output(LevelError, "%s", join(msg, keysAndValues))
}

func (k KV) Info(msg string, keysAndValues ...interface{}) {
	k.L.output(LevelInfo, "%s", join(msg, keysAndValues))
}

// Debug is where retryablehttp reports every single request; keep it quiet
// unless LOG_LEVEL=DEBUG.
func (k KV) Debug(msg string, keysAndValues ...interface{}) {
	k.L.output(LevelDebug, "%s", join(msg, keysAndValues))
}

func (k KV) Warn(msg string, keysAndValues ...interface{}) {
	k.L.output(LevelWarning, "%s", join(msg, keysAndValues))
}

func join(msg string, keysAndValues []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(keysAndValues); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&b, "%v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&b, "%v", keysAndValues[i])
		}
	}
	return b.String()
}
