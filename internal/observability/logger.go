// Package observability carries the structured logging used across keyrent.
//
// Packages log through Named so every entry names the component that wrote
// it; the command installs the process-wide backend once with SetLogger.
package observability

import "sync"

// Logger is the structured logging backend.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value pair attached to an entry.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// ComponentKey is the field Named loggers prepend to every entry.
const ComponentKey = "component"

var (
	backendMu sync.RWMutex
	backend   Logger = discard{}
)

// SetLogger installs the process-wide backend. Nil discards everything.
func SetLogger(logger Logger) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if logger == nil {
		logger = discard{}
	}
	backend = logger
}

// Log returns the process-wide backend.
func Log() Logger {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backend
}

// Named returns a logger that tags entries with component. The backend is
// resolved on each call, so a later SetLogger applies to existing Named loggers.
func Named(component string) Logger {
	return named{component: component}
}

type named struct {
	component string
}

func (n named) Debug(msg string, fields ...Field) { Log().Debug(msg, n.tag(fields)...) }
func (n named) Info(msg string, fields ...Field)  { Log().Info(msg, n.tag(fields)...) }
func (n named) Error(msg string, fields ...Field) { Log().Error(msg, n.tag(fields)...) }

func (n named) tag(fields []Field) []Field {
	out := make([]Field, 0, len(fields)+1)
	out = append(out, F(ComponentKey, n.component))
	return append(out, fields...)
}

type discard struct{}

func (discard) Debug(string, ...Field) {}
func (discard) Info(string, ...Field)  {}
func (discard) Error(string, ...Field) {}
