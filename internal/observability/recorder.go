package observability

import "sync"

// Entry is a single log line captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// Recorder is an in-memory Logger used by tests to assert on emitted entries.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Debug records a debug entry.
func (r *Recorder) Debug(msg string, fields ...Field) { r.add("DEBUG", msg, fields) }

// Info records an info entry.
func (r *Recorder) Info(msg string, fields ...Field) { r.add("INFO", msg, fields) }

// Error records an error entry.
func (r *Recorder) Error(msg string, fields ...Field) { r.add("ERROR", msg, fields) }

func (r *Recorder) add(level, msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Fields: append([]Field(nil), fields...)})
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Count returns how many entries were recorded at level with message msg.
func (r *Recorder) Count(level, msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}
