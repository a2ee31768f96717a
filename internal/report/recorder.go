package report

import "sync"

// Sink receives build events. Record must not panic and the caller must
// assume it may be a no-op.
type Sink interface {
	Record(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records e on s, swallowing panics from a misbehaving sink.
func SafeRecord(s Sink, e Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(e)
}

// Recorder is a concurrency-safe in-memory Sink. Ordering is computed when
// the report is built, so insertion order does not matter.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Report builds a canonical Report from the recorded events.
func (r *Recorder) Report(namespace string) Report {
	rep := Report{Namespace: namespace, Events: r.Events()}
	rep.Canonicalize()
	return rep
}
