package progress

import (
	"context"
	"time"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// pool and workers can remain agnostic about how events are consumed.
type Emitter interface {
	Emit(evt Event)
}

// Emit stamps evt and forwards it to e. A nil emitter discards the event, so
// components never depend on a listener being present.
func Emit(e Emitter, evt Event) {
	if e == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	e.Emit(evt)
}

// Recorder is an Emitter that keeps every event in memory.
type Recorder struct {
	events chan Event
}

// NewRecorder returns a Recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

// Emit implements Emitter; events beyond the buffer are dropped.
func (r *Recorder) Emit(evt Event) {
	select {
	case r.events <- evt:
	default:
	}
}

// Drain returns the events recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case evt := <-r.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}
