// events.go: the publish/subscribe primitive connecting asynchronous
// happenings to triggers and awaiting threads.
//
// Registration is many-to-many and keyed by an opaque id the sink supplies,
// so one sink (a trigger) can tell apart events from several sources. A
// source notifies every currently registered sink exactly once per event and
// holds no reference to a sink that has unregistered. All of this runs on the
// main loop, never concurrently.
package p44script

// EventSink receives events from sources it registered with.
type EventSink interface {
	ProcessEvent(event Value, source *EventSource, regID any)
}

// EventSource notifies registered sinks. The zero value is ready to use.
type EventSource struct {
	sinks map[EventSink]any // sink -> registration id
}

// RegisterSink adds (or re-keys) a sink. regID is returned verbatim with
// every event.
func (s *EventSource) RegisterSink(sink EventSink, regID any) {
	if sink == nil {
		return
	}
	if s.sinks == nil {
		s.sinks = make(map[EventSink]any)
	}
	s.sinks[sink] = regID
}

// UnregisterSink removes a sink; unknown sinks are a no-op.
func (s *EventSource) UnregisterSink(sink EventSink) {
	delete(s.sinks, sink)
}

// HasSinks reports whether anyone is listening.
func (s *EventSource) HasSinks() bool { return len(s.sinks) > 0 }

// SendEvent delivers event to all currently registered sinks exactly once
// each. Sinks registered or removed during delivery do not affect this event.
func (s *EventSource) SendEvent(event Value) {
	if len(s.sinks) == 0 {
		return
	}
	type reg struct {
		sink EventSink
		id   any
	}
	snapshot := make([]reg, 0, len(s.sinks))
	for sink, id := range s.sinks {
		snapshot = append(snapshot, reg{sink, id})
	}
	for _, r := range snapshot {
		if _, still := s.sinks[r.sink]; still {
			r.sink.ProcessEvent(event, s, r.id)
		}
	}
}

// eventFunc adapts a plain function to an EventSink and unregisters itself
// after the first event when once is set.
type eventFunc struct {
	fn   func(event Value, source *EventSource, regID any)
	once bool
}

func (e *eventFunc) ProcessEvent(event Value, source *EventSource, regID any) {
	if e.once {
		source.UnregisterSink(e)
	}
	e.fn(event, source, regID)
}

// onEvent registers a one-shot callback on a source.
func onEvent(source *EventSource, fn func(event Value, source *EventSource, regID any)) EventSink {
	sink := &eventFunc{fn: fn, once: true}
	source.RegisterSink(sink, nil)
	return sink
}
