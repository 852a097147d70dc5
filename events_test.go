package p44script

import "testing"

type recordingSink struct {
	events []Value
	ids    []any
	src    *EventSource
}

func (r *recordingSink) ProcessEvent(event Value, source *EventSource, regID any) {
	r.events = append(r.events, event)
	r.ids = append(r.ids, regID)
	r.src = source
}

func Test_Events_DeliveryWithRegID(t *testing.T) {
	es := &EventSource{}
	sink := &recordingSink{}
	es.RegisterSink(sink, 17)

	es.SendEvent(StrVal("hello"))
	if len(sink.events) != 1 {
		t.Fatalf("want 1 event, got %d", len(sink.events))
	}
	wantStr(t, sink.events[0], "hello")
	if sink.ids[0] != 17 || sink.src != es {
		t.Fatalf("regID or source wrong: %v from %p", sink.ids[0], sink.src)
	}

	// re-registering re-keys instead of duplicating
	es.RegisterSink(sink, 23)
	es.SendEvent(NumVal(1))
	if len(sink.events) != 2 || sink.ids[1] != 23 {
		t.Fatalf("re-keyed registration broken: %v", sink.ids)
	}
}

func Test_Events_Unregister(t *testing.T) {
	es := &EventSource{}
	sink := &recordingSink{}
	es.RegisterSink(sink, nil)
	if !es.HasSinks() {
		t.Fatalf("sink not registered")
	}
	es.UnregisterSink(sink)
	if es.HasSinks() {
		t.Fatalf("sink still registered")
	}
	es.SendEvent(NumVal(1))
	if len(sink.events) != 0 {
		t.Fatalf("unregistered sink got an event")
	}
	es.UnregisterSink(sink) // no-op
}

func Test_Events_RegisterDuringDelivery(t *testing.T) {
	es := &EventSource{}
	late := &recordingSink{}
	adder := &eventFunc{fn: func(Value, *EventSource, any) {
		es.RegisterSink(late, nil)
	}}
	es.RegisterSink(adder, nil)

	// a sink added during delivery is not part of the current snapshot
	es.SendEvent(NumVal(1))
	if len(late.events) != 0 {
		t.Fatalf("late sink saw the event that registered it")
	}
	es.SendEvent(NumVal(2))
	if len(late.events) != 1 {
		t.Fatalf("late sink missed the next event, got %d", len(late.events))
	}
}

func Test_Events_SelfUnregisterDuringDelivery(t *testing.T) {
	es := &EventSource{}
	count := 0
	var self *eventFunc
	self = &eventFunc{fn: func(Value, *EventSource, any) {
		count++
		es.UnregisterSink(self)
	}}
	es.RegisterSink(self, nil)

	es.SendEvent(NumVal(1))
	es.SendEvent(NumVal(2))
	if count != 1 {
		t.Fatalf("self-unregistered sink ran %d times", count)
	}
}

func Test_Events_OnEventIsOneShot(t *testing.T) {
	es := &EventSource{}
	count := 0
	onEvent(es, func(event Value, source *EventSource, regID any) {
		count++
		wantNum(t, event, 7)
	})
	es.SendEvent(NumVal(7))
	es.SendEvent(NumVal(8))
	if count != 1 {
		t.Fatalf("one-shot callback ran %d times", count)
	}
	if es.HasSinks() {
		t.Fatalf("one-shot sink still registered")
	}
}

func Test_Events_ZeroValueSource(t *testing.T) {
	var es EventSource
	es.SendEvent(NumVal(1)) // no sinks, no panic
	sink := &recordingSink{}
	es.RegisterSink(sink, nil)
	es.SendEvent(NumVal(2))
	if len(sink.events) != 1 {
		t.Fatalf("zero-value source unusable")
	}
	es.RegisterSink(nil, nil) // ignored
}
