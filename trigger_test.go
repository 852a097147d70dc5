package p44script

import (
	"testing"
	"time"
)

// --- helpers ---------------------------------------------------------------

// triggerEnv wires a trigger directly over an expression, with one event
// source driving the global 'ev'. Fired results are collected in order.
type triggerEnv struct {
	*testEnv
	es    *EventSource
	trig  *CompiledTrigger
	fired []Value
}

func newTriggerEnv(t *testing.T, expr string, mode TriggerMode, holdoff time.Duration, initial Value) *triggerEnv {
	t.Helper()
	te := &triggerEnv{testEnv: newTestEnv(), es: &EventSource{}}
	te.domain.SetGlobal("ev", initial.WithEventSource(te.es))
	te.trig = newCompiledTrigger(NewSourceContainer("trig", expr).BeginningOfSource(), mode, holdoff)
	te.trig.start(&te.ctx.ScriptCodeContext, func(v Value) {
		te.fired = append(te.fired, v)
	})
	return te
}

// setAndSend updates the driven global and delivers the change event, which
// re-evaluates the trigger synchronously (no holdoff, no timed parts).
func (te *triggerEnv) setAndSend(v Value) {
	te.domain.SetGlobal("ev", v.WithEventSource(te.es))
	te.es.SendEvent(v)
}

func wantFires(t *testing.T, te *triggerEnv, n int) {
	t.Helper()
	if len(te.fired) != n {
		t.Fatalf("want %d fires, got %d: %#v", n, len(te.fired), te.fired)
	}
}

// --- trigger modes -----------------------------------------------------------

func Test_Trigger_GettingTrue(t *testing.T) {
	te := newTriggerEnv(t, "ev > 3", OnGettingTrue, 0, NumVal(0))
	wantFires(t, te, 0) // initial pass is baseline only

	te.setAndSend(NumVal(5))
	wantFires(t, te, 1)
	wantBool(t, te.fired[0], true)

	te.setAndSend(NumVal(9)) // still true, no new rising edge
	wantFires(t, te, 1)

	te.setAndSend(NumVal(1)) // falling edge does not fire
	wantFires(t, te, 1)

	te.setAndSend(NumVal(4))
	wantFires(t, te, 2)
}

func Test_Trigger_InitialTrueIsBaseline(t *testing.T) {
	te := newTriggerEnv(t, "ev > 3", OnGettingTrue, 0, NumVal(5))
	wantFires(t, te, 0)

	te.setAndSend(NumVal(7)) // already true at arming time
	wantFires(t, te, 0)

	te.setAndSend(NumVal(1))
	te.setAndSend(NumVal(9))
	wantFires(t, te, 1)
}

func Test_Trigger_Toggling(t *testing.T) {
	te := newTriggerEnv(t, "ev > 3", OnChangingBool, 0, NumVal(0))

	te.setAndSend(NumVal(5))
	te.setAndSend(NumVal(5)) // no transition
	te.setAndSend(NumVal(1))
	wantFires(t, te, 2)
	wantBool(t, te.fired[0], true)
	wantBool(t, te.fired[1], false)
}

func Test_Trigger_OnChange(t *testing.T) {
	te := newTriggerEnv(t, "ev", OnChange, 0, NumVal(1))

	te.setAndSend(NumVal(1)) // unchanged
	wantFires(t, te, 0)

	te.setAndSend(NumVal(2))
	wantFires(t, te, 1)
	wantNum(t, te.fired[0], 2)

	te.setAndSend(NumVal(2))
	wantFires(t, te, 1)
}

func Test_Trigger_OnEvaluation(t *testing.T) {
	te := newTriggerEnv(t, "ev", OnEvaluation, 0, NumVal(1))

	te.setAndSend(NumVal(1)) // fires even without a change
	te.setAndSend(NumVal(1))
	wantFires(t, te, 2)
}

func Test_Trigger_Deactivate(t *testing.T) {
	te := newTriggerEnv(t, "ev > 3", OnGettingTrue, 0, NumVal(0))

	te.setAndSend(NumVal(5))
	wantFires(t, te, 1)

	te.trig.deactivate()
	te.setAndSend(NumVal(1))
	te.setAndSend(NumVal(9))
	wantFires(t, te, 1)
}

func Test_Trigger_Holdoff(t *testing.T) {
	te := newTriggerEnv(t, "ev > 3", OnGettingTrue, 30*time.Millisecond, NumVal(0))

	// condition drops back before the stabilization window expires
	te.setAndSend(NumVal(5))
	te.setAndSend(NumVal(1))
	te.loop.RunFor(60 * time.Millisecond)
	wantFires(t, te, 0)

	// condition holds through the window
	te.setAndSend(NumVal(7))
	started := time.Now()
	te.loop.RunFor(60 * time.Millisecond)
	wantFires(t, te, 1)
	if time.Since(started) < 30*time.Millisecond {
		t.Fatalf("holdoff fire came too early")
	}

	te.setAndSend(NumVal(8)) // no new rising edge after the committed fire
	te.loop.RunFor(60 * time.Millisecond)
	wantFires(t, te, 1)
}

func Test_Trigger_OneShotEvent(t *testing.T) {
	te := newTriggerEnv(t, "ev", OnChange, 0, Null)

	// a one-shot payload reads stably during the pass it caused, even though
	// the stored value stays null
	te.es.SendEvent(StrVal("ping").WithAttrs(TiOneShot))
	wantFires(t, te, 1)
	wantStr(t, te.fired[0], "ping")
	wantNull(t, te.domain.Global("ev"))

	// the next plain event reads the stored value again
	te.es.SendEvent(Null)
	wantFires(t, te, 2)
	wantNull(t, te.fired[1])

	// and a second one-shot still reaches the trigger
	te.es.SendEvent(StrVal("pong").WithAttrs(TiOneShot))
	wantFires(t, te, 3)
	wantStr(t, te.fired[2], "pong")
}

// --- on(...) handlers ----------------------------------------------------------

// handlerEnv arms handlers by running a script, with one event source behind
// the global 'temp'.
type handlerEnv struct {
	*testEnv
	es *EventSource
}

func newHandlerEnv(t *testing.T, src string) *handlerEnv {
	t.Helper()
	he := &handlerEnv{testEnv: newTestEnv(), es: &EventSource{}}
	he.domain.SetGlobal("temp", NumVal(10).WithEventSource(he.es))
	he.eval(t, src)
	return he
}

func (he *handlerEnv) setTemp(n float64) {
	he.domain.SetGlobal("temp", NumVal(n).WithEventSource(he.es))
	he.es.SendEvent(NumVal(n))
}

func Test_Handler_FiresOnRisingEdge(t *testing.T) {
	he := newHandlerEnv(t, `
		glob fires = 0;
		on (temp > 20) { fires = fires + 1 }
	`)
	wantNum(t, he.domain.Global("fires"), 0)

	he.setTemp(25)
	wantNum(t, he.domain.Global("fires"), 1)

	he.setTemp(30) // still true
	wantNum(t, he.domain.Global("fires"), 1)

	he.setTemp(5)
	he.setTemp(25)
	wantNum(t, he.domain.Global("fires"), 2)
}

func Test_Handler_ResultBinding(t *testing.T) {
	he := newHandlerEnv(t, `
		glob seen = '';
		on (temp) changing as cur { seen = seen + string(cur) + ' ' }
	`)

	he.setTemp(11)
	he.setTemp(12)
	he.setTemp(12)
	wantStr(t, he.domain.Global("seen"), "11 12 ")
}

func Test_Handler_Toggling(t *testing.T) {
	he := newHandlerEnv(t, `
		glob edges = 0;
		on (temp > 20) toggling { edges = edges + 1 }
	`)

	he.setTemp(25)
	he.setTemp(28)
	he.setTemp(5)
	wantNum(t, he.domain.Global("edges"), 2)
}

func Test_Handler_Stable(t *testing.T) {
	he := newHandlerEnv(t, `
		glob fires = 0;
		on (temp > 20) stable 0.05 { fires = fires + 1 }
	`)

	// spike shorter than the stabilization time does not fire
	he.setTemp(25)
	he.loop.RunFor(20 * time.Millisecond)
	he.setTemp(5)
	he.loop.RunFor(80 * time.Millisecond)
	wantNum(t, he.domain.Global("fires"), 0)

	he.setTemp(30)
	he.loop.RunFor(80 * time.Millisecond)
	wantNum(t, he.domain.Global("fires"), 1)
}

func Test_Handler_EveryTimer(t *testing.T) {
	env := newTestEnv()
	env.eval(t, `
		glob count = 0;
		on (every(0.03) & !initial()) { count = count + 1 }
	`)
	env.loop.RunFor(100 * time.Millisecond)
	count := env.domain.Global("count").NumValue()
	if count < 2 || count > 4 {
		t.Fatalf("want 2..4 periodic fires in 100ms, got %g", count)
	}
}

func Test_Handler_LocalsDoNotLeak(t *testing.T) {
	he := newHandlerEnv(t, `
		glob got = 0;
		on (temp > 20) { var x = temp * 2; got = x }
	`)

	he.setTemp(25)
	wantNum(t, he.domain.Global("got"), 50)
	// the handler's local ran in its own context
	if _, ok := he.ctx.getLocal("x"); ok {
		t.Fatalf("handler local leaked into the script context")
	}
}
