// trigger.go: compiled triggers, holdoff and frozen results
//
// A CompiledTrigger owns one expression that can be re-evaluated on demand,
// when an event source it touched during the previous pass fires, or at a
// scheduled time (timed sub-expressions such as every()). The trigger
// decides per mode whether an evaluation result fires the callback; a
// non-zero holdoff delays firing until the result has been stable for that
// long, and any re-evaluation during the window restarts or cancels the
// pending fire.
package p44script

import (
	"time"
)

// TriggerMode selects what makes a trigger fire.
type TriggerMode int

const (
	// OnGettingTrue fires when the boolean result turns true.
	OnGettingTrue TriggerMode = iota
	// OnChangingBool fires on every boolean transition.
	OnChangingBool
	// OnChange fires whenever the result value differs from the previous one.
	OnChange
	// OnEvaluation fires on every (non-initial) evaluation.
	OnEvaluation
)

// FrozenResult caches a value per source position so that timed or one-shot
// sub-results stay stable for the duration of one evaluation pass (and,
// with an expiry, across passes until it is due).
type FrozenResult struct {
	value  Value
	until  int64 // MainLoop time; 0 = frozen for the current pass only
	passID uint64
}

// CompiledTrigger is the re-evaluatable expression of a handler (or of a
// host-installed evaluator). cursor points at the expression start.
type CompiledTrigger struct {
	CompiledCode
	mode    TriggerMode
	holdoff time.Duration

	ctx      *ScriptCodeContext
	callback func(result Value)

	active     bool
	evaluating bool
	passID     uint64

	currentResult Value
	boolState     int // -1 unknown, 0 false, 1 true

	frozen  map[int]*FrozenResult
	sources []*EventSource

	holdoffTicket Ticket
	pendingResult Value

	nextEvalTicket Ticket
	nextEvalTime   int64
}

func newCompiledTrigger(cursor SourceCursor, mode TriggerMode, holdoff time.Duration) *CompiledTrigger {
	return &CompiledTrigger{
		CompiledCode:  CompiledCode{name: "trigger", cursor: cursor},
		mode:          mode,
		holdoff:       holdoff,
		boolState:     -1,
		currentResult: Null,
		frozen:        make(map[int]*FrozenResult),
	}
}

// start arms the trigger in ctx and runs the initial evaluation, which
// establishes the baseline state without firing.
func (tr *CompiledTrigger) start(ctx *ScriptCodeContext, callback func(Value)) {
	tr.ctx = ctx
	tr.callback = callback
	tr.active = true
	tr.evaluate(Initial)
}

// deactivate disarms the trigger: pending timers are cancelled and event
// sources released. Safe to call more than once.
func (tr *CompiledTrigger) deactivate() {
	tr.active = false
	tr.unregisterSources()
	if tr.ctx != nil {
		loop := tr.ctx.domain.loop
		loop.CancelExecution(tr.holdoffTicket)
		loop.CancelExecution(tr.nextEvalTicket)
		tr.holdoffTicket = 0
		tr.nextEvalTicket = 0
	}
}

// ProcessEvent implements EventSink: any event from a touched source
// re-evaluates the trigger.
func (tr *CompiledTrigger) ProcessEvent(event Value, source *EventSource, regID any) {
	if !tr.active {
		return
	}
	// one-shot payloads must read stably during the pass they caused
	if off, ok := regID.(int); ok && event.Defined() && event.TypeInfo()&TiOneShot != 0 {
		tr.frozen[off] = &FrozenResult{value: event, passID: tr.passID + 1}
	}
	tr.evaluate(Triggered)
}

// evaluate runs one pass over the trigger expression. Each pass re-collects
// the event sources the expression actually touches.
func (tr *CompiledTrigger) evaluate(runMode EvaluationFlags) {
	if !tr.active || tr.ctx == nil || tr.evaluating {
		return
	}
	tr.evaluating = true
	tr.passID++
	tr.unregisterSources()
	th := newScriptCodeThread(tr.ctx, tr.cursor, runMode|Expression)
	th.trigger = tr
	th.valueHook = tr.hookValue
	th.prepareRun(func(res Value) {
		tr.evaluating = false
		tr.processResult(runMode, res)
	}, tr.ctx.domain.MaxBlockTime, tr.ctx.domain.MaxRunTime)
	tr.ctx.addThread(th)
	th.run()
}

func (tr *CompiledTrigger) registerSource(es *EventSource, offset int) {
	for _, s := range tr.sources {
		if s == es {
			return
		}
	}
	es.RegisterSink(tr, offset)
	tr.sources = append(tr.sources, es)
}

func (tr *CompiledTrigger) unregisterSources() {
	for _, s := range tr.sources {
		s.UnregisterSink(tr)
	}
	tr.sources = nil
}

// hookValue sees every member lookup and call result during a pass. It
// serves frozen results, freezes one-shot event values, and registers the
// trigger on event sources for later re-evaluation.
func (tr *CompiledTrigger) hookValue(v Value, pos SourceCursor) Value {
	off := pos.Offset()
	cv := v.calcValue()
	es := v.EventSource()
	if es == nil {
		// lookups through lvalues carry the source on the stored value
		es = cv.EventSource()
	}
	if es != nil {
		// register even when a frozen result is served, so the source keeps
		// waking this trigger on later events
		tr.registerSource(es, off)
	}
	if fr, ok := tr.frozen[off]; ok {
		if fr.passID == tr.passID {
			return fr.value
		}
		if fr.until != 0 && fr.until > tr.ctx.domain.loop.Now() {
			fr.passID = tr.passID
			return fr.value
		}
		delete(tr.frozen, off) // expired
	}
	if es != nil && cv.TypeInfo()&TiOneShot != 0 {
		tr.frozen[off] = &FrozenResult{value: cv, passID: tr.passID}
	}
	return v
}

// freeze caches a value at a source position. until is a MainLoop time;
// 0 freezes for the current pass only. Builtins like every() use this
// through the evaluating thread's trigger reference.
func (tr *CompiledTrigger) freeze(offset int, v Value, until int64) {
	tr.frozen[offset] = &FrozenResult{value: v, until: until, passID: tr.passID}
}

func (tr *CompiledTrigger) frozenAt(offset int) (*FrozenResult, bool) {
	fr, ok := tr.frozen[offset]
	return fr, ok
}

// scheduleEvalAt requests a timed re-evaluation; the earliest requested
// time of a pass wins.
func (tr *CompiledTrigger) scheduleEvalAt(at int64) {
	loop := tr.ctx.domain.loop
	if tr.nextEvalTicket != 0 {
		if at >= tr.nextEvalTime {
			return
		}
		loop.CancelExecution(tr.nextEvalTicket)
	}
	tr.nextEvalTime = at
	d := time.Duration(at-loop.Now()) * time.Microsecond
	if d < 0 {
		d = 0
	}
	tr.nextEvalTicket = loop.ExecuteOnce(func() {
		tr.nextEvalTicket = 0
		tr.evaluate(Timed)
	}, d)
}

func boolStateOf(v Value) int {
	if !v.Defined() || v.Tag == VTError {
		return -1
	}
	if v.BoolValue() {
		return 1
	}
	return 0
}

// processResult applies the mode rules and the holdoff window to one
// evaluation result.
func (tr *CompiledTrigger) processResult(flags EvaluationFlags, result Value) {
	if !tr.active {
		return
	}
	result = result.calcValue() // never hold or deliver lvalues
	b := boolStateOf(result)
	fire := false
	switch tr.mode {
	case OnEvaluation:
		fire = true
	case OnChange:
		fire = !valuesEqual(result, tr.currentResult)
	case OnChangingBool:
		fire = b >= 0 && tr.boolState >= 0 && b != tr.boolState
	case OnGettingTrue:
		fire = b == 1 && tr.boolState != 1
	}
	if flags&Initial != 0 {
		// the initial pass only establishes the baseline
		tr.currentResult = result
		tr.boolState = b
		return
	}
	if tr.holdoff > 0 {
		loop := tr.ctx.domain.loop
		if fire {
			// (re)start the stabilization window; state commits on expiry
			loop.CancelExecution(tr.holdoffTicket)
			tr.pendingResult = result
			tr.holdoffTicket = loop.ExecuteOnce(func() {
				tr.holdoffTicket = 0
				tr.currentResult = tr.pendingResult
				tr.boolState = boolStateOf(tr.pendingResult)
				tr.fire(tr.pendingResult)
			}, tr.holdoff)
			return
		}
		if tr.holdoffTicket != 0 {
			// condition no longer justifies the pending fire
			loop.CancelExecution(tr.holdoffTicket)
			tr.holdoffTicket = 0
		}
		tr.currentResult = result
		tr.boolState = b
		return
	}
	tr.currentResult = result
	tr.boolState = b
	if fire {
		tr.fire(result)
	}
}

func (tr *CompiledTrigger) fire(result Value) {
	if tr.callback != nil {
		tr.callback(result)
	}
}

// --- handlers -----------------------------------------------------------------

// CompiledHandler is a declared `on (trigger) {...}` statement: one trigger
// plus the action block it fires. cursor points at the action block.
type CompiledHandler struct {
	CompiledCode
	trigger    *CompiledTrigger
	resultName string
	mainCtx    *ScriptMainContext
}

// start arms the handler's trigger in the given main context. Arming twice
// is a no-op (re-compilation replaces the handler instead).
func (h *CompiledHandler) start(m *ScriptMainContext) {
	if h.mainCtx != nil {
		return
	}
	h.mainCtx = m
	h.trigger.start(&m.ScriptCodeContext, h.triggered)
}

func (h *CompiledHandler) deactivate() {
	h.trigger.deactivate()
}

// triggered runs the action block in its own child context, so handler
// locals never leak into the script context.
func (h *CompiledHandler) triggered(result Value) {
	ctx := h.mainCtx.newFunctionContext()
	if h.resultName != "" {
		ctx.vars[h.resultName] = result
	}
	ctx.Execute(h.cursor, Triggered|Block, nil)
}
