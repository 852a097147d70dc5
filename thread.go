// thread.go: ScriptCodeThread, the cooperative execution unit
//
// A thread is one processing pass over source in one context. It embeds the
// generic sourceProcessor and supplies the live host hooks: member lookup in
// the context chain, declaration storage, call execution (builtins inline,
// script functions as a chained child thread), and concurrent forks.
//
// Lifecycle: newScriptCodeThread -> prepareRun -> run -> (suspensions) ->
// complete. complete is delivered exactly once; it unregisters the thread
// from its context, fires the completion event source (await) and the
// termination callback (chained caller, host).
package p44script

import (
	"time"
)

// ScriptCodeThread executes code in a ScriptCodeContext.
type ScriptCodeThread struct {
	sourceProcessor
	ctx         *ScriptCodeContext
	chainedFrom *ScriptCodeThread // caller, when this thread is a function call
	chained     *ScriptCodeThread // currently executing callee

	// completionSource fires the final result; await() subscribes here.
	completionSource EventSource

	// valueHook, when set, sees every member lookup and call result; trigger
	// evaluation uses it to collect event sources and frozen results.
	valueHook func(v Value, pos SourceCursor) Value
	// trigger is set while this thread evaluates a trigger expression, so
	// builtins like every() can reach the freeze machinery.
	trigger *CompiledTrigger

	terminationCB func(Value)
	started       bool
}

func newScriptCodeThread(ctx *ScriptCodeContext, cursor SourceCursor, flags EvaluationFlags) *ScriptCodeThread {
	t := &ScriptCodeThread{ctx: ctx}
	t.sourceProcessor.host = t
	t.dialect = ctx.domain.dialect
	t.initProcessing(cursor, flags)
	loop := ctx.domain.loop
	t.yield = func(continuation func()) { loop.Post(continuation) }
	return t
}

// Context returns the context this thread runs in.
func (t *ScriptCodeThread) Context() *ScriptCodeContext { return t.ctx }

// Result returns the final result; Null while still running.
func (t *ScriptCodeThread) Result() Value {
	if !t.completed {
		return Null
	}
	return t.result
}

// Running reports whether the thread has started and not yet completed.
func (t *ScriptCodeThread) Running() bool { return t.started && !t.completed }

// prepareRun configures limits and the termination callback.
func (t *ScriptCodeThread) prepareRun(cb func(Value), maxBlockTime, maxRunTime time.Duration) {
	t.terminationCB = cb
	if t.flags&NeverPause != 0 {
		maxBlockTime = 0
	}
	t.maxBlockTime = maxBlockTime
	t.maxRunTime = maxRunTime
	t.completedCB = t.finished
}

// run starts stepping. It may complete synchronously.
func (t *ScriptCodeThread) run() {
	if t.started || t.completed {
		return
	}
	t.started = true
	t.start()
}

// abort terminates this thread (and, depth-first, any chained callee) with
// the given final result.
func (t *ScriptCodeThread) abort(result Value) {
	if t.completed {
		return
	}
	if c := t.chained; c != nil {
		t.chained = nil
		c.terminationCB = nil // the callee's completion must not resume us
		c.abort(result)
	}
	t.abortProcessing(result)
}

// finished is the processor's completion callback.
func (t *ScriptCodeThread) finished(result Value) {
	t.ctx.threadTerminated(t, result)
	t.completionSource.SendEvent(result)
	if cb := t.terminationCB; cb != nil {
		t.terminationCB = nil
		cb(result)
	}
}

// hooked passes a produced value through the trigger/event hook.
func (t *ScriptCodeThread) hooked(v Value, pos SourceCursor) Value {
	if t.valueHook != nil {
		return t.valueHook(v, pos)
	}
	return v
}

// --- processorHost -------------------------------------------------------------

func (t *ScriptCodeThread) memberByIdentifier(name string, wanted TypeInfo) {
	if name == "this" {
		if m := t.ctx.main; m != nil {
			t.resumeWith(m.This())
			return
		}
	}
	if v, ok := t.ctx.lookupMember(name, wanted); ok {
		t.resumeWith(t.hooked(v, t.src))
		return
	}
	t.resumeWith(errValue(ErrNotFound, "'%s' unknown here", name))
}

func (t *ScriptCodeThread) declareMember(name string, global bool) {
	lv, existed := t.ctx.declareMember(name, global)
	t.declExisted = existed
	t.resumeWith(lv)
}

func (t *ScriptCodeThread) setLoopVar(name string, v Value) *ScriptError {
	t.ctx.setLocal(name, v)
	return nil
}

func (t *ScriptCodeThread) storeFunction(fn *CompiledFunction) *ScriptError {
	if m := t.ctx.main; m != nil {
		return m.storeFunction(fn)
	}
	return newScriptError(ErrNotCreated, "no context to declare function '%s' in", fn.name)
}

func (t *ScriptCodeThread) storeHandler(h *CompiledHandler) *ScriptError {
	m := t.ctx.main
	if m == nil {
		return newScriptError(ErrNotCreated, "no context to declare handler in")
	}
	if err := m.storeHandler(h); err != nil {
		return err
	}
	h.start(m) // declared at runtime: arm immediately
	return nil
}

func (t *ScriptCodeThread) storeBodyStart(SourceCursor) {}

// startBlockThread forks a concurrent sibling over the block at cursor. The
// fork starts through the mainloop, so the forking thread keeps running
// until its own next suspension point.
func (t *ScriptCodeThread) startBlockThread(block SourceCursor, name string) Value {
	ct := newScriptCodeThread(t.ctx, block, (t.flags&RunModeMask)|Block|Concurrently)
	ct.prepareRun(nil, t.maxBlockTime, t.maxRunTime)
	t.ctx.addThread(ct)
	t.ctx.domain.loop.Post(ct.run)
	return ThreadVal(ct)
}

// executeCall runs a collected function call: builtins inline through a
// BuiltinFunctionContext, script functions as a chained thread in a fresh
// function context. The calling thread stays suspended until the callee
// finishes.
func (t *ScriptCodeThread) executeCall(call *pendingCall) {
	callee := call.callee.Data.(Callable)
	args, argErr, undefined := checkCallArgs(callee, call.args)
	if argErr != nil {
		argErr.Pos = call.pos.Pos()
		t.raiseError(argErr)
		return
	}
	if undefined {
		// an undefined argument where the descriptor allows it short-cuts
		// the call to an undefined result
		t.resumeWith(Null)
		return
	}
	switch fn := callee.(type) {
	case *BuiltinFunc:
		if fn.IsAsync() && t.flags&Synchronously != 0 {
			t.raiseError(newScriptError(ErrAsyncNotAllowed, "'%s' cannot run synchronously", fn.Name))
			return
		}
		bctx := &BuiltinFunctionContext{thread: t, fn: fn, args: args, pos: call.pos}
		fn.Impl(bctx)
	case *CompiledFunction:
		fctx := t.ctx.main.newFunctionContext()
		fctx.args = args
		for i, an := range fn.argNames {
			if i < len(args) {
				fctx.vars[an] = args[i]
			} else {
				fctx.vars[an] = Null
			}
		}
		child := newScriptCodeThread(fctx, fn.cursor, (t.flags&(RunModeMask|Synchronously))|Block)
		child.chainedFrom = t
		t.chained = child
		child.prepareRun(func(res Value) {
			t.chained = nil
			t.resumeWith(t.hooked(res, call.pos))
		}, t.maxBlockTime, t.maxRunTime)
		fctx.addThread(child)
		child.run()
	default:
		t.raiseError(newScriptError(ErrNotCallable, "'%s' is not callable", callee.CallableName()))
	}
}
