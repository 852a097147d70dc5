// builtins.go: the builtin function registry and the standard set
//
// External collaborators expose callables to scripts as plain BuiltinFunc
// descriptor tables wrapped in a BuiltinFunctionLookup; the runtime never
// depends on their implementations. Argument checking is declarative
// through ArgDesc. Implementations receive a BuiltinFunctionContext and
// must call Finish exactly once, synchronously or after suspending.
package p44script

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ArgDesc declares one argument of a builtin.
type ArgDesc struct {
	Type     TypeInfo // allowed type union
	Optional bool
	Multiple bool // this descriptor repeats for all further arguments
	Undefres bool // an undefined argument yields an undefined result, no call
	Exact    bool // no implicit scalar conversion
}

// BuiltinFunc describes one native function.
type BuiltinFunc struct {
	Name    string
	Returns TypeInfo
	Args    []ArgDesc
	Async   bool // calling may suspend the thread
	Impl    func(f *BuiltinFunctionContext)
}

func (b *BuiltinFunc) CallableName() string { return b.Name }

func (b *BuiltinFunc) ArgumentDesc(i int) (ArgDesc, bool) {
	if i < len(b.Args) {
		return b.Args[i], true
	}
	if n := len(b.Args); n > 0 && b.Args[n-1].Multiple {
		return b.Args[n-1], true
	}
	return ArgDesc{}, false
}

func (b *BuiltinFunc) IsAsync() bool { return b.Async }

// checkCallArgs validates provided arguments against the callee's
// descriptors. A type-mismatched required argument fails; a descriptor with
// Undefres turns an undefined argument into an undefined call result
// (undefined=true) without invoking the implementation.
func checkCallArgs(callee Callable, args []Value) (checked []Value, err *ScriptError, undefined bool) {
	for i, a := range args {
		desc, ok := callee.ArgumentDesc(i)
		if !ok {
			return nil, newScriptError(ErrInvalid, "too many arguments for '%s'", callee.CallableName()), false
		}
		ti := a.TypeInfo()
		if !a.Defined() && desc.Undefres {
			// undefined short-cuts the call even when the descriptor
			// would accept null (TiAny includes TiNull)
			return nil, nil, true
		}
		if ti&desc.Type != 0 {
			continue
		}
		if a.Tag == VTError {
			// errors flow through calls that do not accept them
			return nil, a.Data.(*ScriptError), false
		}
		if !a.Defined() {
			if desc.Optional {
				continue
			}
			return nil, newScriptError(ErrInvalid, "argument %d of '%s' is undefined", i+1, callee.CallableName()), false
		}
		// scalars convert implicitly unless the descriptor wants exact types
		if !desc.Exact && desc.Type&TiScalar != 0 && ti&TiScalar != 0 {
			continue
		}
		return nil, newScriptError(ErrInvalid, "argument %d of '%s' has wrong type", i+1, callee.CallableName()), false
	}
	// all required descriptors must be satisfied
	for i := len(args); ; i++ {
		desc, ok := callee.ArgumentDesc(i)
		if !ok || desc.Optional || desc.Multiple {
			break
		}
		return nil, newScriptError(ErrInvalid, "missing argument %d of '%s'", i+1, callee.CallableName()), false
	}
	return args, nil, false
}

// BuiltinFunctionContext carries one checked call into an implementation.
type BuiltinFunctionContext struct {
	thread *ScriptCodeThread
	fn     *BuiltinFunc
	args   []Value
	pos    SourceCursor
	done   bool
}

func (f *BuiltinFunctionContext) NumArgs() int { return len(f.args) }

// Arg returns the i-th checked argument, Null when absent.
func (f *BuiltinFunctionContext) Arg(i int) Value {
	if i < 0 || i >= len(f.args) {
		return Null
	}
	return f.args[i]
}

func (f *BuiltinFunctionContext) Thread() *ScriptCodeThread { return f.thread }
func (f *BuiltinFunctionContext) Domain() *ScriptingDomain  { return f.thread.ctx.domain }

// Finish delivers the call result and resumes the calling thread. It must
// be called exactly once; extra calls (a late timer after an abort) are
// ignored.
func (f *BuiltinFunctionContext) Finish(result Value) {
	if f.done {
		return
	}
	f.done = true
	f.thread.resumeWith(f.thread.hooked(result, f.pos))
}

// --- lookup -------------------------------------------------------------------

// BuiltinFunctionLookup is a MemberLookup over a builtin table.
type BuiltinFunctionLookup struct {
	funcs map[string]*BuiltinFunc
}

func NewBuiltinFunctionLookup(funcs ...*BuiltinFunc) *BuiltinFunctionLookup {
	l := &BuiltinFunctionLookup{funcs: make(map[string]*BuiltinFunc, len(funcs))}
	for _, fn := range funcs {
		l.funcs[fn.Name] = fn
	}
	return l
}

func (l *BuiltinFunctionLookup) MemberByName(name string, wanted TypeInfo) (Value, bool) {
	if fn, ok := l.funcs[name]; ok {
		return FuncVal(fn), true
	}
	return Null, false
}

// --- standard set ----------------------------------------------------------------

var anyArg = ArgDesc{Type: TiAny, Optional: true}

// StandardFunctions returns the builtin set every domain registers.
func StandardFunctions() *BuiltinFunctionLookup {
	return NewBuiltinFunctionLookup(
		&BuiltinFunc{
			Name: "ifvalid", Returns: TiAny,
			Args: []ArgDesc{{Type: TiAny}, {Type: TiAny}},
			Impl: func(f *BuiltinFunctionContext) {
				v := f.Arg(0)
				if v.Defined() && v.Tag != VTError {
					f.Finish(v)
					return
				}
				f.Finish(f.Arg(1))
			},
		},
		&BuiltinFunc{
			Name: "isvalid", Returns: TiNumeric,
			Args: []ArgDesc{{Type: TiAny}},
			Impl: func(f *BuiltinFunctionContext) {
				v := f.Arg(0)
				f.Finish(BoolVal(v.Defined() && v.Tag != VTError))
			},
		},
		&BuiltinFunc{
			Name: "iserror", Returns: TiNumeric,
			Args: []ArgDesc{{Type: TiAny}},
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(BoolVal(f.Arg(0).Tag == VTError))
			},
		},
		&BuiltinFunc{
			Name: "error", Returns: TiError,
			Args: []ArgDesc{{Type: TiAny}},
			Impl: func(f *BuiltinFunctionContext) {
				v := f.Arg(0)
				if v.Tag == VTError {
					f.Finish(v)
					return
				}
				f.Finish(errValue(ErrUser, "%s", v.StrValue()))
			},
		},
		&BuiltinFunc{
			Name: "number", Returns: TiNumeric,
			Args: []ArgDesc{{Type: TiAny, Undefres: true}},
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(NumVal(f.Arg(0).NumValue()))
			},
		},
		&BuiltinFunc{
			Name: "string", Returns: TiText,
			Args: []ArgDesc{{Type: TiAny}},
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(StrVal(f.Arg(0).StrValue()))
			},
		},
		&BuiltinFunc{
			Name: "boolean", Returns: TiNumeric,
			Args: []ArgDesc{{Type: TiAny, Undefres: true}},
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(BoolVal(f.Arg(0).BoolValue()))
			},
		},
		&BuiltinFunc{
			Name: "abs", Returns: TiNumeric,
			Args: []ArgDesc{{Type: TiNumeric, Undefres: true}},
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(NumVal(math.Abs(f.Arg(0).NumValue())))
			},
		},
		&BuiltinFunc{
			Name: "elements", Returns: TiNumeric,
			Args: []ArgDesc{{Type: TiAny, Undefres: true}},
			Impl: func(f *BuiltinFunctionContext) {
				switch d := f.Arg(0).calcValue().Data.(type) {
				case *ArrayValue:
					f.Finish(IntVal(int64(len(d.Elems))))
				case *ObjectValue:
					f.Finish(IntVal(int64(len(d.Keys))))
				default:
					f.Finish(Null)
				}
			},
		},
		&BuiltinFunc{
			Name: "format", Returns: TiText,
			Args: []ArgDesc{{Type: TiText}, {Type: TiAny, Optional: true, Multiple: true}},
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(StrVal(formatValue(f.Arg(0).StrValue(), f.args[1:])))
			},
		},
		&BuiltinFunc{
			Name: "log", Returns: TiText,
			Args: []ArgDesc{{Type: TiAny}, {Type: TiAny, Optional: true}},
			Impl: func(f *BuiltinFunctionContext) {
				level, msg := 5, f.Arg(0)
				if f.NumArgs() > 1 {
					level = int(f.Arg(0).IntValue())
					msg = f.Arg(1)
				}
				text := msg.StrValue()
				f.Domain().logf(level, "%s", text)
				f.Finish(StrVal(text))
			},
		},
		&BuiltinFunc{
			Name: "epochtime", Returns: TiNumeric,
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(NumVal(float64(time.Now().UnixNano()) / 1e9))
			},
		},
		&BuiltinFunc{
			Name: "delay", Returns: TiNull, Async: true,
			Args: []ArgDesc{{Type: TiNumeric}},
			Impl: func(f *BuiltinFunctionContext) {
				d := time.Duration(f.Arg(0).NumValue() * float64(time.Second))
				if d <= 0 {
					f.Finish(Null)
					return
				}
				f.Domain().MainLoop().ExecuteOnce(func() {
					f.Finish(Null)
				}, d)
			},
		},
		&BuiltinFunc{
			Name: "await", Returns: TiAny, Async: true,
			Args: []ArgDesc{{Type: TiAny}, {Type: TiNumeric, Optional: true}},
			Impl: awaitImpl,
		},
		&BuiltinFunc{
			Name: "every", Returns: TiNumeric,
			Args: []ArgDesc{{Type: TiNumeric}},
			Impl: everyImpl,
		},
		&BuiltinFunc{
			Name: "initial", Returns: TiNumeric,
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(BoolVal(f.thread.flags&Initial != 0))
			},
		},
		&BuiltinFunc{
			Name: "lock", Returns: TiObject,
			Impl: func(f *BuiltinFunctionContext) {
				f.Finish(newScriptLock())
			},
		},
	)
}

// formatValue renders a printf-style format with script values, converting
// each argument to what its verb expects.
func formatValue(format string, args []Value) string {
	conv := make([]any, 0, len(args))
	ai := 0
	for i := 0; i < len(format) && ai < len(args); i++ {
		if format[i] != '%' {
			continue
		}
		i++
		for i < len(format) && strings.ContainsRune("+-# 0123456789.*", rune(format[i])) {
			i++
		}
		if i >= len(format) {
			break
		}
		switch format[i] {
		case '%':
			continue
		case 'd', 'b', 'o', 'x', 'X', 'c':
			conv = append(conv, args[ai].IntValue())
		case 'e', 'E', 'f', 'g', 'G':
			conv = append(conv, args[ai].NumValue())
		default:
			conv = append(conv, args[ai].StrValue())
		}
		ai++
	}
	return fmt.Sprintf(format, conv...)
}

// awaitImpl suspends the calling thread until the awaited thread (or any
// event-source-carrying value) delivers, or the optional timeout expires.
// A timeout yields a catchable timeout error value.
func awaitImpl(f *BuiltinFunctionContext) {
	v := f.Arg(0)
	es := v.EventSource()
	if v.Tag == VTThread {
		t := v.Data.(*ScriptCodeThread)
		if t.completed {
			f.Finish(t.result)
			return
		}
		es = &t.completionSource
	}
	if es == nil {
		f.Finish(errValue(ErrInvalid, "await needs a thread or event source"))
		return
	}
	loop := f.Domain().MainLoop()
	var timeoutTicket Ticket
	sink := onEvent(es, func(event Value, _ *EventSource, _ any) {
		loop.CancelExecution(timeoutTicket)
		f.Finish(event)
	})
	if f.NumArgs() > 1 {
		d := time.Duration(f.Arg(1).NumValue() * float64(time.Second))
		timeoutTicket = loop.ExecuteOnce(func() {
			es.UnregisterSink(sink)
			f.Finish(errValue(ErrTimeout, "await timed out"))
		}, d)
	}
}

// everyImpl yields true once per period during trigger evaluation, false in
// between, and keeps the answer stable within one pass. It schedules the
// trigger's next timed evaluation at the period boundary.
func everyImpl(f *BuiltinFunctionContext) {
	tr := f.thread.trigger
	if tr == nil {
		f.Finish(errValue(ErrInvalid, "every() is only allowed in trigger expressions"))
		return
	}
	loop := f.Domain().MainLoop()
	now := loop.Now()
	period := int64(f.Arg(0).NumValue() * 1e6)
	if period <= 0 {
		f.Finish(errValue(ErrInvalid, "every() needs a positive period"))
		return
	}
	off := f.pos.Offset()
	fr, ok := tr.frozenAt(off)
	switch {
	case ok && fr.passID == tr.passID:
		// re-read within the same pass
		f.Finish(fr.value)
	case !ok:
		// first pass: not due yet
		tr.freeze(off, BoolVal(false), now+period)
		tr.scheduleEvalAt(now + period)
		f.Finish(BoolVal(false))
	case fr.until <= now:
		// period elapsed: yield true for this pass, then re-evaluate right
		// away so the trigger result settles back to false and can rise again
		tr.freeze(off, BoolVal(true), now+period)
		tr.scheduleEvalAt(now)
		f.Finish(BoolVal(true))
	default:
		// pending: stay false for this pass
		fr.value = BoolVal(false)
		fr.passID = tr.passID
		tr.scheduleEvalAt(fr.until)
		f.Finish(BoolVal(false))
	}
}

// --- lock ---------------------------------------------------------------------

// scriptLock is the cooperative mutual-exclusion construct behind lock():
// a queue of waiting thread continuations, not an OS mutex.
type scriptLock struct {
	held    bool
	waiting []*BuiltinFunctionContext
}

// newScriptLock builds the script-facing lock object with enter/leave
// function members.
func newScriptLock() Value {
	l := &scriptLock{}
	o := NewObjectValue()
	o.Set("enter", FuncVal(&BuiltinFunc{
		Name: "enter", Returns: TiNumeric, Async: true,
		Args: []ArgDesc{{Type: TiNumeric, Optional: true}},
		Impl: l.enter,
	}))
	o.Set("leave", FuncVal(&BuiltinFunc{
		Name: "leave", Returns: TiNull,
		Impl: l.leave,
	}))
	return ObjVal(o)
}

// enter acquires the lock, suspending the thread while another holds it.
// Yields true when acquired, false when the optional timeout expired first.
func (l *scriptLock) enter(f *BuiltinFunctionContext) {
	if !l.held {
		l.held = true
		f.Finish(BoolVal(true))
		return
	}
	l.waiting = append(l.waiting, f)
	if f.NumArgs() > 0 {
		d := time.Duration(f.Arg(0).NumValue() * float64(time.Second))
		f.Domain().MainLoop().ExecuteOnce(func() {
			l.drop(f)
			f.Finish(BoolVal(false))
		}, d)
	}
}

// leave releases the lock, handing it to the longest waiting thread.
func (l *scriptLock) leave(f *BuiltinFunctionContext) {
	for len(l.waiting) > 0 {
		next := l.waiting[0]
		l.waiting = l.waiting[1:]
		if next.done {
			continue // timed out or aborted meanwhile
		}
		// lock stays held, now by next; hand over through the loop so the
		// leaving thread runs on to its own suspension point first
		f.Domain().MainLoop().Post(func() {
			next.Finish(BoolVal(true))
		})
		f.Finish(Null)
		return
	}
	l.held = false
	f.Finish(Null)
}

func (l *scriptLock) drop(f *BuiltinFunctionContext) {
	for i, w := range l.waiting {
		if w == f {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			return
		}
	}
}
