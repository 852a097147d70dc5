// context.go: execution contexts and the scripting domain
//
// Scoping chain: ExecutionContext (positional arguments) < ScriptCodeContext
// (named locals, thread bookkeeping) < ScriptMainContext (this-object,
// declared functions and handlers, instance lookups) < ScriptingDomain
// (globals, class lookups, mainloop, dialect).
//
// Everything here runs on the MainLoop goroutine only. Threads are
// cooperative continuations, not OS threads, so no locking is needed.
package p44script

import (
	"fmt"
	"log"
	"time"
)

// MemberLookup lets external collaborators expose named members (builtin
// registries, host object APIs) without the runtime depending on them.
type MemberLookup interface {
	MemberByName(name string, wanted TypeInfo) (Value, bool)
}

// Logger receives runtime log output (the log() builtin, thread aborts).
// level follows syslog conventions, 7 = debug.
type Logger func(level int, msg string)

// DefaultMaxBlockTime is how long one thread may step without yielding.
const DefaultMaxBlockTime = 50 * time.Millisecond

// --- ScriptingDomain -----------------------------------------------------------

// ScriptingDomain is the root context: global variables, class-scope member
// lookups, registered script hosts, and the runtime configuration shared by
// all contexts created from it. Construct one per embedding application.
type ScriptingDomain struct {
	loop    *MainLoop
	dialect Dialect
	vars    map[string]Value
	lookups []MemberLookup
	hosts   map[string]*ScriptHost

	Logger       Logger
	MaxBlockTime time.Duration
	MaxRunTime   time.Duration // 0: unlimited

	// optional persistence callbacks for hosts registered by id
	LoadSource  func(id string) (string, error)
	StoreSource func(id string, source string) error
}

// NewDomain creates a domain with the flexible dialect and the standard
// builtin functions registered.
func NewDomain(loop *MainLoop) *ScriptingDomain {
	return NewDomainWithDialect(loop, DialectFlexible)
}

// NewDomainWithDialect creates a domain with an explicit '=' reading.
func NewDomainWithDialect(loop *MainLoop, dialect Dialect) *ScriptingDomain {
	d := &ScriptingDomain{
		loop:         loop,
		dialect:      dialect,
		vars:         make(map[string]Value),
		hosts:        make(map[string]*ScriptHost),
		MaxBlockTime: DefaultMaxBlockTime,
		Logger: func(level int, msg string) {
			log.Printf("p44script[%d]: %s", level, msg)
		},
	}
	d.RegisterMemberLookup(StandardFunctions())
	return d
}

func (d *ScriptingDomain) MainLoop() *MainLoop { return d.loop }
func (d *ScriptingDomain) Dialect() Dialect    { return d.dialect }

// RegisterMemberLookup adds a class-scope lookup, consulted after globals.
func (d *ScriptingDomain) RegisterMemberLookup(l MemberLookup) {
	d.lookups = append(d.lookups, l)
}

// SetGlobal sets a global variable from host code.
func (d *ScriptingDomain) SetGlobal(name string, v Value) { d.vars[name] = v }

// Global reads a global variable; Null when absent.
func (d *ScriptingDomain) Global(name string) Value {
	if v, ok := d.vars[name]; ok {
		return v
	}
	return Null
}

func (d *ScriptingDomain) logf(level int, format string, args ...any) {
	if d.Logger != nil {
		d.Logger(level, fmt.Sprintf(format, args...))
	}
}

// memberStore for globals
func (d *ScriptingDomain) getLocal(name string) (Value, bool) {
	v, ok := d.vars[name]
	return v, ok
}
func (d *ScriptingDomain) setLocal(name string, v Value) { d.vars[name] = v }
func (d *ScriptingDomain) deleteLocal(name string)       { delete(d.vars, name) }

// memberByName resolves globals, then the registered class lookups.
func (d *ScriptingDomain) memberByName(name string, wanted TypeInfo) (Value, bool) {
	if _, ok := d.vars[name]; ok {
		return storeLvalue(d, name), true
	}
	for _, l := range d.lookups {
		if v, ok := l.MemberByName(name, wanted); ok {
			return v, true
		}
	}
	return Null, false
}

// --- ExecutionContext ----------------------------------------------------------

// ExecutionContext owns indexed (positional) variables, the arguments of a
// function call.
type ExecutionContext struct {
	domain *ScriptingDomain
	args   []Value
}

func (c *ExecutionContext) Domain() *ScriptingDomain { return c.domain }
func (c *ExecutionContext) NumArgs() int             { return len(c.args) }

// Arg returns the i-th positional argument, Null when out of range.
func (c *ExecutionContext) Arg(i int) Value {
	if i < 0 || i >= len(c.args) {
		return Null
	}
	return c.args[i]
}

// --- ScriptCodeContext ---------------------------------------------------------

// ScriptCodeContext adds named local variables and the set of threads
// (running and queued) it has spawned.
type ScriptCodeContext struct {
	ExecutionContext
	main    *ScriptMainContext // the owning main context (self for mains)
	vars    map[string]Value
	threads []*ScriptCodeThread
	queued  []*ScriptCodeThread
}

func (c *ScriptCodeContext) MainContext() *ScriptMainContext { return c.main }

// memberStore for named locals
func (c *ScriptCodeContext) getLocal(name string) (Value, bool) {
	v, ok := c.vars[name]
	return v, ok
}
func (c *ScriptCodeContext) setLocal(name string, v Value) { c.vars[name] = v }
func (c *ScriptCodeContext) deleteLocal(name string)       { delete(c.vars, name) }

// lookupMember resolves a name per the scoping chain: context locals,
// instance lookups, declared functions (when a callable is wanted), domain
// globals, class lookups. Function contexts do not see their caller's
// locals; script bodies share the main context so its locals resolve here.
func (c *ScriptCodeContext) lookupMember(name string, wanted TypeInfo) (Value, bool) {
	if _, ok := c.vars[name]; ok {
		return storeLvalue(c, name), true
	}
	if m := c.main; m != nil {
		for _, l := range m.lookups {
			if v, ok := l.MemberByName(name, wanted); ok {
				return v, true
			}
		}
		if wanted&TiExecutable != 0 {
			if fn, ok := m.functions[name]; ok {
				return FuncVal(fn), true
			}
		}
	}
	return c.domain.memberByName(name, wanted)
}

// declareMember implements 'var' (innermost-scope create-or-keep) and
// 'glob' (domain-level create-or-keep) declarations. The returned existed
// flag reports whether the binding already held a defined value.
func (c *ScriptCodeContext) declareMember(name string, global bool) (lv Value, existed bool) {
	if global {
		if v, ok := c.domain.vars[name]; ok {
			return storeLvalue(c.domain, name), v.Defined()
		}
		c.domain.vars[name] = Null
		return storeLvalue(c.domain, name), false
	}
	if v, ok := c.vars[name]; ok {
		return storeLvalue(c, name), v.Defined()
	}
	c.vars[name] = Null
	return storeLvalue(c, name), false
}

// Execute starts processing source in this context. The callback fires once
// with the final result (synchronously when the code never suspends).
func (c *ScriptCodeContext) Execute(cursor SourceCursor, flags EvaluationFlags, cb func(Value)) *ScriptCodeThread {
	if flags&StopRunning != 0 {
		c.AbortThreads(ErrVal(newScriptError(ErrAborted, "stopped before restart")), nil)
	}
	if flags&KeepVars == 0 && flags&(SourceCode|ScriptBody) != 0 {
		c.vars = make(map[string]Value)
	}
	t := newScriptCodeThread(c, cursor, flags)
	t.prepareRun(cb, c.domain.MaxBlockTime, c.domain.MaxRunTime)
	if flags&Queue != 0 && (len(c.queued) > 0 || c.haveQueuedRunning()) {
		c.queued = append(c.queued, t)
		return t
	}
	c.threads = append(c.threads, t)
	t.run()
	return t
}

func (c *ScriptCodeContext) haveQueuedRunning() bool {
	for _, t := range c.threads {
		if t.flags&Queue != 0 && !t.completed {
			return true
		}
	}
	return false
}

// addThread registers an externally created thread (concurrent forks).
func (c *ScriptCodeContext) addThread(t *ScriptCodeThread) {
	c.threads = append(c.threads, t)
}

// threadTerminated removes a completed thread and runs the context-level
// consequences: mainthread completion aborts the siblings, and the next
// queued thread starts when its predecessor finished.
func (c *ScriptCodeContext) threadTerminated(t *ScriptCodeThread, result Value) {
	for i, r := range c.threads {
		if r == t {
			c.threads = append(c.threads[:i], c.threads[i+1:]...)
			break
		}
	}
	if t.flags&MainThread != 0 {
		c.AbortThreads(ErrVal(newScriptError(ErrAborted, "main thread of context terminated")), nil)
	}
	if len(c.queued) > 0 && !c.haveQueuedRunning() {
		next := c.queued[0]
		c.queued = c.queued[1:]
		c.threads = append(c.threads, next)
		// start on the loop, not from within the terminating thread's step
		c.domain.loop.Post(next.run)
	}
}

// AbortThreads aborts all running threads of this context (except the given
// one) and discards the queued ones. Abort propagates into chained callee
// contexts depth-first via each thread's abort.
func (c *ScriptCodeContext) AbortThreads(result Value, except *ScriptCodeThread) {
	c.queued = nil
	running := append([]*ScriptCodeThread(nil), c.threads...)
	for _, t := range running {
		if t != except {
			t.abort(result)
		}
	}
}

// --- ScriptMainContext ---------------------------------------------------------

// ScriptMainContext is the context a script body runs in. It owns the
// this-object, the functions and handlers declared by its source, and the
// instance-scope member lookups.
type ScriptMainContext struct {
	ScriptCodeContext
	thisObj   Value
	functions map[string]*CompiledFunction
	handlers  []*CompiledHandler
	lookups   []MemberLookup
}

// NewContext creates a main context for running scripts in this domain.
func (d *ScriptingDomain) NewContext() *ScriptMainContext {
	m := &ScriptMainContext{
		thisObj:   Null,
		functions: make(map[string]*CompiledFunction),
	}
	m.domain = d
	m.vars = make(map[string]Value)
	m.main = m
	return m
}

// SetThis binds the instance object scripts see as 'this'.
func (m *ScriptMainContext) SetThis(v Value) { m.thisObj = v }
func (m *ScriptMainContext) This() Value     { return m.thisObj }

// RegisterMemberLookup adds an instance-scope lookup, consulted before
// declared functions and domain members.
func (m *ScriptMainContext) RegisterMemberLookup(l MemberLookup) {
	m.lookups = append(m.lookups, l)
}

// newFunctionContext creates the child context a function call runs in.
// It shares the main context (and so functions, handlers, instance members)
// but has its own locals and arguments.
func (m *ScriptMainContext) newFunctionContext() *ScriptCodeContext {
	c := &ScriptCodeContext{}
	c.domain = m.domain
	c.main = m
	c.vars = make(map[string]Value)
	return c
}

// storeFunction registers a declared function, replacing a previous
// declaration of the same name.
func (m *ScriptMainContext) storeFunction(fn *CompiledFunction) *ScriptError {
	m.functions[fn.name] = fn
	return nil
}

// storeHandler registers a declared handler. A handler re-declared from the
// same source position replaces its predecessor (re-compilation path).
func (m *ScriptMainContext) storeHandler(h *CompiledHandler) *ScriptError {
	for i, old := range m.handlers {
		if old.trigger.cursor.container == h.trigger.cursor.container &&
			old.trigger.cursor.Offset() == h.trigger.cursor.Offset() {
			old.deactivate()
			m.handlers[i] = h
			return nil
		}
	}
	m.handlers = append(m.handlers, h)
	return nil
}

// releaseObjsFromSource drops all artifacts compiled from the given source
// container. Called when the source is edited or deleted.
func (m *ScriptMainContext) releaseObjsFromSource(container *SourceContainer) {
	for name, fn := range m.functions {
		if fn.cursor.container == container {
			delete(m.functions, name)
		}
	}
	kept := m.handlers[:0]
	for _, h := range m.handlers {
		if h.trigger.cursor.container == container {
			h.deactivate()
			continue
		}
		kept = append(kept, h)
	}
	m.handlers = kept
}

// startHandlers arms all declared handlers (initial trigger evaluation).
func (m *ScriptMainContext) startHandlers() {
	for _, h := range m.handlers {
		h.start(m)
	}
}
