// compiler.go: the scanning pass and the compiled artifacts
//
// The compiler is the same sourceProcessor the threads run, started with
// Scanning|SourceCode flags: everything parses but nothing executes, and
// declarations (functions, handlers, globals) register into the owning main
// context. The first non-declaration statement marks the start of the
// runnable body.
package p44script

import (
	"time"
)

// CompiledCode is the common shape of compiled artifacts: a name and the
// cursor where their code starts. Artifacts never copy source text; they
// reference the immutable container.
type CompiledCode struct {
	name   string
	cursor SourceCursor
}

func (c *CompiledCode) Name() string         { return c.name }
func (c *CompiledCode) Cursor() SourceCursor { return c.cursor }

// CompiledFunction is a script-declared function; it is called by running
// its body block as a chained thread in a fresh function context.
type CompiledFunction struct {
	CompiledCode
	argNames []string
}

func (f *CompiledFunction) CallableName() string { return f.name }

func (f *CompiledFunction) ArgumentDesc(i int) (ArgDesc, bool) {
	if i < len(f.argNames) {
		return ArgDesc{Type: TiAny, Optional: true}, true
	}
	return ArgDesc{}, false
}

// script code may always suspend
func (f *CompiledFunction) IsAsync() bool { return true }

// CompiledScript is the runnable (non-declaration) body of a source.
type CompiledScript struct {
	CompiledCode
	mainCtx *ScriptMainContext
}

// MainContext returns the context the script's declarations live in.
func (s *CompiledScript) MainContext() *ScriptMainContext { return s.mainCtx }

// Run executes the script body in its main context with the given run-mode
// and modifier flags (the body scope is added here).
func (s *CompiledScript) Run(flags EvaluationFlags, cb func(Value)) *ScriptCodeThread {
	if flags&RunModeMask == 0 {
		flags |= Regular
	}
	return s.mainCtx.Execute(s.cursor, flags|ScriptBody, cb)
}

// --- compiler -----------------------------------------------------------------

// ScriptCompiler scans full source in declare mode.
type ScriptCompiler struct {
	sourceProcessor
	mainCtx  *ScriptMainContext
	bodyPos  SourceCursor
	haveBody bool
}

// CompileScript scans source, registers its declarations into mainCtx and
// returns the runnable body. Handlers are registered but not armed; arming
// happens when the host starts the script.
func CompileScript(source *SourceContainer, mainCtx *ScriptMainContext) (*CompiledScript, *ScriptError) {
	c := &ScriptCompiler{mainCtx: mainCtx}
	c.sourceProcessor.host = c
	c.dialect = mainCtx.domain.dialect
	cursor := source.BeginningOfSource()
	c.bodyPos = cursor
	c.initProcessing(cursor, Scanning|SourceCode)
	c.start() // scanning resolves everything synchronously
	if c.result.Tag == VTError {
		return nil, c.result.Data.(*ScriptError)
	}
	return &CompiledScript{
		CompiledCode: CompiledCode{name: source.Label, cursor: c.bodyPos},
		mainCtx:      mainCtx,
	}, nil
}

// CheckSyntax scans source without registering anything.
func CheckSyntax(source *SourceContainer, domain *ScriptingDomain) *ScriptError {
	scratch := domain.NewContext()
	_, err := CompileScript(source, scratch)
	return err
}

// --- processorHost (scan semantics) ----------------------------------------------

// memberByIdentifier is never reached while scanning (skip mode suppresses
// lookups); resolve to undefined for safety.
func (c *ScriptCompiler) memberByIdentifier(string, TypeInfo) { c.resumeWith(Null) }

// declareMember: only globals materialize at compile time; they are created
// undefined and get their initializer value on the first run.
func (c *ScriptCompiler) declareMember(name string, global bool) {
	if !global {
		c.resumeWith(Null)
		return
	}
	lv, existed := c.mainCtx.declareMember(name, true)
	c.declExisted = existed
	c.resumeWith(lv)
}

func (c *ScriptCompiler) setLoopVar(string, Value) *ScriptError { return nil }

func (c *ScriptCompiler) executeCall(*pendingCall) { c.resumeWith(Null) }

func (c *ScriptCompiler) startBlockThread(SourceCursor, string) Value { return Null }

func (c *ScriptCompiler) storeFunction(fn *CompiledFunction) *ScriptError {
	return c.mainCtx.storeFunction(fn)
}

func (c *ScriptCompiler) storeHandler(h *CompiledHandler) *ScriptError {
	return c.mainCtx.storeHandler(h)
}

func (c *ScriptCompiler) storeBodyStart(cursor SourceCursor) {
	if !c.haveBody {
		c.haveBody = true
		c.bodyPos = cursor
	}
}

// NewCompiledHandler builds a handler artifact from its parsed parts.
func NewCompiledHandler(trigger, action SourceCursor, mode TriggerMode, holdoff time.Duration, resultName string) *CompiledHandler {
	return &CompiledHandler{
		CompiledCode: CompiledCode{name: "handler", cursor: action},
		trigger:      newCompiledTrigger(trigger, mode, holdoff),
		resultName:   resultName,
	}
}
