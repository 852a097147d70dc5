// processor.go: the generic source processor
//
// One state machine walks a SourceCursor and drives a Value through
// arithmetic, member, call and statement handling. The compiler runs it in
// skip/declare mode for static scanning; running threads run it live. Both
// specializations differ only in the processorHost hooks (member lookup,
// call execution, declaration storage, thread forking).
//
// There is deliberately no native-call-stack recursion for evaluation: every
// nesting (sub-expression, statement body, loop, call argument) pushes an
// explicit stackFrame and later pops it, so processing can suspend at any
// state and resume later, e.g. when an async builtin finishes or after a
// cooperative yield because maxBlockTime was exceeded.
//
// Engine contract: each state handler must cause continuation exactly once,
// either synchronously (set the next state, call resume) or by handing the
// processor to an async hook that calls resumeWith(value) later. resume
// invoked from inside a running step loop just lets the loop continue, so
// synchronous chains stay flat.
package p44script

import (
	"time"
)

// EvaluationFlags select run mode, syntactic scope and execution modifiers
// for one evaluation. Combine exactly one run-mode bit, one scope bit, and
// any number of modifier bits.
type EvaluationFlags uint32

const (
	// run modes
	Regular   EvaluationFlags = 1 << iota // normal run
	Initial                               // initial trigger evaluation
	Triggered                             // re-evaluation caused by a trigger event
	Timed                                 // re-evaluation caused by a timed sub-result
	Scanning                              // compiler pass, nothing executes

	// syntactic scope
	Expression // a single expression
	ScriptBody // statements, no declarations
	SourceCode // full source, declarations allowed
	Block      // a single (block) statement

	// execution modifiers
	Synchronously // async builtins are forbidden (fatal ErrAsyncNotAllowed)
	StopRunning   // abort other threads in the context before starting
	Queue         // run strictly after previously queued siblings
	Concurrently  // do not wait, run as a parallel thread
	KeepVars      // keep existing context variables
	MainThread    // terminate sibling threads when this one completes
	NeverPause    // never yield on maxBlockTime
	SingleStep    // reserved for debugging hosts
)

// RunModeMask and ScopeMask extract the exclusive flag groups.
const (
	RunModeMask = Regular | Initial | Triggered | Timed | Scanning
	ScopeMask   = Expression | ScriptBody | SourceCode | Block
)

// Dialect fixes the assignment-vs-comparison reading of '=' at domain
// construction time.
type Dialect int

const (
	// DialectFlexible: '=' assigns where a statement starts with an
	// assignable place, compares elsewhere; ':=' always assigns.
	DialectFlexible Dialect = iota
	// DialectC: '=' assigns, '==' compares.
	DialectC
	// DialectPascal: ':=' assigns, '=' compares.
	DialectPascal
)

// --- operators ---------------------------------------------------------------

type operator uint8

const (
	opNone operator = iota
	opAssign
	opOr
	opAnd
	opEq
	opNeq
	opLess
	opLeq
	opGreater
	opGeq
	opAdd
	opSub
	opMul
	opDiv
	opMod
	opNot // unary only
)

const assignPrecedence = 1

func binaryPrecedence(op operator) int {
	switch op {
	case opAssign:
		return assignPrecedence
	case opOr:
		return 2
	case opAnd:
		return 3
	case opEq, opNeq:
		return 4
	case opLess, opLeq, opGreater, opGeq:
		return 5
	case opAdd, opSub:
		return 6
	case opMul, opDiv, opMod:
		return 7
	default:
		return 0
	}
}

// --- state machine -----------------------------------------------------------

// procState is the closed set of processor states; step dispatches on it.
type procState uint8

const (
	stInvalid procState = iota

	// sequencing
	stBody
	stBlockBody
	stStatement
	stExprStatementDone

	// statements
	stIfCondition
	stIfBranchDone
	stElseBranchDone
	stWhileCondDone
	stWhileStatementEnd
	stForeachIterableDone
	stForeachBody
	stForeachStatementEnd
	stTryStatementEnd
	stCatchDone
	stReturnDone
	stThrowDone
	stVarDeclDone
	stVarInitDone
	stUnsetDone
	stConcurrentDone
	stFunctionBodyDone
	stOnTriggerDone
	stOnActionDone

	// expressions
	stExprFirstTerm
	stExprTerm
	stLeftSide
	stRightSide
	stApplyUnary
	stAssignDone
	stGroupedDone
	stMemberChain
	stSubscriptDone
	stObjectLiteral
	stObjectFieldDone
	stArrayLiteral
	stArrayElemDone
	stFuncLookupDone
	stFuncArg
	stFuncArgDone
	stFuncExec

	stComplete
)

type flowSignal uint8

const (
	flowNone flowSignal = iota
	flowBreak
	flowContinue
	flowReturn
)

// stackFrame snapshots the processor registers at a nesting boundary,
// plus per-statement bookkeeping for loops and try frames.
type stackFrame struct {
	returnTo procState
	pos      SourceCursor // cursor at push time (loop anchor, try re-scan)

	// saved registers, restored on pop
	olderResult   Value
	precedence    int
	pendingOp     operator
	identifier    string
	skipping      bool
	assignAllowed bool
	funcCall      *pendingCall

	// statement bookkeeping, read back from p.popped after the frame pops
	isLoop   bool
	isTry    bool
	flag     bool // if/while: condition was true; foreach: have element; try: catching
	err      *ScriptError
	iter     Value
	iterKeys []string
	iterIdx  int
	names    []string
}

// pendingCall collects a callee and its evaluated arguments.
type pendingCall struct {
	callee Value
	args   []Value
	pos    SourceCursor // call site: error position and freeze key
}

// processorHost is the capability interface that differs between the
// compiler and a running thread.
type processorHost interface {
	// memberByIdentifier resolves a name and continues the processor with
	// resumeWith (synchronously or later). wanted hints the required
	// capabilities (TiExecutable for call targets).
	memberByIdentifier(name string, wanted TypeInfo)
	// declareMember creates (or finds, for globals) a binding and continues
	// with the lvalue; it must set declExisted on the processor.
	declareMember(name string, global bool)
	// setLoopVar defines name in the innermost scope (loop/catch variables).
	setLoopVar(name string, v Value) *ScriptError
	// executeCall runs a collected call and continues with its result.
	executeCall(call *pendingCall)
	// startBlockThread forks a concurrent thread over the block at cursor.
	startBlockThread(block SourceCursor, name string) Value
	// storeFunction/storeHandler register compiler declarations.
	storeFunction(fn *CompiledFunction) *ScriptError
	storeHandler(h *CompiledHandler) *ScriptError
	// storeBodyStart marks the first non-declaration statement.
	storeBodyStart(cursor SourceCursor)
}

// sourceProcessor is the shared engine. ScriptCompiler and ScriptCodeThread
// embed it and provide the host hooks.
type sourceProcessor struct {
	host    processorHost
	src     SourceCursor
	flags   EvaluationFlags
	dialect Dialect

	state         procState
	stack         []*stackFrame
	popped        *stackFrame
	result        Value
	olderResult   Value
	precedence    int
	pendingOp     operator
	identifier    string
	skipping      bool
	declaring     bool
	assignAllowed bool
	flow          flowSignal
	funcCall      *pendingCall
	callStartPos  SourceCursor
	declExisted   bool

	resuming  bool
	resumed   bool
	aborted   bool
	completed bool

	completedCB func(Value)

	maxBlockTime time.Duration
	maxRunTime   time.Duration
	runStart     time.Time
	yield        func(continuation func()) // nil: never yields (compiler)
}

// initProcessing binds the processor to a cursor and evaluation flags.
func (p *sourceProcessor) initProcessing(cursor SourceCursor, flags EvaluationFlags) {
	p.src = cursor
	p.flags = flags
	p.stack = nil
	p.popped = nil
	p.result = Null
	p.olderResult = Null
	p.precedence = 0
	p.pendingOp = opNone
	p.identifier = ""
	p.assignAllowed = false
	p.flow = flowNone
	p.funcCall = nil
	p.aborted = false
	p.completed = false
	p.resumed = false
	p.resuming = false
}

// start begins processing according to the scope flags and runs the step
// loop until completion or first suspension.
func (p *sourceProcessor) start() {
	p.runStart = time.Now()
	if p.flags&SourceCode != 0 {
		p.declaring = true // full source: process declarations
	}
	if p.flags&Scanning != 0 {
		p.skipping = true // compiler pass: nothing executes
	}
	switch p.flags & ScopeMask {
	case Expression:
		p.pushExpression(stComplete)
	case Block:
		p.push(stComplete)
		p.state = stStatement
	default: // ScriptBody, SourceCode
		p.push(stComplete)
		p.state = stBody
	}
	p.resume()
}

// skip reports whether evaluation effects are currently suppressed, either
// structurally (untaken branch, compiler scan) or because a flow signal
// (break/continue/return) is unwinding.
func (p *sourceProcessor) skip() bool { return p.skipping || p.flow != flowNone }

// resume continues the step loop. When called re-entrantly from within a
// running step it only marks the loop to continue, keeping synchronous
// chains flat. The loop reschedules itself through yield when maxBlockTime
// is exceeded and aborts the whole run past maxRunTime.
func (p *sourceProcessor) resume() {
	if p.completed || p.aborted {
		return // late async continuation after abort
	}
	if p.resuming {
		p.resumed = true
		return
	}
	p.resuming = true
	burst := time.Now()
	for {
		p.resumed = false
		p.step()
		if p.aborted || p.completed || !p.resumed {
			break
		}
		if p.maxRunTime > 0 && time.Since(p.runStart) > p.maxRunTime {
			p.resuming = false
			p.abortProcessing(ErrVal(newScriptError(ErrTimeout, "maximum run time exceeded")))
			return
		}
		if p.maxBlockTime > 0 && p.yield != nil && time.Since(burst) > p.maxBlockTime {
			p.resuming = false
			p.yield(p.resume)
			return
		}
	}
	p.resuming = false
}

// resumeWith delivers a value produced by a hook and continues.
func (p *sourceProcessor) resumeWith(v Value) {
	p.result = v
	p.resume()
}

// complete finalizes processing exactly once.
func (p *sourceProcessor) complete(result Value) {
	if p.completed {
		return
	}
	p.completed = true
	p.result = result
	p.flow = flowNone
	if cb := p.completedCB; cb != nil {
		p.completedCB = nil
		cb(result)
	}
}

// abortProcessing terminates with a final result from any state.
func (p *sourceProcessor) abortProcessing(result Value) {
	if p.completed {
		return
	}
	p.aborted = true
	p.complete(result)
}

// --- frame stack ---------------------------------------------------------------

func (p *sourceProcessor) push(returnTo procState) *stackFrame {
	f := &stackFrame{
		returnTo:      returnTo,
		pos:           p.src,
		olderResult:   p.olderResult,
		precedence:    p.precedence,
		pendingOp:     p.pendingOp,
		identifier:    p.identifier,
		skipping:      p.skipping,
		assignAllowed: p.assignAllowed,
		funcCall:      p.funcCall,
	}
	p.stack = append(p.stack, f)
	return f
}

func (p *sourceProcessor) topFrame() *stackFrame {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

// pop restores the saved registers (the current result is carried through as
// the produced value) and records the popped frame for end-of-statement
// states.
func (p *sourceProcessor) pop() {
	f := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	p.popped = f
	p.state = f.returnTo
	p.olderResult = f.olderResult
	p.precedence = f.precedence
	p.pendingOp = f.pendingOp
	p.identifier = f.identifier
	p.skipping = f.skipping
	p.assignAllowed = f.assignAllowed
	p.funcCall = f.funcCall
}

// popWithResult returns the current result to the enclosing frame, or
// completes processing when the stack is exhausted.
func (p *sourceProcessor) popWithResult() {
	if len(p.stack) == 0 {
		p.complete(p.result)
		return
	}
	p.pop()
	p.resume()
}

// pushExpression starts a full expression evaluation returning to returnTo.
// Assignment via plain '=' is disabled by default; statement-level callers
// re-enable it after the push.
func (p *sourceProcessor) pushExpression(returnTo procState) *stackFrame {
	f := p.push(returnTo)
	p.precedence = 0
	p.pendingOp = opNone
	p.assignAllowed = false
	p.state = stExprFirstTerm
	return f
}

// --- error raising ---------------------------------------------------------------

// syntaxError raises a fatal syntax error at the current cursor.
func (p *sourceProcessor) syntaxError(format string, args ...any) {
	err := newScriptError(ErrSyntax, format, args...)
	err.Pos = p.src.Pos()
	p.raiseError(err)
}

// raiseError unwinds to the nearest try frame for catchable errors; fatal
// errors (and uncaught catchable ones) terminate processing with the error
// as final result. For a caught error, the remainder of the try statement is
// located by re-scanning it from the try frame's anchor in skip mode, which
// is cheap and needs no side tables.
func (p *sourceProcessor) raiseError(err *ScriptError) {
	if p.completed {
		return
	}
	if err.Pos.Line == 0 {
		err.Pos = p.src.Pos()
	}
	if !err.Code.Catchable() {
		p.abortProcessing(ErrVal(err))
		return
	}
	for i := len(p.stack) - 1; i >= 0; i-- {
		f := p.stack[i]
		if !f.isTry || f.flag {
			continue // f.flag: already catching, not a target anymore
		}
		p.stack = p.stack[:i+1]
		f.flag = true
		f.err = err
		p.src = f.pos
		p.skipping = true
		p.flow = flowNone
		p.precedence = 0
		p.pendingOp = opNone
		p.olderResult = Null
		p.funcCall = nil
		p.result = ErrVal(err)
		p.state = stStatement
		p.resume()
		return
	}
	p.complete(ErrVal(err))
}

// --- dispatch ---------------------------------------------------------------

func (p *sourceProcessor) step() {
	switch p.state {
	case stBody:
		p.sBody()
	case stBlockBody:
		p.sBlockBody()
	case stStatement:
		p.sStatement()
	case stExprStatementDone:
		p.sExprStatementDone()
	case stIfCondition:
		p.sIfCondition()
	case stIfBranchDone:
		p.sIfBranchDone()
	case stElseBranchDone:
		p.popWithResult()
	case stWhileCondDone:
		p.sWhileCondDone()
	case stWhileStatementEnd:
		p.sWhileStatementEnd()
	case stForeachIterableDone:
		p.sForeachIterableDone()
	case stForeachBody:
		p.sForeachBody()
	case stForeachStatementEnd:
		p.sForeachStatementEnd()
	case stTryStatementEnd:
		p.sTryStatementEnd()
	case stCatchDone:
		p.popWithResult()
	case stReturnDone:
		p.sReturnDone()
	case stThrowDone:
		p.sThrowDone()
	case stVarDeclDone:
		p.sVarDeclDone()
	case stVarInitDone:
		p.sVarInitDone()
	case stUnsetDone:
		p.sUnsetDone()
	case stConcurrentDone:
		p.popWithResult()
	case stFunctionBodyDone:
		p.declaring = p.flags&SourceCode != 0
		p.popWithResult()
	case stOnTriggerDone:
		p.sOnTriggerDone()
	case stOnActionDone:
		p.declaring = p.flags&SourceCode != 0
		p.popWithResult()
	case stExprFirstTerm:
		p.sExprFirstTerm()
	case stExprTerm:
		p.sExprTerm()
	case stLeftSide:
		p.sLeftSide()
	case stRightSide:
		p.sRightSide()
	case stApplyUnary:
		p.sApplyUnary()
	case stAssignDone:
		p.sAssignDone()
	case stGroupedDone:
		p.sGroupedDone()
	case stMemberChain:
		p.sMemberChain()
	case stSubscriptDone:
		p.sSubscriptDone()
	case stObjectLiteral:
		p.sObjectLiteral()
	case stObjectFieldDone:
		p.sObjectFieldDone()
	case stArrayLiteral:
		p.sArrayLiteral()
	case stArrayElemDone:
		p.sArrayElemDone()
	case stFuncLookupDone:
		p.sFuncLookupDone()
	case stFuncArg:
		p.sFuncArg()
	case stFuncArgDone:
		p.sFuncArgDone()
	case stFuncExec:
		p.sFuncExec()
	case stComplete:
		p.complete(p.result)
	default:
		p.raiseError(newScriptError(ErrInternal, "invalid processor state %d", p.state))
	}
}

// --- sequencing ---------------------------------------------------------------

func (p *sourceProcessor) sBody() {
	p.src.skipNonCode()
	if p.src.EOT() || p.flow == flowReturn {
		p.popWithResult()
		return
	}
	p.push(stBody)
	p.state = stStatement
	p.resume()
}

func (p *sourceProcessor) sBlockBody() {
	p.src.skipNonCode()
	if p.src.nextIf('}') {
		p.popWithResult()
		return
	}
	if p.src.EOT() {
		p.syntaxError("missing '}'")
		return
	}
	p.push(stBlockBody)
	p.state = stStatement
	p.resume()
}

// --- statements ---------------------------------------------------------------

// isDeclarationStatement reports whether the statement at the cursor belongs
// to the declaration part (function and handler declarations). Everything
// else is script body and re-executes on each run.
func (p *sourceProcessor) isDeclarationStatement() bool {
	id, ok := p.src.checkForIdentifier()
	if !ok {
		return false
	}
	switch id {
	case "function":
		return true
	case "on":
		look := p.src
		look.advance(len(id))
		look.skipNonCode()
		return look.current() == '('
	}
	return false
}

func (p *sourceProcessor) sStatement() {
	p.src.skipNonCode()
	if p.src.EOT() {
		p.popWithResult()
		return
	}
	if p.src.nextIf(';') {
		p.popWithResult()
		return
	}
	if p.declaring && !p.isDeclarationStatement() {
		p.host.storeBodyStart(p.src)
	}
	if p.src.nextIf('{') {
		p.state = stBlockBody
		p.resume()
		return
	}
	if id, ok := p.src.checkForIdentifier(); ok {
		switch id {
		case "if":
			p.src.advance(len(id))
			p.src.skipNonCode()
			if !p.src.nextIf('(') {
				p.syntaxError("missing '(' after 'if'")
				return
			}
			p.pushExpression(stIfCondition)
			p.resume()
			return
		case "while":
			p.src.advance(len(id))
			p.src.skipNonCode()
			if p.src.current() != '(' {
				p.syntaxError("missing '(' after 'while'")
				return
			}
			f := p.push(stWhileStatementEnd)
			f.isLoop = true // f.pos anchors at '(' for the next iteration
			p.src.next()
			p.pushExpression(stWhileCondDone)
			p.resume()
			return
		case "foreach":
			p.src.advance(len(id))
			p.pushExpression(stForeachIterableDone)
			p.resume()
			return
		case "try":
			p.src.advance(len(id))
			f := p.push(stTryStatementEnd)
			f.isTry = true
			f.pos = p.src // body anchor for catch-locating re-scan
			p.state = stStatement
			p.resume()
			return
		case "return":
			p.src.advance(len(id))
			p.src.skipNonCode()
			if ch := p.src.current(); ch == ';' || ch == '}' || p.src.EOT() {
				if !p.skip() {
					p.result = Null
					p.flow = flowReturn
				}
				p.popWithResult()
				return
			}
			p.pushExpression(stReturnDone)
			p.resume()
			return
		case "break", "continue":
			p.src.advance(len(id))
			if !p.skip() {
				if id == "break" {
					p.flow = flowBreak
				} else {
					p.flow = flowContinue
				}
			}
			p.popWithResult()
			return
		case "throw":
			p.src.advance(len(id))
			p.pushExpression(stThrowDone)
			p.resume()
			return
		case "var", "glob", "global", "let":
			p.src.advance(len(id))
			p.statementDeclaration(id)
			return
		case "unset":
			p.src.advance(len(id))
			p.pushExpression(stUnsetDone)
			p.resume()
			return
		case "concurrent":
			p.src.advance(len(id))
			p.statementConcurrent()
			return
		case "function":
			p.src.advance(len(id))
			p.statementFunction()
			return
		case "on":
			// only treat as handler declaration when followed by '('
			save := p.src
			p.src.advance(len(id))
			p.src.skipNonCode()
			if p.src.current() == '(' {
				p.statementOnHandler()
				return
			}
			p.src = save
		case "else", "catch", "as":
			p.syntaxError("unexpected '%s'", id)
			return
		}
	}
	p.pushExpression(stExprStatementDone)
	p.assignAllowed = true
	p.resume()
}

func (p *sourceProcessor) sExprStatementDone() {
	if !p.skip() {
		v := p.result.calcValue()
		if v.Tag == VTError {
			// a statement-level error that nobody consumed unwinds
			p.raiseError(v.Data.(*ScriptError))
			return
		}
		p.result = v
	}
	p.popWithResult()
}

// --- if/else -------------------------------------------------------------------

func (p *sourceProcessor) sIfCondition() {
	p.src.skipNonCode()
	if !p.src.nextIf(')') {
		p.syntaxError("missing ')' after 'if' condition")
		return
	}
	if !p.skip() {
		if e := p.result.Err(); e != nil {
			p.raiseError(e)
			return
		}
	}
	condTrue := !p.skip() && p.result.BoolValue()
	f := p.push(stIfBranchDone)
	f.flag = condTrue
	if !condTrue {
		p.skipping = true
	}
	p.state = stStatement
	p.resume()
}

func (p *sourceProcessor) sIfBranchDone() {
	condTrue := p.popped.flag
	p.src.skipNonCode()
	if id, ok := p.src.checkForIdentifier(); ok && id == "else" {
		p.src.advance(len(id))
		p.push(stElseBranchDone)
		if condTrue {
			p.skipping = true
		}
		p.state = stStatement
		p.resume()
		return
	}
	p.popWithResult()
}

// --- while ---------------------------------------------------------------------

func (p *sourceProcessor) sWhileCondDone() {
	p.src.skipNonCode()
	if !p.src.nextIf(')') {
		p.syntaxError("missing ')' after 'while' condition")
		return
	}
	if !p.skip() {
		if e := p.result.Err(); e != nil {
			p.raiseError(e)
			return
		}
	}
	condTrue := !p.skip() && p.result.BoolValue()
	if f := p.topFrame(); f != nil {
		f.flag = condTrue
	}
	if !condTrue {
		p.skipping = true
	}
	p.state = stStatement
	p.resume()
}

func (p *sourceProcessor) sWhileStatementEnd() {
	f := p.popped
	switch p.flow {
	case flowBreak:
		p.flow = flowNone
		p.popWithResult()
		return
	case flowReturn:
		p.popWithResult()
		return
	case flowContinue:
		p.flow = flowNone
	}
	if !f.flag {
		p.popWithResult()
		return
	}
	p.src = f.pos
	nf := p.push(stWhileStatementEnd)
	nf.isLoop = true
	nf.pos = f.pos
	p.src.next() // consume '('
	p.pushExpression(stWhileCondDone)
	p.resume()
}

// --- foreach -------------------------------------------------------------------

func (p *sourceProcessor) sForeachIterableDone() {
	iterable := p.result.calcValue()
	if !p.skip() {
		if iterable.Tag == VTError {
			p.raiseError(iterable.Data.(*ScriptError))
			return
		}
	}
	p.src.skipNonCode()
	if id, ok := p.src.parseIdentifier(); !ok || id != "as" {
		p.syntaxError("missing 'as' in foreach")
		return
	}
	p.src.skipNonCode()
	n1, ok := p.src.parseIdentifier()
	if !ok {
		p.syntaxError("missing loop variable in foreach")
		return
	}
	names := []string{n1}
	p.src.skipNonCode()
	if p.src.nextIf(',') {
		p.src.skipNonCode()
		n2, ok := p.src.parseIdentifier()
		if !ok {
			p.syntaxError("missing second loop variable in foreach")
			return
		}
		names = append(names, n2)
	}
	p.src.skipNonCode()
	f := p.push(stForeachStatementEnd)
	f.isLoop = true
	f.pos = p.src
	f.iter = iterable
	f.names = names
	if iterable.Tag == VTObject {
		f.iterKeys = append([]string(nil), iterable.Data.(*ObjectValue).Keys...)
	}
	p.state = stForeachBody
	p.resume()
}

func (p *sourceProcessor) sForeachBody() {
	f := p.topFrame()
	n := 0
	switch f.iter.Tag {
	case VTArray:
		n = len(f.iter.Data.(*ArrayValue).Elems)
	case VTObject:
		n = len(f.iterKeys)
	}
	if p.skip() || f.iterIdx >= n {
		f.flag = false
		p.skipping = true
	} else {
		f.flag = true
		var key, val Value
		switch f.iter.Tag {
		case VTArray:
			key = IntVal(int64(f.iterIdx))
			val = f.iter.Data.(*ArrayValue).Elems[f.iterIdx]
		case VTObject:
			k := f.iterKeys[f.iterIdx]
			key = StrVal(k)
			val, _ = f.iter.Data.(*ObjectValue).Get(k)
		}
		var err *ScriptError
		if len(f.names) == 2 {
			err = p.host.setLoopVar(f.names[0], key)
			if err == nil {
				err = p.host.setLoopVar(f.names[1], val)
			}
		} else {
			err = p.host.setLoopVar(f.names[0], val)
		}
		if err != nil {
			p.raiseError(err)
			return
		}
	}
	p.state = stStatement
	p.resume()
}

func (p *sourceProcessor) sForeachStatementEnd() {
	f := p.popped
	switch p.flow {
	case flowBreak:
		p.flow = flowNone
		p.popWithResult()
		return
	case flowReturn:
		p.popWithResult()
		return
	case flowContinue:
		p.flow = flowNone
	}
	if !f.flag {
		p.popWithResult()
		return
	}
	p.src = f.pos
	nf := p.push(stForeachStatementEnd)
	nf.isLoop = true
	nf.pos = f.pos
	nf.iter = f.iter
	nf.iterKeys = f.iterKeys
	nf.iterIdx = f.iterIdx + 1
	nf.names = f.names
	p.state = stForeachBody
	p.resume()
}

// --- try/catch -----------------------------------------------------------------

func (p *sourceProcessor) sTryStatementEnd() {
	f := p.popped
	p.src.skipNonCode()
	haveCatch := false
	if id, ok := p.src.checkForIdentifier(); ok && id == "catch" {
		p.src.advance(len(id))
		haveCatch = true
	}
	if f.flag {
		// the try body raised; f.err is the caught error
		if !haveCatch {
			p.raiseError(f.err) // no catch clause: propagate outward
			return
		}
		varName := p.parseOptionalAs()
		if varName != "" && !p.skip() {
			if err := p.host.setLoopVar(varName, ErrVal(f.err)); err != nil {
				p.raiseError(err)
				return
			}
		}
		p.push(stCatchDone)
		p.state = stStatement
		p.resume()
		return
	}
	// normal completion: skip the catch clause if present
	if haveCatch {
		p.parseOptionalAs()
		p.push(stCatchDone)
		p.skipping = true
		p.state = stStatement
		p.resume()
		return
	}
	p.popWithResult()
}

// parseOptionalAs consumes "as <identifier>" when present.
func (p *sourceProcessor) parseOptionalAs() string {
	p.src.skipNonCode()
	if id, ok := p.src.checkForIdentifier(); ok && id == "as" {
		p.src.advance(len(id))
		p.src.skipNonCode()
		if name, ok := p.src.parseIdentifier(); ok {
			return name
		}
	}
	return ""
}

// --- return/throw ----------------------------------------------------------------

func (p *sourceProcessor) sReturnDone() {
	if !p.skip() {
		p.result = p.result.calcValue()
		p.flow = flowReturn
	}
	p.popWithResult()
}

func (p *sourceProcessor) sThrowDone() {
	if p.skip() {
		p.popWithResult()
		return
	}
	v := p.result.calcValue()
	var err *ScriptError
	if v.Tag == VTError {
		err = v.Data.(*ScriptError) // re-throw
	} else {
		err = newScriptError(ErrUser, "%s", v.StrValue())
		err.Pos = p.src.Pos()
	}
	p.raiseError(err)
}

// --- var/glob/let ----------------------------------------------------------------

func (p *sourceProcessor) statementDeclaration(kind string) {
	p.src.skipNonCode()
	name, ok := p.src.parseIdentifier()
	if !ok {
		p.syntaxError("missing variable name after '%s'", kind)
		return
	}
	p.identifier = kind
	p.declExisted = false
	if p.skip() {
		// the declaration hook continues through p.result; keep the live
		// value aside so sVarDeclDone can put it back
		p.olderResult = p.result
		if !(p.declaring && (kind == "glob" || kind == "global")) {
			// still parse the optional initializer, but bind nothing
			p.state = stVarDeclDone
			p.resume()
			return
		}
	}
	switch kind {
	case "var":
		p.state = stVarDeclDone
		p.host.declareMember(name, false)
	case "glob", "global":
		// globals keep their value across runs; the initializer only
		// applies when the binding is created
		p.state = stVarDeclDone
		p.host.declareMember(name, true)
	case "let":
		p.state = stVarDeclDone
		p.host.memberByIdentifier(name, 0)
	}
}

func (p *sourceProcessor) sVarDeclDone() {
	kind := p.identifier
	lv := p.result
	if p.skip() {
		p.result = p.olderResult
	}
	p.src.skipNonCode()
	haveInit := false
	if p.src.current() == ':' && p.src.charAt(1) == '=' {
		p.src.advance(2)
		haveInit = true
	} else if p.src.current() == '=' && p.src.charAt(1) != '=' {
		p.src.next()
		haveInit = true
	}
	if !haveInit {
		if !p.skip() && lv.Tag == VTError {
			p.raiseError(lv.Err())
			return
		}
		p.popWithResult()
		return
	}
	if !p.skip() {
		if lv.Tag == VTError { // let of an unknown variable
			p.raiseError(lv.Err())
			return
		}
		if (kind == "glob" || kind == "global") && p.declExisted {
			lv = Null // keep existing value, parse initializer only
		}
	}
	p.olderResult = lv
	p.pushExpression(stVarInitDone)
	p.resume()
}

func (p *sourceProcessor) sVarInitDone() {
	if !p.skip() && p.olderResult.Tag == VTLvalue {
		rhs := p.result.calcValue()
		if rhs.Tag == VTError {
			p.raiseError(rhs.Data.(*ScriptError))
			return
		}
		v := p.result.assignmentValue()
		if err := p.olderResult.Data.(*lvalue).assign(v); err != nil {
			p.raiseError(err)
			return
		}
		p.result = v
	}
	p.popWithResult()
}

func (p *sourceProcessor) sUnsetDone() {
	if !p.skip() {
		if p.result.Tag == VTLvalue {
			p.result.Data.(*lvalue).unset()
		}
		p.result = Null
	}
	p.popWithResult()
}

// --- concurrent -------------------------------------------------------------------

func (p *sourceProcessor) statementConcurrent() {
	name := p.parseOptionalAs()
	p.src.skipNonCode()
	if p.src.current() != '{' {
		p.syntaxError("missing '{' after 'concurrent'")
		return
	}
	if !p.skip() {
		tv := p.host.startBlockThread(p.src, name)
		if name != "" {
			if err := p.host.setLoopVar(name, tv); err != nil {
				p.raiseError(err)
				return
			}
		}
	}
	// the block itself runs in the forked thread; skip it here
	p.push(stConcurrentDone)
	p.skipping = true
	p.state = stStatement
	p.resume()
}

// --- function declaration ------------------------------------------------------------

func (p *sourceProcessor) statementFunction() {
	p.src.skipNonCode()
	name, ok := p.src.parseIdentifier()
	if !ok {
		p.syntaxError("missing function name")
		return
	}
	p.src.skipNonCode()
	if !p.src.nextIf('(') {
		p.syntaxError("missing '(' in function declaration")
		return
	}
	var argNames []string
	p.src.skipNonCode()
	if !p.src.nextIf(')') {
		for {
			p.src.skipNonCode()
			an, ok := p.src.parseIdentifier()
			if !ok {
				p.syntaxError("bad argument name in function declaration")
				return
			}
			argNames = append(argNames, an)
			p.src.skipNonCode()
			if p.src.nextIf(',') {
				continue
			}
			if p.src.nextIf(')') {
				break
			}
			p.syntaxError("missing ')' in function declaration")
			return
		}
	}
	p.src.skipNonCode()
	if p.src.current() != '{' {
		p.syntaxError("missing '{' in function declaration")
		return
	}
	if p.declaring {
		fn := &CompiledFunction{
			CompiledCode: CompiledCode{name: name, cursor: p.src},
			argNames:     argNames,
		}
		if err := p.host.storeFunction(fn); err != nil {
			p.raiseError(err)
			return
		}
	}
	p.push(stFunctionBodyDone)
	p.skipping = true
	p.declaring = false // body statements are not top-level declarations
	p.state = stStatement
	p.resume()
}

// --- on(...) handler declaration ------------------------------------------------------

func (p *sourceProcessor) statementOnHandler() {
	// cursor is at '(' of the trigger expression
	f := p.pushExpression(stOnTriggerDone)
	f.pos = p.src
	p.skipping = true // trigger expression is evaluated by the trigger, not here
	p.resume()
}

func (p *sourceProcessor) sOnTriggerDone() {
	trigPos := p.popped.pos
	mode := OnGettingTrue
	holdoff := time.Duration(0)
	resultName := ""
	for {
		p.src.skipNonCode()
		id, ok := p.src.checkForIdentifier()
		if !ok {
			break
		}
		switch id {
		case "toggling":
			mode = OnChangingBool
		case "changing":
			mode = OnChange
		case "evaluating":
			mode = OnEvaluation
		case "stable":
			p.src.advance(len(id))
			p.src.skipNonCode()
			v, serr := p.src.parseNumericLiteral()
			if serr != nil {
				p.syntaxError("missing stabilization time after 'stable'")
				return
			}
			holdoff = time.Duration(v.NumValue() * float64(time.Second))
			continue
		case "as":
			p.src.advance(len(id))
			p.src.skipNonCode()
			if name, ok2 := p.src.parseIdentifier(); ok2 {
				resultName = name // trigger result variable in the action
				continue
			}
			p.syntaxError("missing identifier after 'as'")
			return
		default:
			// not a handler modifier
			goto modifiersDone
		}
		p.src.advance(len(id))
	}
modifiersDone:
	p.src.skipNonCode()
	if p.src.current() != '{' {
		p.syntaxError("missing '{' for handler action")
		return
	}
	if p.declaring {
		h := NewCompiledHandler(trigPos, p.src, mode, holdoff, resultName)
		if err := p.host.storeHandler(h); err != nil {
			p.raiseError(err)
			return
		}
	}
	p.push(stOnActionDone)
	p.skipping = true
	p.declaring = false
	p.state = stStatement
	p.resume()
}

// --- expressions -----------------------------------------------------------------

func (p *sourceProcessor) sExprFirstTerm() {
	p.src.skipNonCode()
	p.push(stLeftSide)
	// stack any unary operators; they apply innermost (rightmost) first
	for {
		p.src.skipNonCode()
		ch := p.src.current()
		if ch == '!' && p.src.charAt(1) != '=' {
			p.src.next()
			p.pendingOp = opNot
			p.push(stApplyUnary)
			continue
		}
		if ch == '-' {
			p.src.next()
			p.pendingOp = opSub
			p.push(stApplyUnary)
			continue
		}
		if ch == '+' {
			p.src.next()
			p.pendingOp = opAdd
			p.push(stApplyUnary)
			continue
		}
		break
	}
	p.state = stExprTerm
	p.resume()
}

func (p *sourceProcessor) sExprTerm() {
	p.src.skipNonCode()
	ch := p.src.current()
	switch {
	case ch == '(':
		p.src.next()
		p.push(stGroupedDone)
		p.precedence = 0
		p.pendingOp = opNone
		p.state = stExprFirstTerm
		p.resume()
	case ch == '"' || ch == '\'':
		v, serr := p.src.parseStringLiteral()
		if serr != nil {
			serr.Pos = p.src.Pos()
			p.raiseError(serr)
			return
		}
		if !p.skip() {
			p.result = v
		}
		p.state = stMemberChain
		p.resume()
	case isDigit(ch) || (ch == '.' && isDigit(p.src.charAt(1))):
		v, serr := p.src.parseNumericLiteral()
		if serr != nil {
			serr.Pos = p.src.Pos()
			p.raiseError(serr)
			return
		}
		if !p.skip() {
			p.result = v
		}
		p.state = stMemberChain
		p.resume()
	case ch == '{':
		p.src.next()
		p.olderResult = ObjVal(NewObjectValue())
		p.state = stObjectLiteral
		p.resume()
	case ch == '[':
		p.src.next()
		p.olderResult = ArrVal(NewArrayValue())
		p.state = stArrayLiteral
		p.resume()
	case isIdentStart(ch):
		start := p.src
		name, _ := p.src.parseIdentifier()
		switch name {
		case "true", "yes":
			if !p.skip() {
				p.result = BoolVal(true)
			}
			p.state = stMemberChain
			p.resume()
			return
		case "false", "no":
			if !p.skip() {
				p.result = BoolVal(false)
			}
			p.state = stMemberChain
			p.resume()
			return
		case "null", "undefined":
			if !p.skip() {
				p.result = Null
			}
			p.state = stMemberChain
			p.resume()
			return
		}
		p.src.skipNonCode()
		if p.src.current() == '(' {
			// function call
			if p.skip() {
				p.funcCall = &pendingCall{pos: start}
				p.src.next()
				p.state = stFuncArg
				p.resume()
				return
			}
			p.identifier = name
			p.callStartPos = start
			p.state = stFuncLookupDone
			p.host.memberByIdentifier(name, TiExecutable)
			return
		}
		if p.skip() {
			// skipped: leave p.result alone, it carries the live value past this branch
			p.state = stMemberChain
			p.resume()
			return
		}
		p.state = stMemberChain
		p.host.memberByIdentifier(name, 0)
	default:
		p.syntaxError("expected expression")
	}
}

func (p *sourceProcessor) sFuncLookupDone() {
	callee := p.result.calcValue()
	if !p.skip() {
		if callee.Tag == VTError {
			p.raiseError(callee.Data.(*ScriptError))
			return
		}
		if callee.Tag != VTFunc {
			err := newScriptError(ErrNotCallable, "'%s' is not a function", p.identifier)
			err.Pos = p.callStartPos.Pos()
			p.raiseError(err)
			return
		}
	}
	p.funcCall = &pendingCall{callee: callee, pos: p.callStartPos}
	if !p.src.nextIf('(') {
		p.syntaxError("missing '(' in function call")
		return
	}
	p.state = stFuncArg
	p.resume()
}

func (p *sourceProcessor) sFuncArg() {
	p.src.skipNonCode()
	if p.src.nextIf(')') {
		p.state = stFuncExec
		p.resume()
		return
	}
	p.pushExpression(stFuncArgDone)
	p.resume()
}

func (p *sourceProcessor) sFuncArgDone() {
	if p.funcCall != nil {
		p.funcCall.args = append(p.funcCall.args, p.result.calcValue())
	}
	p.src.skipNonCode()
	if p.src.nextIf(',') {
		p.state = stFuncArg
		p.resume()
		return
	}
	if p.src.nextIf(')') {
		p.state = stFuncExec
		p.resume()
		return
	}
	p.syntaxError("missing ')' in function call")
}

func (p *sourceProcessor) sFuncExec() {
	call := p.funcCall
	p.funcCall = nil
	if p.skip() || call == nil || call.callee.Tag != VTFunc {
		if !p.skip() {
			p.result = Null
		}
		p.state = stMemberChain
		p.resume()
		return
	}
	p.state = stMemberChain
	p.host.executeCall(call)
}

func (p *sourceProcessor) sGroupedDone() {
	p.src.skipNonCode()
	if !p.src.nextIf(')') {
		p.syntaxError("missing ')'")
		return
	}
	p.state = stMemberChain
	p.resume()
}

func (p *sourceProcessor) sMemberChain() {
	p.src.skipNonCode()
	ch := p.src.current()
	switch {
	case ch == '.' && isIdentStart(p.src.charAt(1)):
		p.src.next()
		name, _ := p.src.parseIdentifier()
		if !p.skip() {
			p.result = memberOfValue(p.result, name)
		}
		p.resume()
	case ch == '[':
		p.src.next()
		p.olderResult = p.result
		p.pushExpression(stSubscriptDone)
		p.resume()
	case ch == '(':
		cv := p.result.calcValue()
		if !p.skip() && cv.Tag != VTFunc {
			if cv.Tag == VTError {
				p.raiseError(cv.Data.(*ScriptError))
				return
			}
			p.syntaxError("value is not callable")
			return
		}
		p.funcCall = &pendingCall{callee: cv, pos: p.src}
		p.src.next()
		p.state = stFuncArg
		p.resume()
	default:
		p.popWithResult()
	}
}

func (p *sourceProcessor) sSubscriptDone() {
	p.src.skipNonCode()
	if !p.src.nextIf(']') {
		p.syntaxError("missing ']'")
		return
	}
	if !p.skip() {
		p.result = indexOfValue(p.olderResult, p.result)
	}
	p.state = stMemberChain
	p.resume()
}

func (p *sourceProcessor) sObjectLiteral() {
	p.src.skipNonCode()
	if p.src.nextIf('}') {
		if !p.skip() {
			p.result = p.olderResult
		}
		p.state = stMemberChain
		p.resume()
		return
	}
	var key string
	if id, ok := p.src.parseIdentifier(); ok {
		key = id
	} else if p.src.current() == '"' || p.src.current() == '\'' {
		v, serr := p.src.parseStringLiteral()
		if serr != nil {
			p.raiseError(serr)
			return
		}
		key = v.StrValue()
	} else {
		p.syntaxError("expected object field name")
		return
	}
	p.src.skipNonCode()
	if !p.src.nextIf(':') {
		p.syntaxError("missing ':' in object literal")
		return
	}
	p.identifier = key
	p.pushExpression(stObjectFieldDone)
	p.resume()
}

func (p *sourceProcessor) sObjectFieldDone() {
	if !p.skip() {
		p.olderResult.Data.(*ObjectValue).Set(p.identifier, p.result.assignmentValue())
	}
	p.src.skipNonCode()
	if p.src.nextIf(',') {
		p.state = stObjectLiteral
		p.resume()
		return
	}
	if p.src.nextIf('}') {
		if !p.skip() {
			p.result = p.olderResult
		}
		p.state = stMemberChain
		p.resume()
		return
	}
	p.syntaxError("missing ',' or '}' in object literal")
}

func (p *sourceProcessor) sArrayLiteral() {
	p.src.skipNonCode()
	if p.src.nextIf(']') {
		if !p.skip() {
			p.result = p.olderResult
		}
		p.state = stMemberChain
		p.resume()
		return
	}
	p.pushExpression(stArrayElemDone)
	p.resume()
}

func (p *sourceProcessor) sArrayElemDone() {
	if !p.skip() {
		arr := p.olderResult.Data.(*ArrayValue)
		arr.Elems = append(arr.Elems, p.result.assignmentValue())
	}
	p.src.skipNonCode()
	if p.src.nextIf(',') {
		p.state = stArrayLiteral
		p.resume()
		return
	}
	if p.src.nextIf(']') {
		if !p.skip() {
			p.result = p.olderResult
		}
		p.state = stMemberChain
		p.resume()
		return
	}
	p.syntaxError("missing ',' or ']' in array literal")
}

// --- operator climbing ---------------------------------------------------------------

// peekOperator reads the binary/assignment operator at the cursor without
// consuming it, resolving the dialect-dependent '=' reading.
func (p *sourceProcessor) peekOperator() (op operator, length int) {
	c0, c1 := p.src.current(), p.src.charAt(1)
	switch c0 {
	case '&':
		if c1 == '&' {
			return opAnd, 2
		}
		return opAnd, 1
	case '|':
		if c1 == '|' {
			return opOr, 2
		}
		return opOr, 1
	case '=':
		if c1 == '=' {
			return opEq, 2
		}
		switch p.dialect {
		case DialectC:
			return opAssign, 1
		case DialectPascal:
			return opEq, 1
		default: // flexible: assignment only in statement position with an lvalue
			if p.assignAllowed && p.precedence == 0 && (p.skip() || p.result.Tag == VTLvalue) {
				return opAssign, 1
			}
			return opEq, 1
		}
	case ':':
		if c1 == '=' {
			if p.dialect == DialectC {
				return opNone, 0
			}
			return opAssign, 2
		}
		return opNone, 0
	case '!':
		if c1 == '=' {
			return opNeq, 2
		}
		return opNone, 0
	case '<':
		if c1 == '=' {
			return opLeq, 2
		}
		if c1 == '>' {
			return opNeq, 2
		}
		return opLess, 1
	case '>':
		if c1 == '=' {
			return opGeq, 2
		}
		return opGreater, 1
	case '+':
		return opAdd, 1
	case '-':
		return opSub, 1
	case '*':
		return opMul, 1
	case '/':
		return opDiv, 1
	case '%':
		return opMod, 1
	default:
		return opNone, 0
	}
}

func (p *sourceProcessor) sLeftSide() {
	p.src.skipNonCode()
	op, oplen := p.peekOperator()
	if op == opNone {
		p.popWithResult()
		return
	}
	if op == opAssign {
		if !p.skip() {
			lv := p.result
			if lv.Tag != VTLvalue {
				if e := lv.Err(); e != nil {
					p.raiseError(e)
					return
				}
				err := newScriptError(ErrNotLvalue, "cannot assign here")
				err.Pos = p.src.Pos()
				p.raiseError(err)
				return
			}
		}
		p.src.advance(oplen)
		p.olderResult = p.result
		p.pushExpression(stAssignDone)
		p.assignAllowed = true // right-associative chaining
		p.resume()
		return
	}
	prec := binaryPrecedence(op)
	if prec <= p.precedence {
		p.popWithResult()
		return
	}
	p.src.advance(oplen)
	p.olderResult = p.result
	p.pendingOp = op
	p.push(stRightSide)
	p.precedence = prec
	p.pendingOp = opNone
	p.state = stExprFirstTerm
	p.resume()
}

func (p *sourceProcessor) sRightSide() {
	if !p.skip() {
		p.result = applyBinary(p.pendingOp, p.olderResult, p.result)
	}
	p.state = stLeftSide
	p.resume()
}

func (p *sourceProcessor) sApplyUnary() {
	if !p.skip() {
		v := p.result.calcValue()
		if v.Tag == VTError {
			// errors flow through unary operators
		} else {
			switch p.pendingOp {
			case opNot:
				v = BoolVal(!v.BoolValue())
			case opSub:
				v = NumVal(-v.NumValue())
			case opAdd:
				v = NumVal(v.NumValue())
			}
		}
		p.result = v
	}
	p.popWithResult()
}

func (p *sourceProcessor) sAssignDone() {
	if !p.skip() {
		lv := p.olderResult
		rhs := p.result.calcValue()
		if rhs.Tag == VTError {
			// assignment of an error value forces the unwind
			p.raiseError(rhs.Data.(*ScriptError))
			return
		}
		v := p.result.assignmentValue()
		if err := lv.Data.(*lvalue).assign(v); err != nil {
			p.raiseError(err)
			return
		}
		p.result = v
	}
	p.state = stLeftSide
	p.resume()
}

// applyBinary evaluates a binary operation; error operands flow through.
func applyBinary(op operator, left, right Value) Value {
	a := left.calcValue()
	b := right.calcValue()
	if a.Tag == VTError {
		return a
	}
	if b.Tag == VTError {
		return b
	}
	switch op {
	case opAnd:
		return BoolVal(a.BoolValue() && b.BoolValue())
	case opOr:
		return BoolVal(a.BoolValue() || b.BoolValue())
	case opEq:
		return BoolVal(valuesEqual(a, b))
	case opNeq:
		return BoolVal(!valuesEqual(a, b))
	case opLess, opLeq, opGreater, opGeq:
		var cmp int
		if a.Tag == VTStr && b.Tag == VTStr {
			as, bs := a.Data.(string), b.Data.(string)
			switch {
			case as < bs:
				cmp = -1
			case as > bs:
				cmp = 1
			}
		} else {
			af, bf := a.NumValue(), b.NumValue()
			switch {
			case af < bf:
				cmp = -1
			case af > bf:
				cmp = 1
			}
		}
		switch op {
		case opLess:
			return BoolVal(cmp < 0)
		case opLeq:
			return BoolVal(cmp <= 0)
		case opGreater:
			return BoolVal(cmp > 0)
		default:
			return BoolVal(cmp >= 0)
		}
	case opAdd:
		if a.Tag == VTStr || b.Tag == VTStr {
			return StrVal(a.StrValue() + b.StrValue())
		}
		return NumVal(a.NumValue() + b.NumValue())
	case opSub:
		return NumVal(a.NumValue() - b.NumValue())
	case opMul:
		return NumVal(a.NumValue() * b.NumValue())
	case opDiv:
		d := b.NumValue()
		if d == 0 {
			return errValue(ErrDivisionByZero, "division by zero")
		}
		return NumVal(a.NumValue() / d)
	case opMod:
		d := b.NumValue()
		if d == 0 {
			return errValue(ErrDivisionByZero, "modulo by zero")
		}
		return NumVal(float64(int64(a.NumValue()) % int64(d)))
	default:
		return errValue(ErrInternal, "unknown operator")
	}
}
