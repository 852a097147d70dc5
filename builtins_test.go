package p44script

import (
	"math"
	"testing"
	"time"
)

func Test_Builtins_Conversions(t *testing.T) {
	wantNum(t, evalSrc(t, "number('12.5')"), 12.5)
	wantNull(t, evalSrc(t, "number(undefined)")) // Undefres short-cuts the call
	wantStr(t, evalSrc(t, "string(12)"), "12")
	wantStr(t, evalSrc(t, "string(3.5)"), "3.5")
	wantBool(t, evalSrc(t, "boolean('false')"), false)
	wantBool(t, evalSrc(t, "boolean('x')"), true)
	wantBool(t, evalSrc(t, "boolean(0)"), false)
}

func Test_Builtins_Abs(t *testing.T) {
	wantNum(t, evalSrc(t, "abs(-3)"), 3)
	wantNum(t, evalSrc(t, "abs('3')"), 3) // scalar arguments convert implicitly
	wantNull(t, evalSrc(t, "abs(undefined)"))
}

func Test_Builtins_Elements(t *testing.T) {
	wantNum(t, evalSrc(t, "elements([1,2,3])"), 3)
	wantNum(t, evalSrc(t, "elements({a:1, b:2})"), 2)
	wantNull(t, evalSrc(t, "elements(5)"))
}

func Test_Builtins_Format(t *testing.T) {
	wantStr(t, evalSrc(t, "format('%04d', 42)"), "0042")
	wantStr(t, evalSrc(t, "format('%x', 255)"), "ff")
	wantStr(t, evalSrc(t, "format('%d-%s', 3.7, 'x')"), "3-x")
	wantStr(t, evalSrc(t, "format('%.2f', 1.005)"), "1.00")
}

func Test_Builtins_Log(t *testing.T) {
	env := newTestEnv()
	var gotLevel int
	var gotMsg string
	env.domain.Logger = func(level int, msg string) {
		gotLevel = level
		gotMsg = msg
	}
	wantStr(t, env.eval(t, "log(4, 'hello')"), "hello")
	if gotLevel != 4 || gotMsg != "hello" {
		t.Fatalf("want level 4 msg hello, got %d %q", gotLevel, gotMsg)
	}
	env.eval(t, "log('plain')")
	if gotLevel != 5 || gotMsg != "plain" {
		t.Fatalf("want default level 5 msg plain, got %d %q", gotLevel, gotMsg)
	}
}

func Test_Builtins_Error(t *testing.T) {
	// an unconsumed error value unwinds at statement level
	v := evalSrc(t, "error('bad')")
	wantErrCode(t, v, ErrUser)
	if v.Err().Msg != "bad" {
		t.Fatalf("want msg bad, got %q", v.Err().Msg)
	}
	wantBool(t, evalSrc(t, "iserror(error('x'))"), true)
}

func Test_Builtins_Epochtime(t *testing.T) {
	v := evalSrc(t, "epochtime()")
	now := float64(time.Now().UnixNano()) / 1e9
	if math.Abs(v.NumValue()-now) > 2 {
		t.Fatalf("epochtime %g too far from %g", v.NumValue(), now)
	}
}

func Test_Builtins_ArgChecking_Script(t *testing.T) {
	wantErrCode(t, evalSrc(t, "abs(1, 2)"), ErrInvalid) // too many
	wantErrCode(t, evalSrc(t, "abs()"), ErrInvalid)     // missing
	wantErrCode(t, evalSrc(t, "format()"), ErrInvalid)  // format string is required
}

func Test_CheckCallArgs_Rules(t *testing.T) {
	fn := &BuiltinFunc{
		Name: "sample", Returns: TiAny,
		Args: []ArgDesc{
			{Type: TiNumeric, Exact: true},
			{Type: TiText, Optional: true},
			{Type: TiAny, Optional: true, Multiple: true},
		},
	}
	// exact descriptor rejects scalar conversion
	_, err, _ := checkCallArgs(fn, []Value{StrVal("3")})
	if err == nil || err.Code != ErrInvalid {
		t.Fatalf("want Invalid for exact mismatch, got %v", err)
	}
	// error arguments propagate as their own error
	_, err, _ = checkCallArgs(fn, []Value{errValue(ErrBusy, "taken")})
	if err == nil || err.Code != ErrBusy {
		t.Fatalf("want Busy propagated, got %v", err)
	}
	// multiple descriptor accepts any number of trailing args
	checked, err, undefined := checkCallArgs(fn, []Value{NumVal(1), StrVal("a"), Null, NumVal(2)})
	if err != nil || undefined || len(checked) != 4 {
		t.Fatalf("want 4 checked args, got %v %v %v", checked, err, undefined)
	}
	// missing required argument
	_, err, _ = checkCallArgs(fn, nil)
	if err == nil || err.Code != ErrInvalid {
		t.Fatalf("want Invalid for missing arg, got %v", err)
	}
	// undefres short-cut
	undef := &BuiltinFunc{Name: "u", Args: []ArgDesc{{Type: TiNumeric, Undefres: true}}}
	_, err, undefined = checkCallArgs(undef, []Value{Null})
	if err != nil || !undefined {
		t.Fatalf("want undefined result, got %v %v", err, undefined)
	}
	// undefres wins even when the descriptor type accepts null
	anyUndef := &BuiltinFunc{Name: "ua", Args: []ArgDesc{{Type: TiAny, Undefres: true}}}
	_, err, undefined = checkCallArgs(anyUndef, []Value{Null})
	if err != nil || !undefined {
		t.Fatalf("want undefined result for any-typed arg, got %v %v", err, undefined)
	}
}

func Test_Builtins_CustomLookup(t *testing.T) {
	env := newTestEnv()
	env.domain.RegisterMemberLookup(NewBuiltinFunctionLookup(&BuiltinFunc{
		Name: "twice", Returns: TiNumeric,
		Args: []ArgDesc{{Type: TiNumeric}},
		Impl: func(f *BuiltinFunctionContext) {
			f.Finish(NumVal(f.Arg(0).NumValue() * 2))
		},
	}))
	wantNum(t, env.eval(t, "twice(21)"), 42)
}

func Test_Builtins_InstanceLookup_BeforeDomain(t *testing.T) {
	env := newTestEnv()
	env.domain.SetGlobal("who", StrVal("domain"))
	env.ctx.RegisterMemberLookup(NewBuiltinFunctionLookup()) // empty, exercises the chain
	env.ctx.RegisterMemberLookup(memberMap{"who": StrVal("instance")})
	wantStr(t, env.eval(t, "who"), "instance")
}

// memberMap is a minimal MemberLookup for tests.
type memberMap map[string]Value

func (m memberMap) MemberByName(name string, wanted TypeInfo) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

func Test_Builtins_Delay(t *testing.T) {
	started := time.Now()
	wantStr(t, evalSrc(t, "delay(0.03); 'done'"), "done")
	if elapsed := time.Since(started); elapsed < 25*time.Millisecond {
		t.Fatalf("delay returned too early: %v", elapsed)
	}
	// non-positive delays complete synchronously
	wantStr(t, evalSrc(t, "delay(0); 'now'"), "now")
}

func Test_Builtins_AsyncNotAllowed_WhenSynchronous(t *testing.T) {
	env := newTestEnv()
	v := env.evalFlags(t, "delay(0.01)", Regular|SourceCode|Synchronously)
	wantErrCode(t, v, ErrAsyncNotAllowed)
}
