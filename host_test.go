package p44script

import (
	"errors"
	"testing"
	"time"
)

// runHost starts the host's script and drives the loop until it completes.
func runHost(t *testing.T, env *testEnv, h *ScriptHost) Value {
	t.Helper()
	var res Value
	done := false
	_, serr := h.Start(func(v Value) {
		res = v
		done = true
		env.loop.Stop()
	})
	if serr != nil {
		t.Fatalf("start failed: %s", serr.Msg)
	}
	watchdog := env.loop.ExecuteOnce(env.loop.Stop, 10*time.Second)
	env.loop.Run()
	env.loop.CancelExecution(watchdog)
	if !done {
		t.Fatalf("script of host %q did not complete", h.ID())
	}
	return res
}

func Test_Host_StartAndResult(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("calc", "40 + 2")
	wantNum(t, runHost(t, env, h), 42)
	if h.IsRunning() {
		t.Fatalf("host still running after completion")
	}
}

func Test_Host_GlobPersistsAcrossRestart(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("counter", "glob n = 0; n = n + 1; n")

	wantNum(t, runHost(t, env, h), 1)

	// the initializer only applies when the global is created
	var res Value
	done := false
	h.Restart(func(v Value) {
		res = v
		done = true
	})
	if !done {
		t.Fatalf("restart did not complete")
	}
	wantNum(t, res, 2)
}

func Test_Host_BodyStartsAfterDeclarations(t *testing.T) {
	env := newTestEnv()
	// the function declaration belongs to the declaration part; the body
	// starts at the glob statement so its initializer runs (once)
	h := env.domain.NewScriptHost("decl", `
		function f() { return 3 }
		glob n = 0;
		n = n + f();
		n
	`)
	wantNum(t, runHost(t, env, h), 3)

	var res Value
	h.Restart(func(v Value) { res = v })
	wantNum(t, res, 6)
}

func Test_Host_Check(t *testing.T) {
	env := newTestEnv()

	h := env.domain.NewScriptHost("good", "var x = 1; x * 2")
	if err := h.Check(); err != nil {
		t.Fatalf("unexpected syntax error: %s", err.Msg)
	}

	bad := env.domain.NewScriptHost("bad", "if (1 2)")
	err := bad.Check()
	if err == nil || err.Code != ErrSyntax {
		t.Fatalf("want syntax error, got %#v", err)
	}
	// checking must not register anything
	if _, serr := h.Start(nil); serr != nil {
		t.Fatalf("good host start failed after check: %s", serr.Msg)
	}
}

func Test_Host_StartSyntaxError(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("broken", "while (")
	th, serr := h.Start(nil)
	if serr == nil || serr.Code != ErrSyntax {
		t.Fatalf("want syntax error, got %#v", serr)
	}
	if th != nil {
		t.Fatalf("no thread expected on compile failure")
	}
}

func Test_Host_SetSource_SameTextIsNoop(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("edit", "1")
	if h.SetSource("1") {
		t.Fatalf("unchanged text reported as changed")
	}
	if !h.SetSource("2") {
		t.Fatalf("changed text not reported")
	}
	if h.Source() != "2" {
		t.Fatalf("source not replaced, got %q", h.Source())
	}
}

func Test_Host_SetSource_AbortsRunning(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("longrun", "delay(10); 'late'")

	var res Value
	done := false
	h.Start(func(v Value) {
		res = v
		done = true
		env.loop.Stop()
	})
	if !h.IsRunning() {
		t.Fatalf("script should be suspended in delay()")
	}
	env.loop.ExecuteOnce(func() { h.SetSource("'replaced'") }, 10*time.Millisecond)
	watchdog := env.loop.ExecuteOnce(env.loop.Stop, 10*time.Second)
	env.loop.Run()
	env.loop.CancelExecution(watchdog)

	if !done {
		t.Fatalf("aborted script never completed")
	}
	wantErrCode(t, res, ErrAborted)
	if h.IsRunning() {
		t.Fatalf("host still running after edit abort")
	}
}

func Test_Host_SetSource_KeepRunningWhenConfigured(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("tolerant", "delay(0.03); 'done'")
	h.AbortOnEdit = false

	var res Value
	done := false
	h.Start(func(v Value) {
		res = v
		done = true
		env.loop.Stop()
	})
	env.loop.ExecuteOnce(func() { h.SetSource("'replaced'") }, 10*time.Millisecond)
	watchdog := env.loop.ExecuteOnce(env.loop.Stop, 10*time.Second)
	env.loop.Run()
	env.loop.CancelExecution(watchdog)

	if !done {
		t.Fatalf("script did not complete")
	}
	wantStr(t, res, "done")
}

func Test_Host_SetSource_ReleasesHandlers(t *testing.T) {
	env := newTestEnv()
	es := &EventSource{}
	env.domain.SetGlobal("temp", NumVal(10).WithEventSource(es))
	env.domain.SetGlobal("fires", NumVal(0))
	h := env.domain.NewScriptHost("watcher", "on (temp > 20) { fires = fires + 1 }")
	runHost(t, env, h)

	env.domain.SetGlobal("temp", NumVal(25).WithEventSource(es))
	es.SendEvent(NumVal(25))
	wantNum(t, env.domain.Global("fires"), 1)

	h.SetSource("") // handler compiled from the old text goes away
	env.domain.SetGlobal("temp", NumVal(5).WithEventSource(es))
	es.SendEvent(NumVal(5))
	env.domain.SetGlobal("temp", NumVal(30).WithEventSource(es))
	es.SendEvent(NumVal(30))
	wantNum(t, env.domain.Global("fires"), 1)
}

func Test_Host_Stop(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("stoppable", "delay(10); 'late'")

	var res Value
	h.Start(func(v Value) { res = v })
	if !h.IsRunning() {
		t.Fatalf("script should be running")
	}
	h.Stop()
	if h.IsRunning() {
		t.Fatalf("script still running after Stop")
	}
	wantErrCode(t, res, ErrAborted)
}

func Test_Host_Registry(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("reg", "1")
	if env.domain.HostByID("reg") != h {
		t.Fatalf("host not registered under its id")
	}
	if env.domain.HostByID("unknown") != nil {
		t.Fatalf("unknown id should resolve to nil")
	}
	env.domain.UnregisterHost("reg")
	if env.domain.HostByID("reg") != nil {
		t.Fatalf("host still registered after unregister")
	}
}

func Test_Host_LoadAndStore(t *testing.T) {
	env := newTestEnv()
	stored := map[string]string{"persisted": "6 * 7"}
	env.domain.LoadSource = func(id string) (string, error) {
		src, ok := stored[id]
		if !ok {
			return "", errors.New("no such script")
		}
		return src, nil
	}
	env.domain.StoreSource = func(id string, source string) error {
		stored[id] = source
		return nil
	}

	h := env.domain.NewScriptHost("persisted", "")
	if err := h.LoadFromStore(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	wantNum(t, runHost(t, env, h), 42)

	h.SetSource("6 * 8")
	if err := h.StoreToStore(); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if stored["persisted"] != "6 * 8" {
		t.Fatalf("edited source not persisted, got %q", stored["persisted"])
	}

	missing := env.domain.NewScriptHost("absent", "")
	if err := missing.LoadFromStore(); err == nil {
		t.Fatalf("want load error for unknown id")
	}
}

func Test_Host_DebugUnsupported(t *testing.T) {
	env := newTestEnv()
	h := env.domain.NewScriptHost("dbg", "1")
	_, serr := h.Debug(nil)
	if serr == nil || serr.Code != ErrNoPrivilege {
		t.Fatalf("want NoPrivilege error, got %#v", serr)
	}
}
