// host.go: ScriptHost, the externally-managed script text
//
// A host owns one editable script source, the artifacts compiled from it
// and the main context it runs in. Editing the source invalidates the
// artifacts and (by default) aborts threads still executing them; the next
// start recompiles. Hosts register in the domain by id so embedding
// applications can load and store script text through the domain callbacks.
package p44script

// ScriptHost manages one script source.
type ScriptHost struct {
	id      string
	domain  *ScriptingDomain
	source  *SourceContainer
	mainCtx *ScriptMainContext
	script  *CompiledScript

	// AbortOnEdit controls whether SetSource aborts threads still running
	// code from the old text. Default true; switch off to let them finish.
	AbortOnEdit bool
}

// NewScriptHost creates a host for source text, registers it in the domain
// under id, and binds a fresh main context.
func (d *ScriptingDomain) NewScriptHost(id string, source string) *ScriptHost {
	h := &ScriptHost{id: id, domain: d, AbortOnEdit: true}
	h.mainCtx = d.NewContext()
	h.SetSource(source)
	d.hosts[id] = h
	return h
}

// HostByID returns a registered host, nil when unknown.
func (d *ScriptingDomain) HostByID(id string) *ScriptHost { return d.hosts[id] }

// UnregisterHost removes a host, stopping whatever it still runs.
func (d *ScriptingDomain) UnregisterHost(id string) {
	if h, ok := d.hosts[id]; ok {
		h.Stop()
		h.uncompile(true)
		delete(d.hosts, id)
	}
}

func (h *ScriptHost) ID() string { return h.id }

// Source returns the current script text.
func (h *ScriptHost) Source() string {
	if h.source == nil {
		return ""
	}
	return h.source.Source
}

// MainContext exposes the context script bodies run in (for host-side
// instance lookups and this-object binding).
func (h *ScriptHost) MainContext() *ScriptMainContext { return h.mainCtx }

// SetSource replaces the script text. All artifacts compiled from the old
// text are released; with AbortOnEdit, threads still executing them are
// aborted. Reports whether the text actually changed.
func (h *ScriptHost) SetSource(source string) bool {
	if h.source != nil && h.source.Source == source {
		return false
	}
	h.uncompile(h.AbortOnEdit)
	h.source = NewSourceContainer(h.id, source)
	h.source.host = h
	return true
}

// LoadFromStore fetches the text through the domain's LoadSource callback.
func (h *ScriptHost) LoadFromStore() error {
	if h.domain.LoadSource == nil {
		return nil
	}
	src, err := h.domain.LoadSource(h.id)
	if err != nil {
		return err
	}
	h.SetSource(src)
	return nil
}

// StoreToStore persists the text through the domain's StoreSource callback.
func (h *ScriptHost) StoreToStore() error {
	if h.domain.StoreSource == nil {
		return nil
	}
	return h.domain.StoreSource(h.id, h.Source())
}

func (h *ScriptHost) uncompile(abortThreads bool) {
	if h.source != nil {
		h.mainCtx.releaseObjsFromSource(h.source)
	}
	h.script = nil
	if abortThreads {
		h.mainCtx.AbortThreads(ErrVal(newScriptError(ErrAborted, "source changed")), nil)
	}
}

// compile compiles lazily; declarations register into the main context.
func (h *ScriptHost) compile() (*CompiledScript, *ScriptError) {
	if h.script != nil {
		return h.script, nil
	}
	s, err := CompileScript(h.source, h.mainCtx)
	if err != nil {
		return nil, err
	}
	h.script = s
	return s, nil
}

// Check compiles the source for syntax only, registering nothing.
func (h *ScriptHost) Check() *ScriptError {
	return CheckSyntax(h.source, h.domain)
}

// Start compiles if needed, arms declared handlers and runs the script
// body. cb fires once with the final result; it may be nil.
func (h *ScriptHost) Start(cb func(Value)) (*ScriptCodeThread, *ScriptError) {
	s, err := h.compile()
	if err != nil {
		return nil, err
	}
	h.mainCtx.startHandlers()
	return s.Run(Regular, cb), nil
}

// Debug would start the script paused on its first statement; single-step
// execution is not supported by this runtime.
func (h *ScriptHost) Debug(cb func(Value)) (*ScriptCodeThread, *ScriptError) {
	return nil, newScriptError(ErrNoPrivilege, "single-step debugging not supported")
}

// Restart stops whatever runs and starts the body again.
func (h *ScriptHost) Restart(cb func(Value)) (*ScriptCodeThread, *ScriptError) {
	h.Stop()
	return h.Start(cb)
}

// Stop aborts all threads of the host's context.
func (h *ScriptHost) Stop() {
	h.mainCtx.AbortThreads(ErrVal(newScriptError(ErrAborted, "stopped")), nil)
}

// IsRunning reports whether any thread of this host is still executing.
func (h *ScriptHost) IsRunning() bool {
	return len(h.mainCtx.threads) > 0 || len(h.mainCtx.queued) > 0
}
