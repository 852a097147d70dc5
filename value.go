// value.go: the polymorphic script value model
//
// Every result in the language is a Value: a small tagged struct (tag plus
// payload) instead of a class hierarchy. The capability bitmask is derived
// by TypeInfo(); orthogonal attributes (lvalue, async, one-shot, freezable,
// constant) are flag bits, not separate types.
//
// Values are immutable once produced, except lvalues, which are proxies over
// a container+key/index pair (or a named variable slot) resolved lazily.
// Assignment semantics deep-copy structured values, so two variables never
// alias the same object graph unless mutated through member lvalues.
package p44script

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueTag enumerates all runtime kinds a Value may hold.
type ValueTag int

const (
	VTNull   ValueTag = iota // null/undefined (no payload)
	VTNum                    // float64; booleans are 0/1
	VTStr                    // string
	VTObject                 // *ObjectValue (ordered fields)
	VTArray                  // *ArrayValue
	VTError                  // *ScriptError carried as a value
	VTFunc                   // callable: *CompiledFunction or *BuiltinFunc
	VTThread                 // *ScriptCodeThread handle
	VTLvalue                 // *lvalue assignment proxy
)

// TypeInfo is the capability/attribute bitmask values report and builtin
// argument descriptors require.
type TypeInfo uint32

const (
	TiNull TypeInfo = 1 << iota
	TiError
	TiNumeric
	TiText
	TiObject
	TiArray
	TiExecutable
	TiThreadRef

	// attribute bits, orthogonal to the value kind
	TiLvalue
	TiAsync     // producing this value may suspend the thread
	TiOneShot   // event value, consumed by one evaluation pass
	TiFreezable // may be frozen per source position during trigger evaluation
	TiConstant

	TiJSON       = TiObject | TiArray
	TiStructured = TiJSON
	TiScalar     = TiNumeric | TiText
	TiAnyValid   = TiScalar | TiJSON | TiExecutable | TiThreadRef
	TiAny        = TiAnyValid | TiNull | TiError
)

// Value is the universal runtime carrier.
type Value struct {
	Tag   ValueTag
	Data  any
	attrs TypeInfo     // attribute bits only
	evsrc *EventSource // set on volatile values that can drive triggers
}

// Null is the singleton undefined value.
var Null = Value{Tag: VTNull}

// NumVal wraps a float64.
func NumVal(f float64) Value { return Value{Tag: VTNum, Data: f} }

// IntVal wraps an integer as a numeric value.
func IntVal(n int64) Value { return NumVal(float64(n)) }

// BoolVal wraps a boolean as numeric 0/1.
func BoolVal(b bool) Value {
	if b {
		return NumVal(1)
	}
	return NumVal(0)
}

// StrVal wraps a string.
func StrVal(s string) Value { return Value{Tag: VTStr, Data: s} }

// ObjVal wraps an object.
func ObjVal(o *ObjectValue) Value { return Value{Tag: VTObject, Data: o} }

// ArrVal wraps an array.
func ArrVal(a *ArrayValue) Value { return Value{Tag: VTArray, Data: a} }

// ErrVal wraps a script error as a value.
func ErrVal(e *ScriptError) Value { return Value{Tag: VTError, Data: e} }

func errValue(code ErrorCode, format string, args ...any) Value {
	return ErrVal(newScriptError(code, format, args...))
}

// ThreadVal wraps a script thread handle; reading it in a trigger expression
// attaches the trigger to the thread's completion event.
func ThreadVal(t *ScriptCodeThread) Value {
	return Value{Tag: VTThread, Data: t, evsrc: &t.completionSource}
}

// FuncVal wraps a callable (user function or builtin descriptor).
func FuncVal(c Callable) Value { return Value{Tag: VTFunc, Data: c} }

// WithAttrs returns a copy of v with extra attribute bits set.
func (v Value) WithAttrs(attrs TypeInfo) Value {
	v.attrs |= attrs
	return v
}

// WithEventSource returns a copy of v carrying an event source; triggers
// touching such a value register for its events.
func (v Value) WithEventSource(src *EventSource) Value {
	v.evsrc = src
	return v
}

// EventSource returns the source driving this value, or nil.
func (v Value) EventSource() *EventSource { return v.evsrc }

// TypeInfo derives the capability bitmask for the value.
func (v Value) TypeInfo() TypeInfo {
	ti := v.attrs
	switch v.Tag {
	case VTNull:
		ti |= TiNull
	case VTNum:
		ti |= TiNumeric
	case VTStr:
		ti |= TiText
	case VTObject:
		ti |= TiObject
	case VTArray:
		ti |= TiArray
	case VTError:
		ti |= TiError
	case VTFunc:
		ti |= TiExecutable
	case VTThread:
		ti |= TiThreadRef
	case VTLvalue:
		ti |= TiLvalue | v.Data.(*lvalue).calc().TypeInfo()
	}
	return ti
}

// Defined reports whether the (dereferenced) value is neither null nor error.
func (v Value) Defined() bool {
	cv := v.calcValue()
	return cv.Tag != VTNull && cv.Tag != VTError
}

// IsErr reports whether the (dereferenced) value carries an error.
func (v Value) IsErr() bool { return v.calcValue().Tag == VTError }

// Err returns the carried *ScriptError or nil.
func (v Value) Err() *ScriptError {
	cv := v.calcValue()
	if cv.Tag == VTError {
		return cv.Data.(*ScriptError)
	}
	return nil
}

// NumValue coerces to float64: null and errors are 0, strings parse leniently.
func (v Value) NumValue() float64 {
	cv := v.calcValue()
	switch cv.Tag {
	case VTNum:
		return cv.Data.(float64)
	case VTStr:
		f, err := strconv.ParseFloat(strings.TrimSpace(cv.Data.(string)), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// IntValue is NumValue truncated to int64.
func (v Value) IntValue() int64 { return int64(v.NumValue()) }

// BoolValue: numbers are true when non-zero, strings when non-empty and not
// "false", structured values when non-empty, threads while meaningful.
func (v Value) BoolValue() bool {
	cv := v.calcValue()
	switch cv.Tag {
	case VTNum:
		return cv.Data.(float64) != 0
	case VTStr:
		s := cv.Data.(string)
		return s != "" && s != "false"
	case VTObject:
		return len(cv.Data.(*ObjectValue).Keys) > 0
	case VTArray:
		return len(cv.Data.(*ArrayValue).Elems) > 0
	case VTFunc, VTThread:
		return true
	default:
		return false
	}
}

// StrValue renders the value as text. Numbers print integer-short when whole,
// structured values render as JSON-like text preserving key order.
func (v Value) StrValue() string {
	cv := v.calcValue()
	switch cv.Tag {
	case VTNull:
		return "undefined"
	case VTNum:
		f := cv.Data.(float64)
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case VTStr:
		return cv.Data.(string)
	case VTObject, VTArray:
		var b strings.Builder
		writeJSONText(&b, cv)
		return b.String()
	case VTError:
		return "error: " + cv.Data.(*ScriptError).Error()
	case VTFunc:
		return "function: " + cv.Data.(Callable).CallableName()
	case VTThread:
		return "thread"
	default:
		return "undefined"
	}
}

// String implements fmt.Stringer for debugging.
func (v Value) String() string {
	if v.Tag == VTStr {
		return fmt.Sprintf("%q", v.Data.(string))
	}
	return v.StrValue()
}

// calcValue dereferences lvalues; all other values return themselves.
func (v Value) calcValue() Value {
	if v.Tag == VTLvalue {
		return v.Data.(*lvalue).calc()
	}
	return v
}

// assignmentValue is the value stored on assignment: dereferenced, and
// deep-copied for structured values so the copy never aliases the original.
func (v Value) assignmentValue() Value {
	cv := v.calcValue()
	switch cv.Tag {
	case VTObject:
		return ObjVal(cv.Data.(*ObjectValue).Copy())
	case VTArray:
		return ArrVal(cv.Data.(*ArrayValue).Copy())
	default:
		return cv
	}
}

// --- structured values -------------------------------------------------------

// ObjectValue is an ordered string-keyed container (insertion order preserved).
type ObjectValue struct {
	Fields map[string]Value
	Keys   []string
}

// NewObjectValue returns an empty object.
func NewObjectValue() *ObjectValue {
	return &ObjectValue{Fields: map[string]Value{}}
}

// Get returns the field value.
func (o *ObjectValue) Get(key string) (Value, bool) {
	v, ok := o.Fields[key]
	return v, ok
}

// Set stores a field, appending the key on first insertion.
func (o *ObjectValue) Set(key string, v Value) {
	if _, exists := o.Fields[key]; !exists {
		o.Keys = append(o.Keys, key)
	}
	o.Fields[key] = v
}

// Delete removes a field; absent keys are a no-op.
func (o *ObjectValue) Delete(key string) {
	if _, exists := o.Fields[key]; !exists {
		return
	}
	delete(o.Fields, key)
	for i, k := range o.Keys {
		if k == key {
			o.Keys = append(o.Keys[:i], o.Keys[i+1:]...)
			break
		}
	}
}

// Copy deep-copies the object.
func (o *ObjectValue) Copy() *ObjectValue {
	c := &ObjectValue{Fields: make(map[string]Value, len(o.Fields)), Keys: append([]string(nil), o.Keys...)}
	for k, v := range o.Fields {
		c.Fields[k] = v.assignmentValue()
	}
	return c
}

// ArrayValue is an indexed container.
type ArrayValue struct {
	Elems []Value
}

// NewArrayValue returns an empty array.
func NewArrayValue() *ArrayValue { return &ArrayValue{} }

// At returns the element at i, or Null when out of range.
func (a *ArrayValue) At(i int) Value {
	if i < 0 || i >= len(a.Elems) {
		return Null
	}
	return a.Elems[i]
}

// SetAt stores at i, growing the array with nulls as needed.
func (a *ArrayValue) SetAt(i int, v Value) {
	for len(a.Elems) <= i {
		a.Elems = append(a.Elems, Null)
	}
	a.Elems[i] = v
}

// Delete removes the element at i, shifting the remainder down.
func (a *ArrayValue) Delete(i int) {
	if i < 0 || i >= len(a.Elems) {
		return
	}
	a.Elems = append(a.Elems[:i], a.Elems[i+1:]...)
}

// Copy deep-copies the array.
func (a *ArrayValue) Copy() *ArrayValue {
	c := &ArrayValue{Elems: make([]Value, len(a.Elems))}
	for i, v := range a.Elems {
		c.Elems[i] = v.assignmentValue()
	}
	return c
}

// writeJSONText renders structured values compactly, preserving key order.
func writeJSONText(b *strings.Builder, v Value) {
	switch v.Tag {
	case VTObject:
		o := v.Data.(*ObjectValue)
		b.WriteByte('{')
		for i, k := range o.Keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeJSONText(b, o.Fields[k].calcValue())
		}
		b.WriteByte('}')
	case VTArray:
		a := v.Data.(*ArrayValue)
		b.WriteByte('[')
		for i, e := range a.Elems {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONText(b, e.calcValue())
		}
		b.WriteByte(']')
	case VTStr:
		b.WriteString(strconv.Quote(v.Data.(string)))
	case VTNull:
		b.WriteString("null")
	case VTNum:
		// no script-level bool type; 0/1 render numerically on purpose
		b.WriteString(v.StrValue())
	default:
		b.WriteString(strconv.Quote(v.StrValue()))
	}
}

// valuesEqual compares dereferenced values, deep for structured ones.
func valuesEqual(a, b Value) bool {
	ca, cb := a.calcValue(), b.calcValue()
	if ca.Tag == VTNum && cb.Tag == VTNum {
		return ca.Data.(float64) == cb.Data.(float64)
	}
	if ca.Tag == VTStr && cb.Tag == VTStr {
		return ca.Data.(string) == cb.Data.(string)
	}
	// mixed scalar comparison via numeric coercion when one side is numeric
	if (ca.Tag == VTNum && cb.Tag == VTStr) || (ca.Tag == VTStr && cb.Tag == VTNum) {
		return ca.NumValue() == cb.NumValue()
	}
	if ca.Tag != cb.Tag {
		return false
	}
	switch ca.Tag {
	case VTNull:
		return true
	case VTError:
		ea, eb := ca.Data.(*ScriptError), cb.Data.(*ScriptError)
		return ea.Code == eb.Code && ea.Msg == eb.Msg
	case VTObject:
		oa, ob := ca.Data.(*ObjectValue), cb.Data.(*ObjectValue)
		if len(oa.Keys) != len(ob.Keys) {
			return false
		}
		ka := append([]string(nil), oa.Keys...)
		kb := append([]string(nil), ob.Keys...)
		sort.Strings(ka)
		sort.Strings(kb)
		for i := range ka {
			if ka[i] != kb[i] {
				return false
			}
			if !valuesEqual(oa.Fields[ka[i]], ob.Fields[ka[i]]) {
				return false
			}
		}
		return true
	case VTArray:
		aa, ab := ca.Data.(*ArrayValue), cb.Data.(*ArrayValue)
		if len(aa.Elems) != len(ab.Elems) {
			return false
		}
		for i := range aa.Elems {
			if !valuesEqual(aa.Elems[i], ab.Elems[i]) {
				return false
			}
		}
		return true
	default:
		return ca.Data == cb.Data
	}
}

// --- lvalues -------------------------------------------------------------------

// memberStore is a place named bindings live in (contexts, the domain).
type memberStore interface {
	getLocal(name string) (Value, bool)
	setLocal(name string, v Value)
	deleteLocal(name string)
}

// lvalue is "a place that can be assigned": either a named binding in a
// store, an object field, or an array slot. Exactly one of store/obj/arr is
// set.
type lvalue struct {
	store memberStore
	name  string
	obj   *ObjectValue
	key   string
	arr   *ArrayValue
	idx   int
}

func storeLvalue(store memberStore, name string) Value {
	return Value{Tag: VTLvalue, Data: &lvalue{store: store, name: name}}
}

func objectLvalue(o *ObjectValue, key string) Value {
	return Value{Tag: VTLvalue, Data: &lvalue{obj: o, key: key}}
}

func arrayLvalue(a *ArrayValue, idx int) Value {
	return Value{Tag: VTLvalue, Data: &lvalue{arr: a, idx: idx}}
}

// calc resolves the lvalue to its current value; unresolvable places yield
// Null ("undefined"), not an error, matching JSON member semantics.
func (lv *lvalue) calc() Value {
	switch {
	case lv.store != nil:
		if v, ok := lv.store.getLocal(lv.name); ok {
			return v
		}
		return Null
	case lv.obj != nil:
		if v, ok := lv.obj.Get(lv.key); ok {
			return v
		}
		return Null
	case lv.arr != nil:
		return lv.arr.At(lv.idx)
	default:
		return Null
	}
}

// assign writes through the proxy. Assigning to a missing object field
// creates it; assigning past the end of an array grows it.
func (lv *lvalue) assign(v Value) *ScriptError {
	switch {
	case lv.store != nil:
		lv.store.setLocal(lv.name, v)
		return nil
	case lv.obj != nil:
		lv.obj.Set(lv.key, v)
		return nil
	case lv.arr != nil:
		if lv.idx < 0 {
			return newScriptError(ErrInvalid, "negative array index")
		}
		lv.arr.SetAt(lv.idx, v)
		return nil
	default:
		return newScriptError(ErrNotLvalue, "cannot assign here")
	}
}

// unset removes the binding or member; absent targets are a no-op.
func (lv *lvalue) unset() {
	switch {
	case lv.store != nil:
		lv.store.deleteLocal(lv.name)
	case lv.obj != nil:
		lv.obj.Delete(lv.key)
	case lv.arr != nil:
		lv.arr.Delete(lv.idx)
	}
}

// Callable is the capability the handful of executable value kinds share.
type Callable interface {
	CallableName() string
	// ArgumentDesc returns the descriptor for argument i; ok is false past
	// the last descriptor (unless the last one repeats).
	ArgumentDesc(i int) (ArgDesc, bool)
	// IsAsync reports whether calling may suspend the thread.
	IsAsync() bool
}

// memberOfValue resolves ".name" on a container value, producing an lvalue
// for object fields (so member chains stay assignable).
func memberOfValue(container Value, name string) Value {
	cv := container.calcValue()
	switch cv.Tag {
	case VTObject:
		return objectLvalue(cv.Data.(*ObjectValue), name)
	case VTError:
		// allow inspecting error values from script code
		e := cv.Data.(*ScriptError)
		switch name {
		case "code":
			return StrVal(e.Code.Name())
		case "domain":
			return StrVal(e.Domain())
		case "message":
			return StrVal(e.Msg)
		}
		return cv // error propagates through member access
	case VTNull:
		return errValue(ErrNotFound, "member '%s' of undefined value", name)
	default:
		return errValue(ErrNotFound, "value has no member '%s'", name)
	}
}

// indexOfValue resolves "[index]" on a container value.
func indexOfValue(container Value, index Value) Value {
	cv := container.calcValue()
	iv := index.calcValue()
	switch cv.Tag {
	case VTArray:
		if iv.Tag != VTNum {
			return errValue(ErrInvalid, "array index must be numeric")
		}
		return arrayLvalue(cv.Data.(*ArrayValue), int(iv.NumValue()))
	case VTObject:
		return objectLvalue(cv.Data.(*ObjectValue), iv.StrValue())
	case VTStr:
		s := cv.Data.(string)
		i := int(iv.NumValue())
		if i < 0 || i >= len(s) {
			return Null
		}
		return StrVal(s[i : i+1])
	case VTError:
		return cv
	default:
		return errValue(ErrNotFound, "value is not indexable")
	}
}
