package p44script

import (
	"strings"
	"testing"
)

func Test_Value_NumericCoercion(t *testing.T) {
	wantCases := []struct {
		v    Value
		want float64
	}{
		{NumVal(3.5), 3.5},
		{StrVal("42"), 42},
		{StrVal("  2.5 "), 2.5},
		{StrVal("not a number"), 0},
		{StrVal(""), 0},
		{Null, 0},
		{errValue(ErrUser, "x"), 0},
	}
	for _, tc := range wantCases {
		if got := tc.v.NumValue(); got != tc.want {
			t.Fatalf("NumValue(%#v) = %g, want %g", tc.v, got, tc.want)
		}
	}
	if StrVal("7.9").IntValue() != 7 {
		t.Fatalf("IntValue should truncate")
	}
}

func Test_Value_BoolCoercion(t *testing.T) {
	trueValues := []Value{NumVal(1), NumVal(-0.5), StrVal("yes"), StrVal("0"), BoolVal(true)}
	for _, v := range trueValues {
		if !v.BoolValue() {
			t.Fatalf("%#v should be true", v)
		}
	}
	falseValues := []Value{NumVal(0), StrVal(""), StrVal("false"), Null, errValue(ErrUser, "x")}
	for _, v := range falseValues {
		if v.BoolValue() {
			t.Fatalf("%#v should be false", v)
		}
	}

	obj := NewObjectValue()
	if ObjVal(obj).BoolValue() {
		t.Fatalf("empty object should be false")
	}
	obj.Set("a", NumVal(1))
	if !ObjVal(obj).BoolValue() {
		t.Fatalf("non-empty object should be true")
	}
}

func Test_Value_StringRendering(t *testing.T) {
	if s := NumVal(3).StrValue(); s != "3" {
		t.Fatalf("whole numbers render short, got %q", s)
	}
	if s := NumVal(3.25).StrValue(); s != "3.25" {
		t.Fatalf("got %q", s)
	}
	if s := Null.StrValue(); s != "undefined" {
		t.Fatalf("got %q", s)
	}

	o := NewObjectValue()
	o.Set("b", NumVal(2))
	o.Set("a", StrVal("x"))
	a := NewArrayValue()
	a.SetAt(0, NumVal(1))
	a.SetAt(1, Null)
	o.Set("list", ArrVal(a))
	// insertion order is preserved in the rendering
	if s := ObjVal(o).StrValue(); s != `{"b":2,"a":"x","list":[1,null]}` {
		t.Fatalf("got %q", s)
	}

	e := errValue(ErrDivisionByZero, "division by zero")
	if s := e.StrValue(); !strings.HasPrefix(s, "error:") {
		t.Fatalf("error rendering got %q", s)
	}
}

func Test_Value_AssignmentValueCopies(t *testing.T) {
	o := NewObjectValue()
	inner := NewArrayValue()
	inner.SetAt(0, NumVal(1))
	o.Set("list", ArrVal(inner))

	copied := ObjVal(o).assignmentValue()
	inner.SetAt(0, NumVal(99))
	o.Set("added", NumVal(1))

	co := copied.Data.(*ObjectValue)
	if len(co.Keys) != 1 {
		t.Fatalf("copy picked up later additions: %v", co.Keys)
	}
	lv, _ := co.Get("list")
	wantNum(t, lv.Data.(*ArrayValue).At(0), 1)
}

func Test_Value_Equality(t *testing.T) {
	eq := []struct{ a, b Value }{
		{NumVal(2), NumVal(2)},
		{NumVal(2), StrVal("2")}, // mixed scalars coerce numerically
		{StrVal("abc"), StrVal("abc")},
		{Null, Null},
		{errValue(ErrUser, "boom"), errValue(ErrUser, "boom")},
	}
	for _, tc := range eq {
		if !valuesEqual(tc.a, tc.b) {
			t.Fatalf("%#v should equal %#v", tc.a, tc.b)
		}
	}
	ne := []struct{ a, b Value }{
		{NumVal(2), NumVal(3)},
		{StrVal("abc"), StrVal("abd")},
		{Null, NumVal(0)},
		{errValue(ErrUser, "boom"), errValue(ErrTimeout, "boom")},
	}
	for _, tc := range ne {
		if valuesEqual(tc.a, tc.b) {
			t.Fatalf("%#v should not equal %#v", tc.a, tc.b)
		}
	}

	mk := func() Value {
		o := NewObjectValue()
		o.Set("n", NumVal(1))
		a := NewArrayValue()
		a.SetAt(0, StrVal("x"))
		o.Set("a", ArrVal(a))
		return ObjVal(o)
	}
	if !valuesEqual(mk(), mk()) {
		t.Fatalf("deep-equal objects reported unequal")
	}
	other := mk()
	other.Data.(*ObjectValue).Set("n", NumVal(2))
	if valuesEqual(mk(), other) {
		t.Fatalf("differing objects reported equal")
	}
}

func Test_Value_ObjectOrderAndDelete(t *testing.T) {
	o := NewObjectValue()
	o.Set("one", NumVal(1))
	o.Set("two", NumVal(2))
	o.Set("three", NumVal(3))
	o.Set("two", NumVal(22)) // overwrite keeps position
	if len(o.Keys) != 3 || o.Keys[1] != "two" {
		t.Fatalf("key order broken: %v", o.Keys)
	}
	o.Delete("one")
	if len(o.Keys) != 2 || o.Keys[0] != "two" {
		t.Fatalf("delete broke order: %v", o.Keys)
	}
	o.Delete("absent") // no-op
	v, ok := o.Get("two")
	if !ok {
		t.Fatalf("field lost")
	}
	wantNum(t, v, 22)
}

func Test_Value_ArrayGrowthAndDelete(t *testing.T) {
	a := NewArrayValue()
	a.SetAt(3, NumVal(9))
	if len(a.Elems) != 4 {
		t.Fatalf("SetAt should grow to 4, got %d", len(a.Elems))
	}
	wantNull(t, a.At(1))
	wantNum(t, a.At(3), 9)
	wantNull(t, a.At(99))

	a.Delete(0)
	wantNum(t, a.At(2), 9)
	a.Delete(99) // no-op
	if len(a.Elems) != 3 {
		t.Fatalf("unexpected length %d", len(a.Elems))
	}
}

func Test_Value_LvalueProxies(t *testing.T) {
	o := NewObjectValue()
	lv := objectLvalue(o, "f")
	wantNull(t, lv.calcValue()) // missing field reads undefined
	if err := lv.Data.(*lvalue).assign(NumVal(5)); err != nil {
		t.Fatalf("assign failed: %s", err.Msg)
	}
	wantNum(t, lv.calcValue(), 5)
	lv.Data.(*lvalue).unset()
	if _, ok := o.Get("f"); ok {
		t.Fatalf("unset did not remove the field")
	}

	a := NewArrayValue()
	alv := arrayLvalue(a, 2)
	if err := alv.Data.(*lvalue).assign(StrVal("x")); err != nil {
		t.Fatalf("assign failed: %s", err.Msg)
	}
	wantStr(t, a.At(2), "x")
	if err := arrayLvalue(a, -1).Data.(*lvalue).assign(NumVal(1)); err == nil {
		t.Fatalf("negative index assignment should fail")
	}
}

func Test_Value_MemberAccess(t *testing.T) {
	o := NewObjectValue()
	o.Set("x", NumVal(7))
	wantNum(t, memberOfValue(ObjVal(o), "x").calcValue(), 7)

	// errors expose code/domain/message, anything else propagates the error
	e := errValue(ErrTimeout, "took too long")
	wantStr(t, memberOfValue(e, "code"), "Timeout")
	wantStr(t, memberOfValue(e, "message"), "took too long")
	if !memberOfValue(e, "whatever").IsErr() {
		t.Fatalf("unknown error member should propagate the error")
	}

	wantErrCode(t, memberOfValue(Null, "x"), ErrNotFound)
	wantErrCode(t, memberOfValue(NumVal(1), "x"), ErrNotFound)
}

func Test_Value_IndexAccess(t *testing.T) {
	a := NewArrayValue()
	a.SetAt(0, StrVal("first"))
	wantStr(t, indexOfValue(ArrVal(a), NumVal(0)).calcValue(), "first")
	wantErrCode(t, indexOfValue(ArrVal(a), StrVal("zero")), ErrInvalid)

	o := NewObjectValue()
	o.Set("7", NumVal(77))
	// object indexing stringifies the index
	wantNum(t, indexOfValue(ObjVal(o), NumVal(7)).calcValue(), 77)
}

func Test_Value_TypeInfoBits(t *testing.T) {
	if NumVal(1).TypeInfo()&TiNumeric == 0 {
		t.Fatalf("number lacks numeric bit")
	}
	if StrVal("a").TypeInfo()&TiText == 0 {
		t.Fatalf("string lacks text bit")
	}
	if errValue(ErrUser, "x").TypeInfo()&TiError == 0 {
		t.Fatalf("error lacks error bit")
	}
	oneShot := StrVal("evt").WithAttrs(TiOneShot)
	if oneShot.TypeInfo()&TiOneShot == 0 {
		t.Fatalf("attribute bits lost")
	}
	// lvalues report the underlying value's bits plus the lvalue bit
	o := NewObjectValue()
	o.Set("n", NumVal(1))
	lv := objectLvalue(o, "n")
	ti := lv.TypeInfo()
	if ti&TiLvalue == 0 || ti&TiNumeric == 0 {
		t.Fatalf("lvalue type info wrong: %b", ti)
	}
}
