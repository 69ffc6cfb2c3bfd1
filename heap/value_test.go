package heap

import (
	"math"
	"testing"
)

func TestNumberRoundTrip(t *testing.T) {
	tests := []float64{
		0.0,
		-0.0,
		1.0,
		-1.0,
		3.14159265358979,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		-math.MaxFloat64,
		math.Inf(1),
		math.Inf(-1),
	}

	for _, f := range tests {
		v := FromNumber(f)
		if v.Kind() != KindNumber {
			t.Errorf("FromNumber(%v).Kind() = %v, want number", f, v.Kind())
			continue
		}
		if got := v.Number(); got != f {
			t.Errorf("FromNumber(%v).Number() = %v", f, got)
		}
	}
}

func TestNumberNaNStaysNumber(t *testing.T) {
	v := FromNumber(math.NaN())
	if !v.IsNumber() || !math.IsNaN(v.Number()) {
		t.Error("NaN should round-trip as a number")
	}

	// A NaN whose payload collides with the ref tag must be canonicalized.
	collide := math.Float64frombits(nanBits | tagRef | 42)
	v = FromNumber(collide)
	if !v.IsNumber() {
		t.Fatalf("colliding NaN decoded as %v", v.Kind())
	}
	if !math.IsNaN(v.Number()) {
		t.Error("colliding NaN should still be NaN")
	}
}

func TestNullIsDistinct(t *testing.T) {
	if Null.Kind() != KindNull {
		t.Errorf("Null.Kind() = %v, want null", Null.Kind())
	}
	if Null.IsNumber() || Null.IsRef() {
		t.Error("Null must be neither number nor ref")
	}
	if FromNumber(0) == Null {
		t.Error("zero must not encode as Null")
	}
}

func TestRefRoundTrip(t *testing.T) {
	tests := []struct {
		block BlockID
		slot  int
	}{
		{1, 0},
		{1, MaxSlots - 1},
		{0xFFFFFFFF, 17},
		{12345, 4095},
	}
	for _, tt := range tests {
		r := makeRef(tt.block, tt.slot)
		p := FromRef(r)
		if p.Kind() != KindRef {
			t.Fatalf("FromRef(%v).Kind() = %v", r, p.Kind())
		}
		got := p.Ref()
		if got.Block() != tt.block || got.Slot() != tt.slot {
			t.Errorf("round trip of (%d,%d): got (%d,%d)", tt.block, tt.slot, got.Block(), got.Slot())
		}
	}
}

func TestKindsAreExclusive(t *testing.T) {
	values := []Pntr{FromNumber(1.5), Null, FromRef(makeRef(3, 4))}
	for _, v := range values {
		n := 0
		if v.IsNumber() {
			n++
		}
		if v.IsNull() {
			n++
		}
		if v.IsRef() {
			n++
		}
		if n != 1 {
			t.Errorf("%v matches %d kinds, want exactly 1", v, n)
		}
	}
}

func TestAccessorPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s should panic", name)
			}
		}()
		fn()
	}
	mustPanic("Null.Number", func() { Null.Number() })
	mustPanic("number.Ref", func() { FromNumber(2).Ref() })
}
