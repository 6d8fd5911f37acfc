// Package vm implements the execution core: the value representation, the
// reference-counted heap, the stack machine, opcode dispatch, the error and
// unwind path, and the worker tuple space.
package vm

import (
	"math"

	"keel/internal/bytecode"
)

// Value is one stack cell. The payload is 8 bytes interpreted
// polymorphically: a signed integer, a double (stored as its bit pattern),
// or a heap reference. The runtime type tag rides alongside the payload and
// is what the error path and ISTYPE consult.
//
// Both the interpreter and AOT-generated code agree on the cell layout; the
// generated C declares its own mirror of it and the runtime checks the cell
// size at startup.
type Value struct {
	ival int64
	ref  *Object
	tag  bytecode.TypeKind
}

// NilVal returns the nil cell.
func NilVal() Value { return Value{tag: bytecode.KNil} }

// IntVal returns an integer cell.
func IntVal(v int64) Value { return Value{ival: v, tag: bytecode.KInt} }

// FloatVal returns a float cell; the payload is the IEEE-754 bit pattern.
func FloatVal(f float64) Value {
	return Value{ival: int64(math.Float64bits(f)), tag: bytecode.KFloat}
}

// FunVal returns a function cell whose payload is the code offset of the
// function's entry.
func FunVal(ip int) Value { return Value{ival: int64(ip), tag: bytecode.KFunction} }

// RefVal returns a reference cell carrying the object's own runtime tag.
// Ownership of one reference transfers to the cell.
func RefVal(o *Object) Value {
	if o == nil {
		return NilVal()
	}
	return Value{ref: o, tag: o.tag()}
}

// IVal returns the integer payload.
func (v Value) IVal() int64 { return v.ival }

// FVal returns the float payload.
func (v Value) FVal() float64 { return math.Float64frombits(uint64(v.ival)) }

// Ref returns the reference payload, nil for the nil cell.
func (v Value) Ref() *Object { return v.ref }

// Tag returns the runtime type tag.
func (v Value) Tag() bytecode.TypeKind { return v.tag }

// True reports the cell's truth: non-nil for references and nil cells,
// nonzero payload for scalars.
func (v Value) True() bool {
	if v.ref != nil {
		return true
	}
	if v.tag == bytecode.KNil {
		return false
	}
	return v.ival != 0
}

// IsRef reports whether the cell currently holds a heap reference.
func (v Value) IsRef() bool { return v.ref != nil }

// IncRT bumps the refcount when the cell holds a reference.
func (v Value) IncRT() {
	if v.ref != nil {
		v.ref.Inc()
	}
}

// DecRT releases one reference when the cell holds one.
func (v Value) DecRT(vm *VM) {
	if v.ref != nil {
		v.ref.Dec(vm)
	}
}
