package vm

import (
	"fmt"
	"strconv"
	"strings"

	"keel/internal/bytecode"
)

// PrintPrefs carries value rendering preferences. The renderers in this
// file honour Budget (an output budget in bytes) and Quoted (whether
// strings are quoted). Depth (nesting depth, -1 unbounded) and Cycles are
// carried but not consulted: nesting is not limited and repeated references
// are not cut off.
type PrintPrefs struct {
	Depth  int
	Budget int
	Quoted bool
	Cycles bool
}

// ToString renders the cell according to its static type.
func (v Value) ToString(vm *VM, sd *strings.Builder, ti bytecode.TypeInfo, pp PrintPrefs) {
	switch ti.Kind {
	case bytecode.KInt:
		if ti.EnumIdx >= 0 && vm.EnumName(sd, v.ival, ti.EnumIdx) {
			return
		}
		v.ToStringBase(vm, sd, bytecode.KInt, pp)
	case bytecode.KFloat:
		v.ToStringBase(vm, sd, bytecode.KFloat, pp)
	default:
		v.ToStringBase(vm, sd, v.tag, pp)
	}
}

// ToStringBase renders the cell according to its runtime tag.
func (v Value) ToStringBase(vm *VM, sd *strings.Builder, t bytecode.TypeKind, pp PrintPrefs) {
	if sd.Len() > pp.Budget {
		sd.WriteString("....")
		return
	}
	switch t {
	case bytecode.KInt:
		fmt.Fprintf(sd, "%d", v.ival)
	case bytecode.KFloat:
		sd.WriteString(strconv.FormatFloat(v.FVal(), 'g', -1, 64))
	case bytecode.KFunction:
		fmt.Fprintf(sd, "<FUNCTION:%d>", v.ival)
	case bytecode.KNil:
		if v.ref != nil {
			RefToString(vm, sd, v.ref, pp)
			return
		}
		sd.WriteString("nil")
	default:
		if v.ref != nil {
			RefToString(vm, sd, v.ref, pp)
			return
		}
		sd.WriteString("nil")
	}
}

// RefToString renders a heap object.
func RefToString(vm *VM, sd *strings.Builder, ro *Object, pp PrintPrefs) {
	if ro == nil {
		sd.WriteString("nil")
		return
	}
	if sd.Len() > pp.Budget {
		sd.WriteString("....")
		return
	}
	switch ro.kind {
	case OKString:
		if pp.Quoted {
			sd.WriteString(strconv.Quote(ro.str))
		} else {
			sd.WriteString(ro.str)
		}
	case OKVector:
		eti := vm.GetTypeInfo(ro.etype)
		sd.WriteString("[")
		for i, e := range ro.elems {
			if i > 0 {
				sd.WriteString(", ")
			}
			inner := pp
			inner.Quoted = true
			e.ToString(vm, sd, eti, inner)
		}
		sd.WriteString("]")
	case OKObject:
		ti := vm.GetTypeInfo(ro.tti)
		sd.WriteString(vm.StructName(ti))
		sd.WriteString("{")
		for i := int32(0); i < ti.Len; i++ {
			if i > 0 {
				sd.WriteString(", ")
			}
			inner := pp
			inner.Quoted = true
			ro.fields[i].ToString(vm, sd, vm.GetTypeInfo(ti.ElemTypes[i]), inner)
		}
		sd.WriteString("}")
	case OKResource:
		name := "resource"
		if ro.resT != nil {
			name = ro.resT.Name
		}
		fmt.Fprintf(sd, "(%s)", name)
	case OKValueBuf:
		sd.WriteString("(valuebuf)")
	}
}

// StructToString renders an inline struct value spanning ti.Len
// consecutive cells starting at vals[0].
func StructToString(vm *VM, sd *strings.Builder, pp PrintPrefs, ti bytecode.TypeInfo, vals []Value) {
	sd.WriteString(vm.StructName(ti))
	sd.WriteString("{")
	for i := int32(0); i < ti.Len; i++ {
		if i > 0 {
			sd.WriteString(", ")
		}
		vals[i].ToString(vm, sd, vm.GetTypeInfo(ti.ElemTypes[i]), pp)
	}
	sd.WriteString("}")
}
