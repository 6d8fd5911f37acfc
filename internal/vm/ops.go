package vm

import (
	"math"

	"fortio.org/safecast"

	"keel/internal/bytecode"
)

// Handler signatures, one per arity-shape family except Vararg: its two
// opcodes (FUNSTART, JUMP_TABLE) are decoded by the engine and have no
// handler type here. Every handler receives
// the current sp and returns the new sp; a handler may allocate, release
// references, or raise errors, but must not retain sp across its return.
type (
	// BaseFun receives the instruction's operand words.
	BaseFun func(vm *VM, sp int, args []int32) int
	// CallFun additionally receives the continuation's code offset.
	CallFun func(vm *VM, sp int, args []int32, cont int) int
	// Jump1Fun leaves a truth cell on top for the engine to branch on.
	Jump1Fun func(vm *VM, sp int) int
	// Jump2Fun is Jump1Fun with one leading operand.
	Jump2Fun func(vm *VM, sp int, df int32) int
)

// The dispatch tables bind opcode ids to handlers. The engine itself takes
// every branch, makes static calls, and interprets FUNSTART, jump tables,
// returns and keep-vars; those have no entry here. Conditional jumps have
// handlers that only produce the truth cell, and CALLV/DDCALL have handlers
// that only capture the next call target.
var (
	baseOps  [bytecode.NumOps]BaseFun
	callOps  [bytecode.NumOps]CallFun
	jump1Ops [bytecode.NumOps]Jump1Fun
	jump2Ops [bytecode.NumOps]Jump2Fun
)

func init() {
	baseOps[bytecode.OpPushInt] = uPushInt
	baseOps[bytecode.OpPushInt64] = uPushInt64
	baseOps[bytecode.OpPushFloat] = uPushFloat
	baseOps[bytecode.OpPushFloat64] = uPushFloat64
	baseOps[bytecode.OpPushNil] = uPushNil
	baseOps[bytecode.OpPushStr] = uPushStr
	baseOps[bytecode.OpPushVar] = uPushVar
	baseOps[bytecode.OpStoreVar] = uStoreVar
	baseOps[bytecode.OpPop] = uPop
	baseOps[bytecode.OpPopRef] = uPopRef
	baseOps[bytecode.OpDup] = uDup
	baseOps[bytecode.OpIAdd] = uIAdd
	baseOps[bytecode.OpISub] = uISub
	baseOps[bytecode.OpIMul] = uIMul
	baseOps[bytecode.OpIDiv] = uIDiv
	baseOps[bytecode.OpIMod] = uIMod
	baseOps[bytecode.OpFAdd] = uFAdd
	baseOps[bytecode.OpFSub] = uFSub
	baseOps[bytecode.OpFMul] = uFMul
	baseOps[bytecode.OpFDiv] = uFDiv
	baseOps[bytecode.OpSAdd] = uSAdd
	baseOps[bytecode.OpILt] = uILt
	baseOps[bytecode.OpILe] = uILe
	baseOps[bytecode.OpIGt] = uIGt
	baseOps[bytecode.OpIGe] = uIGe
	baseOps[bytecode.OpIEq] = uIEq
	baseOps[bytecode.OpINe] = uINe
	baseOps[bytecode.OpNewVec] = uNewVec
	baseOps[bytecode.OpVPush] = uVPush
	baseOps[bytecode.OpVLen] = uVLen
	baseOps[bytecode.OpIdxVecInt] = uIdxVecInt
	baseOps[bytecode.OpNewObject] = uNewObject
	baseOps[bytecode.OpPushField] = uPushField
	baseOps[bytecode.OpIsType] = uIsType
	baseOps[bytecode.OpBCallRet] = uBCallRet
	baseOps[bytecode.OpCallV] = uCallV
	baseOps[bytecode.OpDDCall] = uDDCall
	baseOps[bytecode.OpExit] = uExit
	baseOps[bytecode.OpAbort] = uAbort

	callOps[bytecode.OpPushFun] = uPushFun

	jump1Ops[bytecode.OpJumpFail] = uJumpFail
	jump1Ops[bytecode.OpJumpNoFail] = uJumpNoFail
	jump1Ops[bytecode.OpJumpFailRef] = uJumpFailRef
	jump1Ops[bytecode.OpJumpNoFailRef] = uJumpNoFailRef

	jump2Ops[bytecode.OpJumpIfUnwound] = uJumpIfUnwound
}

func boolVal(b bool) Value {
	if b {
		return IntVal(1)
	}
	return IntVal(0)
}

func uPushInt(vm *VM, sp int, args []int32) int {
	return vm.Push(sp, IntVal(int64(args[0])))
}

func uPushInt64(vm *VM, sp int, args []int32) int {
	v := int64(uint64(uint32(args[0])) | uint64(uint32(args[1]))<<32)
	return vm.Push(sp, IntVal(v))
}

func uPushFloat(vm *VM, sp int, args []int32) int {
	return vm.Push(sp, FloatVal(float64(math.Float32frombits(uint32(args[0])))))
}

func uPushFloat64(vm *VM, sp int, args []int32) int {
	bits := uint64(uint32(args[0])) | uint64(uint32(args[1]))<<32
	return vm.Push(sp, FloatVal(math.Float64frombits(bits)))
}

func uPushNil(vm *VM, sp int, args []int32) int {
	return vm.Push(sp, NilVal())
}

func uPushStr(vm *VM, sp int, args []int32) int {
	i := args[0]
	// Constant-string slots are populated lazily and owned by the VM until
	// EndEval.
	if vm.constantStrings[i] == nil {
		vm.constantStrings[i] = vm.NewString(vm.img.StringTable[i])
	}
	s := vm.constantStrings[i]
	s.Inc()
	return vm.Push(sp, RefVal(s))
}

func uPushVar(vm *VM, sp int, args []int32) int {
	v := vm.vars[args[0]]
	v.IncRT()
	return vm.Push(sp, v)
}

func uStoreVar(vm *VM, sp int, args []int32) int {
	var v Value
	v, sp = vm.Pop(sp)
	vm.vars[args[0]].DecRT(vm)
	vm.vars[args[0]] = v
	return sp
}

func uPop(vm *VM, sp int, args []int32) int { return sp - 1 }

func uPopRef(vm *VM, sp int, args []int32) int {
	var v Value
	v, sp = vm.Pop(sp)
	v.DecRT(vm)
	return sp
}

func uDup(vm *VM, sp int, args []int32) int {
	v := vm.Top(sp)
	v.IncRT()
	return vm.Push(sp, v)
}

func intBinOp(vm *VM, sp int, f func(a, b int64) int64) int {
	var b, a Value
	b, sp = vm.Pop(sp)
	a, sp = vm.Pop(sp)
	return vm.Push(sp, IntVal(f(a.IVal(), b.IVal())))
}

func uIAdd(vm *VM, sp int, args []int32) int {
	return intBinOp(vm, sp, func(a, b int64) int64 { return a + b })
}

func uISub(vm *VM, sp int, args []int32) int {
	return intBinOp(vm, sp, func(a, b int64) int64 { return a - b })
}

func uIMul(vm *VM, sp int, args []int32) int {
	return intBinOp(vm, sp, func(a, b int64) int64 { return a * b })
}

func uIDiv(vm *VM, sp int, args []int32) int {
	if vm.Top(sp).IVal() == 0 {
		vm.Error(sp, "division by zero")
	}
	return intBinOp(vm, sp, func(a, b int64) int64 { return a / b })
}

func uIMod(vm *VM, sp int, args []int32) int {
	if vm.Top(sp).IVal() == 0 {
		vm.Error(sp, "division by zero")
	}
	return intBinOp(vm, sp, func(a, b int64) int64 { return a % b })
}

func floatBinOp(vm *VM, sp int, f func(a, b float64) float64) int {
	var b, a Value
	b, sp = vm.Pop(sp)
	a, sp = vm.Pop(sp)
	return vm.Push(sp, FloatVal(f(a.FVal(), b.FVal())))
}

func uFAdd(vm *VM, sp int, args []int32) int {
	return floatBinOp(vm, sp, func(a, b float64) float64 { return a + b })
}

func uFSub(vm *VM, sp int, args []int32) int {
	return floatBinOp(vm, sp, func(a, b float64) float64 { return a - b })
}

func uFMul(vm *VM, sp int, args []int32) int {
	return floatBinOp(vm, sp, func(a, b float64) float64 { return a * b })
}

func uFDiv(vm *VM, sp int, args []int32) int {
	return floatBinOp(vm, sp, func(a, b float64) float64 { return a / b })
}

func uSAdd(vm *VM, sp int, args []int32) int {
	var b, a Value
	b, sp = vm.Pop(sp)
	a, sp = vm.Pop(sp)
	ns := vm.NewString2(a.Ref().Str(), b.Ref().Str())
	a.DecRT(vm)
	b.DecRT(vm)
	return vm.Push(sp, RefVal(ns))
}

func intCmpOp(vm *VM, sp int, f func(a, b int64) bool) int {
	var b, a Value
	b, sp = vm.Pop(sp)
	a, sp = vm.Pop(sp)
	return vm.Push(sp, boolVal(f(a.IVal(), b.IVal())))
}

func uILt(vm *VM, sp int, args []int32) int {
	return intCmpOp(vm, sp, func(a, b int64) bool { return a < b })
}

func uILe(vm *VM, sp int, args []int32) int {
	return intCmpOp(vm, sp, func(a, b int64) bool { return a <= b })
}

func uIGt(vm *VM, sp int, args []int32) int {
	return intCmpOp(vm, sp, func(a, b int64) bool { return a > b })
}

func uIGe(vm *VM, sp int, args []int32) int {
	return intCmpOp(vm, sp, func(a, b int64) bool { return a >= b })
}

func uIEq(vm *VM, sp int, args []int32) int {
	return intCmpOp(vm, sp, func(a, b int64) bool { return a == b })
}

func uINe(vm *VM, sp int, args []int32) int {
	return intCmpOp(vm, sp, func(a, b int64) bool { return a != b })
}

func uNewVec(vm *VM, sp int, args []int32) int {
	tti := args[0]
	n := int(args[1])
	vec := vm.NewVec(int64(n), int64(n), tti)
	copy(vec.elems, vm.stack[sp-n+1:sp+1])
	sp -= n
	return vm.Push(sp, RefVal(vec))
}

func uVPush(vm *VM, sp int, args []int32) int {
	var e Value
	e, sp = vm.Pop(sp)
	vm.Top(sp).Ref().Append(e)
	return sp
}

func uVLen(vm *VM, sp int, args []int32) int {
	var v Value
	v, sp = vm.Pop(sp)
	n := v.Ref().Len()
	v.DecRT(vm)
	return vm.Push(sp, IntVal(n))
}

func uIdxVecInt(vm *VM, sp int, args []int32) int {
	var iv, vv Value
	iv, sp = vm.Pop(sp)
	vv, sp = vm.Pop(sp)
	vec := vv.Ref()
	i := iv.IVal()
	if i < 0 || i >= vec.Len() {
		vm.IDXErr(sp, i, vec.Len(), vec)
	}
	e := vec.At(i)
	e.IncRT()
	vv.DecRT(vm)
	return vm.Push(sp, e)
}

func uNewObject(vm *VM, sp int, args []int32) int {
	tti := args[0]
	ti := vm.GetTypeInfo(tti)
	n := int(ti.Len)
	obj := vm.NewObject(int64(n), tti)
	copy(obj.fields, vm.stack[sp-n+1:sp+1])
	sp -= n
	return vm.Push(sp, RefVal(obj))
}

func uPushField(vm *VM, sp int, args []int32) int {
	var ov Value
	ov, sp = vm.Pop(sp)
	f := ov.Ref().AtS(args[0])
	f.IncRT()
	ov.DecRT(vm)
	return vm.Push(sp, f)
}

func uIsType(vm *VM, sp int, args []int32) int {
	var v Value
	v, sp = vm.Pop(sp)
	var is bool
	if v.Ref() != nil {
		is = v.Ref().TTI() == args[0]
	} else {
		is = vm.GetTypeInfo(args[0]).Kind == v.Tag()
	}
	v.DecRT(vm)
	return vm.Push(sp, boolVal(is))
}

func uBCallRet(vm *VM, sp int, args []int32) int {
	nf := vm.registry.Get(args[0])
	if nf == nil {
		vm.Error(sp, "unknown builtin function")
	}
	return nf.Fn(vm, sp)
}

func uCallV(vm *VM, sp int, args []int32) int {
	var f Value
	f, sp = vm.Pop(sp)
	if f.Tag() != bytecode.KFunction {
		vm.Error(sp, "calling a value that is not a function")
	}
	tgt, err := safecast.Conv[int](f.IVal())
	if err != nil {
		vm.SeriousError("function value out of range")
	}
	vm.nextCallTarget = tgt
	return sp
}

func uDDCall(vm *VM, sp int, args []int32) int {
	slot, objdepth := args[0], int(args[1])
	obj := vm.TopM(sp, objdepth).Ref()
	if obj == nil {
		vm.Error(sp, "virtual call on nil")
	}
	ti := vm.GetTypeInfo(obj.TTI())
	start := vm.img.UDTs[ti.StructIdx].VTableStart
	tgt := int32(-1)
	if start >= 0 && int(start+slot) < len(vm.img.VTables) {
		tgt = vm.img.VTables[start+slot]
	}
	if tgt < 0 {
		vm.Error(sp, "virtual call on method without implementation")
	}
	vm.nextCallTarget = int(tgt)
	return sp
}

func uPushFun(vm *VM, sp int, args []int32, cont int) int {
	return vm.Push(sp, FunVal(cont))
}

func uExit(vm *VM, sp int, args []int32) int {
	var ret Value
	ret, sp = vm.Pop(sp)
	vm.EndEval(sp, ret, vm.GetTypeInfo(args[0]))
	panic(evalDone{})
}

func uAbort(vm *VM, sp int, args []int32) int {
	var msg Value
	msg, sp = vm.Pop(sp)
	s := "aborted"
	if msg.Ref() != nil {
		s = msg.Ref().Str()
	}
	msg.DecRT(vm)
	vm.Error(sp, s)
	return sp
}

func uJumpFail(vm *VM, sp int) int { return sp }

func uJumpNoFail(vm *VM, sp int) int {
	var c Value
	c, sp = vm.Pop(sp)
	return vm.Push(sp, boolVal(!c.True()))
}

func uJumpFailRef(vm *VM, sp int) int {
	return vm.Push(sp, boolVal(vm.Top(sp).True()))
}

func uJumpNoFailRef(vm *VM, sp int) int {
	return vm.Push(sp, boolVal(!vm.Top(sp).True()))
}

// uJumpIfUnwound leaves false (branch taken) while a non-local return is
// passing through this function; reaching the return's target function
// ends the unwind.
func uJumpIfUnwound(vm *VM, sp int, df int32) int {
	if vm.unwinding {
		if vm.unwindFunID == df {
			vm.unwinding = false
			return vm.Push(sp, boolVal(true))
		}
		return vm.Push(sp, boolVal(false))
	}
	return vm.Push(sp, boolVal(true))
}

// GrabIndex pops a chain of trailing indices, descending through nested
// vectors, and returns the final index to apply.
func (vm *VM) GrabIndex(sp int, length int) (int64, int) {
	v := vm.TopM(sp, length)
	for length--; ; length-- {
		var sv Value
		sv, sp = vm.Pop(sp)
		sidx := sv.IVal()
		if length == 0 {
			return sidx, sp
		}
		vec := v.Ref()
		if sidx < 0 || sidx >= vec.Len() {
			vm.IDXErr(sp, sidx, vec.Len(), vec)
		}
		v = vec.At(sidx)
	}
}
