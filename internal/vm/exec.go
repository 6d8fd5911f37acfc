package vm

import (
	"fmt"
	"strings"

	"keel/internal/bytecode"
)

// evalDone is the sentinel EXIT panics with to leave the interpreter from
// arbitrary call depth; EvalProgram recovers it.
type evalDone struct{}

// Stack primitives. The stack grows upward; sp == -1 is empty. Push is
// pre-increment, Pop is post-decrement.

// Push stores v in the next cell and returns the new sp.
func (vm *VM) Push(sp int, v Value) int {
	sp++
	vm.stack[sp] = v
	return sp
}

// Pop returns the top cell and the new sp.
func (vm *VM) Pop(sp int) (Value, int) {
	return vm.stack[sp], sp - 1
}

// Top returns the top cell.
func (vm *VM) Top(sp int) Value { return vm.stack[sp] }

// TopM returns the cell n below the top.
func (vm *VM) TopM(sp, n int) Value { return vm.stack[sp-n] }

// NextCallTarget returns the code offset the last indirect-call opcode
// captured.
func (vm *VM) NextCallTarget() int { return vm.nextCallTarget }

// EvalProgram runs the image from its entry point. It is the single point
// the VM's unwind path escapes through: a runtime error surfaces here as a
// *VMError, normal termination as nil.
func (vm *VM) EvalProgram() (err error) {
	defer func() {
		r := recover()
		switch e := r.(type) {
		case nil:
		case evalDone:
			err = nil
		case *VMError:
			err = e
		default:
			panic(r)
		}
	}()
	sp := -1
	vm.runFun(vm.img.StartIP(), sp)
	return nil
}

// runFun executes one bytecode function: given the code offset of its
// FUNSTART (or the headerless entry block) and the incoming stack pointer,
// it runs the body and returns the outgoing stack pointer. Static calls
// recurse directly; indirect calls go through the next-call-target cell.
func (vm *VM) runFun(ip, sp int) int {
	code := vm.img.Code
	if bytecode.Opcode(code[ip]) == bytecode.OpFunStart {
		_, next, _ := bytecode.ParseOpAndGetArity(code, bytecode.OpFunStart, ip)
		sp = vm.FunIntro(sp, ip+2)
		ip = next
	}
	for {
		if ip >= len(code) {
			vm.VMAssert("execution ran off the end of the code")
		}
		opc := bytecode.Opcode(code[ip])
		id := ip
		_, next, regso := bytecode.ParseOpAndGetArity(code, opc, ip)
		args := code[id+2 : next]
		if vm.asserts {
			vm.checkDepth(opc, sp, regso)
		}
		if vm.trace != TraceOff {
			vm.traceOp(opc, sp)
		}
		switch opc {
		case bytecode.OpFunStart:
			vm.VMAssert("FUNSTART inside a function body")
		case bytecode.OpJump:
			ip = int(args[0])
			continue
		case bytecode.OpBlockStart, bytecode.OpJumpTableCaseStart, bytecode.OpJumpTableEnd:
		case bytecode.OpJumpFail, bytecode.OpJumpNoFail, bytecode.OpJumpFailRef, bytecode.OpJumpNoFailRef:
			sp = jump1Ops[opc](vm, sp)
			var cond Value
			cond, sp = vm.Pop(sp)
			if !cond.True() {
				ip = int(args[0])
				continue
			}
		case bytecode.OpJumpIfUnwound:
			sp = jump2Ops[opc](vm, sp, args[0])
			var cond Value
			cond, sp = vm.Pop(sp)
			if !cond.True() {
				ip = int(args[1])
				continue
			}
		case bytecode.OpJumpTable:
			var v Value
			v, sp = vm.Pop(sp)
			mini, maxi := int64(args[0]), int64(args[1])
			x := v.IVal()
			if x >= mini && x <= maxi {
				ip = int(args[2+x-mini])
			} else {
				ip = int(args[len(args)-1])
			}
			continue
		case bytecode.OpCall:
			sp = vm.runFun(int(args[0]), sp)
		case bytecode.OpCallV, bytecode.OpDDCall:
			sp = baseOps[opc](vm, sp, args)
			sp = vm.runFun(vm.nextCallTarget, sp)
		case bytecode.OpReturn:
			vm.startUnwind(args[0])
			return vm.FunOut(sp, int(args[1]))
		case bytecode.OpReturnAny:
			return vm.FunOut(sp, int(args[0]))
		case bytecode.OpSaveRets:
			return vm.FunOut(sp, 0)
		case bytecode.OpKeepRef, bytecode.OpKeepRefLoop:
			vm.keepRef(sp, opc, args)
		default:
			switch opc.Family() {
			case bytecode.FamilyCall:
				sp = callOps[opc](vm, sp, args, int(args[0]))
			default:
				h := baseOps[opc]
				if h == nil {
					vm.VMAssert(fmt.Sprintf("no handler for %s", opc.Name()))
				}
				sp = h(vm, sp, args)
			}
		}
		ip = next
	}
}

// FunIntro performs function entry: pushes the stack frame, grows the stack
// if headroom is low, swaps the caller's argument cells into the globals,
// saves and clears the default-save globals, and pushes the keep slots.
// fip is the code offset of the header's fid word.
func (vm *VM) FunIntro(sp, fip int) int {
	vm.stackframes = append(vm.stackframes, StackFrame{funstart: fip})
	if sp > len(vm.stack)-StackMargin {
		// Per-call growth is small, so one doubling always restores the
		// margin.
		if len(vm.stack) >= vm.maxStackSize {
			vm.SeriousError("stack overflow! (use set_max_stack_size() if needed)")
		}
		nstack := make([]Value, len(vm.stack)*2)
		copy(nstack, vm.stack[:sp+1])
		vm.stack = nstack
	}
	h := bytecode.DecodeFunHeader(vm.img.Code, fip)
	nargs := len(h.Args)
	for i, varidx := range h.Args {
		slot := sp - nargs + i + 1
		vm.vars[varidx], vm.stack[slot] = vm.stack[slot], vm.vars[varidx]
	}
	for _, varidx := range h.DefSaves {
		// For most locals this just saves a nil; only recursive calls see
		// an actual value here.
		sp = vm.Push(sp, vm.vars[varidx])
		vm.vars[varidx] = NilVal()
	}
	for i := int32(0); i < h.NKeepVars; i++ {
		sp = vm.Push(sp, NilVal())
	}
	vm.stackframes[len(vm.stackframes)-1].spstart = sp
	if sp > vm.maxsp {
		vm.maxsp = sp
	}
	return sp
}

// FunOut performs function exit with nrv staged return values: releases
// keep slots and owned vars, restores the default-save and argument globals
// in reverse order, discards the frame, and slides the return values onto
// the caller's stack top.
func (vm *VM) FunOut(sp, nrv int) int {
	sp -= nrv
	retsBase := sp + 1
	if len(vm.stackframes) == 0 {
		vm.VMAssert("return without a stack frame")
	}
	stf := vm.stackframes[len(vm.stackframes)-1]
	if sp != stf.spstart {
		vm.VMAssert("stack unbalanced at function exit")
	}
	h := bytecode.DecodeFunHeader(vm.img.Code, stf.funstart)
	for i := int32(0); i < h.NKeepVars; i++ {
		var v Value
		v, sp = vm.Pop(sp)
		v.DecRT(vm)
	}
	for _, varidx := range h.Owned {
		vm.vars[varidx].DecRT(vm)
	}
	for i := len(h.DefSaves) - 1; i >= 0; i-- {
		vm.vars[h.DefSaves[i]], sp = vm.Pop(sp)
	}
	for i := len(h.Args) - 1; i >= 0; i-- {
		vm.vars[h.Args[i]], sp = vm.Pop(sp)
	}
	vm.stackframes = vm.stackframes[:len(vm.stackframes)-1]
	copy(vm.stack[sp+1:sp+1+nrv], vm.stack[retsBase:retsBase+nrv])
	return sp + nrv
}

// startUnwind begins a non-local return when the return's target function
// is not the currently executing one.
func (vm *VM) startUnwind(fid int32) {
	if len(vm.stackframes) == 0 {
		return
	}
	stf := vm.stackframes[len(vm.stackframes)-1]
	h := bytecode.DecodeFunHeader(vm.img.Code, stf.funstart)
	if h.FunID != fid {
		vm.unwinding = true
		vm.unwindFunID = fid
	}
}

// keepRef snapshots TopM(n) into keep slot k of the current frame; the
// LOOP variant releases the slot's prior occupant first.
func (vm *VM) keepRef(sp int, opc bytecode.Opcode, args []int32) {
	n, k := int(args[0]), int(args[1])
	stf := vm.stackframes[len(vm.stackframes)-1]
	h := bytecode.DecodeFunHeader(vm.img.Code, stf.funstart)
	slot := stf.spstart - int(h.NKeepVars) + 1 + k
	if opc == bytecode.OpKeepRefLoop {
		vm.stack[slot].DecRT(vm)
	}
	vm.stack[slot] = vm.TopM(sp, n)
	vm.stack[slot].IncRT()
}

// EndEval finishes the program: formats the result, releases it, verifies
// the stack unwound completely, releases the constant-string slots and
// reports leaks. The EXIT handler calls this and then leaves the
// interpreter.
func (vm *VM) EndEval(sp int, ret Value, ti bytecode.TypeInfo) {
	vm.TerminateWorkers()
	var sd strings.Builder
	ret.ToString(vm, &sd, ti, vm.programPP)
	vm.evalret = sd.String()
	ret.DecRT(vm)
	if sp != -1 || len(vm.stackframes) != 0 {
		vm.VMAssert(fmt.Sprintf("stack not empty at exit: %d", sp+1))
	}
	for _, s := range vm.constantStrings {
		if s != nil {
			s.Dec(vm)
		}
	}
	vm.DumpLeaks()
}

// checkDepth asserts the stack depth an instruction's regso word predicts.
// Opcodes whose effect on sp is not statically known are skipped.
func (vm *VM) checkDepth(opc bytecode.Opcode, sp, regso int) {
	switch opc {
	case bytecode.OpSaveRets, bytecode.OpJumpIfUnwound, bytecode.OpReturnAny, bytecode.OpFunStart:
		return
	}
	base := -1
	if len(vm.stackframes) > 0 {
		base = vm.stackframes[len(vm.stackframes)-1].spstart
	}
	if sp-base != regso {
		vm.VMAssert(fmt.Sprintf("%s: stack depth %d, expected %d", opc.Name(), sp-base, regso))
	}
}

// traceOp appends one trace line: the opcode and up to two stack tops.
func (vm *VM) traceOp(opc bytecode.Opcode, sp int) {
	sd := vm.TraceStream()
	sd.WriteString(opc.Name())
	if sp >= 0 {
		sd.WriteString(" - ")
		vm.Top(sp).ToStringBase(vm, sd, vm.Top(sp).Tag(), vm.debugPP)
		if sp >= 1 {
			sd.WriteString(" - ")
			vm.TopM(sp, 1).ToStringBase(vm, sd, vm.TopM(sp, 1).Tag(), vm.debugPP)
		}
	}
	if vm.trace == TraceTail {
		sd.WriteString("\n")
	} else {
		fmt.Fprintln(vm.traceWriter, sd.String())
	}
}
