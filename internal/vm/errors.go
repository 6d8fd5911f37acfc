package vm

import (
	"fmt"
	"strings"

	"keel/internal/bytecode"
)

// VMError is what escapes EvalProgram when execution fails. Serious errors
// left the VM in an inconsistent state and carry no variable dump.
type VMError struct {
	Msg     string
	Serious bool
}

// Error implements the error interface.
func (e *VMError) Error() string { return e.Msg }

// unwindOnError is the single location execution unwinds from on error.
// Recovered by EvalProgram (and by Error itself while building a trace).
func (vm *VM) unwindOnError(serious bool) {
	panic(&VMError{Msg: vm.errmsg, Serious: serious})
}

// errorBase seeds the error buffer. A second error while one is being
// reported unwinds immediately with the nested message; Error catches it
// and appends it as a recursive error. In TAIL trace mode the retained
// ring is the report.
func (vm *VM) errorBase(err string, serious bool) {
	if vm.errorHasOccurred {
		vm.errmsg = err
		vm.unwindOnError(serious)
	}
	vm.errorHasOccurred = true
	if vm.trace == TraceTail && len(vm.traceOutput) > 0 {
		var sd strings.Builder
		for i := vm.traceRingIdx; i < len(vm.traceOutput); i++ {
			sd.WriteString(vm.traceOutput[i].String())
		}
		for i := 0; i < vm.traceRingIdx; i++ {
			sd.WriteString(vm.traceOutput[i].String())
		}
		sd.WriteString(err)
		vm.errmsg += sd.String()
		vm.unwindOnError(serious)
	}
	vm.errmsg = "VM error: " + err
}

// Error reports a recoverable runtime error: it assembles a stack trace
// with variable dumps frame by frame, restoring globals as it unwinds, and
// then escapes through the single unwind point. An error raised while the
// trace is being built is contained and appended instead of aborting.
func (vm *VM) Error(sp int, err string) {
	vm.errorBase(err, false)
	func() {
		defer func() {
			if r := recover(); r != nil {
				if nested, ok := r.(*VMError); ok {
					vm.errmsg += "\nRECURSIVE ERROR:\n" + nested.Msg
					return
				}
				panic(r)
			}
		}()
		vm.buildTrace(sp)
	}()
	vm.unwindOnError(false)
}

func (vm *VM) buildTrace(sp int) {
	var sd strings.Builder
	for sp >= 0 && (len(vm.stackframes) == 0 || sp != vm.stackframes[len(vm.stackframes)-1].spstart) {
		// Can't know the static type of a loose stack cell, so print what
		// can be safely read.
		v := vm.Top(sp)
		fmt.Fprintf(&sd, "\n   stack: %x", uint64(v.IVal()))
		if v.Ref() != nil && vm.pool.AllocID(v.Ref()) != 0 {
			sd.WriteString(", maybe: ")
			RefToString(vm, &sd, v.Ref(), vm.debugPP)
		}
		// No DEC here: leaks are ignored in case of an error anyway.
		sp--
	}
	for len(vm.stackframes) > 0 {
		stf := vm.stackframes[len(vm.stackframes)-1]
		h := bytecode.DecodeFunHeader(vm.img.Code, stf.funstart)
		if h.FunID >= 0 {
			fmt.Fprintf(&sd, "\nin function: %s", vm.img.FunctionName(h.FunID))
		} else {
			sd.WriteString("\nin block")
		}
		if sd.Len() < 10000 {
			for j := 0; j < len(h.DefSaves); {
				i := h.DefSaves[len(h.DefSaves)-j-1]
				j += vm.DumpVar(&sd, vm.vars[i], i)
			}
			for j := 0; j < len(h.Args); {
				i := h.Args[len(h.Args)-j-1]
				j += vm.DumpVar(&sd, vm.vars[i], i)
			}
		}
		sp = stf.spstart
		sp -= int(h.NKeepVars)
		for i := len(h.DefSaves) - 1; i >= 0; i-- {
			vm.vars[h.DefSaves[i]], sp = vm.Pop(sp)
		}
		for i := len(h.Args) - 1; i >= 0; i-- {
			vm.vars[h.Args[i]], sp = vm.Pop(sp)
		}
		vm.stackframes = vm.stackframes[:len(vm.stackframes)-1]
	}
	vm.errmsg += sd.String()
}

// SeriousError reports an error without attempting any variable dumping,
// for when the VM state may already be inconsistent.
func (vm *VM) SeriousError(err string) {
	vm.errorBase(err, true)
	vm.unwindOnError(true)
}

// VMAssert reports a programmer error in the VM itself.
func (vm *VM) VMAssert(what string) {
	vm.SeriousError("VM internal assertion failure: " + what)
}

// DumpVar appends one global to the trace when its runtime tag matches its
// static type (a mismatch usually means uninitialized). Returns the number
// of var slots consumed, so inline structs advance the caller's cursor.
func (vm *VM) DumpVar(sd *strings.Builder, x Value, idx int32) int {
	sid := vm.img.SpecIdents[idx]
	id := vm.img.Idents[sid.IdentIdx]
	// Filters global let declared vars, which are mostly constructors.
	if id.ReadOnly && id.Global {
		return 1
	}
	ti := vm.GetVarTypeInfo(idx)
	if ti.Kind == bytecode.KStructScalar {
		fmt.Fprintf(sd, "\n   %s = ", id.Name)
		StructToString(vm, sd, vm.debugPP, ti, vm.vars[idx:idx+ti.Len])
		return int(ti.Len)
	}
	if ti.Kind != x.Tag() {
		return 1 // Likely uninitialized.
	}
	fmt.Fprintf(sd, "\n   %s = ", id.Name)
	x.ToString(vm, sd, ti, vm.debugPP)
	return 1
}

// IDXErr raises the out-of-range error for indexing v at i with length n.
func (vm *VM) IDXErr(sp int, i, n int64, v *Object) {
	var sd strings.Builder
	fmt.Fprintf(&sd, "index %d out of range %d of: ", i, n)
	RefToString(vm, &sd, v, vm.debugPP)
	vm.Error(sp, sd.String())
}
