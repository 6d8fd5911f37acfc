package vm

import (
	"strings"
	"testing"

	"keel/internal/bytecode"
)

// buildImage finalizes an assembled program.
func buildImage(t *testing.T, a *bytecode.Asm) *bytecode.Image {
	t.Helper()
	img, err := a.Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return img
}

// runProgram executes an image with asserts enabled and expects success.
func runProgram(t *testing.T, img *bytecode.Image, opts Options) *VM {
	t.Helper()
	opts.Asserts = true
	m := NewVM(img, opts)
	if err := m.EvalProgram(); err != nil {
		t.Fatalf("EvalProgram failed: %v", err)
	}
	return m
}

func TestSimpleReturn(t *testing.T) {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(42)
	a.Exit(intT)
	m := runProgram(t, buildImage(t, a), Options{})
	if m.EvalRet() != "42" {
		t.Errorf("evalret = %q, want %q", m.EvalRet(), "42")
	}
	if m.LeakReport() != "" {
		t.Errorf("unexpected leaks:\n%s", m.LeakReport())
	}
}

func TestArithmeticAndJumps(t *testing.T) {
	// (3 + 4) * 5, then branch on 35 == 35.
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(3)
	a.PushInt(4)
	a.Binary(bytecode.OpIAdd)
	a.PushInt(5)
	a.Binary(bytecode.OpIMul)
	a.Dup()
	a.PushInt(35)
	a.Binary(bytecode.OpIEq)
	lElse := a.NewLabel()
	lEnd := a.NewLabel()
	a.CondJump(bytecode.OpJumpFail, lElse)
	a.Jump(lEnd)
	a.Block(lElse)
	a.Pop()
	a.PushInt(-1)
	a.Block(lEnd)
	a.Exit(intT)
	m := runProgram(t, buildImage(t, a), Options{})
	if m.EvalRet() != "35" {
		t.Errorf("evalret = %q, want %q", m.EvalRet(), "35")
	}
}

func TestCallSwapRestore(t *testing.T) {
	// A global is set to 10, shadowed by a callee argument, and must hold
	// 10 again after the call returns.
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	xIdent := a.AddIdent("x", false, false)
	x := a.AddVar(xIdent, intT)
	fid := a.AddFunction("f")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{x}, nil, 0, nil)
	a.PushVar(x)
	a.PushInt(100)
	a.Binary(bytecode.OpIAdd)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.PushInt(10)
	a.StoreVar(x)
	a.PushInt(1)
	a.Call(fLbl, 1, 1)
	a.Pop()
	a.PushVar(x)
	a.Exit(intT)

	m := runProgram(t, buildImage(t, a), Options{})
	if m.EvalRet() != "10" {
		t.Errorf("global not restored after call: got %q, want %q", m.EvalRet(), "10")
	}
}

func TestRecursiveVariableRestore(t *testing.T) {
	// f(x) records x, recurses with x-1 until 0, then records x again on
	// the way out. The way-out records must see each level's own x.
	var records []int64
	reg := &NativeRegistry{}
	record := reg.Register(&NativeFun{
		Name: "record",
		Fn: func(m *VM, sp int) int {
			records = append(records, m.Top(sp).IVal())
			sp--
			return m.Push(sp, NilVal())
		},
	})

	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	xIdent := a.AddIdent("x", false, false)
	x := a.AddVar(xIdent, intT)
	fid := a.AddFunction("f")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{x}, nil, 0, nil)
	a.PushVar(x)
	a.BCall(record, 1, 1)
	a.Pop()
	a.PushVar(x)
	a.PushInt(0)
	a.Binary(bytecode.OpIGt)
	lDone := a.NewLabel()
	a.CondJump(bytecode.OpJumpFail, lDone)
	a.PushVar(x)
	a.PushInt(1)
	a.Binary(bytecode.OpISub)
	a.Call(fLbl, 1, 1)
	a.Pop()
	a.Block(lDone)
	a.PushVar(x)
	a.BCall(record, 1, 1)
	a.Pop()
	a.PushInt(0)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.PushInt(3)
	a.Call(fLbl, 1, 1)
	a.Exit(intT)

	runProgram(t, buildImage(t, a), Options{Registry: reg})
	want := []int64{3, 2, 1, 0, 0, 1, 2, 3}
	if len(records) != len(want) {
		t.Fatalf("records = %v, want %v", records, want)
	}
	for i := range want {
		if records[i] != want[i] {
			t.Fatalf("records = %v, want %v", records, want)
		}
	}
}

// growthProgram assembles f(x) = x > 0 ? f(x-1) : 0 with extra default-save
// slots per frame to amplify stack consumption.
func growthProgram(t *testing.T, depth int32) *bytecode.Image {
	t.Helper()
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	x := a.AddVar(a.AddIdent("x", false, false), intT)
	d1 := a.AddVar(a.AddIdent("d1", false, false), intT)
	d2 := a.AddVar(a.AddIdent("d2", false, false), intT)
	d3 := a.AddVar(a.AddIdent("d3", false, false), intT)
	fid := a.AddFunction("deep")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{x}, []int32{d1, d2, d3}, 0, nil)
	a.PushVar(x)
	a.PushInt(0)
	a.Binary(bytecode.OpIGt)
	lDone := a.NewLabel()
	a.CondJump(bytecode.OpJumpFail, lDone)
	a.PushVar(x)
	a.PushInt(1)
	a.Binary(bytecode.OpISub)
	a.Call(fLbl, 1, 1)
	a.Return(fid, 1)
	a.Block(lDone)
	a.PushInt(0)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.PushInt(depth)
	a.Call(fLbl, 1, 1)
	a.Exit(intT)
	return buildImage(t, a)
}

func TestStackGrowth(t *testing.T) {
	img := growthProgram(t, 20000)
	m := runProgram(t, img, Options{})
	if m.EvalRet() != "0" {
		t.Errorf("evalret = %q, want %q", m.EvalRet(), "0")
	}
	// 20000 frames with 4 stack cells each outgrow 32K and 64K.
	if len(m.stack) < 4*InitStackSize {
		t.Errorf("stack size = %d, want at least two doublings from %d", len(m.stack), InitStackSize)
	}
}

func TestStackOverflow(t *testing.T) {
	img := growthProgram(t, 500000)
	m := NewVM(img, Options{MaxStackSize: 64 * 1024})
	err := m.EvalProgram()
	if err == nil {
		t.Fatal("expected stack overflow")
	}
	ve, ok := err.(*VMError)
	if !ok || !ve.Serious {
		t.Fatalf("expected serious VMError, got %v", err)
	}
	if !strings.Contains(ve.Msg, "stack overflow") {
		t.Errorf("error = %q, want stack overflow", ve.Msg)
	}
}

func TestIndexErrorTrace(t *testing.T) {
	// A vector of length 3 accessed at index 5 inside a named function.
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	vecT := a.TypeVector(intT)
	v := a.AddVar(a.AddIdent("v", false, false), vecT)
	fid := a.AddFunction("oops")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{v}, nil, 0, nil)
	a.PushVar(v)
	a.PushInt(5)
	a.IdxVecInt()
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.PushInt(1)
	a.PushInt(2)
	a.PushInt(3)
	a.NewVec(vecT, 3)
	a.Call(fLbl, 1, 1)
	a.Exit(intT)

	m := NewVM(buildImage(t, a), Options{Asserts: true})
	err := m.EvalProgram()
	if err == nil {
		t.Fatal("expected index error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "VM error: index 5 out of range 3") {
		t.Errorf("error = %q, want prefix %q", msg, "VM error: index 5 out of range 3")
	}
	if !strings.Contains(msg, "\nin function: oops") {
		t.Errorf("error %q missing frame line for oops", msg)
	}
	if !strings.Contains(msg, "\n   v = [1, 2, 3]") {
		t.Errorf("error %q missing variable dump for v", msg)
	}
}

func TestKeepVarsAndRefcounts(t *testing.T) {
	// A kept string intermediate survives its consuming pop and is
	// released exactly once at the epilogue.
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	fid := a.AddFunction("keeper")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, nil, nil, 1, nil)
	a.PushStr("kept intermediate")
	a.KeepRef(0, 0)
	a.PopRef()
	a.PushInt(0)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.Call(fLbl, 0, 1)
	a.Exit(intT)

	m := runProgram(t, buildImage(t, a), Options{})
	if m.LeakReport() != "" {
		t.Errorf("unexpected leaks:\n%s", m.LeakReport())
	}
	if len(m.pool.live) != 0 {
		t.Errorf("%d objects still live after EndEval", len(m.pool.live))
	}
}

func TestKeepRefLoopReleasesPrior(t *testing.T) {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	fid := a.AddFunction("looper")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, nil, nil, 1, nil)
	a.PushStr("first")
	a.KeepRef(0, 0)
	a.PopRef()
	a.PushStr("second")
	a.KeepRefLoop(0, 0)
	a.PopRef()
	a.PushInt(0)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.Call(fLbl, 0, 1)
	a.Exit(intT)

	m := runProgram(t, buildImage(t, a), Options{})
	if m.LeakReport() != "" {
		t.Errorf("unexpected leaks:\n%s", m.LeakReport())
	}
}

func TestJumpTable(t *testing.T) {
	// switch (2) { case 1: 10; case 2: 20; default: -1 }
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(2)
	c1 := a.NewLabel()
	c2 := a.NewLabel()
	def := a.NewLabel()
	end := a.NewLabel()
	a.JumpTable(1, 2, []bytecode.Label{c1, c2}, def)
	a.Case(c1)
	a.PushInt(10)
	a.Jump(end)
	a.SetDepth(0)
	a.Case(c2)
	a.PushInt(20)
	a.Jump(end)
	a.SetDepth(0)
	a.Case(def)
	a.PushInt(-1)
	a.EndTable()
	a.SetDepth(1)
	a.Block(end)
	a.Exit(intT)
	m := runProgram(t, buildImage(t, a), Options{})
	if m.EvalRet() != "20" {
		t.Errorf("evalret = %q, want %q", m.EvalRet(), "20")
	}
}

func TestIndirectCalls(t *testing.T) {
	// CALLV through a pushed function value.
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	x := a.AddVar(a.AddIdent("x", false, false), intT)
	fid := a.AddFunction("twice")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{x}, nil, 0, nil)
	a.PushVar(x)
	a.PushInt(2)
	a.Binary(bytecode.OpIMul)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.PushInt(21)
	a.PushFun(fLbl)
	a.CallV(1, 1)
	a.Exit(intT)

	m := runProgram(t, buildImage(t, a), Options{})
	if m.EvalRet() != "42" {
		t.Errorf("evalret = %q, want %q", m.EvalRet(), "42")
	}
}

func TestVirtualDispatch(t *testing.T) {
	// A class with one method slot dispatched through the vtable.
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	vslot := a.AddVTableEntry()
	udt := a.AddUDT("Box", 0)
	boxT := a.TypeUDT(bytecode.KClass, udt, intT)
	self := a.AddVar(a.AddIdent("self", false, false), boxT)
	fid := a.AddFunction("Box.get")

	mLbl := a.NewLabel()
	a.FunStart(mLbl, fid, []int32{self}, nil, 0, []int32{self})
	a.PushVar(self)
	a.PushField(0)
	a.Return(fid, 1)
	a.EndFun()
	a.BindVTableEntry(vslot, mLbl)

	a.SetStart()
	a.PushInt(7)
	a.NewObject(boxT)
	a.DDCall(0, 0, 1, 1)
	a.Exit(intT)

	m := runProgram(t, buildImage(t, a), Options{})
	if m.EvalRet() != "7" {
		t.Errorf("evalret = %q, want %q", m.EvalRet(), "7")
	}
	if m.LeakReport() != "" {
		t.Errorf("unexpected leaks:\n%s", m.LeakReport())
	}
}

func TestAbort(t *testing.T) {
	a := bytecode.NewAsm()
	a.SetStart()
	a.PushStr("user raised")
	a.Abort()
	a.PushInt(0)
	a.Exit(a.TypeInt(-1))
	m := NewVM(buildImage(t, a), Options{})
	err := m.EvalProgram()
	if err == nil {
		t.Fatal("expected abort error")
	}
	if !strings.HasPrefix(err.Error(), "VM error: user raised") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestTraceTailRingBound(t *testing.T) {
	img := growthProgram(t, 2000)
	m := runProgram(t, img, Options{Trace: TraceTail})
	if len(m.traceOutput) > traceTailSize {
		t.Errorf("trace ring has %d entries, cap is %d", len(m.traceOutput), traceTailSize)
	}
}

func TestRecursiveErrorContained(t *testing.T) {
	a := bytecode.NewAsm()
	a.SetStart()
	a.PushInt(0)
	a.Exit(a.TypeInt(-1))
	m := NewVM(buildImage(t, a), Options{})
	m.errorHasOccurred = true
	defer func() {
		r := recover()
		ve, ok := r.(*VMError)
		if !ok {
			t.Fatalf("expected *VMError, got %v", r)
		}
		if ve.Msg != "nested failure" {
			t.Errorf("recursive error message = %q", ve.Msg)
		}
	}()
	m.Error(-1, "nested failure")
}
