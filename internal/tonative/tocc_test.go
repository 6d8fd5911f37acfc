package tonative

import (
	"fmt"
	"strings"
	"testing"

	"keel/internal/bytecode"
	"keel/internal/vm"
)

func build(t *testing.T, a *bytecode.Asm) (*bytecode.Image, []byte) {
	t.Helper()
	buf, err := a.BuildBytes()
	if err != nil {
		t.Fatalf("BuildBytes: %v", err)
	}
	img, err := bytecode.Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return img, buf
}

func translate(t *testing.T, a *bytecode.Asm, reg *vm.NativeRegistry, typed bool) string {
	t.Helper()
	img, buf := build(t, a)
	if reg == nil {
		reg = &vm.NativeRegistry{}
	}
	src, err := ToC(img, reg, buf, typed)
	if err != nil {
		t.Fatalf("ToC: %v", err)
	}
	return src
}

func TestMinimalProgram(t *testing.T) {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(7)
	a.Exit(intT)
	src := translate(t, a, nil, false)

	startFun := fmt.Sprintf("fun_%d", 3)
	for _, want := range []string{
		"static StackPtr " + startFun + "(VMRef, StackPtr);",
		"static StackPtr " + startFun + "(VMRef vm, StackPtr psp) {",
		"    Value regs[1];",
		"    StackPtr sp = &regs[-1];",
		"sp = U_PUSHINT(vm, sp, 7);",
		"    return psp;",
		"const fun_base_t vtables[] = {\n    0\n};",
		"StackPtr compiled_entry_point(VMRef vm, StackPtr sp) {",
		"    Entry(sizeof(Value));",
		"    return " + startFun + "(vm, sp);",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing %q\n%s", want, src)
		}
	}
	// EXIT ends the entry block, so no epilogue label is emitted.
	if strings.Contains(src, "epilogue:") {
		t.Errorf("unexpected epilogue label after EXIT\n%s", src)
	}
	// Plain mode declares every helper family.
	for _, want := range []string{
		"StackPtr U_PUSHINT(VMRef, StackPtr, int);\n",
		"StackPtr U_PUSHFUN(VMRef, StackPtr, int, fun_base_t);\n",
		"StackPtr U_FUNSTART(VMRef, StackPtr, const int *);\n",
		"StackPtr U_JUMPFAIL(VMRef, StackPtr);\n",
		"StackPtr U_JUMPIFUNWOUND(VMRef, StackPtr, int);\n",
		"extern fun_base_t GetNextCallTarget(VMRef);",
		"extern StackPtr PopArg(VMRef, int, StackPtr);",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing declaration %q", want)
		}
	}
}

func TestFunctionBody(t *testing.T) {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	x := a.AddVar(a.AddIdent("x", false, false), intT)
	d := a.AddVar(a.AddIdent("d", false, false), intT)
	fid := a.AddFunction("addone")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{x}, []int32{d}, 1, nil)
	a.PushVar(x)
	a.PushInt(1)
	a.Binary(bytecode.OpIAdd)
	a.KeepRef(0, 0)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.PushInt(41)
	a.Call(fLbl, 1, 1)
	a.Exit(intT)
	src := translate(t, a, nil, false)

	for _, want := range []string{
		"// addone\n",
		"    Value defsave[1];",
		"    Value keepvar[1];",
		"    SwapVars(vm, 0, psp, 0);",
		"    BackupVar(vm, 1, &defsave[0]);",
		"    NilVal(&keepvar[0]);",
		"sp = U_PUSHVAR(vm, sp, 0); /* x */",
		"keepvar[0] = TopM(sp, 0);",
		"psp = U_RETURN(vm, psp, 0, 1);",
		"    psp = PopArg(vm, 0, psp);",
		"    Push(psp, TopM(sp, 0));",
		"    sp -= 1;",
		"    goto epilogue;",
		"    epilogue:\n",
		"    RestoreBackup(vm, 1, defsave[0]);",
		"    DecVal(vm, keepvar[0]);",
		"/* addone */",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing %q\n%s", want, src)
		}
	}
}

func TestControlFlowLowering(t *testing.T) {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(1)
	lElse := a.NewLabel()
	lEnd := a.NewLabel()
	a.CondJump(bytecode.OpJumpFail, lElse)
	a.PushInt(10)
	a.Jump(lEnd)
	a.SetDepth(0)
	a.Block(lElse)
	a.PushInt(2)
	c1 := a.NewLabel()
	def := a.NewLabel()
	a.JumpTable(2, 2, []bytecode.Label{c1}, def)
	a.Case(c1)
	a.PushInt(20)
	a.Jump(lEnd)
	a.SetDepth(0)
	a.Case(def)
	a.PushInt(-1)
	a.EndTable()
	a.SetDepth(1)
	a.Block(lEnd)
	a.Exit(intT)
	src := translate(t, a, nil, false)

	for _, want := range []string{
		"sp = U_JUMPFAIL(vm, sp); { long long top = sp->ival; sp--; if (!top) goto block",
		"{ long long top = sp->ival; sp--; switch (top) {",
		"case 2:",
		"default:",
		"}} // switch",
		"goto block",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing %q\n%s", want, src)
		}
	}
	// Block labels carry the trailing semicolon.
	if !strings.Contains(src, ":;") {
		t.Errorf("block labels missing trailing semicolon\n%s", src)
	}
}

func TestCallsAndComments(t *testing.T) {
	reg := &vm.NativeRegistry{}
	printIdx := reg.Register(&vm.NativeFun{Name: "print", Fn: func(m *vm.VM, sp int) int { return sp }})
	glIdx := reg.Register(&vm.NativeFun{Name: "gl_frame", IsGLFrame: true, Fn: func(m *vm.VM, sp int) int { return sp }})

	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	x := a.AddVar(a.AddIdent("counter", false, false), intT)
	fid := a.AddFunction("tick")

	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{x}, nil, 0, nil)
	a.PushVar(x)
	a.Return(fid, 1)
	a.EndFun()

	a.SetStart()
	a.PushStr("a rather long string constant that should be truncated in the comment")
	a.BCall(printIdx, 1, 1)
	a.BCall(glIdx, 1, 1)
	a.PushFun(fLbl)
	a.CallV(0, 1)
	a.Pop()
	a.PushInt(5)
	a.Call(fLbl, 1, 1)
	a.Exit(intT)
	src := translate(t, a, reg, false)

	for _, want := range []string{
		"/* \"a rather long string constant that should be trunc\" */",
		"/* print */",
		"sp = GLFrame(sp, vm);",
		", fun_3);", // PUSHFUN passes the continuation
		"sp = GetNextCallTarget(vm)(vm, sp);",
		"/* tick */ sp = fun_3(vm, sp);",
		"/* counter */",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing %q\n%s", want, src)
		}
	}
}

func TestTypedOutput(t *testing.T) {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(1)
	lEnd := a.NewLabel()
	a.CondJump(bytecode.OpJumpFail, lEnd)
	a.PushInt(7)
	a.SetDepth(0)
	a.Block(lEnd)
	a.PushInt(9)
	a.Exit(intT)
	src := translate(t, a, nil, true)

	for _, want := range []string{
		"#include \"keel/stdafx.h\"",
		"typedef keel::Value Value;",
		"assert(sp == &regs[",
		"); if (Pop(sp).False()) goto block",
		"static const int bytecodefb[] = {",
		"extern \"C\" StackPtr compiled_entry_point(VMRef vm, StackPtr sp) {",
		"int main(int argc, char *argv[]) {",
		"RunCompiledCodeMain(argc, argv, (uint8_t *)bytecodefb,",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("output missing %q\n%s", want, src)
		}
	}
	if strings.Contains(src, "Entry(sizeof(Value));") {
		t.Errorf("typed output must not call Entry\n%s", src)
	}
}

func TestVTableEmission(t *testing.T) {
	a := bytecode.NewAsm()
	intT := a.TypeInt(-1)
	slot := a.AddVTableEntry()
	a.AddVTableEntry() // left as a gap
	udt := a.AddUDT("Thing", 0)
	thingT := a.TypeUDT(bytecode.KClass, udt, intT)
	self := a.AddVar(a.AddIdent("self", false, false), thingT)
	fid := a.AddFunction("Thing.id")

	mLbl := a.NewLabel()
	a.FunStart(mLbl, fid, []int32{self}, nil, 0, []int32{self})
	a.PushVar(self)
	a.PushField(0)
	a.Return(fid, 1)
	a.EndFun()
	a.BindVTableEntry(slot, mLbl)

	a.SetStart()
	a.PushInt(3)
	a.NewObject(thingT)
	a.DDCall(0, 0, 1, 1)
	a.Exit(intT)
	src := translate(t, a, nil, false)

	if !strings.Contains(src, "fun_3,\n    0,\n    0\n};") {
		t.Errorf("vtable not emitted with gap and sentinel\n%s", src)
	}
	if !strings.Contains(src, "/* Thing */") {
		t.Errorf("missing UDT comment for NEWOBJECT\n%s", src)
	}
	if !strings.Contains(src, "DecOwned(vm, 0);") {
		t.Errorf("missing owned var release in return\n%s", src)
	}
}
