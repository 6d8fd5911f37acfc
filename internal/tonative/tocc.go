// Package tonative translates a verified program image into a single C (or
// high-level typed C++) source file: one function per bytecode function,
// goto-based control flow, and direct calls into the per-opcode helper
// routines. All dynamic behavior stays in the helpers; the translator's job
// is to preserve control flow exactly so the resulting binary behaves
// bit-identically to the interpreter.
package tonative

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"keel/internal/bytecode"
	"keel/internal/vm"
)

// Emitter holds the state of one translation run.
type Emitter struct {
	img       *bytecode.Image
	reg       *vm.NativeRegistry
	container []byte
	typed     bool

	buf        strings.Builder
	funLookup  map[int]*bytecode.Function
	jumptables [][]int32

	funstart  int // header offset of the open function, -1 in entry block
	nkeepvars int
	ndefsave  int
	sdt       strings.Builder // deferred RestoreBackup lines
}

// ToC translates the image. typed selects the high-level typed output that
// embeds the container and a main; otherwise plain C with forward
// declarations for every helper is produced. container must be the buffer
// img was loaded from (embedded in typed mode).
func ToC(img *bytecode.Image, reg *vm.NativeRegistry, container []byte, typed bool) (string, error) {
	e := &Emitter{
		img:       img,
		reg:       reg,
		container: container,
		typed:     typed,
		funLookup: img.CreateFunctionLookup(),
		funstart:  -1,
	}
	e.emitPreamble()
	if err := e.emitPrototypes(); err != nil {
		return "", err
	}
	if err := e.emitBodies(); err != nil {
		return "", err
	}
	e.emitVTables()
	e.emitEntry()
	return e.buf.String(), nil
}

func (e *Emitter) emitPreamble() {
	if e.typed {
		e.buf.WriteString(
			"#include \"keel/stdafx.h\"\n" +
				"#include \"keel/vmdata.h\"\n" +
				"#include \"keel/vmops.h\"\n" +
				"#include \"keel/compiler.h\"\n" +
				"\n" +
				"typedef keel::Value Value;\n" +
				"typedef keel::StackPtr StackPtr;\n" +
				"typedef keel::VM &VMRef;\n" +
				"typedef keel::fun_base_t fun_base_t;\n" +
				"\n" +
				"#if KEEL_ENGINE\n" +
				"    extern \"C\" StackPtr GLFrame(StackPtr sp, VMRef vm);\n" +
				"#endif\n" +
				"\n")
		return
	}
	// This needs to correspond to the runtime Value, enforced in Entry().
	e.buf.WriteString(
		"typedef struct {\n" +
			"    union {\n" +
			"        long long ival;\n" +
			"        double fval;\n" +
			"        void *rval;\n" +
			"    };\n" +
			"    int type;\n" +
			"} Value;\n" +
			"typedef Value *StackPtr;\n" +
			"typedef void *VMRef;\n" +
			"typedef StackPtr(*fun_base_t)(VMRef, StackPtr);\n" +
			"#define Pop(sp) (*(sp)--)\n" +
			"#define Push(sp, V) (*++(sp) = (V))\n" +
			"#define TopM(sp, N) (*((sp) - (N)))\n" +
			"\n")
	for _, opc := range bytecode.Opcodes() {
		switch opc.Family() {
		case bytecode.FamilyBase:
			fmt.Fprintf(&e.buf, "StackPtr U_%s(VMRef, StackPtr%s);\n", opc.Name(), intArgs(opc.Arity()))
		case bytecode.FamilyCall:
			fmt.Fprintf(&e.buf, "StackPtr U_%s(VMRef, StackPtr%s, fun_base_t);\n", opc.Name(), intArgs(opc.Arity()))
		case bytecode.FamilyVararg:
			fmt.Fprintf(&e.buf, "StackPtr U_%s(VMRef, StackPtr, const int *);\n", opc.Name())
		case bytecode.FamilyJump1:
			fmt.Fprintf(&e.buf, "StackPtr U_%s(VMRef, StackPtr);\n", opc.Name())
		case bytecode.FamilyJump2:
			fmt.Fprintf(&e.buf, "StackPtr U_%s(VMRef, StackPtr, int);\n", opc.Name())
		}
	}
	e.buf.WriteString(
		"extern fun_base_t GetNextCallTarget(VMRef);\n" +
			"extern void Entry(int);\n" +
			"extern StackPtr GLFrame(StackPtr, VMRef);\n" +
			"extern void SwapVars(VMRef, int, StackPtr, int);\n" +
			"extern void BackupVar(VMRef, int, Value *);\n" +
			"extern void NilVal(Value *);\n" +
			"extern void DecOwned(VMRef, int);\n" +
			"extern void DecVal(VMRef, Value);\n" +
			"extern void RestoreBackup(VMRef, int, Value);\n" +
			"extern StackPtr PopArg(VMRef, int, StackPtr);\n" +
			"\n")
}

func intArgs(n int) string {
	return strings.Repeat(", int", n)
}

// emitPrototypes is pass 1: scan the instruction stream, emitting a forward
// declaration for every function entry.
func (e *Emitter) emitPrototypes() error {
	code := e.img.Code
	startingIP := e.img.StartIP()
	ip := 3 // past the entry JUMP
	for ip < len(code) {
		id := ip
		opc := bytecode.Opcode(code[ip])
		if opc == bytecode.OpFunStart || id == startingIP {
			fmt.Fprintf(&e.buf, "static StackPtr fun_%d(VMRef, StackPtr);\n", id)
		}
		if !opc.Valid() {
			return fmt.Errorf("corrupt bytecode: %d at: %d", code[ip], id)
		}
		_, next, _ := bytecode.ParseOpAndGetArity(code, opc, ip)
		ip = next
	}
	e.buf.WriteString("\n")
	return nil
}

// emitBodies is pass 2.
func (e *Emitter) emitBodies() error {
	code := e.img.Code
	startingIP := e.img.StartIP()
	ip := 3
	for ip < len(code) {
		id := ip
		opc := bytecode.Opcode(code[ip])
		isStart := id == startingIP
		if opc == bytecode.OpFunStart || isStart {
			e.openFunction(id, opc)
		}
		_, next, regso := bytecode.ParseOpAndGetArity(code, opc, ip)
		args := code[id+2 : next]
		e.buf.WriteString("    ")
		if e.typed && opc != bytecode.OpSaveRets && opc != bytecode.OpJumpIfUnwound &&
			opc != bytecode.OpReturnAny && opc != bytecode.OpFunStart {
			fmt.Fprintf(&e.buf, "assert(sp == &regs[%d]); ", regso-1)
		}
		e.emitOp(opc, id, args)
		e.buf.WriteString("\n")
		ip = next
		if ip == len(code) || bytecode.Opcode(code[ip]) == bytecode.OpFunStart || ip == startingIP {
			e.closeFunction(opc)
		}
	}
	return nil
}

func (e *Emitter) openFunction(id int, opc bytecode.Opcode) {
	e.funstart = -1
	e.nkeepvars = 0
	e.ndefsave = 0
	e.sdt.Reset()
	e.buf.WriteString("\n")
	if f := e.funLookup[id]; f != nil {
		fmt.Fprintf(&e.buf, "// %s\n", f.Name)
	}
	fmt.Fprintf(&e.buf, "static StackPtr fun_%d(VMRef vm, StackPtr psp) {\n", id)
	if opc == bytecode.OpFunStart {
		e.funstart = id + 2
		h := bytecode.DecodeFunHeader(e.img.Code, e.funstart)
		e.ndefsave = len(h.DefSaves)
		e.nkeepvars = int(h.NKeepVars)
		regs := h.RegsMax
		if regs < 1 {
			regs = 1
		}
		fmt.Fprintf(&e.buf, "    Value regs[%d];\n", regs)
		if e.ndefsave > 0 {
			fmt.Fprintf(&e.buf, "    Value defsave[%d];\n", e.ndefsave)
		}
		if e.nkeepvars > 0 {
			fmt.Fprintf(&e.buf, "    Value keepvar[%d];\n", e.nkeepvars)
		}
	} else {
		// Final program return is at most 1 value.
		e.buf.WriteString("    Value regs[1];\n")
	}
	e.buf.WriteString("    StackPtr sp = &regs[-1];\n")
}

func (e *Emitter) closeFunction(lastOpc bytecode.Opcode) {
	if lastOpc != bytecode.OpExit && lastOpc != bytecode.OpAbort {
		e.buf.WriteString("    epilogue:\n")
	}
	if e.sdt.Len() > 0 {
		e.buf.WriteString(e.sdt.String())
	}
	for i := 0; i < e.nkeepvars; i++ {
		fmt.Fprintf(&e.buf, "    DecVal(vm, keepvar[%d]);\n", i)
	}
	e.buf.WriteString("    return psp;\n")
	e.buf.WriteString("}\n")
}

func (e *Emitter) emitOp(opc bytecode.Opcode, id int, args []int32) {
	switch {
	case opc == bytecode.OpFunStart:
		e.emitFunStart()
	case opc == bytecode.OpJump:
		fmt.Fprintf(&e.buf, "goto block%d;", args[0])
	case opc.IsCondJump():
		target := args[0]
		df := int32(-1)
		if opc == bytecode.OpJumpIfUnwound {
			df = args[0]
			target = args[1]
		}
		fmt.Fprintf(&e.buf, "sp = U_%s(vm, sp", opc.Name())
		if df >= 0 {
			fmt.Fprintf(&e.buf, ", %d", df)
		}
		if e.typed {
			fmt.Fprintf(&e.buf, "); if (Pop(sp).False()) goto block%d;", target)
		} else {
			fmt.Fprintf(&e.buf, "); { long long top = sp->ival; sp--; if (!top) goto block%d; }", target)
		}
	case opc == bytecode.OpBlockStart:
		// The ";" is needed because blocks may end up just before "}" at
		// the end of a switch.
		fmt.Fprintf(&e.buf, "block%d:;", id)
	case opc == bytecode.OpJumpTable:
		if e.typed {
			e.buf.WriteString("switch (Pop(sp).ival()) {")
		} else {
			e.buf.WriteString("{ long long top = sp->ival; sp--; switch (top) {")
		}
		e.jumptables = append(e.jumptables, args)
	case opc == bytecode.OpJumpTableCaseStart:
		t := e.jumptables[len(e.jumptables)-1]
		mini, maxi := t[0], t[1]
		k := 2
		for i := mini; i <= maxi; i++ {
			if t[k] == int32(id) {
				fmt.Fprintf(&e.buf, "case %d:", i)
			}
			k++
		}
		if t[k] == int32(id) {
			e.buf.WriteString("default:")
		}
	case opc == bytecode.OpJumpTableEnd:
		if e.typed {
			e.buf.WriteString("} // switch")
		} else {
			e.buf.WriteString("}} // switch")
		}
		e.jumptables = e.jumptables[:len(e.jumptables)-1]
	case opc == bytecode.OpBCallRet && e.reg.Get(args[0]) != nil && e.reg.Get(args[0]).IsGLFrame:
		e.buf.WriteString("sp = GLFrame(sp, vm);")
	case opc == bytecode.OpReturn || opc == bytecode.OpReturnAny:
		e.emitReturn(opc, args)
	case opc == bytecode.OpSaveRets:
		e.buf.WriteString("\n    goto epilogue;")
	case opc == bytecode.OpKeepRef || opc == bytecode.OpKeepRefLoop:
		if opc == bytecode.OpKeepRefLoop {
			fmt.Fprintf(&e.buf, "DecVal(vm, keepvar[%d]); ", args[1])
		}
		fmt.Fprintf(&e.buf, "keepvar[%d] = TopM(sp, %d);", args[1], args[0])
	default:
		e.emitGeneric(opc, args)
	}
}

func (e *Emitter) emitFunStart() {
	h := bytecode.DecodeFunHeader(e.img.Code, e.funstart)
	nargs := len(h.Args)
	for i, varidx := range h.Args {
		fmt.Fprintf(&e.buf, "\n    SwapVars(vm, %d, psp, %d);", varidx, nargs-i-1)
	}
	for i, varidx := range h.DefSaves {
		// For most locals this saves a nil; only recursive calls see an
		// actual value.
		if e.typed {
			fmt.Fprintf(&e.buf, "\n    defsave[%d] = BackupVar(vm, %d);", i, varidx)
		} else {
			fmt.Fprintf(&e.buf, "\n    BackupVar(vm, %d, &defsave[%d]);", varidx, i)
		}
	}
	for i := 0; i < e.nkeepvars; i++ {
		if e.typed {
			fmt.Fprintf(&e.buf, "\n    keepvar[%d] = keel::NilVal();", i)
		} else {
			fmt.Fprintf(&e.buf, "\n    NilVal(&keepvar[%d]);", i)
		}
	}
}

func (e *Emitter) emitReturn(opc bytecode.Opcode, args []int32) {
	var h bytecode.FunHeader
	if e.funstart >= 0 {
		h = bytecode.DecodeFunHeader(e.img.Code, e.funstart)
	}
	var nrets int32
	if opc == bytecode.OpReturn {
		nrets = args[1]
		fmt.Fprintf(&e.buf, "psp = U_RETURN(vm, psp, %d, %d);", args[0], nrets)
	} else {
		nrets = args[0]
		fmt.Fprintf(&e.buf, "psp = U_RETURNANY(vm, psp, %d);", nrets)
	}
	for _, varidx := range h.Owned {
		fmt.Fprintf(&e.buf, "\n    DecOwned(vm, %d);", varidx)
	}
	for i := len(h.Args) - 1; i >= 0; i-- {
		fmt.Fprintf(&e.buf, "\n    psp = PopArg(vm, %d, psp);", h.Args[i])
	}
	for i := int32(0); i < nrets; i++ {
		fmt.Fprintf(&e.buf, "\n    Push(psp, TopM(sp, %d));", nrets-i-1)
	}
	if nrets > 0 {
		fmt.Fprintf(&e.buf, "\n    sp -= %d;", nrets)
	}
	e.sdt.Reset()
	for i, varidx := range h.DefSaves {
		fmt.Fprintf(&e.sdt, "    RestoreBackup(vm, %d, defsave[%d]);\n", varidx, i)
	}
	if opc == bytecode.OpReturn {
		e.buf.WriteString("\n    goto epilogue;")
	}
}

func (e *Emitter) emitGeneric(opc bytecode.Opcode, args []int32) {
	fmt.Fprintf(&e.buf, "sp = U_%s(vm, sp", opc.Name())
	for _, a := range args {
		fmt.Fprintf(&e.buf, ", %d", a)
	}
	if opc == bytecode.OpPushFun {
		fmt.Fprintf(&e.buf, ", fun_%d", args[0])
	}
	e.buf.WriteString(");")

	if c := e.comment(opc, args); c != "" {
		fmt.Fprintf(&e.buf, " /* %s */", c)
	}

	if opc == bytecode.OpCall {
		fmt.Fprintf(&e.buf, " sp = fun_%d(vm, sp);", args[0])
	} else if opc == bytecode.OpCallV || opc == bytecode.OpDDCall {
		if e.typed {
			e.buf.WriteString(" sp = vm.next_call_target(vm, sp);")
		} else {
			e.buf.WriteString(" sp = GetNextCallTarget(vm)(vm, sp);")
		}
	}
}

// comment names the symbol an instruction refers to, for readability of the
// generated source.
func (e *Emitter) comment(opc bytecode.Opcode, args []int32) string {
	switch opc {
	case bytecode.OpPushVar, bytecode.OpStoreVar:
		sid := e.img.SpecIdents[args[0]]
		return e.img.Idents[sid.IdentIdx].Name
	case bytecode.OpPushStr:
		sv := e.img.StringTable[args[0]]
		return strconv.Quote(truncate(sv, 50))
	case bytecode.OpCall:
		fs := int(args[0])
		if bytecode.Opcode(e.img.Code[fs]) == bytecode.OpFunStart {
			h := bytecode.DecodeFunHeader(e.img.Code, fs+2)
			return e.img.FunctionName(h.FunID)
		}
	case bytecode.OpBCallRet:
		if nf := e.reg.Get(args[0]); nf != nil {
			return nf.Name
		}
	case bytecode.OpIsType, bytecode.OpNewObject:
		ti := e.img.TypeInfoAt(args[0])
		if bytecode.IsUDT(ti.Kind) {
			return e.img.UDTs[ti.StructIdx].Name
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (e *Emitter) emitVTables() {
	if e.typed {
		e.buf.WriteString("\nstatic")
	} else {
		e.buf.WriteString("\nextern ")
	}
	e.buf.WriteString(" const fun_base_t vtables[] = {\n")
	for _, id := range e.img.VTables {
		e.buf.WriteString("    ")
		if id >= 0 {
			fmt.Fprintf(&e.buf, "fun_%d", id)
		} else {
			e.buf.WriteString("0")
		}
		e.buf.WriteString(",\n")
	}
	// Make sure the table is never empty.
	e.buf.WriteString("    0\n};\n")
}

func (e *Emitter) emitEntry() {
	if e.typed {
		e.buf.WriteString("\nstatic const int bytecodefb[] = {")
		for i := 0; i+4 <= len(e.container); i += 4 {
			if (i/4)&0xF == 0 {
				e.buf.WriteString("\n ")
			}
			fmt.Fprintf(&e.buf, " %d,", int32(binary.LittleEndian.Uint32(e.container[i:])))
		}
		if rem := len(e.container) % 4; rem != 0 {
			var tail [4]byte
			copy(tail[:], e.container[len(e.container)-rem:])
			fmt.Fprintf(&e.buf, " %d,", int32(binary.LittleEndian.Uint32(tail[:])))
		}
		e.buf.WriteString("\n};\n\n")
		e.buf.WriteString("extern \"C\" ")
	}
	e.buf.WriteString("StackPtr compiled_entry_point(VMRef vm, StackPtr sp) {\n")
	if !e.typed {
		e.buf.WriteString("    Entry(sizeof(Value));\n")
	}
	fmt.Fprintf(&e.buf, "    return fun_%d(vm, sp);\n}\n\n", e.img.StartIP())
	if e.typed {
		e.buf.WriteString("int main(int argc, char *argv[]) {\n")
		e.buf.WriteString("    // This is hard-coded to call compiled_entry_point()\n")
		fmt.Fprintf(&e.buf, "    return RunCompiledCodeMain(argc, argv, (uint8_t *)bytecodefb, %d, vtables);\n}\n", len(e.container))
	}
}
