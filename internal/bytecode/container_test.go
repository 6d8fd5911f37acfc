package bytecode

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func minimalProgram(t *testing.T) *Asm {
	t.Helper()
	a := NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(7)
	a.Exit(intT)
	return a
}

func TestSaveLoadRoundtrip(t *testing.T) {
	a := minimalProgram(t)
	buf, err := a.BuildBytes()
	if err != nil {
		t.Fatalf("BuildBytes: %v", err)
	}
	img, err := Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Opcode(img.Code[0]) != OpJump {
		t.Errorf("first instruction = %s, want JUMP", Opcode(img.Code[0]).Name())
	}
	if img.StartIP() != 3 {
		t.Errorf("StartIP = %d, want 3", img.StartIP())
	}
	// The decoded stream is host-independent: the same int32 values on
	// every platform.
	img2, err := Load(buf)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if len(img.Code) != len(img2.Code) {
		t.Fatalf("code length differs between loads")
	}
	for i := range img.Code {
		if img.Code[i] != img2.Code[i] {
			t.Fatalf("code differs at %d", i)
		}
	}
}

func TestLoadVersionMismatch(t *testing.T) {
	a := minimalProgram(t)
	buf, err := a.BuildBytes()
	if err != nil {
		t.Fatalf("BuildBytes: %v", err)
	}
	var f File
	if err := msgpack.Unmarshal(buf, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	f.Version = Version + 1
	bad, err := msgpack.Marshal(&f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("err = %v, want ErrVersionMismatch", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	if _, err := Load([]byte("not msgpack at all")); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage: err = %v, want ErrMalformed", err)
	}

	// Undefined opcode.
	f := File{Version: Version, Code: []int32{int32(OpJump), 0, 3, 9999, 0}}
	buf, err := msgpack.Marshal(&f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Load(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad opcode: err = %v, want ErrMalformed", err)
	}

	// Jump into the middle of an instruction.
	f = File{Version: Version, Code: []int32{int32(OpJump), 0, 4, int32(OpPushInt), 0, 7}}
	buf, err = msgpack.Marshal(&f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Load(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("misaligned jump: err = %v, want ErrMalformed", err)
	}

	// First instruction must be JUMP.
	f = File{Version: Version, Code: []int32{int32(OpPushInt), 0, 7}}
	buf, err = msgpack.Marshal(&f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Load(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing entry jump: err = %v, want ErrMalformed", err)
	}
}

func TestParseOpAndGetArity(t *testing.T) {
	a := NewAsm()
	intT := a.TypeInt(-1)
	x := a.AddVar(a.AddIdent("x", false, false), intT)
	fid := a.AddFunction("f")
	fLbl := a.NewLabel()
	a.FunStart(fLbl, fid, []int32{x}, nil, 2, nil)
	a.PushInt(1)
	a.Return(fid, 1)
	a.EndFun()
	a.SetStart()
	a.PushInt(0)
	a.Call(fLbl, 1, 1)
	a.Exit(intT)
	img, err := a.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ip := 3 // the FUNSTART
	opc := Opcode(img.Code[ip])
	if opc != OpFunStart {
		t.Fatalf("opcode at 3 = %s, want FUNSTART", opc.Name())
	}
	arity, next, regso := ParseOpAndGetArity(img.Code, opc, ip)
	if regso != 0 {
		t.Errorf("FUNSTART regso = %d, want 0", regso)
	}
	// fid, regs_max, nargs, 1 arg, ndef, nkeepvars, nownedvars.
	if arity != 7 {
		t.Errorf("FUNSTART arity = %d, want 7", arity)
	}
	h := DecodeFunHeader(img.Code, ip+2)
	if h.FunID != fid || len(h.Args) != 1 || h.Args[0] != x || h.NKeepVars != 2 {
		t.Errorf("decoded header = %+v", h)
	}
	if Opcode(img.Code[next]) != OpPushInt {
		t.Errorf("opcode after header = %s, want PUSHINT", Opcode(img.Code[next]).Name())
	}
}

func TestJumpTableParse(t *testing.T) {
	a := NewAsm()
	intT := a.TypeInt(-1)
	a.SetStart()
	a.PushInt(1)
	c1 := a.NewLabel()
	def := a.NewLabel()
	end := a.NewLabel()
	a.JumpTable(5, 5, []Label{c1}, def)
	a.Case(c1)
	a.PushInt(10)
	a.Jump(end)
	a.SetDepth(0)
	a.Case(def)
	a.PushInt(20)
	a.EndTable()
	a.SetDepth(1)
	a.Block(end)
	a.Exit(intT)
	img, err := a.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ip := img.StartIP()
	// Skip the PUSHINT.
	_, ip, _ = ParseOpAndGetArity(img.Code, Opcode(img.Code[ip]), ip)
	opc := Opcode(img.Code[ip])
	if opc != OpJumpTable {
		t.Fatalf("opcode = %s, want JUMP_TABLE", opc.Name())
	}
	arity, _, _ := ParseOpAndGetArity(img.Code, opc, ip)
	// min, max, 1 target, default.
	if arity != 4 {
		t.Errorf("JUMP_TABLE arity = %d, want 4", arity)
	}
}

func TestLookupLine(t *testing.T) {
	a := NewAsm()
	intT := a.TypeInt(-1)
	file := a.AddFilename("prog.kl")
	a.SetStart()
	a.Line(file, 1)
	a.PushInt(7)
	a.Line(file, 2)
	a.Exit(intT)
	img, err := a.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	li := img.LookupLine(img.StartIP())
	if li == nil || li.Line != 1 {
		t.Fatalf("LookupLine(start) = %+v, want line 1", li)
	}
	li = img.LookupLine(len(img.Code) - 1)
	if li == nil || li.Line != 2 {
		t.Fatalf("LookupLine(end) = %+v, want line 2", li)
	}
}
