package bytecode

import "fmt"

// Opcode identifies a VM instruction.
//
// Every instruction in the code stream is laid out as
//
//	[opcode, regso, operands...]
//
// where regso is the stack depth (in cells, relative to the function's
// register base) expected when the instruction starts executing. The
// verifier and both code generators rely on this layout; operand counts per
// opcode are recorded in opTable.
type Opcode int32

const (
	OpJump Opcode = iota
	OpJumpFail
	OpJumpNoFail
	OpJumpFailRef
	OpJumpNoFailRef
	OpJumpIfUnwound
	OpBlockStart
	OpJumpTable
	OpJumpTableCaseStart
	OpJumpTableEnd
	OpFunStart
	OpCall
	OpCallV
	OpDDCall
	OpPushFun
	OpReturn
	OpReturnAny
	OpSaveRets
	OpKeepRef
	OpKeepRefLoop

	OpPushInt
	OpPushInt64
	OpPushFloat
	OpPushFloat64
	OpPushNil
	OpPushStr
	OpPushVar
	OpStoreVar
	OpPop
	OpPopRef
	OpDup

	OpIAdd
	OpISub
	OpIMul
	OpIDiv
	OpIMod
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpSAdd
	OpILt
	OpILe
	OpIGt
	OpIGe
	OpIEq
	OpINe

	OpNewVec
	OpVPush
	OpVLen
	OpIdxVecInt
	OpNewObject
	OpPushField
	OpIsType

	OpBCallRet

	OpExit
	OpAbort

	opMax
)

// NumOps is the opcode count, for handler tables indexed by opcode.
const NumOps = int(opMax)

// Opcodes returns every defined opcode in id order.
func Opcodes() []Opcode {
	ops := make([]Opcode, opMax)
	for i := range ops {
		ops[i] = Opcode(i)
	}
	return ops
}

// OpFamily is the arity-shape family an opcode's handler belongs to. Each
// family has one fixed handler signature; see the vm package dispatch
// tables and the prototypes the C translator emits.
type OpFamily uint8

const (
	// FamilyBase handlers receive the operand words as plain ints.
	FamilyBase OpFamily = iota
	// FamilyCall handlers additionally receive a continuation function.
	FamilyCall
	// FamilyVararg handlers receive a pointer to the full operand list.
	FamilyVararg
	// FamilyJump1 handlers receive no operands; the engine consumes the
	// branch target itself.
	FamilyJump1
	// FamilyJump2 handlers receive one leading operand before the target.
	FamilyJump2
)

// Vararg marks opcodes whose operand count depends on the operands
// themselves (FUNSTART headers and jump tables).
const Vararg = -1

type opInfo struct {
	name   string
	arity  int
	family OpFamily
}

var opTable = [opMax]opInfo{
	OpJump:               {"JUMP", 1, FamilyBase},
	OpJumpFail:           {"JUMPFAIL", 1, FamilyJump1},
	OpJumpNoFail:         {"JUMPNOFAIL", 1, FamilyJump1},
	OpJumpFailRef:        {"JUMPFAILR", 1, FamilyJump1},
	OpJumpNoFailRef:      {"JUMPNOFAILR", 1, FamilyJump1},
	OpJumpIfUnwound:      {"JUMPIFUNWOUND", 2, FamilyJump2},
	OpBlockStart:         {"BLOCK_START", 0, FamilyBase},
	OpJumpTable:          {"JUMP_TABLE", Vararg, FamilyVararg},
	OpJumpTableCaseStart: {"JUMP_TABLE_CASE_START", 0, FamilyBase},
	OpJumpTableEnd:       {"JUMP_TABLE_END", 0, FamilyBase},
	OpFunStart:           {"FUNSTART", Vararg, FamilyVararg},
	OpCall:               {"CALL", 1, FamilyBase},
	OpCallV:              {"CALLV", 0, FamilyBase},
	OpDDCall:             {"DDCALL", 2, FamilyBase},
	OpPushFun:            {"PUSHFUN", 1, FamilyCall},
	OpReturn:             {"RETURN", 2, FamilyBase},
	OpReturnAny:          {"RETURNANY", 1, FamilyBase},
	OpSaveRets:           {"SAVERETS", 0, FamilyBase},
	OpKeepRef:            {"KEEPREF", 2, FamilyBase},
	OpKeepRefLoop:        {"KEEPREFLOOP", 2, FamilyBase},

	OpPushInt:     {"PUSHINT", 1, FamilyBase},
	OpPushInt64:   {"PUSHINT64", 2, FamilyBase},
	OpPushFloat:   {"PUSHFLT", 1, FamilyBase},
	OpPushFloat64: {"PUSHFLT64", 2, FamilyBase},
	OpPushNil:     {"PUSHNIL", 0, FamilyBase},
	OpPushStr:     {"PUSHSTR", 1, FamilyBase},
	OpPushVar:     {"PUSHVAR", 1, FamilyBase},
	OpStoreVar:    {"STOREVAR", 1, FamilyBase},
	OpPop:         {"POP", 0, FamilyBase},
	OpPopRef:      {"POPREF", 0, FamilyBase},
	OpDup:         {"DUP", 0, FamilyBase},

	OpIAdd: {"IADD", 0, FamilyBase},
	OpISub: {"ISUB", 0, FamilyBase},
	OpIMul: {"IMUL", 0, FamilyBase},
	OpIDiv: {"IDIV", 0, FamilyBase},
	OpIMod: {"IMOD", 0, FamilyBase},
	OpFAdd: {"FADD", 0, FamilyBase},
	OpFSub: {"FSUB", 0, FamilyBase},
	OpFMul: {"FMUL", 0, FamilyBase},
	OpFDiv: {"FDIV", 0, FamilyBase},
	OpSAdd: {"SADD", 0, FamilyBase},
	OpILt:  {"ILT", 0, FamilyBase},
	OpILe:  {"ILE", 0, FamilyBase},
	OpIGt:  {"IGT", 0, FamilyBase},
	OpIGe:  {"IGE", 0, FamilyBase},
	OpIEq:  {"IEQ", 0, FamilyBase},
	OpINe:  {"INE", 0, FamilyBase},

	OpNewVec:    {"NEWVEC", 2, FamilyBase},
	OpVPush:     {"VPUSH", 0, FamilyBase},
	OpVLen:      {"VLEN", 0, FamilyBase},
	OpIdxVecInt: {"IDXVI", 0, FamilyBase},
	OpNewObject: {"NEWOBJECT", 1, FamilyBase},
	OpPushField: {"PUSHFLD", 1, FamilyBase},
	OpIsType:    {"ISTYPE", 1, FamilyBase},

	OpBCallRet: {"BCALLRET", 1, FamilyBase},

	OpExit:  {"EXIT", 1, FamilyBase},
	OpAbort: {"ABORT", 0, FamilyBase},
}

// Name returns the mnemonic for the opcode.
func (o Opcode) Name() string {
	if o < 0 || o >= opMax {
		return fmt.Sprintf("OP(%d)", int32(o))
	}
	return opTable[o].name
}

// Valid reports whether o is a defined opcode.
func (o Opcode) Valid() bool { return o >= 0 && o < opMax }

// Family returns the handler family of the opcode.
func (o Opcode) Family() OpFamily { return opTable[o].family }

// Arity returns the static operand count, or Vararg.
func (o Opcode) Arity() int { return opTable[o].arity }

// IsCondJump reports whether the opcode is a conditional jump: its handler
// leaves a truth cell on top of the stack, which the engine pops to decide
// the branch.
func (o Opcode) IsCondJump() bool {
	switch o {
	case OpJumpFail, OpJumpNoFail, OpJumpFailRef, OpJumpNoFailRef, OpJumpIfUnwound:
		return true
	}
	return false
}

// ParseOpAndGetArity decodes the instruction whose opcode word sits at ip,
// returning the operand count, the ip just past the instruction, and the
// regso word (expected stack depth when the instruction starts).
func ParseOpAndGetArity(code []int32, opc Opcode, ip int) (arity, nextIP, regso int) {
	regso = int(code[ip+1])
	ip += 2
	arity = opc.Arity()
	switch opc {
	case OpFunStart:
		// fid, regs_max, nargs, args..., ndef, defs..., nkeepvars,
		// nownedvars, owned...
		start := ip
		ip += 2
		nargs := int(code[ip])
		ip += 1 + nargs
		ndef := int(code[ip])
		ip += 1 + ndef
		ip++ // nkeepvars
		nowned := int(code[ip])
		ip += 1 + nowned
		return ip - start, ip, regso
	case OpJumpTable:
		// min, max, targets[max-min+1], default
		start := ip
		mini := int(code[ip])
		maxi := int(code[ip+1])
		ip += 2 + (maxi - mini + 1) + 1
		return ip - start, ip, regso
	default:
		return arity, ip + arity, regso
	}
}

// FunHeader is the decoded FUNSTART header.
type FunHeader struct {
	FunID     int32
	RegsMax   int32
	Args      []int32
	DefSaves  []int32
	NKeepVars int32
	Owned     []int32
}

// DecodeFunHeader decodes the header whose first word (the function id)
// sits at fip. fip is the offset just past [OpFunStart, regso].
func DecodeFunHeader(code []int32, fip int) FunHeader {
	var h FunHeader
	h.FunID = code[fip]
	fip++
	h.RegsMax = code[fip]
	fip++
	nargs := int(code[fip])
	fip++
	h.Args = code[fip : fip+nargs]
	fip += nargs
	ndef := int(code[fip])
	fip++
	h.DefSaves = code[fip : fip+ndef]
	fip += ndef
	h.NKeepVars = code[fip]
	fip++
	nowned := int(code[fip])
	fip++
	h.Owned = code[fip : fip+nowned]
	return h
}
