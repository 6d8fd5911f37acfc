package bytecode

import "fmt"

// Asm builds a program image instruction by instruction. It tracks the
// stack depth of the code it emits so every instruction gets the correct
// regso word, and patches forward branch targets when labels are bound.
//
// The compiler back-end drives this; tests drive it directly to construct
// programs without a front-end.
type Asm struct {
	f         File
	depth     int32
	maxDepth  int32
	regsMaxAt int // code offset of the open function's regs_max word, -1

	labels []asmLabel
}

type asmLabel struct {
	bound bool
	at    int32
	refs  []int // code offsets of unpatched target words
}

// Label identifies a branch target inside an Asm program.
type Label int

// NewAsm starts a program. The entry JUMP is emitted immediately; call
// SetStart at the entry point before building the image.
func NewAsm() *Asm {
	a := &Asm{regsMaxAt: -1}
	a.f.Code = append(a.f.Code, int32(OpJump), 0, 0)
	return a
}

// NewLabel allocates an unbound label.
func (a *Asm) NewLabel() Label {
	a.labels = append(a.labels, asmLabel{})
	return Label(len(a.labels) - 1)
}

// SetStart marks the entry point: the first instruction JUMPs there.
func (a *Asm) SetStart() {
	a.f.Code[2] = int32(len(a.f.Code))
	a.depth = 0
	a.maxDepth = 0
}

func (a *Asm) bind(l Label) {
	lb := &a.labels[l]
	if lb.bound {
		panic(fmt.Sprintf("label %d bound twice", l))
	}
	lb.bound = true
	lb.at = int32(len(a.f.Code))
	for _, ref := range lb.refs {
		a.f.Code[ref] = lb.at
	}
	lb.refs = nil
}

// patchAt makes the code word at off refer to l, now or when l is bound.
func (a *Asm) patchAt(off int, l Label) {
	lb := &a.labels[l]
	if lb.bound {
		a.f.Code[off] = lb.at
		return
	}
	lb.refs = append(lb.refs, off)
}

func (a *Asm) emit(opc Opcode, delta int32, args ...int32) int {
	id := len(a.f.Code)
	a.f.Code = append(a.f.Code, int32(opc), a.depth)
	a.f.Code = append(a.f.Code, args...)
	a.depth += delta
	if a.depth > a.maxDepth {
		a.maxDepth = a.depth
	}
	return id
}

// SetDepth overrides the tracked stack depth, for joins of unbalanced
// control flow paths.
func (a *Asm) SetDepth(d int32) { a.depth = d }

// Depth returns the tracked stack depth.
func (a *Asm) Depth() int32 { return a.depth }

// PushInt emits a small integer push.
func (a *Asm) PushInt(v int32) { a.emit(OpPushInt, 1, v) }

// PushInt64 emits a 64-bit integer push as two operand words, low first.
func (a *Asm) PushInt64(v int64) {
	a.emit(OpPushInt64, 1, int32(uint64(v)&0xffffffff), int32(uint64(v)>>32))
}

// PushFloat64 emits a double push as two operand words, low bits first.
func (a *Asm) PushFloat64(bits uint64) {
	a.emit(OpPushFloat64, 1, int32(bits&0xffffffff), int32(bits>>32))
}

// PushNil emits a nil push.
func (a *Asm) PushNil() { a.emit(OpPushNil, 1) }

// PushStr emits a constant string push; s is interned in the string table.
func (a *Asm) PushStr(s string) {
	a.emit(OpPushStr, 1, a.AddString(s))
}

// PushVar / StoreVar move cells between the stack and a global slot.
func (a *Asm) PushVar(varidx int32)  { a.emit(OpPushVar, 1, varidx) }
func (a *Asm) StoreVar(varidx int32) { a.emit(OpStoreVar, -1, varidx) }

// Pop / PopRef / Dup.
func (a *Asm) Pop()    { a.emit(OpPop, -1) }
func (a *Asm) PopRef() { a.emit(OpPopRef, -1) }
func (a *Asm) Dup()    { a.emit(OpDup, 1) }

// Binary emits a two-operand arithmetic or comparison opcode.
func (a *Asm) Binary(opc Opcode) { a.emit(opc, -1) }

// NewVec pops n elements into a fresh vector of type tti.
func (a *Asm) NewVec(tti, n int32) { a.emit(OpNewVec, 1-n, tti, n) }

// VPush pops an element and appends it to the vector now on top.
func (a *Asm) VPush() { a.emit(OpVPush, -1) }

// VLen replaces the vector on top with its length.
func (a *Asm) VLen() { a.emit(OpVLen, 0) }

// IdxVecInt pops index then vector, pushing the element.
func (a *Asm) IdxVecInt() { a.emit(OpIdxVecInt, -1) }

// NewObject pops the field cells of type tti into a fresh object.
func (a *Asm) NewObject(tti int32) {
	ti := DecodeTypeInfo(a.f.TypeTable, tti)
	a.emit(OpNewObject, 1-ti.Len, tti)
}

// PushField replaces the object on top with its field fidx.
func (a *Asm) PushField(fidx int32) { a.emit(OpPushField, 0, fidx) }

// IsType replaces the value on top with a truth cell.
func (a *Asm) IsType(tti int32) { a.emit(OpIsType, 0, tti) }

// BCall emits a builtin call; nargs/nrets describe the native's effect.
func (a *Asm) BCall(nfidx, nargs, nrets int32) {
	a.emit(OpBCallRet, nrets-nargs, nfidx)
}

// Call emits a static call to the FUNSTART at target; nargs/nrets describe
// the callee's signature.
func (a *Asm) Call(target Label, nargs, nrets int32) {
	id := a.emit(OpCall, nrets-nargs, 0)
	a.patchAt(id+2, target)
}

// CallV pops a function value and calls it.
func (a *Asm) CallV(nargs, nrets int32) { a.emit(OpCallV, nrets-nargs-1) }

// DDCall virtually dispatches on the object objdepth cells below the top.
func (a *Asm) DDCall(slot, objdepth, nargs, nrets int32) {
	a.emit(OpDDCall, nrets-nargs, slot, objdepth)
}

// PushFun pushes the function starting at target as a value.
func (a *Asm) PushFun(target Label) {
	id := a.emit(OpPushFun, 1, 0)
	a.patchAt(id+2, target)
}

// Return emits an explicit return of nrets values from function fid.
func (a *Asm) Return(fid, nrets int32) { a.emit(OpReturn, -nrets, fid, nrets) }

// ReturnAny emits a return of nrets already-staged values.
func (a *Asm) ReturnAny(nrets int32) { a.emit(OpReturnAny, -nrets, nrets) }

// SaveRets routes to the function epilogue.
func (a *Asm) SaveRets() { a.emit(OpSaveRets, 0) }

// KeepRef anchors TopM(n) in keep slot k; the Loop variant releases the
// prior occupant first.
func (a *Asm) KeepRef(n, k int32)     { a.emit(OpKeepRef, 0, n, k) }
func (a *Asm) KeepRefLoop(n, k int32) { a.emit(OpKeepRefLoop, 0, n, k) }

// Block emits a BLOCK_START and binds l to it.
func (a *Asm) Block(l Label) {
	a.bind(l)
	a.emit(OpBlockStart, 0)
}

// Jump emits an unconditional branch.
func (a *Asm) Jump(l Label) {
	id := a.emit(OpJump, 0, 0)
	a.patchAt(id+2, l)
}

// CondJump emits one of the conditional jump opcodes branching to l. The
// retaining variants leave the tested value on the stack.
func (a *Asm) CondJump(opc Opcode, l Label) {
	delta := int32(-1)
	if opc == OpJumpFailRef || opc == OpJumpNoFailRef {
		delta = 0
	}
	id := a.emit(opc, delta, 0)
	a.patchAt(id+2, l)
}

// JumpIfUnwound emits the unwind-check branch for function df.
func (a *Asm) JumpIfUnwound(df int32, l Label) {
	id := a.emit(OpJumpIfUnwound, -1, df, 0)
	a.patchAt(id+3, l)
}

// JumpTable pops an integer and branches to targets[v-min] for v in
// [min, max], else to def. Bind each target with Case, not Block.
func (a *Asm) JumpTable(min, max int32, targets []Label, def Label) {
	if int32(len(targets)) != max-min+1 {
		panic("jump table target count does not match range")
	}
	a.emit(OpJumpTable, -1, min, max)
	for _, t := range targets {
		a.f.Code = append(a.f.Code, 0)
		a.patchAt(len(a.f.Code)-1, t)
	}
	a.f.Code = append(a.f.Code, 0)
	a.patchAt(len(a.f.Code)-1, def)
}

// Case emits a JUMP_TABLE_CASE_START and binds l to it.
func (a *Asm) Case(l Label) {
	a.bind(l)
	a.emit(OpJumpTableCaseStart, 0)
}

// EndTable closes the innermost jump table.
func (a *Asm) EndTable() { a.emit(OpJumpTableEnd, 0) }

// FunStart opens a function: binds l to the FUNSTART, emits the header, and
// resets depth tracking. regs_max is patched by EndFun.
func (a *Asm) FunStart(l Label, fid int32, args, defsaves []int32, nkeepvars int32, owned []int32) {
	if a.regsMaxAt >= 0 {
		panic("FunStart while a function is open")
	}
	a.bind(l)
	a.depth = 0
	a.maxDepth = 0
	a.f.Code = append(a.f.Code, int32(OpFunStart), 0, fid)
	a.regsMaxAt = len(a.f.Code)
	a.f.Code = append(a.f.Code, 0) // regs_max
	a.f.Code = append(a.f.Code, int32(len(args)))
	a.f.Code = append(a.f.Code, args...)
	a.f.Code = append(a.f.Code, int32(len(defsaves)))
	a.f.Code = append(a.f.Code, defsaves...)
	a.f.Code = append(a.f.Code, nkeepvars)
	a.f.Code = append(a.f.Code, int32(len(owned)))
	a.f.Code = append(a.f.Code, owned...)
}

// EndFun closes the open function, patching its regs_max.
func (a *Asm) EndFun() {
	if a.regsMaxAt < 0 {
		panic("EndFun without FunStart")
	}
	regs := a.maxDepth
	if regs < 1 {
		regs = 1
	}
	a.f.Code[a.regsMaxAt] = regs
	a.regsMaxAt = -1
}

// Exit ends the program, returning the top cell as the value of type tti.
func (a *Asm) Exit(tti int32) { a.emit(OpExit, -1, tti) }

// Abort pops a message string and raises a user error.
func (a *Asm) Abort() { a.emit(OpAbort, -1) }

// Line records that code emitted from here on originates at file:line.
func (a *Asm) Line(fileidx, line int32) {
	a.f.LineTable = append(a.f.LineTable, LineInfo{
		IP:      int32(len(a.f.Code)),
		Line:    line,
		FileIdx: fileidx,
	})
}

// AddString interns s, returning its string table index.
func (a *Asm) AddString(s string) int32 {
	for i, have := range a.f.StringTable {
		if have == s {
			return int32(i)
		}
	}
	a.f.StringTable = append(a.f.StringTable, s)
	return int32(len(a.f.StringTable) - 1)
}

// AddIdent appends an identifier, returning its index.
func (a *Asm) AddIdent(name string, readonly, global bool) int32 {
	a.f.Idents = append(a.f.Idents, Ident{Name: name, ReadOnly: readonly, Global: global})
	return int32(len(a.f.Idents) - 1)
}

// AddVar appends a specialized identifier (a global slot), returning the
// var index instructions use.
func (a *Asm) AddVar(ididx, typeidx int32) int32 {
	a.f.SpecIdents = append(a.f.SpecIdents, SpecIdent{IdentIdx: ididx, TypeIdx: typeidx})
	return int32(len(a.f.SpecIdents) - 1)
}

// AddFunction appends a function table entry.
func (a *Asm) AddFunction(name string) int32 {
	a.f.Functions = append(a.f.Functions, Function{Name: name})
	return int32(len(a.f.Functions) - 1)
}

// AddUDT appends a user-defined type.
func (a *Asm) AddUDT(name string, vtableStart int32) int32 {
	a.f.UDTs = append(a.f.UDTs, UDT{Name: name, VTableStart: vtableStart})
	return int32(len(a.f.UDTs) - 1)
}

// AddEnum appends an enum definition.
func (a *Asm) AddEnum(e Enum) int32 {
	a.f.Enums = append(a.f.Enums, e)
	return int32(len(a.f.Enums) - 1)
}

// AddFilename appends a filename, returning its index for Line.
func (a *Asm) AddFilename(name string) int32 {
	a.f.Filenames = append(a.f.Filenames, name)
	return int32(len(a.f.Filenames) - 1)
}

// AddVTableEntry appends one vtable slot, a gap (-1) until it is bound.
// Bind the slot to a function with BindVTableEntry once its label is known.
func (a *Asm) AddVTableEntry() int32 {
	a.f.VTables = append(a.f.VTables, -1)
	return int32(len(a.f.VTables) - 1)
}

// BindVTableEntry points vtable slot i at the code offset l is bound to.
func (a *Asm) BindVTableEntry(i int32, l Label) {
	lb := &a.labels[l]
	if !lb.bound {
		panic("vtable entries must be bound to bound labels")
	}
	a.f.VTables[i] = lb.at
}

// Type appends a packed type table entry, returning its offset.
func (a *Asm) Type(words ...int32) int32 {
	off := int32(len(a.f.TypeTable))
	a.f.TypeTable = append(a.f.TypeTable, words...)
	return off
}

// TypeScalar appends a single-word entry for kind k.
func (a *Asm) TypeScalar(k TypeKind) int32 { return a.Type(int32(k)) }

// TypeInt appends an int entry tied to enum enumidx (-1 for plain int).
func (a *Asm) TypeInt(enumidx int32) int32 { return a.Type(int32(KInt), enumidx) }

// TypeVector appends a vector-of-sub entry.
func (a *Asm) TypeVector(sub int32) int32 { return a.Type(int32(KVector), sub) }

// TypeNil appends a nilable-of-sub entry.
func (a *Asm) TypeNil(sub int32) int32 { return a.Type(int32(KNil), sub) }

// TypeUDT appends a class/struct entry with its element types.
func (a *Asm) TypeUDT(k TypeKind, structidx int32, elems ...int32) int32 {
	words := append([]int32{int32(k), structidx, int32(len(elems))}, elems...)
	return a.Type(words...)
}

// Build finalizes the program and returns the verified image.
func (a *Asm) Build() (*Image, error) {
	for i, lb := range a.labels {
		if !lb.bound && len(lb.refs) > 0 {
			return nil, fmt.Errorf("unbound label %d", i)
		}
	}
	if a.regsMaxAt >= 0 {
		return nil, fmt.Errorf("unterminated function")
	}
	buf, err := a.f.Save()
	if err != nil {
		return nil, err
	}
	return Load(buf)
}

// BuildBytes finalizes the program and returns the container bytes.
func (a *Asm) BuildBytes() ([]byte, error) {
	if _, err := a.Build(); err != nil {
		return nil, err
	}
	return a.f.Save()
}
