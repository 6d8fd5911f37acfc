package vm

import (
	"fmt"
	"io"
	"math/bits"
	"os"
	"strings"

	"keel/internal/bytecode"
)

// Stack sizing, in cells.
const (
	// InitStackSize is allocated at VM construction.
	InitStackSize = 32 * 1024
	// DefMaxStackSize bounds stack doubling unless overridden.
	DefMaxStackSize = 512 * 1024
	// StackMargin is the headroom a function entry must find, the most the
	// stack could grow in a single call.
	StackMargin = 8 * 1024
)

// TraceMode selects how much per-opcode tracing the VM retains.
type TraceMode int

const (
	// TraceOff disables tracing.
	TraceOff TraceMode = iota
	// TraceOn logs each line as it happens.
	TraceOn
	// TraceTail retains the last traceTailSize lines and prepends them to
	// an error message.
	TraceTail
)

const traceTailSize = 50

// Options configures VM construction.
type Options struct {
	Registry     *NativeRegistry
	Trace        TraceMode
	TraceWriter  io.Writer // destination for TraceOn lines, default stderr
	MaxStackSize int       // cells, default DefMaxStackSize
	ProgramArgs  []string
	// Asserts enables the per-instruction stack depth checks driven by the
	// regso words.
	Asserts bool
}

// StackFrame is one active call: where the function header lives in the
// code stream and how deep the stack was at entry.
type StackFrame struct {
	funstart int // code offset of the header's fid word
	spstart  int
}

// VM is a single-threaded execution instance over a read-only program
// image. Workers are separate VM instances sharing only the image and the
// tuple space.
type VM struct {
	img      *bytecode.Image
	registry *NativeRegistry

	pool  Pool
	stack []Value
	vars  []Value

	stackframes     []StackFrame
	constantStrings []*Object

	maxStackSize   int
	nextCallTarget int

	trace        TraceMode
	traceWriter  io.Writer
	traceOutput  []strings.Builder
	traceRingIdx int

	errmsg           string
	errorHasOccurred bool

	evalret    string
	leakReport string

	isWorker   bool
	tupleSpace *TupleSpace
	workers    *workerGroup

	unwinding   bool
	unwindFunID int32

	programArgs []string
	asserts     bool

	programPP PrintPrefs
	debugPP   PrintPrefs

	maxsp int
}

// NewVM constructs a VM over a loaded image: a 32K-cell stack, a globals
// array sized by the image's specidents, and empty constant-string slots
// that string-pushing opcodes populate lazily.
func NewVM(img *bytecode.Image, opts Options) *VM {
	vm := &VM{
		img:             img,
		registry:        opts.Registry,
		stack:           make([]Value, InitStackSize),
		vars:            make([]Value, len(img.SpecIdents)),
		constantStrings: make([]*Object, len(img.StringTable)),
		maxStackSize:    opts.MaxStackSize,
		nextCallTarget:  -1,
		trace:           opts.Trace,
		traceWriter:     opts.TraceWriter,
		programArgs:     opts.ProgramArgs,
		asserts:         opts.Asserts,
		programPP:       PrintPrefs{Depth: -1, Budget: 100000},
		debugPP:         PrintPrefs{Depth: 2, Budget: 10000, Quoted: true},
	}
	if vm.registry == nil {
		vm.registry = &NativeRegistry{}
	}
	if vm.maxStackSize <= 0 {
		vm.maxStackSize = DefMaxStackSize
	}
	if vm.traceWriter == nil {
		vm.traceWriter = os.Stderr
	}
	for i := range vm.vars {
		vm.vars[i] = NilVal()
	}
	return vm
}

// Image returns the program image.
func (vm *VM) Image() *bytecode.Image { return vm.img }

// Registry returns the native registry the VM dispatches builtin calls to.
func (vm *VM) Registry() *NativeRegistry { return vm.registry }

// EvalRet returns the program result formatted at EndEval.
func (vm *VM) EvalRet() string { return vm.evalret }

// LeakReport returns the teardown leak dump, "" when clean.
func (vm *VM) LeakReport() string { return vm.leakReport }

// ProgramArgs returns the args the embedder passed for the script.
func (vm *VM) ProgramArgs() []string { return vm.programArgs }

// GetTypeInfo decodes the type table entry at tti.
func (vm *VM) GetTypeInfo(tti int32) bytecode.TypeInfo {
	return vm.img.TypeInfoAt(tti)
}

// GetVarTypeInfo returns the static type of global slot varidx.
func (vm *VM) GetVarTypeInfo(varidx int32) bytecode.TypeInfo {
	return vm.GetTypeInfo(vm.img.SpecIdents[varidx].TypeIdx)
}

// NewString allocates a string object over s.
func (vm *VM) NewString(s string) *Object {
	return vm.pool.Alloc(&Object{tti: -1, kind: OKString, str: s})
}

// NewString2 allocates the concatenation of two strings in one object.
func (vm *VM) NewString2(s1, s2 string) *Object {
	return vm.NewString(s1 + s2)
}

// ResizeString builds a copy of s sized to size cells, filled with byte c
// in the grown region; back selects front- or back-padding. The input
// string loses the caller's reference.
func (vm *VM) ResizeString(s *Object, size int64, c byte, back bool) *Object {
	pad := strings.Repeat(string(c), int(size)-len(s.str))
	var ns *Object
	if back {
		ns = vm.NewString2(pad, s.str)
	} else {
		ns = vm.NewString2(s.str, pad)
	}
	s.Dec(vm)
	return ns
}

// NewVec allocates a vector with the given initial capacity.
func (vm *VM) NewVec(initial, max int64, tti int32) *Object {
	ti := vm.GetTypeInfo(tti)
	if ti.Kind != bytecode.KVector {
		vm.VMAssert("NewVec: not a vector type")
	}
	return vm.pool.Alloc(&Object{
		tti:   tti,
		kind:  OKVector,
		elems: make([]Value, initial, max),
		etype: ti.SubType,
	})
}

// NewObject allocates a user-defined-type instance with max field cells.
func (vm *VM) NewObject(max int64, tti int32) *Object {
	if !bytecode.IsUDT(vm.GetTypeInfo(tti).Kind) {
		vm.VMAssert("NewObject: not a UDT")
	}
	return vm.pool.Alloc(&Object{tti: tti, kind: OKObject, fields: make([]Value, max)})
}

// NewResource wraps a foreign value.
func (vm *VM) NewResource(val any, rt *ResourceType) *Object {
	return vm.pool.Alloc(&Object{tti: -1, kind: OKResource, res: val, resT: rt})
}

// TraceStream returns the builder for the next trace line, rotating the
// ring in TAIL mode.
func (vm *VM) TraceStream() *strings.Builder {
	traceSize := 1
	if vm.trace == TraceTail {
		traceSize = traceTailSize
	}
	if len(vm.traceOutput) < traceSize {
		vm.traceOutput = append(vm.traceOutput, make([]strings.Builder, traceSize-len(vm.traceOutput))...)
	}
	if vm.traceRingIdx == traceSize {
		vm.traceRingIdx = 0
	}
	sd := &vm.traceOutput[vm.traceRingIdx]
	vm.traceRingIdx++
	sd.Reset()
	return sd
}

// DumpVal logs a single object for debugging.
func (vm *VM) DumpVal(ro *Object, prefix string) string {
	var sd strings.Builder
	sd.WriteString(prefix)
	sd.WriteString(": ")
	RefToString(vm, &sd, ro, vm.debugPP)
	fmt.Fprintf(&sd, " (%d): #%d", ro.refc, vm.pool.AllocID(ro))
	return sd.String()
}

// DumpFileLine resolves the source position of the instruction before ip.
func (vm *VM) DumpFileLine(ip int, sd *strings.Builder) {
	li := vm.img.LookupLine(ip - 1)
	if li == nil {
		return
	}
	fmt.Fprintf(sd, "%s(%d)", vm.img.Filenames[li.FileIdx], li.Line)
}

// DumpLeaks renders every object still live at teardown, sorted by
// refcount and type: cycles in the object graph, or a VM bug. The report is
// retained for the embedder; "" when clean.
func (vm *VM) DumpLeaks() {
	leaks := vm.pool.FindLeaks()
	if len(leaks) == 0 {
		vm.leakReport = ""
		return
	}
	leakpp := vm.debugPP
	leakpp.Cycles = false
	var sd strings.Builder
	sd.WriteString("LEAKS FOUND (this indicates cycles in your object graph, or a bug in keel)\n")
	for _, ro := range leaks {
		switch ro.kind {
		case OKValueBuf:
		case OKString, OKResource, OKVector, OKObject:
			fmt.Fprintf(&sd, "#%d = ", vm.pool.AllocID(ro))
			RefToString(vm, &sd, ro, leakpp)
			fmt.Fprintf(&sd, " (%d)\n", ro.refc)
		}
	}
	sd.WriteString(vm.pool.Stats())
	vm.leakReport = sd.String()
}

// ProperTypeName renders a type the way source code spells it.
func (vm *VM) ProperTypeName(ti bytecode.TypeInfo) string {
	switch ti.Kind {
	case bytecode.KStructRef, bytecode.KStructScalar, bytecode.KClass:
		return vm.ReverseLookupType(ti.StructIdx)
	case bytecode.KNil:
		return vm.ProperTypeName(vm.GetTypeInfo(ti.SubType)) + "?"
	case bytecode.KVector:
		return "[" + vm.ProperTypeName(vm.GetTypeInfo(ti.SubType)) + "]"
	case bytecode.KInt:
		if ti.EnumIdx >= 0 {
			return vm.EnumTypeName(ti.EnumIdx)
		}
		return "int"
	default:
		return bytecode.BaseTypeName(ti.Kind)
	}
}

// StructName returns the name of the UDT behind a class/struct type.
func (vm *VM) StructName(ti bytecode.TypeInfo) string {
	return vm.img.UDTs[ti.StructIdx].Name
}

// ReverseLookupType names UDT index v.
func (vm *VM) ReverseLookupType(v int32) string {
	return vm.img.UDTs[v].Name
}

// EnumName renders an enum value, handling flags enums as OR-ed bit names.
// ok is false when the value (or one of its bits) has no name.
func (vm *VM) EnumName(sd *strings.Builder, enumVal int64, enumidx int32) bool {
	enumDef := &vm.img.Enums[enumidx]
	lookup := func(val int64) bool {
		for _, v := range enumDef.Vals {
			if v.Val == val {
				sd.WriteString(v.Name)
				return true
			}
		}
		return false
	}
	if !enumDef.Flags || enumVal == 0 {
		return lookup(enumVal)
	}
	start := sd.Len()
	mark := sd.String()
	upto := 64 - bits.LeadingZeros64(uint64(enumVal))
	for i := 0; i < upto; i++ {
		bit := enumVal & (1 << i)
		if bit == 0 {
			continue
		}
		if sd.Len() != start {
			sd.WriteString("|")
		}
		if !lookup(bit) {
			// Unknown bits present, can't display this properly.
			sd.Reset()
			sd.WriteString(mark)
			return false
		}
	}
	return true
}

// EnumTypeName returns the name of enum enumidx.
func (vm *VM) EnumTypeName(enumidx int32) string {
	return vm.img.Enums[enumidx].Name
}

// LookupEnum resolves a value name inside enum enumidx.
func (vm *VM) LookupEnum(name string, enumidx int32) (int64, bool) {
	for _, v := range vm.img.Enums[enumidx].Vals {
		if v.Name == name {
			return v.Val, true
		}
	}
	return 0, false
}

// GetIntVectorType returns the default int vector type of the given arity.
func (vm *VM) GetIntVectorType(which int) int32 { return vm.img.GetIntVectorType(which) }

// GetFloatVectorType returns the default float vector type of the arity.
func (vm *VM) GetFloatVectorType(which int) int32 { return vm.img.GetFloatVectorType(which) }
