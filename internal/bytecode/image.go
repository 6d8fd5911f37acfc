// Package bytecode defines the flat program image the VM executes and the
// AOT translator consumes: the instruction stream, the packed type table,
// symbol and line tables, and the on-disk container they travel in.
package bytecode

import "fmt"

// Format version of the container. Images produced for a different version
// are rejected at load time.
const Version = 3

// Base type kinds stored in the type table.
type TypeKind int32

const (
	KInt TypeKind = iota
	KFloat
	KNil
	KVector
	KString
	KClass
	KStructScalar
	KStructRef
	KResource
	KAny
	KFunction
	KValueBuf
	KVoid
)

// BaseTypeName returns the source-level name of a base kind.
func BaseTypeName(k TypeKind) string {
	switch k {
	case KInt:
		return "int"
	case KFloat:
		return "float"
	case KNil:
		return "nil"
	case KVector:
		return "vector"
	case KString:
		return "string"
	case KClass:
		return "class"
	case KStructScalar:
		return "struct"
	case KStructRef:
		return "struct_ref"
	case KResource:
		return "resource"
	case KAny:
		return "any"
	case KFunction:
		return "function"
	case KValueBuf:
		return "valuebuf"
	case KVoid:
		return "void"
	default:
		return fmt.Sprintf("type(%d)", int32(k))
	}
}

// IsUDT reports whether the kind is a user-defined type.
func IsUDT(k TypeKind) bool {
	return k == KClass || k == KStructScalar || k == KStructRef
}

// IsRefKind reports whether values of the kind are heap references. KNil is
// included: a nilable slot statically typed T? may hold a reference.
func IsRefKind(k TypeKind) bool {
	switch k {
	case KNil, KVector, KString, KClass, KStructRef, KResource:
		return true
	}
	return false
}

// TypeInfo is one decoded entry of the packed type table. Entries are
// immutable for the lifetime of the image.
//
// Packed layout, by kind:
//
//	KVector, KNil:            [kind, subt]
//	KInt:                     [kind, enumidx]
//	KClass, KStruct*:         [kind, structidx, len, elemtypes[len]]
//	everything else:          [kind]
type TypeInfo struct {
	Kind      TypeKind
	SubType   int32 // element type for KVector, wrapped type for KNil
	EnumIdx   int32 // enum table index for KInt, -1 if none
	StructIdx int32 // udt table index for KClass/KStruct*
	Len       int32 // field count for KClass/KStruct*
	ElemTypes []int32
}

// IsRef reports whether values of this type are heap references.
func (ti TypeInfo) IsRef() bool { return IsRefKind(ti.Kind) }

// SpecIdent is one specialized identifier: the variable slot's identity and
// its static type.
type SpecIdent struct {
	IdentIdx int32 `msgpack:"ident"`
	TypeIdx  int32 `msgpack:"type"`
}

// Ident is a source-level identifier.
type Ident struct {
	Name     string `msgpack:"name"`
	ReadOnly bool   `msgpack:"readonly"`
	Global   bool   `msgpack:"global"`
}

// Function is one bytecode function's metadata.
type Function struct {
	Name string `msgpack:"name"`
}

// UDT is a user-defined type's metadata.
type UDT struct {
	Name string `msgpack:"name"`
	// VTableStart is the base offset of this type's method slots in the
	// image vtable array, -1 when the type has no methods.
	VTableStart int32 `msgpack:"vtable_start"`
}

// EnumVal is one named enum value.
type EnumVal struct {
	Name string `msgpack:"name"`
	Val  int64  `msgpack:"val"`
}

// Enum is an enum definition. Flags enums render values as OR-ed bit names.
type Enum struct {
	Name  string    `msgpack:"name"`
	Flags bool      `msgpack:"flags"`
	Vals  []EnumVal `msgpack:"vals"`
}

// LineInfo maps a code offset to a source position. Entries are sorted by
// ascending IP.
type LineInfo struct {
	IP      int32 `msgpack:"ip"`
	Line    int32 `msgpack:"line"`
	FileIdx int32 `msgpack:"file"`
}

// Image is a verified, read-only program image. All index fields in
// instructions refer into these tables.
type Image struct {
	Code                    []int32
	TypeTable               []int32
	SpecIdents              []SpecIdent
	Idents                  []Ident
	Functions               []Function
	UDTs                    []UDT
	Enums                   []Enum
	StringTable             []string
	Filenames               []string
	LineTable               []LineInfo
	VTables                 []int32
	DefaultIntVectorTypes   []int32
	DefaultFloatVectorTypes []int32
}

// StartIP returns the code offset execution begins at. The verifier
// guarantees the first instruction is JUMP <start>.
func (img *Image) StartIP() int {
	return int(img.Code[2])
}

// TypeInfoAt decodes the type table entry starting at offset tti.
func (img *Image) TypeInfoAt(tti int32) TypeInfo {
	return DecodeTypeInfo(img.TypeTable, tti)
}

// DecodeTypeInfo decodes the entry starting at offset tti of a packed type
// table.
func DecodeTypeInfo(tt []int32, tti int32) TypeInfo {
	ti := TypeInfo{Kind: TypeKind(tt[tti]), EnumIdx: -1, StructIdx: -1, SubType: -1}
	switch ti.Kind {
	case KVector, KNil:
		ti.SubType = tt[tti+1]
	case KInt:
		ti.EnumIdx = tt[tti+1]
	case KClass, KStructScalar, KStructRef:
		ti.StructIdx = tt[tti+1]
		ti.Len = tt[tti+2]
		ti.ElemTypes = tt[tti+3 : tti+3+ti.Len]
	}
	return ti
}

// LookupLine finds the line info for the instruction at or before ip; when
// ip precedes every entry, the first entry is returned. ip is used as given:
// callers that attribute an error to the byte before the current ip (see
// the VM's DumpFileLine) pass ip-1 themselves.
func (img *Image) LookupLine(ip int) *LineInfo {
	lt := img.LineTable
	if len(lt) == 0 {
		return nil
	}
	lo, hi := 0, len(lt)
	for lo < hi {
		mid := (lo + hi) / 2
		if int(lt[mid].IP) <= ip {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return &lt[0]
	}
	return &lt[lo-1]
}

// FunctionName returns the name of function fid, or "" when out of range.
func (img *Image) FunctionName(fid int32) string {
	if fid < 0 || int(fid) >= len(img.Functions) {
		return ""
	}
	return img.Functions[fid].Name
}

// CreateFunctionLookup maps each FUNSTART code offset to its function table
// entry. Used by the translator for the name comments above each emitted
// function.
func (img *Image) CreateFunctionLookup() map[int]*Function {
	m := make(map[int]*Function)
	ip := 3 // past the entry JUMP
	for ip < len(img.Code) {
		opc := Opcode(img.Code[ip])
		id := ip
		_, next, _ := ParseOpAndGetArity(img.Code, opc, ip)
		if opc == OpFunStart {
			h := DecodeFunHeader(img.Code, ip+2)
			if h.FunID >= 0 && int(h.FunID) < len(img.Functions) {
				m[id] = &img.Functions[h.FunID]
			}
		}
		ip = next
	}
	return m
}

// GetIntVectorType returns the type table index of the default int vector
// type of the given arity, -1 when absent.
func (img *Image) GetIntVectorType(which int) int32 {
	if which < 0 || which >= len(img.DefaultIntVectorTypes) {
		return -1
	}
	if i := img.DefaultIntVectorTypes[which]; i >= 0 {
		return i
	}
	return -1
}

// GetFloatVectorType is GetIntVectorType for float vectors.
func (img *Image) GetFloatVectorType(which int) int32 {
	if which < 0 || which >= len(img.DefaultFloatVectorTypes) {
		return -1
	}
	if i := img.DefaultFloatVectorTypes[which]; i >= 0 {
		return i
	}
	return -1
}
