package bytecode

import (
	"errors"
	"fmt"

	"fortio.org/safecast"
	"github.com/vmihailenco/msgpack/v5"
)

// Load failure modes. Both are fatal: no VM is constructed over a rejected
// buffer.
var (
	ErrMalformed       = errors.New("bytecode file failed to verify")
	ErrVersionMismatch = errors.New("bytecode is from a different version of keel")
)

// File is the on-disk container, a msgpack-coded record of every image
// section. Integer sections are stored as int32 arrays so the code and type
// tables decode to the same values on every host, regardless of endianness.
type File struct {
	Version                 int32       `msgpack:"bytecode_version"`
	Code                    []int32     `msgpack:"bytecode"`
	TypeTable               []int32     `msgpack:"typetable"`
	SpecIdents              []SpecIdent `msgpack:"specidents"`
	Idents                  []Ident     `msgpack:"idents"`
	Functions               []Function  `msgpack:"functions"`
	UDTs                    []UDT       `msgpack:"udts"`
	Enums                   []Enum      `msgpack:"enums"`
	StringTable             []string    `msgpack:"stringtable"`
	Filenames               []string    `msgpack:"filenames"`
	LineTable               []LineInfo  `msgpack:"linetable"`
	VTables                 []int32     `msgpack:"vtables"`
	DefaultIntVectorTypes   []int32     `msgpack:"default_int_vector_types"`
	DefaultFloatVectorTypes []int32     `msgpack:"default_float_vector_types"`
}

// Save encodes the container.
func (f *File) Save() ([]byte, error) {
	f.Version = Version
	return msgpack.Marshal(f)
}

// Load decodes, version-checks and verifies a container buffer, returning a
// read-only image.
func Load(buf []byte) (*Image, error) {
	var f File
	if err := msgpack.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, f.Version, Version)
	}
	img := &Image{
		Code:                    f.Code,
		TypeTable:               f.TypeTable,
		SpecIdents:              f.SpecIdents,
		Idents:                  f.Idents,
		Functions:               f.Functions,
		UDTs:                    f.UDTs,
		Enums:                   f.Enums,
		StringTable:             f.StringTable,
		Filenames:               f.Filenames,
		LineTable:               f.LineTable,
		VTables:                 f.VTables,
		DefaultIntVectorTypes:   f.DefaultIntVectorTypes,
		DefaultFloatVectorTypes: f.DefaultFloatVectorTypes,
	}
	if err := img.verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return img, nil
}

// verify walks the whole instruction stream once, checking structural
// integrity: every opcode defined, every operand run in bounds, every index
// operand inside its table, and the entry JUMP present. It does not try to
// defend against adversarial-but-structurally-valid code. A decode that
// runs off a table is caught and reported rather than crashing the loader.
func (img *Image) verify() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("structurally invalid: %v", r)
		}
	}()
	return img.verifyWalk()
}

func (img *Image) verifyWalk() error {
	code := img.Code
	if len(code) < 3 {
		return errors.New("code section too short")
	}
	if Opcode(code[0]) != OpJump {
		return errors.New("first instruction must be JUMP")
	}
	starts := make(map[int]Opcode)
	ip := 0
	for ip < len(code) {
		opc := Opcode(code[ip])
		if !opc.Valid() {
			return fmt.Errorf("corrupt bytecode: opcode %d at %d", code[ip], ip)
		}
		if ip+2 > len(code) {
			return fmt.Errorf("truncated instruction at %d", ip)
		}
		id := ip
		arity, next, _ := ParseOpAndGetArity(code, opc, ip)
		if next > len(code) || arity < 0 {
			return fmt.Errorf("truncated operands of %s at %d", opc.Name(), id)
		}
		starts[id] = opc
		if err := img.verifyOperands(opc, id, code[id+2:next]); err != nil {
			return err
		}
		ip = next
	}
	// Branch targets must land on instruction starts.
	ip = 0
	for ip < len(code) {
		opc := Opcode(code[ip])
		id := ip
		_, next, _ := ParseOpAndGetArity(code, opc, ip)
		args := code[id+2 : next]
		for _, t := range img.branchTargets(opc, args) {
			if _, ok := starts[int(t)]; !ok {
				return fmt.Errorf("%s at %d jumps into the middle of an instruction (%d)", opc.Name(), id, t)
			}
		}
		ip = next
	}
	if start := int(code[2]); start < 0 || start >= len(code) {
		return fmt.Errorf("entry point %d out of range", start)
	}
	return nil
}

func (img *Image) branchTargets(opc Opcode, args []int32) []int32 {
	switch opc {
	case OpJump, OpJumpFail, OpJumpNoFail, OpJumpFailRef, OpJumpNoFailRef:
		return args[:1]
	case OpJumpIfUnwound:
		return args[1:2]
	case OpJumpTable:
		return args[2:]
	}
	return nil
}

func (img *Image) verifyOperands(opc Opcode, id int, args []int32) error {
	checkIdx := func(what string, i int32, n int) error {
		ni, err := safecast.Conv[int32](n)
		if err != nil {
			return err
		}
		if i < 0 || i >= ni {
			return fmt.Errorf("%s index %d out of range %d in %s at %d", what, i, n, opc.Name(), id)
		}
		return nil
	}
	switch opc {
	case OpPushStr:
		return checkIdx("string table", args[0], len(img.StringTable))
	case OpPushVar, OpStoreVar:
		return checkIdx("specident", args[0], len(img.SpecIdents))
	case OpNewObject, OpIsType, OpExit:
		return checkIdx("type table", args[0], len(img.TypeTable))
	case OpNewVec:
		return checkIdx("type table", args[0], len(img.TypeTable))
	case OpCall, OpPushFun:
		return checkIdx("code", args[0], len(img.Code))
	case OpJumpTable:
		if args[0] > args[1] {
			return fmt.Errorf("jump table min %d > max %d at %d", args[0], args[1], id)
		}
	case OpFunStart:
		h := DecodeFunHeader(img.Code, id+2)
		for _, v := range h.Args {
			if err := checkIdx("specident", v, len(img.SpecIdents)); err != nil {
				return err
			}
		}
		for _, v := range h.DefSaves {
			if err := checkIdx("specident", v, len(img.SpecIdents)); err != nil {
				return err
			}
		}
		for _, v := range h.Owned {
			if err := checkIdx("specident", v, len(img.SpecIdents)); err != nil {
				return err
			}
		}
	}
	return nil
}
