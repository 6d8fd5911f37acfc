package vm

import "keel/internal/bytecode"

// ObjKind identifies the payload variant of a heap object.
type ObjKind uint8

const (
	OKString ObjKind = iota
	OKVector
	OKObject
	OKResource
	OKValueBuf
)

// ResourceType describes a foreign resource wrapped by an OKResource
// object, including its finalizer.
type ResourceType struct {
	Name     string
	Finalize func(val any)
}

// Object is a reference-counted heap object. The header (refcount and type
// table index) is common to all variants; the payload fields are
// kind-specific. A refcount of 0 is unreachable while the object is alive:
// the decrement to 0 deletes it.
type Object struct {
	refc int32
	tti  int32
	kind ObjKind

	str    string  // OKString, immutable after construction
	elems  []Value // OKVector
	etype  int32   // OKVector element type table index
	fields []Value // OKObject, fixed length; OKValueBuf
	res    any     // OKResource
	resT   *ResourceType
}

// Kind returns the payload variant.
func (o *Object) Kind() ObjKind { return o.kind }

// TTI returns the object's type table index.
func (o *Object) TTI() int32 { return o.tti }

// RefC returns the current reference count.
func (o *Object) RefC() int32 { return o.refc }

// Inc takes one more reference.
func (o *Object) Inc() { o.refc++ }

// Dec releases one reference, deleting the object when the last owner lets
// go. Children are released recursively; cycles are never collected and
// show up in the teardown leak dump instead.
func (o *Object) Dec(vm *VM) {
	o.refc--
	if o.refc > 0 {
		return
	}
	if o.refc < 0 {
		vm.VMAssert("double delete")
		return
	}
	o.delete(vm)
}

func (o *Object) delete(vm *VM) {
	switch o.kind {
	case OKVector:
		if vm.GetTypeInfo(o.etype).IsRef() {
			for _, e := range o.elems {
				e.DecRT(vm)
			}
		}
		o.elems = nil
	case OKObject:
		ti := vm.GetTypeInfo(o.tti)
		for i, e := range o.fields {
			if int32(i) < ti.Len && vm.GetTypeInfo(ti.ElemTypes[i]).IsRef() {
				e.DecRT(vm)
			}
		}
		o.fields = nil
	case OKResource:
		if o.resT != nil && o.resT.Finalize != nil {
			o.resT.Finalize(o.res)
		}
		o.res = nil
	case OKString, OKValueBuf:
	}
	vm.pool.Free(o)
}

// Str returns the string payload.
func (o *Object) Str() string { return o.str }

// Len returns the element count of a vector or string.
func (o *Object) Len() int64 {
	switch o.kind {
	case OKString:
		return int64(len(o.str))
	case OKVector:
		return int64(len(o.elems))
	default:
		return int64(len(o.fields))
	}
}

// At returns vector element i.
func (o *Object) At(i int64) Value { return o.elems[i] }

// AtS returns object field i.
func (o *Object) AtS(i int32) Value { return o.fields[i] }

// Append grows the vector by one element; the vector takes ownership.
func (o *Object) Append(v Value) { o.elems = append(o.elems, v) }

// Init copies buf into the object's field cells. When inc is set, each
// reference among them is incremented.
func (o *Object) Init(buf []Value, inc bool) {
	copy(o.fields, buf)
	if inc {
		for _, v := range o.fields {
			v.IncRT()
		}
	}
}

// Resource returns the wrapped foreign value.
func (o *Object) Resource() any { return o.res }

// tag maps the payload variant to the runtime tag its cells carry.
func (o *Object) tag() bytecode.TypeKind {
	switch o.kind {
	case OKString:
		return bytecode.KString
	case OKVector:
		return bytecode.KVector
	case OKResource:
		return bytecode.KResource
	case OKValueBuf:
		return bytecode.KValueBuf
	default:
		return bytecode.KClass
	}
}
