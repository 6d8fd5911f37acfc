package main

import (
	"fmt"
	"io"
	"strings"

	"keel/internal/vm"
)

// defaultRegistry is the CLI's embedder-side native set. Programs compiled
// against it index these in registration order.
func defaultRegistry(out io.Writer) *vm.NativeRegistry {
	reg := &vm.NativeRegistry{}

	// print: pops any value, writes its representation, pushes nil.
	reg.Register(&vm.NativeFun{
		Name: "print",
		Fn: func(m *vm.VM, sp int) int {
			v := m.Top(sp)
			sp--
			var sd strings.Builder
			v.ToStringBase(m, &sd, v.Tag(), vm.PrintPrefs{Depth: -1, Budget: 100000})
			v.DecRT(m)
			fmt.Fprintln(out, sd.String())
			return m.Push(sp, vm.NilVal())
		},
	})

	// start_workers: pops a thread count, pushes nil.
	reg.Register(&vm.NativeFun{
		Name: "start_workers",
		Fn: func(m *vm.VM, sp int) int {
			n := m.Top(sp)
			sp--
			m.StartWorkers(sp, n.IVal())
			return m.Push(sp, vm.NilVal())
		},
	})

	// worker_write: pops a class instance, enqueues it, pushes nil.
	reg.Register(&vm.NativeFun{
		Name: "worker_write",
		Fn: func(m *vm.VM, sp int) int {
			v := m.Top(sp)
			sp--
			m.WorkerWrite(sp, v.Ref())
			v.DecRT(m)
			return m.Push(sp, vm.NilVal())
		},
	})

	// worker_read: pops a class type id, pushes an instance or nil.
	reg.Register(&vm.NativeFun{
		Name: "worker_read",
		Fn: func(m *vm.VM, sp int) int {
			t := m.Top(sp)
			sp--
			obj := m.WorkerRead(sp, int32(t.IVal()))
			return m.Push(sp, vm.RefVal(obj))
		},
	})

	return reg
}
