package vm

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"keel/internal/bytecode"
)

// maxWorkers stops bad thread counts from locking up the machine.
const maxWorkers = 256

// tupleQueue is the per-class FIFO. Writers append under the lock and wake
// one waiter; readers wait until a tuple arrives or the space is torn down.
type tupleQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tuples [][]Value
}

// TupleSpace is the cross-VM message channel: one queue per user-defined
// class. It is the only thing workers share besides the program image.
type TupleSpace struct {
	alive  atomic.Bool
	queues []tupleQueue
}

// NewTupleSpace sizes the space for a program with n user-defined types.
func NewTupleSpace(n int) *TupleSpace {
	ts := &TupleSpace{queues: make([]tupleQueue, n)}
	for i := range ts.queues {
		ts.queues[i].cond = sync.NewCond(&ts.queues[i].mu)
	}
	ts.alive.Store(true)
	return ts
}

type workerGroup struct {
	g errgroup.Group
}

// StartWorkers constructs numthreads fresh VM instances over the shared
// image and a new tuple space, each running EvalProgram on its own
// goroutine. Workers may not start workers of their own.
func (vm *VM) StartWorkers(sp int, numthreads int64) {
	if vm.isWorker {
		vm.Error(sp, "workers can't start more worker threads")
	}
	if vm.tupleSpace != nil {
		vm.Error(sp, "workers already running")
	}
	if numthreads > maxWorkers {
		numthreads = maxWorkers
	}
	vm.tupleSpace = NewTupleSpace(len(vm.img.UDTs))
	vm.workers = &workerGroup{}
	for i := int64(0); i < numthreads; i++ {
		// Each worker owns all its own memory and is completely independent
		// from this VM; the image and registry are read-only.
		w := NewVM(vm.img, Options{
			Registry: vm.registry,
			Trace:    TraceOff,
		})
		w.isWorker = true
		w.tupleSpace = vm.tupleSpace
		vm.workers.g.Go(w.EvalProgram)
	}
}

// TerminateWorkers flips the alive flag, wakes every blocked reader, joins
// all worker goroutines and frees the tuple space. The first worker error,
// if any, is returned.
func (vm *VM) TerminateWorkers() error {
	if vm.isWorker || vm.tupleSpace == nil {
		return nil
	}
	ts := vm.tupleSpace
	ts.alive.Store(false)
	for i := range ts.queues {
		q := &ts.queues[i]
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	var err error
	if vm.workers != nil {
		err = vm.workers.g.Wait()
	}
	vm.workers = nil
	vm.tupleSpace = nil
	return err
}

// WorkerWrite copies a class instance's cells into an owned buffer and
// enqueues it on the class's queue. Only classes whose fields are all
// scalars can travel between VMs.
func (vm *VM) WorkerWrite(sp int, ref *Object) {
	if vm.tupleSpace == nil {
		return
	}
	if ref == nil {
		vm.Error(sp, "thread write: nil reference")
	}
	ti := vm.GetTypeInfo(ref.TTI())
	if ti.Kind != bytecode.KClass {
		vm.Error(sp, "thread write: must be a class")
	}
	buf := make([]Value, ti.Len)
	for i := int32(0); i < ti.Len; i++ {
		if vm.GetTypeInfo(ti.ElemTypes[i]).IsRef() {
			vm.Error(sp, "thread write: only scalar class members supported for now")
		}
		buf[i] = ref.AtS(i)
	}
	q := &vm.tupleSpace.queues[ti.StructIdx]
	q.mu.Lock()
	q.tuples = append(q.tuples, buf)
	q.mu.Unlock()
	q.cond.Signal()
}

// WorkerRead blocks until a tuple of the given class type arrives,
// returning a freshly constructed instance, or nil when the tuple space is
// being torn down.
func (vm *VM) WorkerRead(sp int, tti int32) *Object {
	ti := vm.GetTypeInfo(tti)
	if ti.Kind != bytecode.KClass {
		vm.Error(sp, "thread read: must be a class type")
	}
	if vm.tupleSpace == nil {
		return nil
	}
	ts := vm.tupleSpace
	q := &ts.queues[ti.StructIdx]
	var buf []Value
	q.mu.Lock()
	for ts.alive.Load() && len(q.tuples) == 0 {
		q.cond.Wait()
	}
	if len(q.tuples) > 0 {
		buf = q.tuples[0]
		q.tuples = q.tuples[1:]
	}
	q.mu.Unlock()
	if buf == nil {
		return nil
	}
	ns := vm.NewObject(int64(ti.Len), tti)
	ns.Init(buf, false)
	return ns
}

// IsWorker reports whether this VM instance is a worker.
func (vm *VM) IsWorker() bool { return vm.isWorker }
