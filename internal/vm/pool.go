package vm

import (
	"fmt"
	"sort"
)

// Pool is the VM's object allocator. Objects register on allocation and
// deregister when their last reference is released; whatever is still
// registered at teardown is a leak (a reference cycle, or a bug).
//
// Allocation ids are monotonically increasing and never reused within a
// run, which keeps leak reports stable.
type Pool struct {
	live   map[*Object]uint64
	nextID uint64

	allocs uint64
	frees  uint64
}

func (p *Pool) initIfNeeded() {
	if p.live == nil {
		p.live = make(map[*Object]uint64, 128)
	}
	if p.nextID == 0 {
		p.nextID = 1
	}
}

// Alloc registers a fresh object with one owning reference.
func (p *Pool) Alloc(o *Object) *Object {
	p.initIfNeeded()
	o.refc = 1
	p.live[o] = p.nextID
	p.nextID++
	p.allocs++
	return o
}

// Free deregisters an object whose last reference was released.
func (p *Pool) Free(o *Object) {
	p.initIfNeeded()
	if _, ok := p.live[o]; !ok {
		return
	}
	delete(p.live, o)
	p.frees++
}

// FindLeaks returns all still-registered objects, ordered by descending
// refcount then type table index, with allocation order as the tiebreak.
func (p *Pool) FindLeaks() []*Object {
	p.initIfNeeded()
	leaks := make([]*Object, 0, len(p.live))
	for o := range p.live {
		leaks = append(leaks, o)
	}
	sort.Slice(leaks, func(i, j int) bool {
		a, b := leaks[i], leaks[j]
		if a.refc != b.refc {
			return a.refc > b.refc
		}
		if a.tti != b.tti {
			return a.tti > b.tti
		}
		return p.live[a] < p.live[b]
	})
	return leaks
}

// AllocID returns the allocation id of a live object, 0 when unknown.
func (p *Pool) AllocID(o *Object) uint64 {
	p.initIfNeeded()
	return p.live[o]
}

// Stats formats the allocation counters.
func (p *Pool) Stats() string {
	return fmt.Sprintf("allocs: %d, frees: %d, live: %d", p.allocs, p.frees, len(p.live))
}
