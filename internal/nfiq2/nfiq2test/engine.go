// Package nfiq2test provides an instrumented in-memory nfiq2.Engine.
//
// The fake lays out result blocks the way the native wrapper does (arrays of
// NUL-terminated strings next to arrays of doubles) so the real marshaling
// code runs against it, and it counts every context and allocation so tests
// can assert that nothing leaks or is released twice.
package nfiq2test

import (
	"sync"
	"unsafe"

	"github.com/example/nfiq2-service/internal/nfiq2"
)

// Native status codes of the C wrapper.
const (
	StatusInvalidArgs int32 = 1
	StatusUnexpected  int32 = 2
)

// Engine is a fake native engine. Configure it before the first call; the
// counters may be read at any time.
type Engine struct {
	// Status is returned by Compute when the arguments are valid.
	Status     int32
	Score      uint32
	Actionable []nfiq2.NamedValue
	Features   []nfiq2.NamedValue

	// FailCreate makes Create return nil.
	FailCreate bool
	// NilArrays publishes the table counts without arrays.
	NilArrays bool
	// SkipPartialAlloc stops Compute from allocating when Status != 0.
	SkipPartialAlloc bool

	mu        sync.Mutex
	contexts  map[unsafe.Pointer]struct{}
	blocks    map[*nfiq2.RawResults]*block
	lastPlane nfiq2.PixelPlane
	stats     Stats
}

// Stats is a snapshot of the fake's counters.
type Stats struct {
	Creates         int
	Destroys        int
	DoubleDestroys  int
	Computes        int
	UseAfterDestroy int
	Allocs          int
	Frees           int
	// BadFrees counts FreeResults on non-zero blocks this engine never
	// allocated, or already released.
	BadFrees int
}

type fakeContext struct{ id int }

// block keeps the Go memory behind one RawResults alive until it is freed.
type block struct {
	names  [][]byte
	ids    [][]unsafe.Pointer
	values [][]float64
}

var _ nfiq2.Engine = (*Engine)(nil)

func (e *Engine) init() {
	if e.contexts == nil {
		e.contexts = make(map[unsafe.Pointer]struct{})
		e.blocks = make(map[*nfiq2.RawResults]*block)
	}
}

func (e *Engine) Create() unsafe.Pointer {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.init()
	if e.FailCreate {
		return nil
	}
	e.stats.Creates++
	p := unsafe.Pointer(&fakeContext{id: e.stats.Creates})
	e.contexts[p] = struct{}{}
	return p
}

func (e *Engine) Destroy(ctx unsafe.Pointer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.init()
	if _, ok := e.contexts[ctx]; !ok {
		e.stats.DoubleDestroys++
		return
	}
	delete(e.contexts, ctx)
	e.stats.Destroys++
}

func (e *Engine) Compute(ctx unsafe.Pointer, plane *nfiq2.PixelPlane, out *nfiq2.RawResults) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.init()
	e.stats.Computes++

	if _, ok := e.contexts[ctx]; !ok {
		e.stats.UseAfterDestroy++
		return StatusInvalidArgs
	}
	if plane == nil || out == nil || uint64(len(plane.Pix)) != uint64(plane.Width)*uint64(plane.Height) {
		return StatusInvalidArgs
	}
	e.lastPlane = nfiq2.PixelPlane{Width: plane.Width, Height: plane.Height, PPI: plane.PPI}

	if e.Status != 0 && e.SkipPartialAlloc {
		return e.Status
	}

	b := &block{}
	out.Score = e.Score
	out.Actionable = b.table(e.Actionable, e.NilArrays)
	out.Features = b.table(e.Features, e.NilArrays)
	e.blocks[out] = b
	e.stats.Allocs++
	return e.Status
}

func (e *Engine) FreeResults(out *nfiq2.RawResults) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.init()
	if out == nil {
		return
	}
	if _, ok := e.blocks[out]; ok {
		delete(e.blocks, out)
		e.stats.Frees++
	} else if *out != (nfiq2.RawResults{}) {
		e.stats.BadFrees++
	}
	*out = nfiq2.RawResults{}
}

func (b *block) table(entries []nfiq2.NamedValue, nilArrays bool) nfiq2.RawTable {
	t := nfiq2.RawTable{Count: uint32(len(entries))}
	if len(entries) == 0 || nilArrays {
		return t
	}
	ids := make([]unsafe.Pointer, len(entries))
	vals := make([]float64, len(entries))
	for i, en := range entries {
		name := append([]byte(en.Name), 0)
		b.names = append(b.names, name)
		ids[i] = unsafe.Pointer(&name[0])
		vals[i] = en.Value
	}
	b.ids = append(b.ids, ids)
	b.values = append(b.values, vals)
	t.IDs = unsafe.Pointer(&ids[0])
	t.Values = unsafe.Pointer(&vals[0])
	return t
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Outstanding is the number of result blocks allocated and not yet freed.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blocks)
}

// LiveContexts is the number of contexts created and not yet destroyed.
func (e *Engine) LiveContexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

// LastPlane returns the geometry of the last plane passed to Compute.
// Pix is always nil.
func (e *Engine) LastPlane() nfiq2.PixelPlane {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPlane
}
