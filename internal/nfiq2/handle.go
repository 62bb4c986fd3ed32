package nfiq2

import (
	"image"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

// Option configures a Handle.
type Option func(*options)

type options struct {
	ppi        uint16
	logger     *zap.Logger
	maxNameLen int
}

// WithPPI overrides the assumed scan resolution (DefaultPPI otherwise).
func WithPPI(ppi uint16) Option {
	return func(o *options) {
		if ppi != 0 {
			o.ppi = ppi
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxNameLen bounds the length of feature names read from native memory.
func WithMaxNameLen(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxNameLen = n
		}
	}
}

// nativeRef is the single owner of a native context.
type nativeRef struct {
	engine Engine
	ptr    unsafe.Pointer
}

func (r *nativeRef) destroy() {
	r.engine.Destroy(r.ptr)
}

// Handle owns one native NFIQ2 context. It is safe for concurrent use; the
// native engine is trusted to handle concurrent computes on one context.
//
// Close releases the context. A handle that becomes unreachable without
// being closed is torn down by the runtime.
type Handle struct {
	opts options

	// mu orders Close after in-flight computes. The context pointer itself
	// is written once on construction and once on Close.
	mu      sync.RWMutex
	ref     atomic.Pointer[nativeRef]
	cleanup runtime.Cleanup
}

// Create builds a handle on the engine compiled into this binary.
func Create(opts ...Option) (*Handle, error) {
	return New(DefaultEngine(), opts...)
}

// New builds a handle on engine, invoking the native constructor once.
func New(engine Engine, opts ...Option) (*Handle, error) {
	o := options{
		ppi:        DefaultPPI,
		logger:     zap.NewNop(),
		maxNameLen: defaultMaxNameLen,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if engine == nil {
		o.logger.Error("nfiq2 engine unavailable")
		return nil, ErrCreateFailed
	}

	ptr := engine.Create()
	if ptr == nil {
		o.logger.Error("nfiq2 native create returned null")
		return nil, ErrCreateFailed
	}

	ref := &nativeRef{engine: engine, ptr: ptr}
	h := &Handle{opts: o}
	h.ref.Store(ref)
	h.cleanup = runtime.AddCleanup(h, (*nativeRef).destroy, ref)
	o.logger.Debug("nfiq2 context created")
	return h, nil
}

// Close destroys the native context. Only the first call does anything.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ref := h.ref.Swap(nil)
	if ref == nil {
		return nil
	}
	h.cleanup.Stop()
	ref.destroy()
	h.opts.logger.Debug("nfiq2 context destroyed")
	return nil
}

// Closed reports whether the native context has been released.
func (h *Handle) Closed() bool {
	return h == nil || h.ref.Load() == nil
}

// Compute decodes an encoded image and scores it.
func (h *Handle) Compute(imageBytes []byte) (*Result, error) {
	if h.Closed() {
		return nil, ErrNullContext
	}
	plane, err := Prepare(imageBytes, h.opts.ppi)
	if err != nil {
		h.opts.logger.Debug("nfiq2 image rejected", zap.Int("bytes", len(imageBytes)), zap.Error(err))
		return nil, err
	}
	return h.ComputePlane(plane)
}

// ComputeImage scores an already decoded image.
func (h *Handle) ComputeImage(img image.Image) (*Result, error) {
	if h.Closed() {
		return nil, ErrNullContext
	}
	plane, err := planeFromImage(img, h.opts.ppi)
	if err != nil {
		return nil, err
	}
	return h.ComputePlane(plane)
}

// ComputePlane scores raw grayscale pixels.
func (h *Handle) ComputePlane(plane *PixelPlane) (*Result, error) {
	if h == nil {
		return nil, ErrNullContext
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	ref := h.ref.Load()
	if ref == nil {
		return nil, ErrNullContext
	}
	if !plane.valid() {
		return nil, boundaryFailure(errInvalidPlane)
	}
	if plane.PPI == 0 {
		p := *plane
		p.PPI = h.opts.ppi
		plane = &p
	}

	start := time.Now()
	var raw RawResults
	defer ref.engine.FreeResults(&raw)

	if rc := ref.engine.Compute(ref.ptr, plane, &raw); rc != 0 {
		h.opts.logger.Warn("nfiq2 native compute failed",
			zap.Int32("status", rc),
			zap.Uint32("width", plane.Width),
			zap.Uint32("height", plane.Height))
		return nil, computeFailed(rc)
	}

	actionable, features, err := collect(&raw, h.opts.maxNameLen)
	if err != nil {
		h.opts.logger.Warn("nfiq2 result block rejected", zap.Error(err))
		return nil, boundaryFailure(err)
	}

	h.opts.logger.Debug("nfiq2 computed",
		zap.Uint32("score", raw.Score),
		zap.Int("actionable", len(actionable)),
		zap.Int("features", len(features)),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{
		Score:      raw.Score,
		Actionable: actionable,
		Features:   features,
	}, nil
}
