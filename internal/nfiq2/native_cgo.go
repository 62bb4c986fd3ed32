//go:build cgo && nfiq2

package nfiq2

/*
#cgo CFLAGS: -I${SRCDIR}/cwrapper
#cgo LDFLAGS: -lnfiq2wrapper -lnfiq2 -lFRFXLL_static -lopencv_ml -lopencv_imgproc -lopencv_core -lstdc++ -lm

#include <stdlib.h>
#include "nfiq_wrapper.h"
*/
import "C"

import "unsafe"

// cgoEngine binds Engine to the statically linked NFIQ2 wrapper.
type cgoEngine struct{}

// DefaultEngine returns the native engine linked into this binary.
func DefaultEngine() Engine {
	return cgoEngine{}
}

func (cgoEngine) Create() unsafe.Pointer {
	return unsafe.Pointer(C.nfiq2wrapper_create())
}

func (cgoEngine) Destroy(ctx unsafe.Pointer) {
	if ctx == nil {
		return
	}
	C.nfiq2wrapper_destroy((*C.Nfiq2Wrapper)(ctx))
}

func (cgoEngine) Compute(ctx unsafe.Pointer, plane *PixelPlane, out *RawResults) int32 {
	var raw C.nfiq2_results_t
	rc := C.nfiq2wrapper_compute(
		(*C.Nfiq2Wrapper)(ctx),
		(*C.uint8_t)(unsafe.Pointer(&plane.Pix[0])),
		C.uint32_t(len(plane.Pix)),
		C.uint32_t(plane.Width),
		C.uint32_t(plane.Height),
		C.uint16_t(plane.PPI),
		&raw,
	)
	// Hand every pointer over, whatever the status, so FreeResults can
	// release partial allocations.
	*out = fromC(&raw)
	return int32(rc)
}

func (cgoEngine) FreeResults(out *RawResults) {
	if out == nil || *out == (RawResults{}) {
		return
	}
	safe := out.releasable()
	raw := toC(&safe)
	C.nfiq2wrapper_free_results(&raw)
	*out = RawResults{}
}

func fromC(raw *C.nfiq2_results_t) RawResults {
	return RawResults{
		Score: uint32(raw.score),
		Actionable: RawTable{
			Count:  uint32(raw.actionable_count),
			IDs:    unsafe.Pointer(raw.actionable_ids),
			Values: unsafe.Pointer(raw.actionable_values),
		},
		Features: RawTable{
			Count:  uint32(raw.feature_count),
			IDs:    unsafe.Pointer(raw.feature_ids),
			Values: unsafe.Pointer(raw.feature_values),
		},
	}
}

func toC(out *RawResults) C.nfiq2_results_t {
	return C.nfiq2_results_t{
		score:             C.uint32_t(out.Score),
		actionable_count:  C.uint32_t(out.Actionable.Count),
		actionable_ids:    (**C.char)(out.Actionable.IDs),
		actionable_values: (*C.double)(out.Actionable.Values),
		feature_count:     C.uint32_t(out.Features.Count),
		feature_ids:       (**C.char)(out.Features.IDs),
		feature_values:    (*C.double)(out.Features.Values),
	}
}
