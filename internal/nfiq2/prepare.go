package nfiq2

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"

	_ "github.com/spakin/netpbm" // register PBM/PGM/PPM decoders
	_ "golang.org/x/image/bmp"   // register BMP decoder
	_ "golang.org/x/image/tiff"  // register TIFF decoder
	_ "golang.org/x/image/webp"  // register WebP decoder
)

// DefaultPPI is the scan resolution assumed for every image. NFIQ2 needs an
// explicit value and decoded images rarely carry a trustworthy one.
const DefaultPPI uint16 = 500

// The native size argument is a uint32.
const maxPlaneBytes = math.MaxUint32

var errEmptyImage = errors.New("empty image")

// Prepare decodes an encoded image and converts it into a grayscale plane at
// the given resolution. Any failure is ComputeFailed(BoundaryCode).
func Prepare(data []byte, ppi uint16) (*PixelPlane, error) {
	if len(data) == 0 {
		return nil, boundaryFailure(errEmptyImage)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, boundaryFailure(fmt.Errorf("decode image: %w", err))
	}
	return planeFromImage(img, ppi)
}

func planeFromImage(img image.Image, ppi uint16) (*PixelPlane, error) {
	if img == nil {
		return nil, boundaryFailure(errEmptyImage)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, boundaryFailure(errEmptyImage)
	}
	if uint64(w)*uint64(h) > maxPlaneBytes {
		return nil, boundaryFailure(fmt.Errorf("image %dx%d exceeds native size limit", w, h))
	}

	plane := &PixelPlane{
		Pix:    make([]byte, w*h),
		Width:  uint32(w),
		Height: uint32(h),
		PPI:    ppi,
	}

	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < h; y++ {
			off := g.PixOffset(b.Min.X, b.Min.Y+y)
			copy(plane.Pix[y*w:(y+1)*w], g.Pix[off:off+w])
		}
		return plane, nil
	}

	for y := 0; y < h; y++ {
		row := plane.Pix[y*w : (y+1)*w]
		for x := range row {
			row[x] = luma(img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return plane, nil
}

// luma converts c to 8-bit gray with Rec. 709 weights on the
// non-premultiplied channels. Alpha is ignored. Non-premultiplied colors are
// read directly; going through RGBA() would zero fully transparent pixels.
func luma(c color.Color) uint8 {
	var r, g, b uint32
	switch v := c.(type) {
	case color.Gray:
		return v.Y
	case color.NRGBA:
		r, g, b = uint32(v.R), uint32(v.G), uint32(v.B)
	case color.NRGBA64:
		r, g, b = scale16(v.R), scale16(v.G), scale16(v.B)
	default:
		n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
		r, g, b = scale16(n.R), scale16(n.G), scale16(n.B)
	}
	return uint8((2126*r + 7152*g + 722*b) / 10000)
}

func scale16(v uint16) uint32 {
	return (uint32(v) + 128) / 257
}
