package nfiq2_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/example/nfiq2-service/internal/nfiq2"
)

func TestPrepareGrayPNG(t *testing.T) {
	plane, err := nfiq2.Prepare(grayPNG(t, 5, 3), nfiq2.DefaultPPI)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if plane.Width != 5 || plane.Height != 3 || len(plane.Pix) != 15 {
		t.Fatalf("unexpected plane: %dx%d len=%d", plane.Width, plane.Height, len(plane.Pix))
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			if got, want := plane.Pix[y*5+x], uint8(x+y); got != want {
				t.Fatalf("pixel (%d,%d): expected %d, got %d", x, y, want, got)
			}
		}
	}
	if plane.PPI != 500 {
		t.Fatalf("expected 500 ppi, got %d", plane.PPI)
	}
}

func TestPrepareConvertsColorToGray(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for x := 0; x < 4; x++ {
		img.Set(x, 0, color.White)
		img.Set(x, 1, color.Black)
	}
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode bmp: %v", err)
	}

	plane, err := nfiq2.Prepare(buf.Bytes(), 500)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if len(plane.Pix) != int(plane.Width*plane.Height) {
		t.Fatalf("buffer length %d does not match %dx%d", len(plane.Pix), plane.Width, plane.Height)
	}
	for x := 0; x < 4; x++ {
		if plane.Pix[x] != 255 || plane.Pix[4+x] != 0 {
			t.Fatalf("unexpected gray row values: %v", plane.Pix)
		}
	}
}

func TestPrepareUsesRec709AndIgnoresAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})
	img.SetNRGBA(2, 0, color.NRGBA{R: 200, G: 200, B: 200, A: 0})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	plane, err := nfiq2.Prepare(buf.Bytes(), 500)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	want := []byte{54, 182, 200}
	if !bytes.Equal(plane.Pix, want) {
		t.Fatalf("expected %v, got %v", want, plane.Pix)
	}
}

func TestPrepareScales16BitChannels(t *testing.T) {
	img := image.NewRGBA64(image.Rect(0, 0, 2, 1))
	img.SetRGBA64(0, 0, color.RGBA64{R: 0xffff, G: 0xffff, B: 0xffff, A: 0xffff})
	img.SetRGBA64(1, 0, color.RGBA64{R: 0x8080, G: 0x8080, B: 0x8080, A: 0xffff})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	plane, err := nfiq2.Prepare(buf.Bytes(), 500)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	want := []byte{255, 128}
	if !bytes.Equal(plane.Pix, want) {
		t.Fatalf("expected %v, got %v", want, plane.Pix)
	}
}

func TestPrepareJPEG(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 17, 9), image.YCbCrSubsampleRatio420)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	plane, err := nfiq2.Prepare(buf.Bytes(), 500)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if plane.Width != 17 || plane.Height != 9 || len(plane.Pix) != 17*9 {
		t.Fatalf("unexpected plane: %dx%d len=%d", plane.Width, plane.Height, len(plane.Pix))
	}
}

func TestPreparePGM(t *testing.T) {
	data := append([]byte("P5\n3 2\n255\n"), 0, 10, 20, 30, 40, 255)

	plane, err := nfiq2.Prepare(data, 500)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if plane.Width != 3 || plane.Height != 2 {
		t.Fatalf("unexpected geometry %dx%d", plane.Width, plane.Height)
	}
	want := []byte{0, 10, 20, 30, 40, 255}
	if !bytes.Equal(plane.Pix, want) {
		t.Fatalf("expected %v, got %v", want, plane.Pix)
	}
}

func TestPrepareRejectsGarbage(t *testing.T) {
	_, err := nfiq2.Prepare([]byte{0x00, 0x01, 0x02}, 500)
	if code, ok := nfiq2.CodeOf(err); !ok || code != nfiq2.BoundaryCode {
		t.Fatalf("expected boundary ComputeFailed, got %v", err)
	}
}
