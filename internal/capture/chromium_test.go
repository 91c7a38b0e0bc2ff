package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestFrameFromPNGExactSize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 300))
	src.Set(10, 20, color.Black)

	frame, err := frameFromPNG(encodePNG(t, src), 400, 300)
	if err != nil {
		t.Fatalf("frameFromPNG: %v", err)
	}
	if b := frame.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Fatalf("bounds = %v, want 400x300", b)
	}
	if frame.NRGBAAt(10, 20).R != 0 {
		t.Error("pixel (10,20) not carried over")
	}
}

func TestFrameFromPNGCropsOversized(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 800, 600))
	src.Set(399, 299, color.Black)
	src.Set(500, 400, color.Black)

	frame, err := frameFromPNG(encodePNG(t, src), 400, 300)
	if err != nil {
		t.Fatalf("frameFromPNG: %v", err)
	}
	if b := frame.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Fatalf("bounds = %v, want 400x300", b)
	}
	if frame.NRGBAAt(399, 299).R != 0 {
		t.Error("in-range pixel lost in crop")
	}
}

func TestFrameFromPNGPadsUndersized(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))

	frame, err := frameFromPNG(encodePNG(t, src), 400, 300)
	if err != nil {
		t.Fatalf("frameFromPNG: %v", err)
	}
	if got := frame.NRGBAAt(399, 299); got.R != 255 || got.A != 255 {
		t.Errorf("padding pixel = %+v, want opaque white", got)
	}
}

func TestFrameFromPNGRejectsGarbage(t *testing.T) {
	if _, err := frameFromPNG([]byte("not a png"), 400, 300); err == nil {
		t.Fatal("expected a decode error")
	}
}
