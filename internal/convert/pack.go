package convert

import (
	"fmt"
	"image"
	"image/color"
)

// EPD panel geometry (4.2" mono, UC8176).
const (
	EPDWidth      = 400
	EPDHeight     = 300
	EPDByteStride = EPDWidth / 8 // 50 bytes per row
	EPDPlaneSize  = EPDByteStride * EPDHeight
)

// inkThreshold is the luma below which a pixel counts as ink on the mono
// panel. Text rendering produces near-black and near-white only; 128 keeps
// anti-aliased edges from speckling.
const inkThreshold = 128

// PackMono converts a frame into the packed 1bpp plane the panel expects.
//
// Requirements / behavior:
//
//   - img width must be exactly 400 pixels (EPDWidth).
//   - img height must be >= 300 pixels (EPDHeight).
//   - height가 더 크면 세로 방향으로 중앙을 잘라(센터 크롭) 300px만 사용한다.
//   - 투명(alpha < 128) 또는 밝은 픽셀 → white, 어두운 픽셀 → ink.
//
// Packing 규칙:
//
//   - y-major, MSB-first 1bpp:
//     byteIndex = y * 50 + (x >> 3)
//     mask      = 0x80 >> (x & 7)
//   - 초기값은 모든 비트를 1(white)로 채우고,
//     잉크가 필요한 픽셀만 해당 비트를 0으로 클리어한다.
func PackMono(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()

	if w != EPDWidth {
		return nil, fmt.Errorf("convert: expected width %d, got %d", EPDWidth, w)
	}
	if h < EPDHeight {
		return nil, fmt.Errorf("convert: expected height >= %d, got %d", EPDHeight, h)
	}

	// 세로 방향으로 가운데 300px만 사용 (센터 크롭).
	startY := b.Min.Y + (h-EPDHeight)/2

	plane := make([]byte, EPDPlaneSize)
	for i := range plane {
		plane[i] = 0xFF
	}

	if n, ok := img.(*image.NRGBA); ok {
		packNRGBA(plane, n, startY)
		return plane, nil
	}

	for py := 0; py < EPDHeight; py++ {
		for px := 0; px < EPDWidth; px++ {
			if pixelDark(img.At(b.Min.X+px, startY+py)) {
				plane[py*EPDByteStride+(px>>3)] &^= 0x80 >> (px & 7)
			}
		}
	}
	return plane, nil
}

// packNRGBA is the fast path: it walks img.Pix by stride directly instead of
// going through At().
func packNRGBA(plane []byte, img *image.NRGBA, startY int) {
	b := img.Bounds()
	for py := 0; py < EPDHeight; py++ {
		rowOff := (startY + py - b.Min.Y) * img.Stride
		for px := 0; px < EPDWidth; px++ {
			i := rowOff + px*4
			r := img.Pix[i+0]
			g := img.Pix[i+1]
			bb := img.Pix[i+2]
			a := img.Pix[i+3]

			// 투명/반투명은 화면에 보이지 않으므로 white 취급.
			if a < 128 {
				continue
			}
			if luma(r, g, bb) >= inkThreshold {
				continue
			}
			plane[py*EPDByteStride+(px>>3)] &^= 0x80 >> (px & 7)
		}
	}
}

// PackWindow packs the sub-rectangle (x, y, w, h) of the frame into a 1bpp
// buffer of w/8 bytes per row, for partial panel updates. The horizontal
// extent must already be byte aligned; AlignWindow produces one.
func PackWindow(img image.Image, x, y, w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("convert: window %dx%d is empty", w, h)
	}
	if x%8 != 0 || w%8 != 0 {
		return nil, fmt.Errorf("convert: window x=%d w=%d is not byte aligned", x, w)
	}
	b := img.Bounds()
	if x < 0 || y < 0 || x+w > b.Dx() || y+h > b.Dy() {
		return nil, fmt.Errorf("convert: window %dx%d+%d+%d outside %dx%d frame", w, h, x, y, b.Dx(), b.Dy())
	}

	stride := w / 8
	buf := make([]byte, stride*h)
	for i := range buf {
		buf[i] = 0xFF
	}

	if n, ok := img.(*image.NRGBA); ok {
		for wy := 0; wy < h; wy++ {
			rowOff := (y + wy) * n.Stride
			for wx := 0; wx < w; wx++ {
				i := rowOff + (x+wx)*4
				if n.Pix[i+3] < 128 {
					continue
				}
				if luma(n.Pix[i+0], n.Pix[i+1], n.Pix[i+2]) >= inkThreshold {
					continue
				}
				buf[wy*stride+(wx>>3)] &^= 0x80 >> (wx & 7)
			}
		}
		return buf, nil
	}

	for wy := 0; wy < h; wy++ {
		for wx := 0; wx < w; wx++ {
			if pixelDark(img.At(b.Min.X+x+wx, b.Min.Y+y+wy)) {
				buf[wy*stride+(wx>>3)] &^= 0x80 >> (wx & 7)
			}
		}
	}
	return buf, nil
}

// AlignWindow widens a horizontal extent to whole bytes: the left edge moves
// down to the previous multiple of 8, the right edge up to the next one.
// Widening repaints pixels that did not change, which is harmless; clamping
// would drop pixels that did.
func AlignWindow(x, w int) (alignedX, alignedW int) {
	left := x &^ 7
	right := (x + w + 7) &^ 7
	return left, right - left
}

func pixelDark(c color.Color) bool {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	if n.A < 128 {
		return false
	}
	return luma(n.R, n.G, n.B) < inkThreshold
}

// luma is perceptual brightness (ITU-R BT.601 weights).
func luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}
