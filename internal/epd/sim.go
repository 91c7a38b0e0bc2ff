package epd

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"sync"

	"inkcal/internal/convert"
	"inkcal/internal/refresh"
)

// Simulator implements the display driver against an in-memory frame
// instead of hardware. Frames pass through the same 1bpp packing as the SPI
// driver, so the simulated glass shows exactly the pixels the panel would.
type Simulator struct {
	mu          sync.Mutex
	frame       *image.NRGBA
	previewPath string

	fulls    int
	partials int
	asleep   bool
}

// NewSimulator builds a simulated 400x300 panel. When previewPath is
// non-empty the current frame is written there as PNG after every update.
func NewSimulator(previewPath string) *Simulator {
	return &Simulator{frame: blankFrame(), previewPath: previewPath}
}

func blankFrame() *image.NRGBA {
	f := image.NewNRGBA(image.Rect(0, 0, convert.EPDWidth, convert.EPDHeight))
	for i := range f.Pix {
		f.Pix[i] = 0xFF
	}
	return f
}

func (s *Simulator) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asleep = false
	return nil
}

func (s *Simulator) FullUpdate(ctx context.Context, frame image.Image) error {
	plane, err := convert.PackMono(frame)
	if err != nil {
		return fmt.Errorf("epd: simulator full update: %w", err)
	}

	s.mu.Lock()
	for py := 0; py < convert.EPDHeight; py++ {
		for px := 0; px < convert.EPDWidth; px++ {
			s.setPixel(px, py, plane[py*convert.EPDByteStride+(px>>3)]&(0x80>>(px&7)) != 0)
		}
	}
	s.fulls++
	s.mu.Unlock()

	return s.writePreview()
}

func (s *Simulator) PartialUpdate(ctx context.Context, r refresh.Region, frame image.Image) error {
	// Same byte alignment as the hardware path, so the simulator repaints
	// the identical widened window.
	x, w := convert.AlignWindow(r.X, r.Width)
	win, err := convert.PackWindow(frame, x, r.Y, w, r.Height)
	if err != nil {
		return fmt.Errorf("epd: simulator partial update: %w", err)
	}

	stride := w / 8
	s.mu.Lock()
	for wy := 0; wy < r.Height; wy++ {
		for wx := 0; wx < w; wx++ {
			s.setPixel(x+wx, r.Y+wy, win[wy*stride+(wx>>3)]&(0x80>>(wx&7)) != 0)
		}
	}
	s.partials++
	s.mu.Unlock()

	return s.writePreview()
}

func (s *Simulator) Sleep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asleep = true
	return nil
}

func (s *Simulator) Wake(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asleep = false
	return nil
}

// Frame returns a copy of the simulated glass.
func (s *Simulator) Frame() *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneFrame()
}

// Counts reports how many full and partial updates ran.
func (s *Simulator) Counts() (fulls, partials int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fulls, s.partials
}

func (s *Simulator) setPixel(x, y int, white bool) {
	v := uint8(0)
	if white {
		v = 0xFF
	}
	i := y*s.frame.Stride + x*4
	s.frame.Pix[i+0] = v
	s.frame.Pix[i+1] = v
	s.frame.Pix[i+2] = v
	s.frame.Pix[i+3] = 0xFF
}

func (s *Simulator) cloneFrame() *image.NRGBA {
	out := image.NewNRGBA(s.frame.Rect)
	copy(out.Pix, s.frame.Pix)
	return out
}

// writePreview atomically replaces the preview PNG with the current frame.
func (s *Simulator) writePreview() error {
	if s.previewPath == "" {
		return nil
	}
	s.mu.Lock()
	img := s.cloneFrame()
	s.mu.Unlock()

	tmp := s.previewPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("epd: write preview: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("epd: write preview: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("epd: write preview: %w", err)
	}
	if err := os.Rename(tmp, s.previewPath); err != nil {
		return fmt.Errorf("epd: write preview: %w", err)
	}
	return nil
}
