package refresh

import "fmt"

// Region is a rectangular area of the display's pixel grid, origin top-left.
// It is an immutable value type; two regions with the same coordinates are
// the same region.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// WholeDisplay returns the region covering an entire width x height panel.
func WholeDisplay(width, height int) Region {
	return Region{X: 0, Y: 0, Width: width, Height: height}
}

// Area returns the number of pixels covered by r.
func (r Region) Area() int {
	return r.Width * r.Height
}

// Right returns the exclusive right edge (X + Width).
func (r Region) Right() int {
	return r.X + r.Width
}

// Bottom returns the exclusive bottom edge (Y + Height).
func (r Region) Bottom() int {
	return r.Y + r.Height
}

// Overlaps reports whether the pixel extents of r and o intersect.
func (r Region) Overlaps(o Region) bool {
	return r.X < o.Right() && o.X < r.Right() &&
		r.Y < o.Bottom() && o.Y < r.Bottom()
}

// Union returns the bounding box of r and o.
func (r Region) Union(o Region) Region {
	x0 := min(r.X, o.X)
	y0 := min(r.Y, o.Y)
	x1 := max(r.Right(), o.Right())
	y1 := max(r.Bottom(), o.Bottom())
	return Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Validate checks the positive-size and display-bounds invariants against a
// width x height panel. A violating region is a configuration or detector
// bug; callers must treat the error as fatal for the cycle rather than clamp.
func (r Region) Validate(width, height int) error {
	if r.Width <= 0 || r.Height <= 0 {
		return &InvalidRegionError{
			Region:        r,
			DisplayWidth:  width,
			DisplayHeight: height,
			Reason:        "width and height must be positive",
		}
	}
	if r.X < 0 || r.Y < 0 || r.Right() > width || r.Bottom() > height {
		return &InvalidRegionError{
			Region:        r,
			DisplayWidth:  width,
			DisplayHeight: height,
			Reason:        "region extends outside the display",
		}
	}
	return nil
}

// String renders r in X geometry notation, e.g. "400x10+0+290".
func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}
