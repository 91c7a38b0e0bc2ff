package refresh

import "sort"

// Coalesce merges overlapping or vertically adjacent regions into bounding
// boxes, reducing the number of physical partial-update calls; each call
// carries fixed hardware overhead regardless of region size.
//
// The input is sorted by (y, x) and swept once left to right, greedily
// merging each candidate into the immediately preceding accumulated region
// when their y-ranges intersect or touch. The sweep is not repeated to a
// fixed point, so regions that only become adjacent after an earlier merge
// can stay separate; the union of the output always covers the union of the
// input, and the output is never longer than the input.
func Coalesce(regions []Region) []Region {
	if len(regions) == 0 {
		return nil
	}

	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if yRangesTouch(*last, r) {
			*last = last.Union(r)
		} else {
			out = append(out, r)
		}
	}
	return out
}

// yRangesTouch reports whether the vertical extents of a and b intersect or
// share a boundary row.
func yRangesTouch(a, b Region) bool {
	return a.Y <= b.Bottom() && b.Y <= a.Bottom()
}
