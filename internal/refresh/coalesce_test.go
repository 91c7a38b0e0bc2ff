package refresh

import (
	"math/rand"
	"testing"
)

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name string
		in   []Region
		want []Region
	}{
		{
			name: "empty input",
			in:   nil,
			want: nil,
		},
		{
			name: "single region",
			in:   []Region{{0, 50, 400, 120}},
			want: []Region{{0, 50, 400, 120}},
		},
		{
			name: "vertically touching rows merge",
			in:   []Region{{0, 0, 400, 50}, {0, 50, 400, 120}},
			want: []Region{{0, 0, 400, 170}},
		},
		{
			name: "vertically separated rows stay apart",
			in:   []Region{{0, 0, 400, 50}, {0, 170, 400, 120}},
			want: []Region{{0, 0, 400, 50}, {0, 170, 400, 120}},
		},
		{
			name: "same row merges across gap in x",
			in:   []Region{{200, 0, 100, 10}, {0, 0, 100, 10}},
			want: []Region{{0, 0, 300, 10}},
		},
		{
			name: "unsorted input is sorted first",
			in:   []Region{{0, 170, 400, 120}, {0, 0, 400, 50}, {0, 50, 400, 120}},
			want: []Region{{0, 0, 400, 290}},
		},
		{
			name: "distant columns sharing rows collapse to one box",
			in:   []Region{{0, 0, 10, 10}, {390, 0, 10, 10}},
			want: []Region{{0, 0, 400, 10}},
		},
		{
			name: "three disjoint bands",
			in:   []Region{{10, 200, 20, 20}, {10, 0, 20, 20}, {10, 100, 20, 20}},
			want: []Region{{10, 0, 20, 20}, {10, 100, 20, 20}, {10, 200, 20, 20}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Coalesce(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("Coalesce(%v) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Coalesce(%v) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}

func TestCoalesceDoesNotMutateInput(t *testing.T) {
	in := []Region{{0, 170, 400, 120}, {0, 0, 400, 50}}
	Coalesce(in)
	if in[0] != (Region{0, 170, 400, 120}) || in[1] != (Region{0, 0, 400, 50}) {
		t.Fatalf("input mutated: %v", in)
	}
}

// The coalesced output must always cover every pixel of the input, and must
// never be longer than the input, for any region set.
func TestCoalesceSoundnessRandomized(t *testing.T) {
	const (
		gridW  = 64
		gridH  = 64
		rounds = 200
	)
	rnd := rand.New(rand.NewSource(1))

	for round := 0; round < rounds; round++ {
		n := 1 + rnd.Intn(24)
		in := make([]Region, n)
		for i := range in {
			w := 1 + rnd.Intn(gridW)
			h := 1 + rnd.Intn(gridH)
			in[i] = Region{
				X:      rnd.Intn(gridW - w + 1),
				Y:      rnd.Intn(gridH - h + 1),
				Width:  w,
				Height: h,
			}
		}

		out := Coalesce(in)
		if len(out) > len(in) {
			t.Fatalf("round %d: output longer than input: %d > %d", round, len(out), len(in))
		}

		var covered [gridH][gridW]bool
		for _, r := range out {
			if err := r.Validate(gridW, gridH); err != nil {
				t.Fatalf("round %d: invalid output region %v: %v", round, r, err)
			}
			for y := r.Y; y < r.Bottom(); y++ {
				for x := r.X; x < r.Right(); x++ {
					covered[y][x] = true
				}
			}
		}
		for _, r := range in {
			for y := r.Y; y < r.Bottom(); y++ {
				for x := r.X; x < r.Right(); x++ {
					if !covered[y][x] {
						t.Fatalf("round %d: pixel (%d,%d) of input %v not covered by output %v",
							round, x, y, r, out)
					}
				}
			}
		}
	}
}
