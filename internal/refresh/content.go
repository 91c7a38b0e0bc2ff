package refresh

import (
	"crypto/sha256"
	"image"
	"sort"
	"strings"
)

// Content is one renderer output: the text of each named section, the flat
// raw text used for whole-content similarity scoring, and the pixel frame
// that would be sent to the panel.
type Content struct {
	Sections map[string]string
	Raw      string
	Frame    *image.NRGBA
}

// Snapshot is the diff baseline: per-section structural hashes plus the raw
// text of the last content that reached the panel successfully. Snapshots
// are replaced wholesale after every successful dispatch; only the current
// generation is kept.
type Snapshot struct {
	hashes map[string][sha256.Size]byte
	raw    string
}

// NewSnapshot captures the section hashes and raw text of c. The frame is
// not retained; diffs are computed from text alone.
func NewSnapshot(c Content) *Snapshot {
	hashes := make(map[string][sha256.Size]byte, len(c.Sections))
	for name, text := range c.Sections {
		hashes[name] = hashSection(text)
	}
	return &Snapshot{hashes: hashes, raw: c.Raw}
}

// hashSection hashes the order- and whitespace-normalized section text, so
// reflowed or reordered lines with identical content do not register as a
// visual change.
func hashSection(text string) [sha256.Size]byte {
	return sha256.Sum256([]byte(normalizeSection(text)))
}

func normalizeSection(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	sort.Strings(out)
	return strings.Join(out, "\n")
}

// similarity scores how alike two raw texts are, as a ratio in [0,1] where 1
// means identical. It is a line-level longest-common-subsequence ratio,
// 2*matched / (lenA+lenB), which is cheap at display-content sizes and
// stable under small edits.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	al := splitLines(a)
	bl := splitLines(b)
	if len(al) == 0 && len(bl) == 0 {
		return 1
	}
	if len(al) == 0 || len(bl) == 0 {
		return 0
	}
	matched := lcsLen(al, bl)
	return 2 * float64(matched) / float64(len(al)+len(bl))
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// lcsLen computes the longest-common-subsequence length over two line
// slices with the standard two-row dynamic program.
func lcsLen(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
