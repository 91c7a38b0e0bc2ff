package refresh

// ChangeSet is the detector's verdict for one content update.
type ChangeSet struct {
	// Regions lists the mapped regions whose sections changed, in layout
	// order. When RequiresFull is set it collapses to the single
	// whole-display region.
	Regions []Region

	// RequiresFull is set when a partial refresh cannot faithfully apply
	// the change: there is no previous snapshot, a changed section has no
	// layout mapping, or the content as a whole drifted past the change
	// threshold.
	RequiresFull bool

	// Similarity is the whole-content similarity against the previous
	// snapshot, 1 when identical. Zero on the first cycle.
	Similarity float64
}

// Detector computes which parts of the panel a new content differs in,
// relative to the previous snapshot. It is purely functional over its
// inputs; snapshot replacement is the orchestrator's job.
type Detector struct {
	layout    *Layout
	threshold float64
}

// NewDetector builds a detector for the given layout. changeThreshold is
// the fraction of whole-content drift above which section-level diffing is
// abandoned in favor of a full redraw; zero selects DefaultChangeThreshold.
func NewDetector(layout *Layout, changeThreshold float64) (*Detector, error) {
	if layout == nil {
		return nil, &ConfigError{Reason: "detector requires a layout"}
	}
	if changeThreshold == 0 {
		changeThreshold = DefaultChangeThreshold
	}
	if changeThreshold < 0 || changeThreshold >= 1 {
		return nil, &ConfigError{Reason: "change threshold must be in (0,1)"}
	}
	return &Detector{layout: layout, threshold: changeThreshold}, nil
}

// Diff compares new content against the previous snapshot. A nil snapshot
// (first render, or first render after restart) yields the whole display:
// that is the only way to guarantee a deterministic first frame.
func (d *Detector) Diff(c Content, prev *Snapshot) ChangeSet {
	whole := d.layout.Bounds()
	if prev == nil {
		return ChangeSet{Regions: []Region{whole}, RequiresFull: true}
	}

	cs := ChangeSet{Similarity: similarity(c.Raw, prev.raw)}

	// Mapped sections: a hash mismatch, or a section the previous snapshot
	// never saw, marks the section's region changed. A section missing from
	// the new content hashes as empty text, so emptying a section is a
	// change like any other.
	for _, sec := range d.layout.sections {
		newHash := hashSection(c.Sections[sec.Name])
		prevHash, seen := prev.hashes[sec.Name]
		if !seen || newHash != prevHash {
			cs.Regions = append(cs.Regions, sec.Region)
		}
	}

	// Unmapped sections have no known physical extent, so any change in one
	// can only be applied with a full redraw.
	for name, text := range c.Sections {
		if _, mapped := d.layout.byName[name]; mapped {
			continue
		}
		prevHash, seen := prev.hashes[name]
		if !seen || hashSection(text) != prevHash {
			cs.RequiresFull = true
		}
	}
	for name := range prev.hashes {
		if _, mapped := d.layout.byName[name]; mapped {
			continue
		}
		if _, present := c.Sections[name]; !present {
			cs.RequiresFull = true
		}
	}

	// Section hashing cannot see structural rewrites that keep section text
	// stable (layout shifts and the like), so an independent whole-content
	// similarity guard escalates when too much of the raw text moved.
	if 1-cs.Similarity > d.threshold {
		cs.RequiresFull = true
	}

	if cs.RequiresFull {
		cs.Regions = []Region{whole}
	}
	return cs
}
