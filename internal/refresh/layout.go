package refresh

import "fmt"

// Section maps a named content section to its fixed region on the panel.
type Section struct {
	Name   string
	Region Region
}

// Layout is the static section table for one panel, established once at
// startup. Sections the renderer emits that are absent from the table have
// unknown physical extent; a change in such a section always escalates to a
// full refresh.
type Layout struct {
	width    int
	height   int
	sections []Section
	byName   map[string]Region
}

// NewLayout validates the section table against the panel geometry. Any
// malformed entry is fatal: an orchestrator must never start with a layout
// it cannot trust.
func NewLayout(width, height int, sections []Section) (*Layout, error) {
	if width <= 0 || height <= 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("display size %dx%d is not positive", width, height)}
	}
	l := &Layout{
		width:    width,
		height:   height,
		sections: make([]Section, 0, len(sections)),
		byName:   make(map[string]Region, len(sections)),
	}
	for _, s := range sections {
		if s.Name == "" {
			return nil, &ConfigError{Reason: "layout section with empty name"}
		}
		if _, dup := l.byName[s.Name]; dup {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate layout section %q", s.Name)}
		}
		if err := s.Region.Validate(width, height); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("layout section %q: %v", s.Name, err)}
		}
		l.sections = append(l.sections, s)
		l.byName[s.Name] = s.Region
	}
	return l, nil
}

// Width returns the panel width in pixels.
func (l *Layout) Width() int { return l.width }

// Height returns the panel height in pixels.
func (l *Layout) Height() int { return l.height }

// Bounds returns the whole-display region.
func (l *Layout) Bounds() Region { return WholeDisplay(l.width, l.height) }

// Region returns the mapped region for a section name.
func (l *Layout) Region(name string) (Region, bool) {
	r, ok := l.byName[name]
	return r, ok
}

// Sections returns the table in declaration order.
func (l *Layout) Sections() []Section { return l.sections }
