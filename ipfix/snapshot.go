package ipfix

import (
	"iter"
	"maps"
	"slices"
)

// Snapshot is an immutable view of every template valid for one
// (session, ODID) at a point in time. Its identity is the generation token
// the forwarder compares against; the contents are never mutated after
// creation.
type Snapshot struct {
	templates map[uint16]*Template
	order     []uint16
}

func newSnapshot(templates map[uint16]*Template) *Snapshot {
	return &Snapshot{
		templates: templates,
		order:     slices.Sorted(maps.Keys(templates)),
	}
}

// Get returns the template with the given ID, or nil
func (s *Snapshot) Get(id uint16) *Template {
	if s == nil {
		return nil
	}
	return s.templates[id]
}

// Len returns the number of templates in the snapshot
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// All yields every template ordered by template ID. The sequence can be
// ranged over any number of times.
func (s *Snapshot) All() iter.Seq[*Template] {
	return func(yield func(*Template) bool) {
		if s == nil {
			return
		}
		for _, id := range s.order {
			if !yield(s.templates[id]) {
				return
			}
		}
	}
}

// TemplateManager tracks the templates of one (session, ODID) and hands out
// a new Snapshot whenever they change.
type TemplateManager struct {
	current *Snapshot
}

// NewTemplateManager returns a manager whose current snapshot is empty
func NewTemplateManager() *TemplateManager {
	return &TemplateManager{current: newSnapshot(map[uint16]*Template{})}
}

// Snapshot returns the current snapshot
func (m *TemplateManager) Snapshot() *Snapshot {
	return m.current
}

// apply folds a batch of template records into a new snapshot. The current
// snapshot is kept when nothing actually changes, so periodic template
// refreshes from UDP exporters do not invalidate downstream state.
func (m *TemplateManager) apply(records []templateRecord) {
	var next map[uint16]*Template
	mutable := func() map[uint16]*Template {
		if next == nil {
			next = maps.Clone(m.current.templates)
		}
		return next
	}
	view := func() map[uint16]*Template {
		if next != nil {
			return next
		}
		return m.current.templates
	}

	for _, rec := range records {
		switch {
		case rec.withdraw && (rec.id == SetIDTemplate || rec.id == SetIDOptionsTemplate):
			typ := TemplateData
			if rec.id == SetIDOptionsTemplate {
				typ = TemplateOptions
			}
			for id, t := range view() {
				if t.Type == typ {
					delete(mutable(), id)
				}
			}
		case rec.withdraw:
			if _, ok := view()[rec.id]; ok {
				delete(mutable(), rec.id)
			}
		default:
			if existing, ok := view()[rec.id]; ok && existing.Equal(rec.tmpl) {
				continue
			}
			mutable()[rec.id] = rec.tmpl
		}
	}

	if next != nil {
		m.current = newSnapshot(next)
	}
}
