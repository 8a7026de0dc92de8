package trace

import "github.com/supabase/opensnoop/internal/rules"

// Detector computes the field offset once per run. The first header line
// decides it; the first event line freezes the default when the stream
// carries no header (e.g. it was filtered upstream).
type Detector struct {
	rules  *rules.Rules
	offset int
	frozen bool
}

func NewDetector(r *rules.Rules) *Detector {
	return &Detector{rules: r}
}

// Observe feeds a classified line. It is a no-op once the offset is fixed.
func (d *Detector) Observe(l Line) {
	if d.frozen {
		return
	}
	switch {
	case l.Kind == KindHeader:
		if len(l.Fields) == d.rules.Header.LongColumns {
			d.offset = 1
		}
		d.frozen = true
	case l.IsEvent():
		d.frozen = true
	}
}

func (d *Detector) Offset() int {
	return d.offset
}

func (d *Detector) Frozen() bool {
	return d.frozen
}

// DetectOffset scans a finite pre-capture for its header.
func DetectOffset(lines []string, r *rules.Rules) int {
	c := NewClassifier(r)
	d := NewDetector(r)
	for _, raw := range lines {
		d.Observe(c.Classify(raw, 0))
		if d.Frozen() {
			break
		}
	}
	return d.Offset()
}
