// Package progress reports how far a long running operation has come.
package progress

// Viewer receives processed/total counts as an operation advances.
type Viewer interface {
	Progress(processed, total int)
}

// Func adapts a function to a Viewer.
type Func func(processed, total int)

func (f Func) Progress(processed, total int) {
	f(processed, total)
}

// Report forwards to v when it is set.
func Report(v Viewer, processed, total int) {
	if v != nil {
		v.Progress(processed, total)
	}
}

// Percent renders processed/total as a whole percentage.
func Percent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	if processed > total {
		processed = total
	}
	return processed * 100 / total
}
