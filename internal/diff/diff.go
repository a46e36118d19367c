// Package diff compares two texts line by line for display. It is not
// used to transmit changes; that is what delta windows are for.
package diff

import (
	"bytes"
	"fmt"
	"io"
)

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

type Line struct {
	Type    LineType
	Content string
}

// Hunk is a run of changes with the context around it. Starts are 1-based
// line numbers as printed in unified diffs.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

type Result struct {
	Hunks     []Hunk
	Additions int
	Deletions int
}

func (r *Result) Empty() bool {
	return len(r.Hunks) == 0
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{contextLines: contextLines}
}

func splitLines(text []byte) [][]byte {
	if len(text) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(text, []byte{'\n'}), []byte{'\n'})
}

// Diff compares oldText with newText.
func (e *Engine) Diff(oldText, newText []byte) *Result {
	oldLines, newLines := splitLines(oldText), splitLines(newText)
	script := editScript(oldLines, newLines)

	result := &Result{}
	for _, l := range script {
		switch l.Type {
		case Addition:
			result.Additions++
		case Deletion:
			result.Deletions++
		}
	}
	result.Hunks = e.group(script)
	return result
}

// editScript backtracks a longest common subsequence table into the
// sequence of kept, removed and added lines.
func editScript(oldLines, newLines [][]byte) []Line {
	n, m := len(oldLines), len(newLines)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	script := make([]Line, 0, n+m)
	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && bytes.Equal(oldLines[i], newLines[j]):
			script = append(script, Line{Type: Context, Content: string(oldLines[i])})
			i++
			j++
		case i < n && (j == m || lcs[i+1][j] >= lcs[i][j+1]):
			script = append(script, Line{Type: Deletion, Content: string(oldLines[i])})
			i++
		default:
			script = append(script, Line{Type: Addition, Content: string(newLines[j])})
			j++
		}
	}
	return script
}

// group cuts the script into hunks, merging changes whose context would
// overlap.
func (e *Engine) group(script []Line) []Hunk {
	var hunks []Hunk
	oldNum, newNum := 1, 1
	var cur *Hunk
	trailing := 0 // context lines since the last change in cur

	for idx, l := range script {
		if l.Type == Context {
			if cur != nil {
				if trailing < e.contextLines {
					cur.Lines = append(cur.Lines, l)
					cur.OldLines++
					cur.NewLines++
					trailing++
				} else if !changeWithin(script[idx:], e.contextLines) {
					hunks = append(hunks, *cur)
					cur = nil
				} else {
					cur.Lines = append(cur.Lines, l)
					cur.OldLines++
					cur.NewLines++
					trailing++
				}
			}
			oldNum++
			newNum++
			continue
		}

		if cur == nil {
			lead := leadingContext(script[:idx], e.contextLines)
			cur = &Hunk{
				OldStart: oldNum - len(lead),
				NewStart: newNum - len(lead),
				Lines:    append([]Line(nil), lead...),
				OldLines: len(lead),
				NewLines: len(lead),
			}
		}
		cur.Lines = append(cur.Lines, l)
		trailing = 0
		if l.Type == Addition {
			cur.NewLines++
			newNum++
		} else {
			cur.OldLines++
			oldNum++
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}
	return hunks
}

// changeWithin reports whether a change follows within n context lines.
func changeWithin(rest []Line, n int) bool {
	for i, l := range rest {
		if i > n {
			return false
		}
		if l.Type != Context {
			return true
		}
	}
	return false
}

func leadingContext(before []Line, n int) []Line {
	start := len(before)
	for start > 0 && len(before)-start < n && before[start-1].Type == Context {
		start--
	}
	return before[start:]
}

// Write prints the result in unified format under the given labels.
func (r *Result) Write(w io.Writer, oldLabel, newLabel string) error {
	if r.Empty() {
		return nil
	}
	if _, err := fmt.Fprintf(w, "--- %s\n+++ %s\n", oldLabel, newLabel); err != nil {
		return err
	}
	for _, h := range r.Hunks {
		oldStart, newStart := h.OldStart, h.NewStart
		if h.OldLines == 0 {
			oldStart--
		}
		if h.NewLines == 0 {
			newStart--
		}
		if _, err := fmt.Fprintf(w, "@@ -%d,%d +%d,%d @@\n", oldStart, h.OldLines, newStart, h.NewLines); err != nil {
			return err
		}
		for _, l := range h.Lines {
			prefix := " "
			switch l.Type {
			case Addition:
				prefix = "+"
			case Deletion:
				prefix = "-"
			}
			if _, err := fmt.Fprintf(w, "%s%s\n", prefix, l.Content); err != nil {
				return err
			}
		}
	}
	return nil
}
