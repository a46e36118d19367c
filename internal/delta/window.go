// Package delta describes file content as copy/insert instructions
// against a base text, split into windows.
package delta

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

type Op string

const (
	// CopySource copies from the window's source view.
	CopySource Op = "source"
	// CopyTarget copies from bytes already produced by this window; the
	// ranges may overlap, which repeats a pattern.
	CopyTarget Op = "target"
	// NewData copies from the window's new-data section.
	NewData Op = "new"
)

type Instruction struct {
	Op     Op    `json:"op"`
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Window is one chunk of instructions. Its new data travels separately
// as the byte stream delivered alongside the window.
type Window struct {
	SourceOffset  int64         `json:"source_offset"`
	SourceLength  int64         `json:"source_length"`
	TargetLength  int64         `json:"target_length"`
	NewDataLength int64         `json:"new_data_length"`
	Instructions  []Instruction `json:"instructions"`
}

// Chunk pairs a window with its new data.
type Chunk struct {
	Window Window `json:"window"`
	Data   []byte `json:"data"`
}

// Apply produces the window's target bytes.
func (w Window) Apply(source, newData []byte) ([]byte, error) {
	if w.SourceOffset < 0 || w.SourceLength < 0 || w.SourceOffset+w.SourceLength > int64(len(source)) {
		return nil, fmt.Errorf("source view [%d,+%d) outside base of %d bytes",
			w.SourceOffset, w.SourceLength, len(source))
	}
	if int64(len(newData)) != w.NewDataLength {
		return nil, fmt.Errorf("window expects %d bytes of new data, got %d", w.NewDataLength, len(newData))
	}
	view := source[w.SourceOffset : w.SourceOffset+w.SourceLength]
	out := make([]byte, 0, w.TargetLength)

	for i, in := range w.Instructions {
		if in.Offset < 0 || in.Length < 0 {
			return nil, fmt.Errorf("instruction %d: negative range", i)
		}
		switch in.Op {
		case CopySource:
			if in.Offset+in.Length > int64(len(view)) {
				return nil, fmt.Errorf("instruction %d: source copy out of range", i)
			}
			out = append(out, view[in.Offset:in.Offset+in.Length]...)
		case CopyTarget:
			if in.Offset >= int64(len(out)) && in.Length > 0 {
				return nil, fmt.Errorf("instruction %d: target copy out of range", i)
			}
			for n := int64(0); n < in.Length; n++ {
				out = append(out, out[in.Offset+n])
			}
		case NewData:
			if in.Offset+in.Length > int64(len(newData)) {
				return nil, fmt.Errorf("instruction %d: new data out of range", i)
			}
			out = append(out, newData[in.Offset:in.Offset+in.Length]...)
		default:
			return nil, fmt.Errorf("instruction %d: unknown op %q", i, in.Op)
		}
	}

	if int64(len(out)) != w.TargetLength {
		return nil, fmt.Errorf("window produced %d bytes, expected %d", len(out), w.TargetLength)
	}
	return out, nil
}

// ApplyAll rebuilds a full text from its chunks.
func ApplyAll(source []byte, chunks []Chunk) ([]byte, error) {
	var out []byte
	for i, c := range chunks {
		part, err := c.Window.Apply(source, c.Data)
		if err != nil {
			return nil, fmt.Errorf("applying window %d: %w", i, err)
		}
		out = append(out, part...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Checksum is the protocol's text checksum: hex MD5.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
