package delta

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

const (
	MaxWindowSize = 100 * 1024
	blockSize     = 32
)

// Generate splits target into windows expressed against source. Matches
// are found on source blocks of blockSize bytes, indexed by xxhash.
func Generate(source, target []byte) []Chunk {
	index := indexBlocks(source)

	var chunks []Chunk
	for start := 0; start < len(target); start += MaxWindowSize {
		end := start + MaxWindowSize
		if end > len(target) {
			end = len(target)
		}
		chunks = append(chunks, generateWindow(source, target[start:end], index))
	}
	return chunks
}

func indexBlocks(source []byte) map[uint64][]int {
	index := make(map[uint64][]int)
	for off := 0; off+blockSize <= len(source); off += blockSize {
		h := xxhash.Sum64(source[off : off+blockSize])
		index[h] = append(index[h], off)
	}
	return index
}

func generateWindow(source, target []byte, index map[uint64][]int) Chunk {
	w := Window{
		SourceOffset: 0,
		SourceLength: int64(len(source)),
		TargetLength: int64(len(target)),
	}
	var data []byte
	literal := -1

	flush := func(upTo int) {
		if literal < 0 {
			return
		}
		w.Instructions = append(w.Instructions, Instruction{
			Op:     NewData,
			Offset: int64(len(data)),
			Length: int64(upTo - literal),
		})
		data = append(data, target[literal:upTo]...)
		literal = -1
	}

	i := 0
	for i < len(target) {
		if i+blockSize <= len(target) {
			if off, n := longestMatch(source, target, i, index); n > 0 {
				flush(i)
				w.Instructions = append(w.Instructions, Instruction{
					Op:     CopySource,
					Offset: int64(off),
					Length: int64(n),
				})
				i += n
				continue
			}
		}
		if literal < 0 {
			literal = i
		}
		i++
	}
	flush(len(target))

	w.NewDataLength = int64(len(data))
	if data == nil {
		data = []byte{}
	}
	return Chunk{Window: w, Data: data}
}

func longestMatch(source, target []byte, at int, index map[uint64][]int) (int, int) {
	block := target[at : at+blockSize]
	bestOff, bestLen := 0, 0
	for _, off := range index[xxhash.Sum64(block)] {
		if !bytes.Equal(source[off:off+blockSize], block) {
			continue
		}
		n := blockSize
		for off+n < len(source) && at+n < len(target) && source[off+n] == target[at+n] {
			n++
		}
		if n > bestLen {
			bestOff, bestLen = off, n
		}
	}
	return bestOff, bestLen
}
