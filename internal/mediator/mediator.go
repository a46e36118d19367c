// Package mediator stages delta window bytes between their arrival and
// their application to a file.
package mediator

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Mediator stores keyed temporary blobs. Every created key must be
// deleted by its owner on both the success and the abort path.
type Mediator interface {
	Create() (string, io.WriteCloser, error)
	Read(key string) ([]byte, error)
	Delete(key string) error
}

// blobWriter hands its bytes to commit once closed.
type blobWriter struct {
	buf    bytes.Buffer
	commit func([]byte) error
	closed bool
}

func (w *blobWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed temporary location")
	}
	return w.buf.Write(p)
}

func (w *blobWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.commit(w.buf.Bytes())
}

type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Create() (string, io.WriteCloser, error) {
	key := uuid.New().String()
	m.mu.Lock()
	m.blobs[key] = nil
	m.mu.Unlock()

	return key, &blobWriter{commit: func(data []byte) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.blobs[key]; !ok {
			return fmt.Errorf("temporary location %s was deleted", key)
		}
		m.blobs[key] = append([]byte{}, data...)
		return nil
	}}, nil
}

func (m *Memory) Read(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no temporary location %s", key)
	}
	return data, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// Len is the number of live temporary locations.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
