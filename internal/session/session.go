// Package session guards a repository session against overlapping edits.
package session

import (
	"sync"

	"wcsync/internal/errors"
	"wcsync/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session allows one edit or report exchange at a time. Starting a
// second one, including from inside a callback of the first, fails
// immediately instead of blocking.
type Session struct {
	ID     string
	logger *zap.Logger

	mu     sync.Mutex
	opMu   sync.Mutex
	active string
}

func New(logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Nop()
	}
	id := uuid.New().String()
	return &Session{ID: id, logger: logger.WithSession(id)}
}

func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// Begin takes the session for op. The returned function releases it and
// is safe to call more than once.
func (s *Session) Begin(op string) (func(), error) {
	if !s.mu.TryLock() {
		s.opMu.Lock()
		active := s.active
		s.opMu.Unlock()
		return nil, errors.Protocol("session %s is busy with %s, cannot start %s", s.ID, active, op)
	}
	s.opMu.Lock()
	s.active = op
	s.opMu.Unlock()
	s.logger.Debug("session begin", zap.String("op", op))

	var once sync.Once
	return func() {
		once.Do(func() {
			s.opMu.Lock()
			s.active = ""
			s.opMu.Unlock()
			s.logger.Debug("session end", zap.String("op", op))
			s.mu.Unlock()
		})
	}, nil
}

// Active names the running operation, or "".
func (s *Session) Active() string {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.active
}
