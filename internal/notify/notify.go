// Package notify carries progress notifications out of commit and update
// edits.
package notify

import (
	"sync"

	"wcsync/internal/status"

	"go.uber.org/zap"
)

type Listener interface {
	Committed(path string, kind status.Kind)
	Updated(path string, contents, props status.Kind, rev int64)
	Modified(path string, kind status.Kind)
}

// Multicaster forwards every notification to each listener in order.
type Multicaster []Listener

func (m Multicaster) Committed(path string, kind status.Kind) {
	for _, l := range m {
		l.Committed(path, kind)
	}
}

func (m Multicaster) Updated(path string, contents, props status.Kind, rev int64) {
	for _, l := range m {
		l.Updated(path, contents, props, rev)
	}
}

func (m Multicaster) Modified(path string, kind status.Kind) {
	for _, l := range m {
		l.Modified(path, kind)
	}
}

// OrNop returns l, or a listener that drops everything when l is nil.
func OrNop(l Listener) Listener {
	if l == nil {
		return Multicaster(nil)
	}
	return l
}

// LogListener writes notifications to a zap logger at debug level.
type LogListener struct {
	Logger *zap.Logger
}

func (l LogListener) Committed(path string, kind status.Kind) {
	l.Logger.Debug("committed", zap.String("path", path), zap.Stringer("kind", kind))
}

func (l LogListener) Updated(path string, contents, props status.Kind, rev int64) {
	l.Logger.Debug("updated",
		zap.String("path", path),
		zap.Stringer("contents", contents),
		zap.Stringer("props", props),
		zap.Int64("revision", rev))
}

func (l LogListener) Modified(path string, kind status.Kind) {
	l.Logger.Debug("modified", zap.String("path", path), zap.Stringer("kind", kind))
}

type EventType string

const (
	EventCommitted EventType = "committed"
	EventUpdated   EventType = "updated"
	EventModified  EventType = "modified"
)

type Event struct {
	Type     EventType
	Path     string
	Kind     status.Kind
	Props    status.Kind
	Revision int64
}

// Collector keeps every notification it receives.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *Collector) Committed(path string, kind status.Kind) {
	c.add(Event{Type: EventCommitted, Path: path, Kind: kind})
}

func (c *Collector) Updated(path string, contents, props status.Kind, rev int64) {
	c.add(Event{Type: EventUpdated, Path: path, Kind: contents, Props: props, Revision: rev})
}

func (c *Collector) Modified(path string, kind status.Kind) {
	c.add(Event{Type: EventModified, Path: path, Kind: kind})
}

func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Of returns the events of one type.
func (c *Collector) Of(t EventType) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
