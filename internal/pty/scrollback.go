package pty

import (
	"sync"
	"unicode/utf8"
)

// DefaultScrollback is the number of output bytes kept per terminal.
const DefaultScrollback = 64 * 1024

// Scrollback is a fixed-size ring of recent terminal output. Once full,
// new writes overwrite the oldest bytes.
type Scrollback struct {
	mu            sync.Mutex
	data          []byte
	capacity      int
	writePosition int
	totalWritten  int64
}

// NewScrollback creates a ring holding at most capacity bytes.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollback
	}
	return &Scrollback{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, dropping the oldest bytes if the ring is full.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p)
	if n >= s.capacity {
		copy(s.data, p[n-s.capacity:])
		s.writePosition = 0
		s.totalWritten += int64(n)
		return n, nil
	}

	first := copy(s.data[s.writePosition:], p)
	if first < n {
		copy(s.data, p[first:])
	}
	s.writePosition = (s.writePosition + n) % s.capacity
	s.totalWritten += int64(n)
	return n, nil
}

// Bytes returns a copy of the retained output, oldest first. A rune split
// by the wrap point is dropped from the front.
func (s *Scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	if s.totalWritten < int64(s.capacity) {
		out = make([]byte, s.writePosition)
		copy(out, s.data[:s.writePosition])
		return out
	}

	out = make([]byte, 0, s.capacity)
	out = append(out, s.data[s.writePosition:]...)
	out = append(out, s.data[:s.writePosition]...)
	for len(out) > 0 && !utf8.RuneStart(out[0]) {
		out = out[1:]
	}
	return out
}

// Len returns the number of bytes currently retained.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalWritten < int64(s.capacity) {
		return int(s.totalWritten)
	}
	return s.capacity
}
