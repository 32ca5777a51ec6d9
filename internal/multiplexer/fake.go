package multiplexer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Fake is an in-memory Multiplexer used by tests and by the hub's own
// package tests. Emit pushes bytes into the attached reader; Writes and
// Resizes are recorded for assertions.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
}

type fakeSession struct {
	info    SessionInfo
	screen  []byte
	writes  [][]byte
	resizes [][2]int
	reader  *fakeHandle
}

func NewFake(names ...string) *Fake {
	f := &Fake{sessions: make(map[string]*fakeSession)}
	for _, name := range names {
		f.sessions[name] = &fakeSession{info: SessionInfo{Name: name, WindowCount: 1, Created: time.Now()}}
	}
	return f
}

func (f *Fake) List() ([]SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SessionInfo, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.info)
	}
	return out, nil
}

func (f *Fake) Attach(_ context.Context, name string) (OutputHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	h := &fakeHandle{ch: make(chan []byte, 1024), done: make(chan struct{})}
	s.reader = h
	s.info.Attached = true
	return h, nil
}

func (f *Fake) Write(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (f *Fake) Resize(name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxDimension || rows > MaxDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidArgs, cols, rows)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.resizes = append(s.resizes, [2]int{cols, rows})
	return nil
}

func (f *Fake) Capture(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]byte(nil), s.screen...), nil
}

func (f *Fake) Create(name, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; ok {
		return fmt.Errorf("%w: session %s already exists", ErrInvalidArgs, name)
	}
	f.sessions[name] = &fakeSession{info: SessionInfo{Name: name, WindowCount: 1, Created: time.Now()}}
	return nil
}

func (f *Fake) Kill(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if s.reader != nil {
		s.reader.fail()
	}
	delete(f.sessions, name)
	return nil
}

// Emit makes the session produce output, as if a program wrote to the PTY.
func (f *Fake) Emit(name string, data []byte) {
	f.mu.Lock()
	s, ok := f.sessions[name]
	var h *fakeHandle
	if ok {
		h = s.reader
	}
	f.mu.Unlock()
	if h != nil {
		h.push(data)
	}
}

// SetScreen seeds the capture-pane snapshot for a session.
func (f *Fake) SetScreen(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.screen = append([]byte(nil), data...)
	}
}

// FailReader terminates the attached reader with an error, simulating a
// lost multiplexer session.
func (f *Fake) FailReader(name string) {
	f.mu.Lock()
	s, ok := f.sessions[name]
	var h *fakeHandle
	if ok {
		h = s.reader
	}
	f.mu.Unlock()
	if h != nil {
		h.fail()
	}
}

// Writes returns the recorded input writes for a session.
func (f *Fake) Writes(name string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return append([][]byte(nil), s.writes...)
	}
	return nil
}

// Resizes returns the recorded resize requests for a session.
func (f *Fake) Resizes(name string) [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		return append([][2]int(nil), s.resizes...)
	}
	return nil
}

type fakeHandle struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	pending []byte
}

func (h *fakeHandle) push(data []byte) {
	select {
	case h.ch <- append([]byte(nil), data...):
	case <-h.done:
	}
}

func (h *fakeHandle) fail() {
	h.once.Do(func() { close(h.done) })
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	if len(h.pending) == 0 {
		select {
		case data := <-h.ch:
			h.pending = data
		case <-h.done:
			return 0, io.ErrUnexpectedEOF
		}
	}
	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *fakeHandle) Detach() error {
	h.fail()
	return nil
}
