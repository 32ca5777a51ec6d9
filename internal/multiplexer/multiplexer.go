package multiplexer

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrUnavailable = errors.New("multiplexer unavailable")
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrIO          = errors.New("io error")
)

// MaxDimension bounds resize requests in either axis.
const MaxDimension = 4096

// SessionInfo describes one multiplexer session as reported by List.
type SessionInfo struct {
	Name        string    `json:"name"`
	WindowCount int       `json:"windowCount"`
	Attached    bool      `json:"attached"`
	Created     time.Time `json:"created"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
}

// OutputHandle is an attached session's raw output stream. Read produces
// unframed PTY chunks, ANSI sequences included. Detach is idempotent.
type OutputHandle interface {
	Read(p []byte) (int, error)
	Detach() error
}

// Multiplexer abstracts the external terminal multiplexer. Implementations
// serialize Write calls per session; reads are exclusive to the single
// holder of the OutputHandle.
type Multiplexer interface {
	List() ([]SessionInfo, error)
	Attach(ctx context.Context, name string) (OutputHandle, error)
	Write(name string, data []byte) error
	Resize(name string, cols, rows int) error
	Capture(name string) ([]byte, error)
	Create(name, command, workingDir string) error
	Kill(name string) error
}
