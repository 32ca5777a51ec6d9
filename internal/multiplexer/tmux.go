package multiplexer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

// Tmux drives a tmux server. Attach runs `tmux attach` under a PTY so the
// output stream is exactly what a human client would see; input goes through
// `send-keys` so writing never depends on an attachment being present.
type Tmux struct {
	socket string
	log    zerolog.Logger

	mu         sync.Mutex
	writeLocks map[string]*sync.Mutex
	attached   map[string]*attachment
}

func NewTmux(socket string, log zerolog.Logger) *Tmux {
	return &Tmux{
		socket:     socket,
		log:        log.With().Str("component", "tmux").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
		attached:   make(map[string]*attachment),
	}
}

// CheckAvailable verifies tmux is installed and returns its version string.
func (t *Tmux) CheckAvailable() (string, error) {
	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: tmux not found: %v", ErrUnavailable, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (t *Tmux) args(rest ...string) []string {
	if t.socket != "" {
		return append([]string{"-S", t.socket}, rest...)
	}
	return rest
}

const listFormat = "#{session_name}|#{session_windows}|#{session_attached}|#{session_created}|#{window_width}|#{window_height}"

func (t *Tmux) List() ([]SessionInfo, error) {
	out, err := exec.Command("tmux", t.args("list-sessions", "-F", listFormat)...).Output()
	if err != nil {
		// tmux exits nonzero when no server is running; treat as empty.
		return nil, nil
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		info := SessionInfo{Name: parts[0]}
		info.WindowCount, _ = strconv.Atoi(parts[1])
		info.Attached = parts[2] != "0"
		if epoch, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			info.Created = time.Unix(epoch, 0)
		}
		if len(parts) >= 6 {
			info.Width, _ = strconv.Atoi(parts[4])
			info.Height, _ = strconv.Atoi(parts[5])
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

func (t *Tmux) exists(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, "tmux", t.args("has-session", "-t", name)...).Run() == nil
}

// Attach starts a tmux client for the session under a fresh PTY and returns
// its output stream. The caller owns the handle; at most one attachment per
// session is kept for resize routing.
func (t *Tmux) Attach(ctx context.Context, name string) (OutputHandle, error) {
	if !t.exists(ctx, name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	cmd := exec.Command("tmux", t.args("attach", "-t", name)...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return nil, fmt.Errorf("%w: start attach pty: %v", ErrUnavailable, err)
	}

	a := &attachment{session: name, cmd: cmd, ptmx: ptmx, owner: t}
	t.mu.Lock()
	t.attached[name] = a
	t.mu.Unlock()

	t.log.Debug().Str("session", name).Msg("attached")
	return a, nil
}

// Write sends raw input bytes to the session. Printable text goes through
// send-keys -l; anything containing control bytes uses the hex path so keys
// like Backspace (0x7f) and Ctrl+C (0x03) arrive intact. Writes to the same
// session are serialized.
func (t *Tmux) Write(name string, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	lock := t.writeLock(name)
	lock.Lock()
	defer lock.Unlock()

	hasControl := false
	for _, b := range data {
		if b < 0x20 || b == 0x7f {
			hasControl = true
			break
		}
	}

	var args []string
	if hasControl {
		args = t.args("send-keys", "-t", name, "-H")
		for _, b := range data {
			args = append(args, fmt.Sprintf("%02x", b))
		}
	} else {
		args = t.args("send-keys", "-t", name, "-l", string(data))
	}

	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		if strings.Contains(string(out), "can't find") {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: send-keys: %v", ErrIO, err)
	}
	return nil
}

func (t *Tmux) writeLock(name string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.writeLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		t.writeLocks[name] = lock
	}
	return lock
}

// Resize applies a new size. With a live attachment the PTY winsize drives
// the tmux client directly; otherwise the window is resized server-side.
func (t *Tmux) Resize(name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxDimension || rows > MaxDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidArgs, cols, rows)
	}

	t.mu.Lock()
	a := t.attached[name]
	t.mu.Unlock()

	if a != nil {
		if err := pty.Setsize(a.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
			return fmt.Errorf("%w: setsize: %v", ErrIO, err)
		}
		return nil
	}

	args := t.args("resize-window", "-t", name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		if strings.Contains(string(out), "can't find") {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: resize-window: %v", ErrIO, err)
	}
	return nil
}

// Capture returns the current visible pane content with escape sequences,
// used as the initial screen for new subscribers.
func (t *Tmux) Capture(name string) ([]byte, error) {
	out, err := exec.Command("tmux", t.args("capture-pane", "-e", "-p", "-t", name)...).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: capture-pane: %v", ErrNotFound, err)
	}
	return out, nil
}

// Create starts a detached session. window-size latest makes the pane track
// the most recently resized client; the status bar is hidden for a clean
// stream.
func (t *Tmux) Create(name, command, workingDir string) error {
	args := t.args("new-session", "-d", "-s", name)
	if workingDir != "" {
		args = append(args, "-c", workingDir)
	}
	if command != "" {
		args = append(args, command)
	}
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		if strings.Contains(string(out), "duplicate session") {
			return fmt.Errorf("%w: session %s already exists", ErrInvalidArgs, name)
		}
		return fmt.Errorf("%w: new-session: %v", ErrIO, err)
	}
	_ = exec.Command("tmux", t.args("set-option", "-t", name, "window-size", "latest")...).Run()
	_ = exec.Command("tmux", t.args("set-option", "-t", name, "status", "off")...).Run()
	return nil
}

func (t *Tmux) Kill(name string) error {
	if out, err := exec.Command("tmux", t.args("kill-session", "-t", name)...).CombinedOutput(); err != nil {
		if strings.Contains(string(out), "can't find") {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: kill-session: %v", ErrIO, err)
	}
	return nil
}

func (t *Tmux) dropAttachment(a *attachment) {
	t.mu.Lock()
	if t.attached[a.session] == a {
		delete(t.attached, a.session)
	}
	t.mu.Unlock()
}

// attachment is one `tmux attach` client running under a PTY.
type attachment struct {
	session string
	cmd     *exec.Cmd
	ptmx    *os.File
	owner   *Tmux
	once    sync.Once
}

func (a *attachment) Read(p []byte) (int, error) {
	return a.ptmx.Read(p)
}

// Detach closes the PTY and terminates the tmux client. Idempotent.
func (a *attachment) Detach() error {
	a.once.Do(func() {
		a.owner.dropAttachment(a)
		_ = a.ptmx.Close()
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Signal(syscall.SIGTERM)
			// tmux clients exit promptly on hangup; the hard kill is a
			// backstop for a wedged client process.
			time.AfterFunc(5*time.Second, func() {
				_ = a.cmd.Process.Kill()
			})
		}
		go func() { _ = a.cmd.Wait() }()
	})
	return nil
}
