package util

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// stderrTailSize bounds how much of a failed command's stderr is kept for the
// returned error.
const stderrTailSize = 2048

// CmdError is returned by RunStreamed when the command exits non-zero.
type CmdError struct {
	Args []string
	// Tail holds the last bytes the command wrote to stderr.
	Tail string
	Err  error
}

func (e *CmdError) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Tail == "" {
		return msg
	}
	return msg + "\n" + e.Tail
}

func (e *CmdError) Unwrap() error { return e.Err }

// RunStreamed runs cmd with its output streamed to stdout and stderr. When the
// command fails, the end of its stderr is attached to the returned *CmdError.
func RunStreamed(cmd *exec.Cmd, stdout, stderr io.Writer) error {
	tail := &tailBuffer{max: stderrTailSize}

	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, tail)

	if err := cmd.Run(); err != nil {
		return &CmdError{Args: cmd.Args, Tail: strings.TrimSpace(tail.String()), Err: err}
	}

	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
