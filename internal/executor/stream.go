// stream.go connects a child's stdout and stderr to line readers.
//
// Each stream gets its own reader goroutine that forwards lines to the run
// log as they arrive and keeps the raw text for result assembly. With
// UsePTY, stdout is a pseudo-terminal so interpreters that block-buffer
// piped output still flush line by line; stderr stays a pipe so the two
// streams keep their severities.
package executor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// streams are the parent-side ends of the child's output.
type streams struct {
	stdout io.Reader
	stderr io.Reader

	// afterStart releases parent copies of child-side descriptors.
	afterStart func()
	// release closes parent-side descriptors once reading is done.
	release func()
}

// attachStreams wires cmd's stdout and stderr. It must be called before Start.
func attachStreams(cmd *exec.Cmd, usePTY bool) (*streams, error) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if !usePTY {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		return &streams{
			stdout:     stdout,
			stderr:     stderr,
			afterStart: func() {},
			release:    func() {},
		}, nil
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	cmd.Stdout = tty

	var once sync.Once
	return &streams{
		stdout:     ptmx,
		stderr:     stderr,
		afterStart: func() { tty.Close() },
		release: func() {
			once.Do(func() {
				tty.Close()
				ptmx.Close()
			})
		},
	}, nil
}

// outputBuffer accumulates one stream's text.
type outputBuffer struct {
	b strings.Builder
}

func (o *outputBuffer) String() string { return o.b.String() }

// drain reads r line by line until EOF, passing each trimmed line to emit
// and appending the raw line to buf. A final line without a newline is kept.
func drain(r io.Reader, buf *outputBuffer, emit func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.ReplaceAll(line, "\r\n", "\n")
			buf.b.WriteString(line)
			emit(strings.TrimSpace(line))
		}
		if err != nil {
			if isEndOfStream(err) {
				return nil
			}
			return err
		}
	}
}

// isEndOfStream reports whether err marks a closed stream. A pty master
// returns EIO once the child side is gone.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EIO)
}
