package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// ProgressFunc receives one redacted line of live output.
type ProgressFunc func(isError bool, message string)

const (
	maxLineBytes   = 1 << 20
	maxStderrBytes = 16 << 10
	// pipeGrace bounds how long output is still read after cancellation, for
	// descendants that keep the pipes open.
	pipeGrace       = 2 * time.Second
	truncatedSuffix = " [truncated]"
)

// Command describes one external process invocation.
type Command struct {
	Path  string
	Args  []string
	Env   []string
	Stdin io.Reader
	// Capture collects stdout lines into ProcessOutput instead of streaming them.
	Capture bool
}

// ProcessOutput is what a finished process left behind.
type ProcessOutput struct {
	Stdout []string
	Stderr string
}

// RunProcess starts cmd and streams its stdout and stderr lines through onProgress as they
// are produced. A non-zero exit fails with the accumulated stderr. Every message is passed
// through redactor first.
func RunProcess(ctx context.Context, cmd Command, redactor SecretRedactor, onProgress ProgressFunc) (ProcessOutput, error) {
	name := filepath.Base(cmd.Path)
	if onProgress == nil {
		onProgress = func(bool, string) {}
	}

	// #nosec G204 -- tool paths come from agent configuration, arguments are built internally
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = cmd.Stdin
	c.WaitDelay = pipeGrace

	stdout, err := c.StdoutPipe()
	if err != nil {
		return ProcessOutput{}, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return ProcessOutput{}, fmt.Errorf("stderr pipe for %s: %w", name, err)
	}
	if err := c.Start(); err != nil {
		return ProcessOutput{}, apperrors.Wrapf(err, apperrors.ErrCodeExecution, "start %s", name)
	}

	var (
		mu       sync.Mutex
		out      ProcessOutput
		errTail  tailBuffer
		wg       sync.WaitGroup
		scanErrs = make([]error, 2)
	)
	emit := func(isError bool, line string) {
		line = redactor.RedactString(line)
		mu.Lock()
		defer mu.Unlock()
		if isError {
			errTail.WriteLine(line)
		} else if cmd.Capture {
			out.Stdout = append(out.Stdout, line)
			return
		}
		onProgress(isError, line)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanErrs[0] = scanLines(stdout, func(l string) { emit(false, l) })
	}()
	go func() {
		defer wg.Done()
		scanErrs[1] = scanLines(stderr, func(l string) { emit(true, l) })
	}()
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			select {
			case <-done:
			case <-time.After(pipeGrace):
				_ = stdout.Close()
				_ = stderr.Close()
			}
		}
	}()
	wg.Wait()
	close(done)

	waitErr := c.Wait()
	out.Stderr = errTail.String()
	if waitErr != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s interrupted: %w", name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return out, apperrors.Wrapf(waitErr, apperrors.ErrCodeExecution,
				"%s failed (exit %d): %s", name, exitErr.ExitCode(), out.Stderr)
		}
		return out, apperrors.Wrapf(waitErr, apperrors.ErrCodeExecution, "run %s", name)
	}
	if err := errors.Join(scanErrs...); err != nil {
		return out, fmt.Errorf("read %s output: %w", name, err)
	}
	return out, nil
}

// scanLines calls fn for each non-empty line read from r until EOF. Lines longer than
// maxLineBytes are cut and the rest of the line is discarded so the writer never stalls.
func scanLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReaderSize(r, 64<<10)
	line := make([]byte, 0, 64<<10)
	truncated := false
	for {
		chunk, err := br.ReadSlice('\n')
		chunk = bytes.TrimSuffix(chunk, []byte("\n"))
		if room := maxLineBytes - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if text := strings.TrimRight(string(line), "\r"); text != "" {
			if truncated {
				text += truncatedSuffix
			}
			fn(text)
		}
		line = line[:0]
		truncated = false

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// tailBuffer keeps the last maxStderrBytes of the lines written to it.
type tailBuffer struct {
	lines []string
	size  int
}

func (b *tailBuffer) WriteLine(line string) {
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > maxStderrBytes && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}
