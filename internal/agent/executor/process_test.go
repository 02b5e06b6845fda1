package executor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/backup-coordinator/internal/errors"
)

type progressRecorder struct {
	mu    sync.Mutex
	lines []string
	errs  []string
}

func (r *progressRecorder) record(isError bool, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isError {
		r.errs = append(r.errs, msg)
		return
	}
	r.lines = append(r.lines, msg)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func shell(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunProcess_StreamsLinesThenFailsWithStderr(t *testing.T) {
	requireShell(t)
	rec := &progressRecorder{}

	script := `i=1; while [ $i -le 50 ]; do echo "line $i"; i=$((i+1)); done; echo "disk full" >&2; exit 3`
	out, err := RunProcess(context.Background(), shell(script), SecretRedactor{}, rec.record)

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeExecution, apperrors.GetCode(err))
	assert.Contains(t, err.Error(), "exit 3")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "disk full", out.Stderr)

	require.Len(t, rec.lines, 50)
	assert.Equal(t, "line 1", rec.lines[0])
	assert.Equal(t, "line 50", rec.lines[49])
	assert.Equal(t, []string{"disk full"}, rec.errs)
}

func TestRunProcess_RedactsSecrets(t *testing.T) {
	requireShell(t)
	rec := &progressRecorder{}

	_, err := RunProcess(context.Background(),
		shell(`echo "connecting with hunter2"; echo "auth hunter2 rejected" >&2; exit 1`),
		NewSecretRedactor("hunter2"), rec.record)

	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Equal(t, []string{"connecting with " + redactedPlaceholder}, rec.lines)
	assert.Equal(t, []string{"auth " + redactedPlaceholder + " rejected"}, rec.errs)
}

func TestRunProcess_CaptureCollectsStdout(t *testing.T) {
	requireShell(t)
	rec := &progressRecorder{}

	cmd := shell(`printf 'alpha\tx\nbeta\n'`)
	cmd.Capture = true
	out, err := RunProcess(context.Background(), cmd, SecretRedactor{}, rec.record)

	require.NoError(t, err)
	assert.Equal(t, []string{"alpha\tx", "beta"}, out.Stdout)
	assert.Empty(t, rec.lines)
}

func TestRunProcess_PassesEnvAndStdin(t *testing.T) {
	requireShell(t)
	cmd := shell(`echo "$GREETING"; cat`)
	cmd.Env = []string{"GREETING=hello"}
	cmd.Stdin = strings.NewReader("from stdin\n")
	cmd.Capture = true

	out, err := RunProcess(context.Background(), cmd, SecretRedactor{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "from stdin"}, out.Stdout)
}

func TestRunProcess_Cancelled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := RunProcess(ctx, shell(`exec sleep 5`), SecretRedactor{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func runWithin(t *testing.T, limit time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(limit):
		t.Fatalf("process did not return within %s", limit)
	}
}

func TestRunProcess_OversizedLineIsTruncated(t *testing.T) {
	requireShell(t)
	rec := &progressRecorder{}
	script := `head -c 3000000 /dev/zero | tr '\000' x; echo; echo after`

	var err error
	runWithin(t, 10*time.Second, func() {
		_, err = RunProcess(context.Background(), shell(script), SecretRedactor{}, rec.record)
	})

	require.NoError(t, err)
	require.Len(t, rec.lines, 2)
	assert.Len(t, rec.lines[0], maxLineBytes+len(truncatedSuffix))
	assert.True(t, strings.HasSuffix(rec.lines[0], truncatedSuffix))
	assert.Equal(t, "after", rec.lines[1])
}

func TestRunProcess_CancelledWithLingeringChild(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err error
	runWithin(t, pipeGrace+3*time.Second, func() {
		_, err = RunProcess(ctx, shell(`sleep 30 & wait`), SecretRedactor{}, nil)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScanLines(t *testing.T) {
	long := strings.Repeat("y", maxLineBytes+10)
	input := "one\r\n\n" + long + "\ntwo"

	var got []string
	require.NoError(t, scanLines(strings.NewReader(input), func(l string) { got = append(got, l) }))

	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0])
	assert.Equal(t, long[:maxLineBytes]+truncatedSuffix, got[1])
	assert.Equal(t, "two", got[2])
}

func TestRunProcess_MissingBinary(t *testing.T) {
	_, err := RunProcess(context.Background(), Command{Path: "/nonexistent/pg_dump"}, SecretRedactor{}, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeExecution, apperrors.GetCode(err))
}

func TestTailBuffer_KeepsMostRecentLines(t *testing.T) {
	var b tailBuffer
	long := strings.Repeat("x", 1024)
	for i := range 40 {
		b.WriteLine(fmt.Sprintf("%02d %s", i, long))
	}
	s := b.String()
	assert.LessOrEqual(t, len(s), maxStderrBytes)
	assert.True(t, strings.HasPrefix(strings.Split(s, "\n")[len(strings.Split(s, "\n"))-1], "39 "))
	assert.NotContains(t, s, "00 ")
}

func TestSecretRedactor(t *testing.T) {
	r := NewSecretRedactor("p@ss word", "", "tok")
	got := r.RedactString("dsn=postgres://u:p%40ss+word@h tok p@ss word p%40ss%20word")
	assert.NotContains(t, got, "p@ss word")
	assert.NotContains(t, got, "p%40ss+word")
	assert.NotContains(t, got, "p%40ss%20word")
	assert.NotContains(t, got, "tok")

	assert.Equal(t, "unchanged", SecretRedactor{}.RedactString("unchanged"))
}
