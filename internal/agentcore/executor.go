package agentcore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// spoolFile is a temporary on-disk file holding one stream of a detached
// child's output: the child holds the writer, tail holds an independent
// reader opened on the same path. Per Design Note (a), the file is never
// unlinked until clear — Go's os.CreateTemp already gives delete=False
// semantics (unlike Python's default NamedTemporaryFile), so no special
// handling is needed beyond deferring the Remove to clear.
type spoolFile struct {
	path   string
	writer *os.File
	reader *os.File
}

func newSpoolFile() (*spoolFile, error) {
	w, err := os.CreateTemp("", "rally-agent-spool-*")
	if err != nil {
		return nil, fmt.Errorf("agentcore: create spool file: %w", err)
	}
	r, err := os.Open(w.Name())
	if err != nil {
		w.Close()
		os.Remove(w.Name())
		return nil, fmt.Errorf("agentcore: open spool reader: %w", err)
	}
	return &spoolFile{path: w.Name(), writer: w, reader: r}, nil
}

func (s *spoolFile) close() {
	s.writer.Close()
	s.reader.Close()
	os.Remove(s.path)
}

// writerPos/readerPos report the current offsets used for *_remain (§4.3).
func (s *spoolFile) writerPos() int64 {
	off, err := s.writer.Seek(0, io.SeekCurrent)
	if err != nil {
		// The waiter closes the writer once the child exits; the child's
		// writes then end at the file's size.
		if fi, serr := os.Stat(s.path); serr == nil {
			return fi.Size()
		}
	}
	return off
}

func (s *spoolFile) readerPos() int64 {
	off, _ := s.reader.Seek(0, io.SeekCurrent)
	return off
}

// Executor is the per-agent single command slot (§3). At most one detached
// executor exists at a time; a synchronous one never outlives its own
// command call and never occupies the slot.
type Executor struct {
	cmd *exec.Cmd

	stdoutSpool *spoolFile
	stderrSpool *spoolFile

	exitMu   sync.Mutex
	exitCode *int
	done     chan struct{}
}

// decodeText turns raw child output into UTF-8 text, replacing invalid
// sequences rather than failing the reply (Design Note (c)).
func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// redirection selectors (§4.3/§6).
const (
	selNull    = "null"
	selTmpfile = "tmpfile"
	selStdout  = "stdout" // stderr only: merge into stdout
)

// StartCommand runs path either synchronously or detached, per §4.3.
// env, if non-empty, replaces the child's environment entirely (matching
// the local tool's behavior under the same environment map).
func StartCommand(path []string, env []string, stdoutSel, stderrSel string, detached bool) (executor *Executor, stdout, stderr string, exitCode *int, err error) {
	if len(path) == 0 {
		return nil, "", "", nil, errors.New("command: empty path")
	}

	cmd := execCommand(path)
	if len(env) > 0 {
		cmd.Env = env
	}

	ex := &Executor{cmd: cmd, done: make(chan struct{})}

	if detached {
		// Pipes would block the main loop once full; spool files are
		// forced regardless of what the request asked for (§4.3).
		if stdoutSel != selNull {
			stdoutSel = selTmpfile
		}
		if stderrSel != selNull && stderrSel != selStdout {
			stderrSel = selTmpfile
		}
	}

	var stdoutBuf, stderrBuf *bytes.Buffer

	switch stdoutSel {
	case selNull:
		cmd.Stdout = nil
	case selTmpfile:
		sp, serr := newSpoolFile()
		if serr != nil {
			return nil, "", "", nil, serr
		}
		ex.stdoutSpool = sp
		cmd.Stdout = sp.writer
	default:
		stdoutBuf = &bytes.Buffer{}
		cmd.Stdout = stdoutBuf
	}

	switch stderrSel {
	case selNull:
		cmd.Stderr = nil
	case selStdout:
		cmd.Stderr = cmd.Stdout
	case selTmpfile:
		sp, serr := newSpoolFile()
		if serr != nil {
			if ex.stdoutSpool != nil {
				ex.stdoutSpool.close()
			}
			return nil, "", "", nil, serr
		}
		ex.stderrSpool = sp
		cmd.Stderr = sp.writer
	default:
		stderrBuf = &bytes.Buffer{}
		cmd.Stderr = stderrBuf
	}

	if err := cmd.Start(); err != nil {
		if ex.stdoutSpool != nil {
			ex.stdoutSpool.close()
		}
		if ex.stderrSpool != nil {
			ex.stderrSpool.close()
		}
		return nil, "", "", nil, fmt.Errorf("command: start %v: %w", path, err)
	}

	if !detached {
		waitErr := cmd.Wait()
		code := exitCodeOf(cmd, waitErr)

		out := ""
		if ex.stdoutSpool != nil {
			data, _ := os.ReadFile(ex.stdoutSpool.path)
			out = decodeText(data)
			ex.stdoutSpool.close()
		} else if stdoutBuf != nil {
			out = decodeText(stdoutBuf.Bytes())
		}

		errOut := ""
		if ex.stderrSpool != nil {
			data, _ := os.ReadFile(ex.stderrSpool.path)
			errOut = decodeText(data)
			ex.stderrSpool.close()
		} else if stderrBuf != nil && stderrSel != selStdout {
			errOut = decodeText(stderrBuf.Bytes())
		}

		return nil, out, errOut, &code, nil
	}

	go ex.waiter()

	return ex, "", "", nil, nil
}

// execCommand builds the child command without shell interpretation
// (Design Note (b)).
func execCommand(path []string) *exec.Cmd {
	return exec.Command(path[0], path[1:]...)
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// waiter is the background task described by Design Note "Background
// waiter": one lightweight goroutine per detached executor, writing the
// exit code into a single-writer cell and closing done exactly once.
func (e *Executor) waiter() {
	waitErr := e.cmd.Wait()
	code := exitCodeOf(e.cmd, waitErr)

	if e.stdoutSpool != nil {
		e.stdoutSpool.writer.Close()
	}
	if e.stderrSpool != nil {
		e.stderrSpool.writer.Close()
	}

	e.exitMu.Lock()
	e.exitCode = &code
	e.exitMu.Unlock()
	close(e.done)
}

// ExitCode returns the exit code if the child has terminated.
func (e *Executor) ExitCode() *int {
	e.exitMu.Lock()
	defer e.exitMu.Unlock()
	return e.exitCode
}

// Wait blocks until the waiter has recorded the exit code.
func (e *Executor) Wait() int {
	<-e.done
	return *e.ExitCode()
}

// StdoutFH/StderrFH return the spool paths carried as stdout_fh/stderr_fh.
func (e *Executor) StdoutFH() (string, bool) {
	if e.stdoutSpool == nil {
		return "", false
	}
	return e.stdoutSpool.path, true
}

func (e *Executor) StderrFH() (string, bool) {
	if e.stderrSpool == nil {
		return "", false
	}
	return e.stderrSpool.path, true
}

// Tail reads up to size bytes (0 meaning "to EOF") from each active
// reader, reporting the text read and the remaining unread gap for each
// stream (§4.3).
func (e *Executor) Tail(size int) (stdout, stderr string, stdoutRemain, stderrRemain *int64, err error) {
	if e.stdoutSpool == nil && e.stderrSpool == nil {
		return "", "", nil, nil, errors.New("No executor or pipes.")
	}

	if e.stdoutSpool != nil {
		stdout = readStream(e.stdoutSpool, size)
		remain := e.stdoutSpool.writerPos() - e.stdoutSpool.readerPos()
		stdoutRemain = &remain
	}
	if e.stderrSpool != nil {
		stderr = readStream(e.stderrSpool, size)
		remain := e.stderrSpool.writerPos() - e.stderrSpool.readerPos()
		stderrRemain = &remain
	}
	return stdout, stderr, stdoutRemain, stderrRemain, nil
}

func readStream(sp *spoolFile, size int) string {
	if size <= 0 {
		data, _ := io.ReadAll(sp.reader)
		return decodeText(data)
	}
	buf := make([]byte, size)
	n, _ := io.ReadFull(sp.reader, buf)
	return decodeText(buf[:n])
}

// Clear joins the waiter (if not already done), closes every handle, and
// releases the slot. Called with clear=true from the check handler.
func (e *Executor) Clear() {
	<-e.done
	if e.stdoutSpool != nil {
		e.stdoutSpool.close()
	}
	if e.stderrSpool != nil {
		e.stderrSpool.close()
	}
}
