package dump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const stderrTailLines = 20

// stderrTail keeps the last lines a process wrote to stderr so they can be
// attached to its exit error.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *stderrTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > stderrTailLines {
		t.lines = t.lines[len(t.lines)-stderrTailLines:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// waitDelay bounds how long Wait keeps the output pipes open after the tool
// exits, in case something it started still holds them.
const waitDelay = 5 * time.Second

// lineWriter receives the tool's stderr, keeping complete lines in tail.
type lineWriter struct {
	tail   *stderrTail
	logger *zap.Logger
	tool   string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) line(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	w.tail.add(line)
	w.logger.Debug("Tool output", zap.String("tool", w.tool), zap.String("line", line))
}

type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *lineWriter
	name   string

	closeOnce sync.Once
	closeErr  error
}

func start(ctx context.Context, c Command, logger *zap.Logger, wire func(*exec.Cmd) error) (*process, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Env != nil {
		cmd.Env = c.Env
	}
	// Cancellation kills the tool together with anything it forked.
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	if err := wire(cmd); err != nil {
		cancel()
		return nil, err
	}

	stderr := &lineWriter{tail: &stderrTail{}, logger: logger, tool: c.Path}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", c.Path, err)
	}

	logger.Debug("Started tool", zap.String("command", c.String()), zap.Int("pid", cmd.Process.Pid))
	return &process{cmd: cmd, cancel: cancel, stderr: stderr, name: c.Path}, nil
}

// wait reaps the process and folds the stderr tail into a non-zero exit.
func (p *process) wait() error {
	p.closeOnce.Do(func() {
		err := p.cmd.Wait()
		p.cancel()
		p.stderr.flush()
		if err != nil {
			if tail := p.stderr.tail.String(); tail != "" {
				err = fmt.Errorf("%s: %w: %s", p.name, err, tail)
			} else {
				err = fmt.Errorf("%s: %w", p.name, err)
			}
		}
		p.closeErr = err
	})
	return p.closeErr
}

// Reader streams a dump tool's stdout. Close reaps the process and reports
// its exit status; closing before EOF kills the process first.
type Reader struct {
	proc   *process
	stdout io.ReadCloser
	eof    atomic.Bool
}

func (r *Reader) Read(b []byte) (int, error) {
	n, err := r.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		r.eof.Store(true)
	}
	return n, err
}

func (r *Reader) Close() error {
	if !r.eof.Load() {
		r.proc.cancel()
	}
	return r.proc.wait()
}

// Writer streams into a restore tool's stdin. Close ends the input and
// waits for the tool to exit.
type Writer struct {
	proc  *process
	stdin io.WriteCloser
}

func (w *Writer) Write(b []byte) (int, error) {
	return w.stdin.Write(b)
}

func (w *Writer) Close() error {
	closeErr := w.stdin.Close()
	if err := w.proc.wait(); err != nil {
		return err
	}
	return closeErr
}

// Abort kills the restore tool without waiting for it to finish reading.
func (w *Writer) Abort() error {
	w.proc.cancel()
	w.stdin.Close()
	return w.proc.wait()
}

// StartDump runs c and returns its stdout as a stream.
func StartDump(ctx context.Context, c Command, logger *zap.Logger) (*Reader, error) {
	var stdout io.ReadCloser
	proc, err := start(ctx, c, logger, func(cmd *exec.Cmd) error {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("creating stdout pipe: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Reader{proc: proc, stdout: stdout}, nil
}

// StartLoad runs c and returns its stdin as a stream.
func StartLoad(ctx context.Context, c Command, logger *zap.Logger) (*Writer, error) {
	var stdin io.WriteCloser
	proc, err := start(ctx, c, logger, func(cmd *exec.Cmd) error {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("creating stdin pipe: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Writer{proc: proc, stdin: stdin}, nil
}

// Dump starts the backend's dump tool for conn.
func (b Backend) Dump(ctx context.Context, conn Connection, logger *zap.Logger) (*Reader, error) {
	return StartDump(ctx, b.DumpCommand(conn), logger.With(zap.String("backend", string(b.Kind))))
}

// Load starts the backend's restore tool for conn.
func (b Backend) Load(ctx context.Context, conn Connection, logger *zap.Logger) (*Writer, error) {
	return StartLoad(ctx, b.LoadCommand(conn), logger.With(zap.String("backend", string(b.Kind))))
}
