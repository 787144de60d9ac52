package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
)

// gracePeriod is how long a cancelled process gets between SIGINT and SIGKILL.
const gracePeriod = 5 * time.Second

// LineFunc receives output lines without their terminator.
type LineFunc func(ctx context.Context, line string)

type Command struct {
	Path string
	Args []string
	Env  []string
	// Stdout, when set, receives stdout lines, which are also kept in
	// Result.Stdout. Without it stdout is discarded.
	Stdout LineFunc
	// Stderr, when set, receives stderr lines split on \r or \n.
	Stderr LineFunc
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Process runs a single command once. Output callbacks are done before the
// result is published.
type Process struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	result Result
	done   chan struct{}
}

func NewProcess() *Process {
	return &Process{
		result: Result{Err: ErrNotStarted},
		done:   make(chan struct{}),
	}
}

// Start runs the process and returns once it is started, or the exec
// error. Cancelling ctx interrupts the process, which is killed after a
// grace period. Use Done and Result to obtain the outcome.
func (p *Process) Start(ctx context.Context, proto Command) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}

	p.result = Result{
		Path:   proto.Path,
		Args:   append([]string(nil), proto.Args...),
		Stdout: &bytes.Buffer{},
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = gracePeriod
	p.cmd = cmd

	var readers sync.WaitGroup
	if proto.Stderr != nil {
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return p.startFailed(err)
		}
		readers.Go(func() { scanLines(ctx, stderr, scanCRLF, proto.Stderr) })
	}
	if proto.Stdout != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return p.startFailed(err)
		}
		buf := p.result.Stdout
		readers.Go(func() {
			scanLines(ctx, stdout, bufio.ScanLines, func(ctx context.Context, line string) {
				buf.WriteString(line)
				buf.WriteByte('\n')
				proto.Stdout(ctx, line)
			})
		})
	}

	p.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		// exec closes the pipes, readers return immediately
		readers.Wait()
		return p.startFailed(err)
	}

	go p.wait(cmd, &readers)
	return nil
}

// startFailed must be called with p.mx held.
func (p *Process) startFailed(err error) error {
	p.result.Stopped = time.Now().UTC()
	p.result.Err = err
	close(p.done)
	return err
}

func (p *Process) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	// pipes must be fully read before Wait closes them
	readers.Wait()
	err := cmd.Wait()
	stopped := time.Now().UTC()

	p.mx.Lock()
	defer p.mx.Unlock()
	p.result.Stopped = stopped
	p.result.State = cmd.ProcessState
	p.result.Err = err
	close(p.done)
}

// Done is closed once the process exited or failed to start.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Result returns the last known result, ErrNotStarted if Start was not
// called yet.
func (p *Process) Result() Result {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.result
}

func scanLines(ctx context.Context, r io.Reader, split bufio.SplitFunc, fn LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(split)
	for scanner.Scan() {
		fn(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing output", "error", err)
		// keep the pipe drained so the process is not blocked on write
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanCRLF splits on \n, \r\n and lone \r, which ffmpeg uses for progress.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// need more data to tell \r from \r\n
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
