// Package pipe feeds files into named pipes and manages the pipes handed
// out to ffmpeg commands.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"

	"github.com/CZERTAINLY/ffbridge/internal/engine"
	"github.com/CZERTAINLY/ffbridge/internal/model"
	"golang.org/x/sys/unix"
)

const prefix = "fk_pipe_"

var ErrInterrupted = errors.New("interrupted")

// Feeder copies a file into a pipe using a child shell. The shell blocks on
// the open until a reader appears on the other end.
type Feeder struct {
	Shell string
}

func NewFeeder() Feeder {
	return Feeder{Shell: "/bin/sh"}
}

// WriteToPipe returns the exit code of the copy. An error means the copy
// could not be started or was interrupted.
func (f Feeder) WriteToPipe(ctx context.Context, src, pipe string) (int, error) {
	proc := engine.NewProcess()
	err := proc.Start(ctx, engine.Command{
		Path: f.Shell,
		Args: []string{"-c", `cat "$1" > "$2"`, "sh", src, pipe},
		Stderr: func(ctx context.Context, line string) {
			slog.WarnContext(ctx, "write to pipe", "pipe", pipe, "stderr", line)
		},
	})
	if err != nil {
		return 0, err
	}
	<-proc.Done()
	res := proc.Result()
	if ctx.Err() != nil {
		return 0, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	if res.State == nil {
		return 0, res.Err
	}
	var exitErr *exec.ExitError
	if res.Err != nil && !errors.As(res.Err, &exitErr) {
		return 0, res.Err
	}
	return res.State.ExitCode(), nil
}

// Registry creates named pipes in one directory.
type Registry struct {
	dir   string
	mx    sync.Mutex
	next  int
	pipes map[string]struct{}
}

// DefaultDir is the pipes directory used when none is configured.
func DefaultDir() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache dir: %w", err)
	}
	return filepath.Join(cache, "ffbridge", "pipes"), nil
}

func NewRegistry(dir string) (*Registry, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating pipes directory: %w", err)
	}
	return &Registry{
		dir:   dir,
		pipes: make(map[string]struct{}),
	}, nil
}

func (r *Registry) Dir() string {
	return r.dir
}

// New creates the next fk_pipe_<n> fifo and returns its path.
func (r *Registry) New() (string, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.next++
	path := filepath.Join(r.dir, fmt.Sprintf("%s%d", prefix, r.next))
	// a stale pipe from a previous run
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return "", fmt.Errorf("mkfifo %s: %w", path, err)
	}
	r.pipes[path] = struct{}{}
	return path, nil
}

// Close removes a pipe created by New.
func (r *Registry) Close(path string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.pipes[path]; !ok {
		return model.Errorf(model.ErrInvalidPipePath, "%s", path)
	}
	delete(r.pipes, path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Has reports whether path is an open pipe of this registry.
func (r *Registry) Has(path string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.pipes[path]
	return ok
}

func (r *Registry) Paths() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	var ret []string
	for p := range r.pipes {
		ret = append(ret, p)
	}
	slices.Sort(ret)
	return ret
}

// CloseAll removes every pipe, errors are joined.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, p := range r.Paths() {
		if err := r.Close(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
