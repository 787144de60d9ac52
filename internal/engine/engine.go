// Package engine executes sessions by running the ffmpeg and ffprobe
// binaries. It turns stderr into log and statistics events, maps the exit
// status to a return code and publishes a completion event once the session
// is terminal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/log"
	"github.com/CZERTAINLY/ffbridge/internal/model"
)

// Emitter receives the events produced while a session runs.
type Emitter interface {
	Log(ctx context.Context, l model.Log)
	Statistics(ctx context.Context, st model.Statistics)
	Complete(ctx context.Context, s model.Snapshot)
	WaitForDrain(ctx context.Context, id int64, timeout time.Duration) bool
}

type Config struct {
	FFmpeg  string
	FFprobe string
	Env     map[string]string
	Level   model.Level
	// TagLevels passes -loglevel level+<level> so lines carry their level.
	TagLevels bool
}

func ConfigFrom(cfg model.Engine) (Config, error) {
	level, err := model.ParseLevel(cfg.LogLevel)
	if err != nil {
		return Config{}, fmt.Errorf("engine.log_level: %w", err)
	}
	return Config{
		FFmpeg:    cfg.FFmpeg,
		FFprobe:   cfg.FFprobe,
		Env:       maps.Clone(cfg.Env),
		Level:     level,
		TagLevels: true,
	}, nil
}

type Engine struct {
	ffmpeg    string
	ffprobe   string
	tagLevels bool
	emitter   Emitter
	now       func() time.Time

	level atomic.Int64

	envMx sync.RWMutex
	env   map[string]string

	runMx   sync.Mutex
	running map[int64]context.CancelFunc

	asyncMx     sync.Mutex
	asyncClosed bool
	async       sync.WaitGroup
}

// ErrClosed is returned by AsyncExecute after Close.
var ErrClosed = errors.New("engine closed")

func New(cfg Config, emitter Emitter) *Engine {
	e := &Engine{
		ffmpeg:    cfg.FFmpeg,
		ffprobe:   cfg.FFprobe,
		tagLevels: cfg.TagLevels,
		emitter:   emitter,
		now:       time.Now,
		env:       maps.Clone(cfg.Env),
		running:   make(map[int64]context.CancelFunc),
	}
	if e.env == nil {
		e.env = make(map[string]string)
	}
	e.level.Store(int64(cfg.Level))
	return e
}

func (e *Engine) LogLevel() model.Level {
	return model.Level(e.level.Load())
}

func (e *Engine) SetLogLevel(l model.Level) {
	e.level.Store(int64(l))
}

// SetEnv adds a variable to the environment of every following execution.
func (e *Engine) SetEnv(name, value string) {
	e.envMx.Lock()
	e.env[name] = value
	e.envMx.Unlock()
}

func (e *Engine) environ() []string {
	e.envMx.RLock()
	defer e.envMx.RUnlock()
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(e.env)) {
		env = append(env, k+"="+e.env[k])
	}
	return env
}

func (e *Engine) ExecuteFFmpeg(ctx context.Context, s *model.Session) {
	e.execute(ctx, s, 0)
}

func (e *Engine) ExecuteFFprobe(ctx context.Context, s *model.Session) {
	e.execute(ctx, s, 0)
}

// ExecuteMediaInformation runs ffprobe and, after waiting up to waitTimeout
// for its output events to be forwarded, parses the json it printed.
func (e *Engine) ExecuteMediaInformation(ctx context.Context, s *model.Session, waitTimeout time.Duration) {
	e.execute(ctx, s, waitTimeout)
}

// AsyncExecute runs the session on its own goroutine and returns at once.
// Nothing reports back but the completion event. It fails with ErrClosed
// once Close was called.
func (e *Engine) AsyncExecute(ctx context.Context, s *model.Session, waitTimeout time.Duration) error {
	e.asyncMx.Lock()
	defer e.asyncMx.Unlock()
	if e.asyncClosed {
		return ErrClosed
	}
	ctx = context.WithoutCancel(ctx)
	e.async.Go(func() {
		e.execute(ctx, s, waitTimeout)
	})
	return nil
}

// Cancel interrupts the session with the given id, 0 cancels all.
func (e *Engine) Cancel(id int64) {
	if id == 0 {
		e.CancelAll()
		return
	}
	e.runMx.Lock()
	defer e.runMx.Unlock()
	if cancel, ok := e.running[id]; ok {
		cancel()
	}
}

func (e *Engine) CancelAll() {
	e.runMx.Lock()
	defer e.runMx.Unlock()
	for _, cancel := range e.running {
		cancel()
	}
}

// Close cancels running sessions and waits for AsyncExecute runs to finish.
func (e *Engine) Close(ctx context.Context) error {
	// no Go call may race with Wait below
	e.asyncMx.Lock()
	e.asyncClosed = true
	e.asyncMx.Unlock()

	e.CancelAll()
	done := make(chan struct{})
	go func() {
		e.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) track(id int64, cancel context.CancelFunc) func() {
	e.runMx.Lock()
	e.running[id] = cancel
	e.runMx.Unlock()
	return func() {
		e.runMx.Lock()
		delete(e.running, id)
		e.runMx.Unlock()
		cancel()
	}
}

func (e *Engine) binary(kind model.Kind) (string, error) {
	switch kind {
	case model.KindFFmpeg:
		return e.ffmpeg, nil
	case model.KindFFprobe, model.KindMediaInformation:
		return e.ffprobe, nil
	default:
		return "", fmt.Errorf("unsupported session kind %s", kind)
	}
}

func (e *Engine) args(s *model.Session) []string {
	args := s.Arguments()
	if !e.tagLevels {
		return args
	}
	level := e.LogLevel()
	if level == model.LevelStderr {
		return append([]string{"-hide_banner"}, args...)
	}
	return append([]string{"-hide_banner", "-loglevel", "level+" + level.String()}, args...)
}

func (e *Engine) execute(ctx context.Context, s *model.Session, waitTimeout time.Duration) {
	ctx = log.SessionAttrs(ctx, s.ID(), s.Kind().String())
	if err := s.Start(e.now()); err != nil {
		slog.ErrorContext(ctx, "session can't be executed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	untrack := e.track(s.ID(), cancel)
	defer untrack()

	path, err := e.binary(s.Kind())
	if err != nil {
		e.fail(ctx, s, err)
		return
	}

	cmd := Command{
		Path:   path,
		Args:   e.args(s),
		Env:    e.environ(),
		Stderr: func(ctx context.Context, line string) { e.onStderr(ctx, s, line) },
	}
	if s.Kind() != model.KindFFmpeg {
		cmd.Stdout = func(ctx context.Context, line string) { e.emitLog(ctx, s, model.LevelInfo, line) }
	}

	slog.DebugContext(ctx, "executing", "path", path, "args", cmd.Args)
	proc := NewProcess()
	if err := proc.Start(ctx, cmd); err != nil {
		e.fail(ctx, s, fmt.Errorf("starting %s: %w", path, err))
		return
	}
	<-proc.Done()
	res := proc.Result()

	rc, err := returnCode(ctx, res)
	if err != nil {
		e.fail(ctx, s, err)
		return
	}

	if s.Kind() == model.KindMediaInformation {
		if !e.emitter.WaitForDrain(ctx, s.ID(), waitTimeout) {
			slog.WarnContext(ctx, "timed out waiting for messages in transmit", "timeout", waitTimeout)
		}
		if rc == model.ReturnCodeSuccess {
			info, perr := model.ParseMediaInformation(res.Stdout.Bytes())
			if perr != nil {
				slog.WarnContext(ctx, "media information not available", "error", perr)
			} else {
				_ = s.SetMediaInformation(info)
			}
		}
	}

	if err := s.Complete(e.now(), rc); err != nil {
		slog.ErrorContext(ctx, "completing session", "error", err)
		return
	}
	slog.DebugContext(ctx, "session completed", "return_code", rc, "duration", s.Duration())
	e.emitter.Complete(ctx, s.Snapshot())
}

func (e *Engine) fail(ctx context.Context, s *model.Session, err error) {
	slog.ErrorContext(ctx, "session failed", "error", err)
	if terr := s.Fail(e.now(), err.Error()); terr != nil {
		slog.ErrorContext(ctx, "failing session", "error", terr)
		return
	}
	e.emitter.Complete(ctx, s.Snapshot())
}

// returnCode maps a finished process to a session return code. A nil
// error with a code means the session completed, an error means it failed.
func returnCode(ctx context.Context, res Result) (int, error) {
	if ctx.Err() != nil {
		return model.ReturnCodeCancel, nil
	}
	if res.State == nil {
		return 0, fmt.Errorf("process state is not available: %w", res.Err)
	}
	if ws, ok := res.State.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	var exitErr *exec.ExitError
	if res.Err != nil && !errors.As(res.Err, &exitErr) {
		// exit status is known, the error came from i/o
		slog.WarnContext(ctx, "waiting for process", "error", res.Err)
	}
	return res.State.ExitCode(), nil
}

func (e *Engine) onStderr(ctx context.Context, s *model.Session, line string) {
	level, msg := parseLevel(line)
	if s.Kind() == model.KindFFmpeg && isStatistics(msg) {
		st := parseStatistics(s.ID(), msg)
		if err := s.AddStatistics(st); err == nil {
			e.emitter.Statistics(ctx, st)
		}
		return
	}
	e.emitLog(ctx, s, level, msg)
}

func (e *Engine) emitLog(ctx context.Context, s *model.Session, level model.Level, msg string) {
	active := e.LogLevel()
	if (active == model.LevelQuiet && level != model.LevelStderr) || level > active {
		return
	}
	if strings.TrimSpace(msg) == "" {
		return
	}
	l := model.Log{SessionID: s.ID(), Level: level, Message: msg + "\n"}
	s.AddLog(l)
	e.emitter.Log(ctx, l)
}

// Version returns the first line of ffmpeg -version.
func (e *Engine) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, e.ffmpeg, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("running %s -version: %w", e.ffmpeg, err)
	}
	first, _, _ := strings.Cut(string(out), "\n")
	if v, ok := strings.CutPrefix(first, "ffmpeg version "); ok {
		first = v
	}
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return strings.TrimSpace(first), nil
}
