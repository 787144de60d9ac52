// Package bridge holds the runtime context shared by every request: the
// session registry, the event gate and bus, the worker pool, the process
// engine, named pipes and the optional session archive.
//
// A Bridge is created by New, started by Start and torn down by Uninit.
// Requests needing the runtime context fail with INVALID_CONTEXT once the
// bridge is uninitialized.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/dispatch"
	"github.com/CZERTAINLY/ffbridge/internal/engine"
	"github.com/CZERTAINLY/ffbridge/internal/events"
	"github.com/CZERTAINLY/ffbridge/internal/log"
	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/CZERTAINLY/ffbridge/internal/pipe"
	"github.com/CZERTAINLY/ffbridge/internal/promise"
	"github.com/CZERTAINLY/ffbridge/internal/registry"
	"github.com/CZERTAINLY/ffbridge/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Platform is reported to the host by getPlatform.
const Platform = "linux"

// signals are indexed by the ordinal the host sends to ignoreSignal.
var signals = []unix.Signal{
	unix.SIGINT,
	unix.SIGQUIT,
	unix.SIGPIPE,
	unix.SIGTERM,
	unix.SIGXCPU,
}

type Bridge struct {
	id          string
	waitTimeout time.Duration

	registry *registry.Registry
	gate     *events.Gate
	bus      *events.Bus
	engine   *engine.Engine
	pool     *dispatch.Pool
	pipes    *pipe.Registry
	feeder   dispatch.Feeder
	archive  *store.Archive

	subMx      sync.RWMutex
	subscriber events.Sink

	started  atomic.Bool
	closed   atomic.Bool
	uninitMx sync.Mutex
}

// New builds the runtime context from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg model.Config) (*Bridge, error) {
	engineCfg, err := engine.ConfigFrom(cfg.Engine)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(cfg.Sessions.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("sessions.history_size: %w", err)
	}
	pipes, err := pipe.NewRegistry(cfg.Pipes.Dir)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		id:          uuid.NewString(),
		waitTimeout: cfg.Sessions.WaitTimeoutDuration(),
		registry:    reg,
		gate:        events.NewGate(cfg.Events.Logs, cfg.Events.Statistics),
		pool:        dispatch.New(cfg.Dispatch.Workers),
		pipes:       pipes,
		feeder:      pipe.NewFeeder(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("bridge", b.id))

	// the archive goes first, a subscriber seeing a completion can read it back
	var sinks []events.Sink
	if cfg.Archive.Enabled {
		b.archive, err = store.Open(ctx, cfg.Archive, b.id)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, events.SinkFunc(b.toArchive))
	}
	sinks = append(sinks, events.SinkFunc(b.toSubscriber))
	b.bus = events.NewBus(b.gate, events.Sinks(sinks...))
	b.engine = engine.New(engineCfg, b.bus)

	slog.DebugContext(ctx, "bridge created",
		"history_size", reg.HistoryLimit(),
		"workers", cfg.Dispatch.Workers,
		"pipes", pipes.Dir(),
		"archive", cfg.Archive.Enabled,
	)
	return b, nil
}

// ID identifies this bridge instance in logs and in the archive.
func (b *Bridge) ID() string {
	return b.id
}

// Start runs the event forwarder, the worker pool and the archive pruning.
func (b *Bridge) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	ctx = log.ContextAttrs(ctx, slog.String("bridge", b.id))
	b.bus.Start(ctx)
	b.pool.Start(ctx)
	if b.archive != nil {
		b.archive.Start()
	}
}

// Subscribe attaches the host sink, nil detaches it.
func (b *Bridge) Subscribe(sink events.Sink) {
	b.subMx.Lock()
	b.subscriber = sink
	b.subMx.Unlock()
}

func (b *Bridge) toSubscriber(ctx context.Context, e events.Event) error {
	b.subMx.RLock()
	sink := b.subscriber
	b.subMx.RUnlock()
	if sink == nil {
		return events.ErrNoSubscriber
	}
	return sink.Send(ctx, e)
}

func (b *Bridge) toArchive(ctx context.Context, e events.Event) error {
	if e.Kind != events.KindComplete || e.Session == nil {
		return nil
	}
	return b.archive.Save(ctx, *e.Session)
}

// Uninit stops accepting work, waits for queued tasks and events until ctx
// is done and releases pipes and the archive. It is idempotent.
func (b *Bridge) Uninit(ctx context.Context) error {
	b.uninitMx.Lock()
	defer b.uninitMx.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx = log.ContextAttrs(ctx, slog.String("bridge", b.id))

	var errs []error
	if err := b.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down pool: %w", err))
	}
	if err := b.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing engine: %w", err))
	}
	if err := b.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing event bus: %w", err))
	}
	if err := b.pipes.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("closing pipes: %w", err))
	}
	if b.archive != nil {
		if err := b.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing archive: %w", err))
		}
	}
	forwarded, dropped := b.bus.Stats()
	slog.DebugContext(ctx, "bridge uninitialized", "forwarded", forwarded, "dropped", dropped)
	return errors.Join(errs...)
}

func (b *Bridge) checkContext() error {
	if b.closed.Load() {
		return model.ErrInvalidContext
	}
	return nil
}

// timeout resolves the wait timeout sent by the host, negative means default.
func (b *Bridge) timeout(d time.Duration) time.Duration {
	if d < 0 {
		return b.waitTimeout
	}
	return d
}

// NewSession creates a session of the given kind in the registry.
func (b *Bridge) NewSession(kind model.Kind, args []string) (*model.Session, error) {
	if args == nil {
		return nil, model.ErrInvalidArguments
	}
	switch kind {
	case model.KindFFmpeg, model.KindFFprobe, model.KindMediaInformation:
	default:
		return nil, model.Errorf(model.ErrInvalidSession, "unknown session kind %d", int(kind))
	}
	return b.registry.Create(kind, args), nil
}

// Session returns the session with the given id.
func (b *Bridge) Session(id int64) (*model.Session, error) {
	return b.registry.Get(id)
}

// SessionOf returns the session with the given id when it has the given kind.
func (b *Bridge) SessionOf(id int64, kind model.Kind) (*model.Session, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Kind() != kind {
		return nil, model.Errorf(kind.MismatchError(), "session %d is a %s session", id, s.Kind())
	}
	return s, nil
}

// executable returns the session when it has the given kind and was never
// executed.
func (b *Bridge) executable(id int64, kind model.Kind) (*model.Session, error) {
	s, err := b.SessionOf(id, kind)
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != model.StateCreated {
		return nil, model.Errorf(model.ErrInvalidSessionState, "session %d is %s", id, st)
	}
	return s, nil
}

// Execute submits the session to the worker pool. The handle is fulfilled
// once the session is terminal, whatever its outcome.
func (b *Bridge) Execute(id int64, kind model.Kind, waitTimeout time.Duration) (*promise.Handle[struct{}], error) {
	if err := b.checkContext(); err != nil {
		return nil, err
	}
	s, err := b.executable(id, kind)
	if err != nil {
		return nil, err
	}
	return b.pool.SubmitSession(b.engine, s, b.timeout(waitTimeout))
}

// AsyncExecute runs the session outside of the pool. Only the completion
// event reports the outcome.
func (b *Bridge) AsyncExecute(ctx context.Context, id int64, kind model.Kind, waitTimeout time.Duration) error {
	if err := b.checkContext(); err != nil {
		return err
	}
	s, err := b.executable(id, kind)
	if err != nil {
		return err
	}
	if err := b.engine.AsyncExecute(ctx, s, b.timeout(waitTimeout)); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidContext, err)
	}
	return nil
}

func (b *Bridge) Sessions() []*model.Session {
	return b.registry.List()
}

func (b *Bridge) SessionsByState(state int) ([]*model.Session, error) {
	st, err := model.ParseState(state)
	if err != nil {
		return nil, err
	}
	return b.registry.ListByState(st), nil
}

func (b *Bridge) SessionsByKind(kind model.Kind) []*model.Session {
	return b.registry.ListByKind(kind)
}

// LastSession returns the most recently created session, nil if none.
func (b *Bridge) LastSession() *model.Session {
	s, _ := b.registry.Last()
	return s
}

// LastCompletedSession returns the most recently created completed
// session, nil if none.
func (b *Bridge) LastCompletedSession() *model.Session {
	s, _ := b.registry.LastCompleted()
	return s
}

func (b *Bridge) ClearSessions() {
	b.registry.Clear()
}

func (b *Bridge) HistorySize() int {
	return b.registry.HistoryLimit()
}

func (b *Bridge) SetHistorySize(n int) error {
	return b.registry.SetHistoryLimit(n)
}

// AllLogs waits up to waitTimeout for the session's events in transmit and
// returns its logs.
func (b *Bridge) AllLogs(ctx context.Context, id int64, waitTimeout time.Duration) ([]model.Log, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	b.waitForDrain(ctx, s, waitTimeout)
	return s.Logs(), nil
}

func (b *Bridge) AllLogsAsString(ctx context.Context, id int64, waitTimeout time.Duration) (string, error) {
	s, err := b.registry.Get(id)
	if err != nil {
		return "", err
	}
	b.waitForDrain(ctx, s, waitTimeout)
	return s.LogsAsString(), nil
}

// AllStatistics is AllLogs for statistics of a ffmpeg session.
func (b *Bridge) AllStatistics(ctx context.Context, id int64, waitTimeout time.Duration) ([]model.Statistics, error) {
	s, err := b.SessionOf(id, model.KindFFmpeg)
	if err != nil {
		return nil, err
	}
	b.waitForDrain(ctx, s, waitTimeout)
	return s.Statistics(), nil
}

func (b *Bridge) Statistics(id int64) ([]model.Statistics, error) {
	s, err := b.SessionOf(id, model.KindFFmpeg)
	if err != nil {
		return nil, err
	}
	return s.Statistics(), nil
}

func (b *Bridge) MediaInformation(id int64) (*model.MediaInformation, error) {
	s, err := b.SessionOf(id, model.KindMediaInformation)
	if err != nil {
		return nil, err
	}
	return s.MediaInformation(), nil
}

func (b *Bridge) waitForDrain(ctx context.Context, s *model.Session, waitTimeout time.Duration) {
	b.WaitForDrain(ctx, s.ID(), waitTimeout)
}

// WaitForDrain waits up to waitTimeout until every event of the session
// was forwarded. It reports false on timeout.
func (b *Bridge) WaitForDrain(ctx context.Context, id int64, waitTimeout time.Duration) bool {
	if b.bus.WaitForDrain(ctx, id, b.timeout(waitTimeout)) {
		return true
	}
	slog.WarnContext(ctx, "timed out waiting for messages in transmit",
		"session_id", id, "timeout", b.timeout(waitTimeout))
	return false
}

// MessagesInTransmit counts queued events of a session, unknown sessions
// have none.
func (b *Bridge) MessagesInTransmit(id int64) int {
	return b.bus.MessagesInTransmit(id)
}

func (b *Bridge) ThereAreMessagesInTransmit(id int64) (bool, error) {
	if _, err := b.registry.Get(id); err != nil {
		return false, err
	}
	return b.bus.MessagesInTransmit(id) > 0, nil
}

func (b *Bridge) EnableLogs()        { b.gate.EnableLogs() }
func (b *Bridge) DisableLogs()       { b.gate.DisableLogs() }
func (b *Bridge) EnableStatistics()  { b.gate.EnableStatistics() }
func (b *Bridge) DisableStatistics() { b.gate.DisableStatistics() }

// EnableRedirection turns on both event kinds.
func (b *Bridge) EnableRedirection() {
	b.gate.EnableLogs()
	b.gate.EnableStatistics()
}

func (b *Bridge) DisableRedirection() {
	b.gate.DisableLogs()
	b.gate.DisableStatistics()
}

func (b *Bridge) Gate() *events.Gate {
	return b.gate
}

func (b *Bridge) LogLevel() model.Level {
	return b.engine.LogLevel()
}

func (b *Bridge) SetLogLevel(level int) error {
	l, err := model.ParseLevel(level)
	if err != nil {
		return err
	}
	b.engine.SetLogLevel(l)
	return nil
}

// Cancel interrupts the session with the given id, 0 cancels every session.
func (b *Bridge) Cancel(id int64) error {
	if id < 0 {
		return model.Errorf(model.ErrInvalidSession, "%d", id)
	}
	b.engine.Cancel(id)
	return nil
}

func (b *Bridge) CancelAll() {
	b.engine.CancelAll()
}

// IgnoreSignal ignores one of SIGINT, SIGQUIT, SIGPIPE, SIGTERM and SIGXCPU
// given by its ordinal.
func (b *Bridge) IgnoreSignal(ordinal int) error {
	if ordinal < 0 || ordinal >= len(signals) {
		return model.Errorf(model.ErrInvalidSignal, "%d", ordinal)
	}
	signal.Ignore(signals[ordinal])
	return nil
}

// SetEnv sets a variable in the environment of every following execution.
func (b *Bridge) SetEnv(name, value string) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return model.Errorf(model.ErrInvalidName, "%q", name)
	}
	if strings.ContainsRune(value, 0) {
		return model.Errorf(model.ErrInvalidValue, "%q", value)
	}
	b.engine.SetEnv(name, value)
	return nil
}

// RegisterPipe creates a new named pipe and returns its path.
func (b *Bridge) RegisterPipe() (string, error) {
	if err := b.checkContext(); err != nil {
		return "", err
	}
	return b.pipes.New()
}

func (b *Bridge) ClosePipe(path string) error {
	if err := b.checkContext(); err != nil {
		return err
	}
	if path == "" {
		return model.ErrInvalidPipePath
	}
	return b.pipes.Close(path)
}

// WriteToPipe copies input into pipe on a worker. The handle carries the
// exit code of the copy.
func (b *Bridge) WriteToPipe(input, pipe string) (*promise.Handle[int], error) {
	if err := b.checkContext(); err != nil {
		return nil, err
	}
	if pipe == "" {
		return nil, model.ErrInvalidPipe
	}
	if input == "" {
		return nil, model.ErrInvalidInput
	}
	return b.pool.SubmitWriteToPipe(b.feeder, input, pipe)
}

func (b *Bridge) FFmpegVersion(ctx context.Context) (string, error) {
	return b.engine.Version(ctx)
}

func (b *Bridge) Arch() string {
	return runtime.GOARCH
}

// History lists archived sessions, most recent first.
func (b *Bridge) History(ctx context.Context, limit int) ([]store.RecordRow, error) {
	if b.archive == nil {
		return nil, errors.New("session archive is disabled")
	}
	return b.archive.List(ctx, limit)
}
