package bridge_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/bridge"
	"github.com/CZERTAINLY/ffbridge/internal/events"
	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/stretchr/testify/require"
)

const fakeFFmpeg = `#!/bin/sh
for a in "$@"; do
  if [ "$a" = "-version" ]; then
    echo "ffmpeg version 7.1 Copyright (c) 2000-2024 the FFmpeg developers"
    exit 0
  fi
done
printf '[info] transcoding\n' 1>&2
printf 'frame=    5 fps=0.0 q=-1.0 size=       0KiB time=00:00:00.20 bitrate=   0.0kbits/s speed=0.4x\n' 1>&2
printf '[info] done\n' 1>&2
exit 0
`

const sleepyFFmpeg = "#!/bin/sh\nexec sleep 30\n"

const fakeFFprobe = `#!/bin/sh
echo '{"format": {"filename": "in.mp4", "format_name": "mov,mp4"}, "streams": []}'
`

type collector struct {
	mx     sync.Mutex
	events []events.Event
}

func (c *collector) Send(_ context.Context, e events.Event) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) completed(id int64) *model.Snapshot {
	c.mx.Lock()
	defer c.mx.Unlock()
	for _, e := range c.events {
		if e.Kind == events.KindComplete && e.SessionID == id {
			return e.Session
		}
	}
	return nil
}

func (c *collector) kinds(id int64) []events.Kind {
	c.mx.Lock()
	defer c.mx.Unlock()
	var ret []events.Kind
	for _, e := range c.events {
		if e.SessionID == id {
			ret = append(ret, e.Kind)
		}
	}
	return ret
}

func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newBridge(t *testing.T, mutate func(*model.Config)) (*bridge.Bridge, *collector) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Engine.FFmpeg = script(t, dir, "ffmpeg", fakeFFmpeg)
	cfg.Engine.FFprobe = script(t, dir, "ffprobe", fakeFFprobe)
	cfg.Pipes.Dir = filepath.Join(dir, "pipes")
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := bridge.New(t.Context(), cfg)
	require.NoError(t, err)
	sink := &collector{}
	b.Subscribe(sink)
	b.Start(t.Context())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, b.Uninit(ctx))
	})
	return b, sink
}

func TestAsyncExecuteCompletes(t *testing.T) {
	t.Parallel()
	b, sink := newBridge(t, nil)

	s, err := b.NewSession(model.KindFFmpeg, []string{"-version"})
	require.NoError(t, err)
	require.NoError(t, b.AsyncExecute(t.Context(), s.ID(), model.KindFFmpeg, -1))

	require.Eventually(t, func() bool {
		return sink.completed(s.ID()) != nil
	}, 10*time.Second, 10*time.Millisecond)

	got, err := b.Session(s.ID())
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, got.State())
	rc, ok := got.ReturnCode()
	require.True(t, ok)
	require.Equal(t, model.ReturnCodeSuccess, rc)
	require.False(t, got.EndTime().Before(got.StartTime()))
	require.False(t, got.StartTime().Before(got.CreateTime()))

	snap := sink.completed(s.ID())
	require.Equal(t, model.StateCompleted, snap.State)
	require.NotNil(t, snap.ReturnCode)
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, nil)

	_, err := b.AllLogs(t.Context(), 4242, 0)
	require.ErrorIs(t, err, model.ErrSessionNotFound)
	require.Equal(t, model.CodeSessionNotFound, model.CodeOf(err))

	_, err = b.Execute(4242, model.KindFFmpeg, 0)
	require.ErrorIs(t, err, model.ErrSessionNotFound)
	_, err = b.ThereAreMessagesInTransmit(4242)
	require.ErrorIs(t, err, model.ErrSessionNotFound)
	require.Zero(t, b.MessagesInTransmit(4242))
}

func TestKindMismatch(t *testing.T) {
	t.Parallel()
	b, sink := newBridge(t, nil)

	s, err := b.NewSession(model.KindFFprobe, []string{"-i", "in.mp4"})
	require.NoError(t, err)

	_, err = b.Execute(s.ID(), model.KindFFmpeg, 0)
	require.ErrorIs(t, err, model.ErrNotFFmpegSession)
	err = b.AsyncExecute(t.Context(), s.ID(), model.KindMediaInformation, 0)
	require.ErrorIs(t, err, model.ErrNotMediaInformationSession)
	_, err = b.Statistics(s.ID())
	require.Equal(t, model.CodeNotFFmpegSession, model.CodeOf(err))
	_, err = b.MediaInformation(s.ID())
	require.ErrorIs(t, err, model.ErrNotMediaInformationSession)

	// the engine was never invoked
	require.Equal(t, model.StateCreated, s.State())
	require.Empty(t, sink.kinds(s.ID()))
}

func TestWriteEmptyFileToPipe(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, nil)

	src := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(src, nil, 0o600))
	p, err := b.RegisterPipe()
	require.NoError(t, err)

	read := make(chan int, 1)
	go func() {
		data, _ := os.ReadFile(p)
		read <- len(data)
	}()

	h, err := b.WriteToPipe(src, p)
	require.NoError(t, err)
	rc, err := h.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, rc)
	require.Equal(t, 0, <-read)

	require.NoError(t, b.ClosePipe(p))
	require.ErrorIs(t, b.ClosePipe(p), model.ErrInvalidPipePath)

	_, err = b.WriteToPipe("", p)
	require.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = b.WriteToPipe(src, "")
	require.ErrorIs(t, err, model.ErrInvalidPipe)
}

func TestExecuteEvents(t *testing.T) {
	t.Parallel()
	b, sink := newBridge(t, nil)
	b.EnableRedirection()

	s, err := b.NewSession(model.KindFFmpeg, []string{"-i", "in.mp4", "out.mp4"})
	require.NoError(t, err)
	h, err := b.Execute(s.ID(), model.KindFFmpeg, -1)
	require.NoError(t, err)
	_, err = h.Wait(t.Context())
	require.NoError(t, err)

	logs, err := b.AllLogsAsString(t.Context(), s.ID(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "transcoding\ndone\n", logs)
	stats, err := b.AllStatistics(t.Context(), s.ID(), time.Second)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 5, stats[0].VideoFrameNumber)

	require.Eventually(t, func() bool {
		return sink.completed(s.ID()) != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []events.Kind{
		events.KindLog, events.KindStatistics, events.KindLog, events.KindComplete,
	}, sink.kinds(s.ID()))
}

func TestGateDisabled(t *testing.T) {
	t.Parallel()
	b, sink := newBridge(t, nil)
	b.EnableLogs()
	b.DisableLogs()
	b.DisableLogs()
	require.False(t, b.Gate().LogsEnabled())

	s, err := b.NewSession(model.KindFFmpeg, []string{"-i", "in.mp4"})
	require.NoError(t, err)
	h, err := b.Execute(s.ID(), model.KindFFmpeg, -1)
	require.NoError(t, err)
	_, err = h.Wait(t.Context())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.completed(s.ID()) != nil
	}, 5*time.Second, 10*time.Millisecond)
	// logs are still recorded on the session
	require.Len(t, s.Logs(), 2)
	require.Equal(t, []events.Kind{events.KindComplete}, sink.kinds(s.ID()))
}

func TestMediaInformation(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, nil)

	s, err := b.NewSession(model.KindMediaInformation, []string{"-i", "in.mp4"})
	require.NoError(t, err)
	h, err := b.Execute(s.ID(), model.KindMediaInformation, 500*time.Millisecond)
	require.NoError(t, err)
	_, err = h.Wait(t.Context())
	require.NoError(t, err)

	info, err := b.MediaInformation(s.ID())
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, "mov,mp4", info.FormatName())
	require.Same(t, s, b.LastCompletedSession())
}

func TestRegistryOperations(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, func(cfg *model.Config) { cfg.Sessions.HistorySize = 2 })

	_, err := b.NewSession(model.KindFFmpeg, nil)
	require.ErrorIs(t, err, model.ErrInvalidArguments)
	_, err = b.NewSession(model.Kind(9), []string{})
	require.ErrorIs(t, err, model.ErrInvalidSession)

	for range 3 {
		_, err := b.NewSession(model.KindFFprobe, []string{})
		require.NoError(t, err)
	}
	require.Len(t, b.Sessions(), 2)
	require.Equal(t, int64(3), b.LastSession().ID())
	require.Nil(t, b.LastCompletedSession())
	require.Len(t, b.SessionsByKind(model.KindFFprobe), 2)
	created, err := b.SessionsByState(int(model.StateCreated))
	require.NoError(t, err)
	require.Len(t, created, 2)
	_, err = b.SessionsByState(7)
	require.ErrorIs(t, err, model.ErrInvalidSessionState)

	require.Equal(t, 2, b.HistorySize())
	require.ErrorIs(t, b.SetHistorySize(-1), model.ErrInvalidSize)
	require.NoError(t, b.SetHistorySize(1))
	require.Len(t, b.Sessions(), 1)

	b.ClearSessions()
	b.ClearSessions()
	require.Empty(t, b.Sessions())
	require.Nil(t, b.LastSession())
}

func TestSettings(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, nil)

	require.Equal(t, model.LevelInfo, b.LogLevel())
	require.NoError(t, b.SetLogLevel(int(model.LevelDebug)))
	require.Equal(t, model.LevelDebug, b.LogLevel())
	require.ErrorIs(t, b.SetLogLevel(33), model.ErrInvalidLevel)

	require.NoError(t, b.SetEnv("FONTCONFIG_PATH", "/etc/fonts"))
	require.ErrorIs(t, b.SetEnv("", "x"), model.ErrInvalidName)
	require.ErrorIs(t, b.SetEnv("A=B", "x"), model.ErrInvalidName)
	require.ErrorIs(t, b.SetEnv("A", "x\x00"), model.ErrInvalidValue)

	require.ErrorIs(t, b.IgnoreSignal(5), model.ErrInvalidSignal)
	require.ErrorIs(t, b.IgnoreSignal(-1), model.ErrInvalidSignal)
	// SIGXCPU
	require.NoError(t, b.IgnoreSignal(4))

	require.ErrorIs(t, b.Cancel(-1), model.ErrInvalidSession)
	require.NoError(t, b.Cancel(0))

	v, err := b.FFmpegVersion(t.Context())
	require.NoError(t, err)
	require.Equal(t, "7.1", v)
	require.NotEmpty(t, b.Arch())
	require.NotEmpty(t, b.ID())
}

func TestUninit(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, nil)
	s, err := b.NewSession(model.KindFFmpeg, []string{})
	require.NoError(t, err)
	p, err := b.RegisterPipe()
	require.NoError(t, err)

	require.NoError(t, b.Uninit(t.Context()))
	require.NoError(t, b.Uninit(t.Context()))

	_, err = b.Execute(s.ID(), model.KindFFmpeg, 0)
	require.ErrorIs(t, err, model.ErrInvalidContext)
	require.ErrorIs(t, b.AsyncExecute(t.Context(), s.ID(), model.KindFFmpeg, 0), model.ErrInvalidContext)
	_, err = b.RegisterPipe()
	require.ErrorIs(t, err, model.ErrInvalidContext)
	_, err = b.WriteToPipe("in", p)
	require.ErrorIs(t, err, model.ErrInvalidContext)
	_, err = os.Stat(p)
	require.ErrorIs(t, err, os.ErrNotExist)

	// the registry stays readable
	got, err := b.Session(s.ID())
	require.NoError(t, err)
	require.Equal(t, model.StateCreated, got.State())
}

func TestArchive(t *testing.T) {
	t.Parallel()
	b, sink := newBridge(t, func(cfg *model.Config) {
		cfg.Archive.Enabled = true
		cfg.Archive.Path = filepath.Join(t.TempDir(), "sessions.db")
	})

	s, err := b.NewSession(model.KindFFmpeg, []string{"-i", "in.mp4"})
	require.NoError(t, err)
	h, err := b.Execute(s.ID(), model.KindFFmpeg, 0)
	require.NoError(t, err)
	_, err = h.Wait(t.Context())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sink.completed(s.ID()) != nil
	}, 5*time.Second, 10*time.Millisecond)

	rows, err := b.History(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, b.ID(), rows[0].Bridge)
	require.Equal(t, s.ID(), rows[0].SessionID)
	require.Equal(t, "-i in.mp4", rows[0].Command)
}

func TestExecuteOwnedSession(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, func(cfg *model.Config) {
		cfg.Engine.FFmpeg = script(t, t.TempDir(), "ffmpeg", sleepyFFmpeg)
	})

	s, err := b.NewSession(model.KindFFmpeg, []string{"-i", "in.mp4"})
	require.NoError(t, err)
	require.NoError(t, b.AsyncExecute(t.Context(), s.ID(), model.KindFFmpeg, -1))
	require.Eventually(t, func() bool {
		return s.State() == model.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err = b.Execute(s.ID(), model.KindFFmpeg, -1)
	require.ErrorIs(t, err, model.ErrInvalidSessionState)
	require.Equal(t, model.CodeInvalidSessionState, model.CodeOf(err))
	err = b.AsyncExecute(t.Context(), s.ID(), model.KindFFmpeg, -1)
	require.ErrorIs(t, err, model.ErrInvalidSessionState)

	require.NoError(t, b.Cancel(s.ID()))
	require.Eventually(t, func() bool {
		return s.State().Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	_, err = b.Execute(s.ID(), model.KindFFmpeg, -1)
	require.ErrorIs(t, err, model.ErrInvalidSessionState)
}

func TestCancelExecutingSession(t *testing.T) {
	t.Parallel()
	b, sink := newBridge(t, func(cfg *model.Config) {
		cfg.Engine.FFmpeg = script(t, t.TempDir(), "ffmpeg", sleepyFFmpeg)
	})

	s, err := b.NewSession(model.KindFFmpeg, []string{"-i", "in.mp4"})
	require.NoError(t, err)
	h, err := b.Execute(s.ID(), model.KindFFmpeg, -1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.State() == model.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Cancel(s.ID()))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	got, err := b.Session(s.ID())
	require.NoError(t, err)
	require.Same(t, s, got)
	require.Equal(t, model.StateCompleted, got.State())
	rc, ok := got.ReturnCode()
	require.True(t, ok)
	require.Equal(t, model.ReturnCodeCancel, rc)
	require.Eventually(t, func() bool {
		return sink.completed(s.ID()) != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHistorySizeLimit(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, nil)
	require.ErrorIs(t, b.SetHistorySize(1000), model.ErrInvalidSize)
	require.NoError(t, b.SetHistorySize(999))
	require.Equal(t, 999, b.HistorySize())
}
