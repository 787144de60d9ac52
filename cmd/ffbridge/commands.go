package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/bridge"
	"github.com/CZERTAINLY/ffbridge/internal/events"
	"github.com/CZERTAINLY/ffbridge/internal/host"
	"github.com/CZERTAINLY/ffbridge/internal/log"
	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/CZERTAINLY/ffbridge/internal/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const uninitTimeout = 10 * time.Second

// exitCode makes the process exit with the return code of a session.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

func cmdContext(cmd *cobra.Command) context.Context {
	return log.ContextAttrs(cmd.Context(), slog.Group("ffbridge",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	))
}

// newBridge builds and starts a bridge with the sink returned by subscribe.
// The returned func tears it down.
func newBridge(ctx context.Context, subscribe func(*bridge.Bridge) events.Sink) (*bridge.Bridge, func(), error) {
	b, err := bridge.New(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	b.Subscribe(subscribe(b))
	b.Start(ctx)
	return b, func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uninitTimeout)
		defer cancel()
		if err := b.Uninit(uctx); err != nil {
			slog.ErrorContext(ctx, "uninitializing bridge failed", "error", err)
		}
	}, nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	codec, err := host.CodecFor(config.Service.Codec)
	if err != nil {
		return err
	}

	var sinks []events.Sink
	if config.Events.AMQP.Enabled {
		amqpSink, err := host.DialAMQP(config.Events.AMQP)
		if err != nil {
			return err
		}
		defer func() {
			if err := amqpSink.Close(); err != nil {
				slog.WarnContext(ctx, "closing amqp connection failed", "error", err)
			}
		}()
		sinks = append(sinks, amqpSink)
	}

	var srv *host.Server
	_, uninit, err := newBridge(ctx, func(b *bridge.Bridge) events.Sink {
		srv = host.NewServer(b, codec)
		return events.Sinks(append([]events.Sink{srv}, sinks...)...)
	})
	if err != nil {
		return err
	}
	defer uninit()

	if config.Service.Listen != nil {
		return srv.ListenAndServe(ctx, config.Service.Listen.String())
	}
	// unblock the read loop on a signal
	stop := context.AfterFunc(ctx, func() { _ = os.Stdin.Close() })
	defer stop()
	slog.DebugContext(ctx, "serving stdin", "codec", codec.Name())
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

// printer writes forwarded logs of the exec command to stderr.
func printer(_ context.Context, e events.Event) error {
	if e.Kind == events.KindLog && e.Log != nil {
		_, err := fmt.Fprint(os.Stderr, e.Log.Message)
		return err
	}
	return nil
}

func doExec(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	b, uninit, err := newBridge(ctx, func(*bridge.Bridge) events.Sink { return events.SinkFunc(printer) })
	if err != nil {
		return err
	}
	defer uninit()
	b.EnableLogs()

	s, err := b.NewSession(model.KindFFmpeg, args)
	if err != nil {
		return err
	}
	h, err := b.Execute(s.ID(), model.KindFFmpeg, -1)
	if err != nil {
		return err
	}
	if _, err := h.Wait(ctx); err != nil {
		_ = b.Cancel(s.ID())
		return err
	}
	// the last logs may still be in transmit
	_, _ = b.AllLogs(ctx, s.ID(), -1)

	if trace := s.FailStackTrace(); trace != "" {
		return fmt.Errorf("ffmpeg failed: %s", trace)
	}
	if rc, _ := s.ReturnCode(); rc != model.ReturnCodeSuccess {
		return exitCode(rc)
	}
	return nil
}

func doProbe(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	b, uninit, err := newBridge(ctx, func(*bridge.Bridge) events.Sink {
		return events.SinkFunc(func(context.Context, events.Event) error { return nil })
	})
	if err != nil {
		return err
	}
	defer uninit()

	s, err := b.NewSession(model.KindMediaInformation, []string{
		"-print_format", "json", "-show_format", "-show_streams", "-show_chapters", "-i", args[0],
	})
	if err != nil {
		return err
	}
	h, err := b.Execute(s.ID(), model.KindMediaInformation, -1)
	if err != nil {
		return err
	}
	if _, err := h.Wait(ctx); err != nil {
		return err
	}

	info := s.MediaInformation()
	if info == nil {
		logs, _ := b.AllLogsAsString(ctx, s.ID(), -1)
		return fmt.Errorf("probing %s failed: %s", args[0], strings.TrimSpace(logs))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info.Properties)
}

type historyEntry struct {
	UUID       string    `yaml:"uuid"`
	Bridge     string    `yaml:"bridge"`
	Session    int64     `yaml:"session"`
	Kind       string    `yaml:"kind"`
	State      string    `yaml:"state"`
	ReturnCode *int      `yaml:"return_code,omitempty"`
	Failure    *string   `yaml:"fail_stack_trace,omitempty"`
	Command    string    `yaml:"command"`
	Start      time.Time `yaml:"start"`
	End        time.Time `yaml:"end"`
}

func toHistoryEntry(r store.RecordRow) historyEntry {
	return historyEntry{
		UUID:       r.UUID,
		Bridge:     r.Bridge,
		Session:    r.SessionID,
		Kind:       r.Kind.String(),
		State:      r.State.String(),
		ReturnCode: r.ReturnCode,
		Failure:    r.FailStackTrace,
		Command:    r.Command,
		Start:      r.StartTime,
		End:        r.EndTime,
	}
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	if !config.Archive.Enabled {
		return fmt.Errorf("session archive is disabled, set archive.enabled in %s", configPath)
	}
	b, err := bridge.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Uninit(context.WithoutCancel(ctx))
	}()

	rows, err := b.History(ctx, flagHistoryLimit)
	if err != nil {
		return err
	}
	entries := make([]historyEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, toHistoryEntry(r))
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer func() {
		_ = enc.Close()
	}()
	return enc.Encode(entries)
}
