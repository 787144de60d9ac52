package host

import (
	"context"

	"github.com/CZERTAINLY/ffbridge/internal/bridge"
	"github.com/CZERTAINLY/ffbridge/internal/model"
)

func (s *Server) routes() map[string]handler {
	b := s.bridge
	return map[string]handler{
		// sessions
		"ffmpegSession":           newSession(b, model.KindFFmpeg),
		"ffprobeSession":          newSession(b, model.KindFFprobe),
		"mediaInformationSession": newSession(b, model.KindMediaInformation),

		"ffmpegSessionExecute":           execute(b, model.KindFFmpeg),
		"ffprobeSessionExecute":          execute(b, model.KindFFprobe),
		"mediaInformationSessionExecute": execute(b, model.KindMediaInformation),

		"asyncFFmpegSessionExecute":           asyncExecute(b, model.KindFFmpeg),
		"asyncFFprobeSessionExecute":          asyncExecute(b, model.KindFFprobe),
		"asyncMediaInformationSessionExecute": asyncExecute(b, model.KindMediaInformation),

		"getSession": func(_ context.Context, a Args) (any, error) {
			sess, err := session(b, a)
			if err != nil {
				return nil, err
			}
			return sessionMap(sess), nil
		},
		"getLastSession": func(context.Context, Args) (any, error) {
			return nilable(b.LastSession()), nil
		},
		"getLastCompletedSession": func(context.Context, Args) (any, error) {
			return nilable(b.LastCompletedSession()), nil
		},
		"getSessions": func(context.Context, Args) (any, error) {
			return sessionList(b.Sessions()), nil
		},
		"getSessionsByState": func(_ context.Context, a Args) (any, error) {
			if a.State == nil {
				return nil, model.ErrInvalidSessionState
			}
			list, err := b.SessionsByState(*a.State)
			if err != nil {
				return nil, err
			}
			return sessionList(list), nil
		},
		"getFFmpegSessions":           sessionsOf(b, model.KindFFmpeg),
		"getFFprobeSessions":          sessionsOf(b, model.KindFFprobe),
		"getMediaInformationSessions": sessionsOf(b, model.KindMediaInformation),
		"clearSessions": func(context.Context, Args) (any, error) {
			b.ClearSessions()
			return nil, nil
		},

		// session accessors
		"abstractSessionGetEndTime": withSession(b, func(sess *model.Session) (any, error) {
			end := sess.EndTime()
			if end.IsZero() {
				return nil, nil
			}
			return end.UnixMilli(), nil
		}),
		"abstractSessionGetDuration": withSession(b, func(sess *model.Session) (any, error) {
			return sess.Duration().Milliseconds(), nil
		}),
		"abstractSessionGetAllLogs": func(ctx context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			logs, err := b.AllLogs(ctx, id, a.waitTimeout())
			if err != nil {
				return nil, err
			}
			return logList(logs), nil
		},
		"abstractSessionGetLogs": withSession(b, func(sess *model.Session) (any, error) {
			return logList(sess.Logs()), nil
		}),
		"abstractSessionGetAllLogsAsString": func(ctx context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			return b.AllLogsAsString(ctx, id, a.waitTimeout())
		},
		"abstractSessionGetState": withSession(b, func(sess *model.Session) (any, error) {
			return int(sess.State()), nil
		}),
		"abstractSessionGetReturnCode": withSession(b, func(sess *model.Session) (any, error) {
			if rc, ok := sess.ReturnCode(); ok {
				return rc, nil
			}
			return nil, nil
		}),
		"abstractSessionGetFailStackTrace": withSession(b, func(sess *model.Session) (any, error) {
			if trace := sess.FailStackTrace(); trace != "" {
				return trace, nil
			}
			return nil, nil
		}),
		"thereAreAsynchronousMessagesInTransmit": func(_ context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			return b.ThereAreMessagesInTransmit(id)
		},
		"ffmpegSessionGetAllStatistics": func(ctx context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			stats, err := b.AllStatistics(ctx, id, a.waitTimeout())
			if err != nil {
				return nil, err
			}
			return statisticsList(stats), nil
		},
		"ffmpegSessionGetStatistics": func(_ context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			stats, err := b.Statistics(id)
			if err != nil {
				return nil, err
			}
			return statisticsList(stats), nil
		},
		"getMediaInformation": func(_ context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			info, err := b.MediaInformation(id)
			if err != nil || info == nil {
				return nil, err
			}
			return plain(info.Properties), nil
		},

		// history
		"getSessionHistorySize": func(context.Context, Args) (any, error) {
			return b.HistorySize(), nil
		},
		"setSessionHistorySize": func(_ context.Context, a Args) (any, error) {
			if a.SessionHistorySize == nil {
				return nil, model.ErrInvalidSize
			}
			return nil, b.SetHistorySize(*a.SessionHistorySize)
		},

		// redirection
		"enableLogs":         run(b.EnableLogs),
		"disableLogs":        run(b.DisableLogs),
		"enableStatistics":   run(b.EnableStatistics),
		"disableStatistics":  run(b.DisableStatistics),
		"enableRedirection":  run(b.EnableRedirection),
		"disableRedirection": run(b.DisableRedirection),

		// settings
		"getLogLevel": func(context.Context, Args) (any, error) {
			return int(b.LogLevel()), nil
		},
		"setLogLevel": func(_ context.Context, a Args) (any, error) {
			if a.Level == nil {
				return nil, model.ErrInvalidLevel
			}
			return nil, b.SetLogLevel(*a.Level)
		},
		"cancel": run(b.CancelAll),
		"cancelSession": func(_ context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			return nil, b.Cancel(id)
		},
		"ignoreSignal": func(_ context.Context, a Args) (any, error) {
			if a.Signal == nil {
				return nil, model.ErrInvalidSignal
			}
			return nil, b.IgnoreSignal(*a.Signal)
		},
		"setEnvironmentVariable": func(_ context.Context, a Args) (any, error) {
			switch {
			case a.VariableName == nil:
				return nil, model.ErrInvalidName
			case a.VariableValue == nil:
				return nil, model.ErrInvalidValue
			}
			return nil, b.SetEnv(*a.VariableName, *a.VariableValue)
		},

		// pipes
		"registerNewFFmpegPipe": func(context.Context, Args) (any, error) {
			return b.RegisterPipe()
		},
		"closeFFmpegPipe": func(_ context.Context, a Args) (any, error) {
			if a.FFmpegPipePath == nil {
				return nil, model.ErrInvalidPipePath
			}
			return nil, b.ClosePipe(*a.FFmpegPipePath)
		},
		"writeToPipe": func(_ context.Context, a Args) (any, error) {
			switch {
			case a.Pipe == nil:
				return nil, model.ErrInvalidPipe
			case a.Input == nil:
				return nil, model.ErrInvalidInput
			}
			h, err := b.WriteToPipe(*a.Input, *a.Pipe)
			if err != nil {
				return nil, err
			}
			return deferred(func(ctx context.Context) (any, error) {
				return h.Wait(ctx)
			}), nil
		},

		// parsing
		"mediaInformationJsonParserFrom": func(_ context.Context, a Args) (any, error) {
			info, err := parseMediaInformation(a)
			if err != nil {
				return nil, nil
			}
			return plain(info.Properties), nil
		},
		"mediaInformationJsonParserFromWithError": func(_ context.Context, a Args) (any, error) {
			info, err := parseMediaInformation(a)
			if err != nil {
				return nil, err
			}
			return plain(info.Properties), nil
		},

		// platform
		"getPlatform": func(context.Context, Args) (any, error) {
			return bridge.Platform, nil
		},
		"getArch": func(context.Context, Args) (any, error) {
			return b.Arch(), nil
		},
		"getFFmpegVersion": func(ctx context.Context, _ Args) (any, error) {
			return b.FFmpegVersion(ctx)
		},
		"messagesInTransmit": func(_ context.Context, a Args) (any, error) {
			id, err := a.sessionID()
			if err != nil {
				return nil, err
			}
			return b.MessagesInTransmit(id), nil
		},
		"selectDocument":  unsupported,
		"getSafParameter": unsupported,
	}
}

func (a Args) sessionID() (int64, error) {
	if a.SessionID == nil {
		return 0, model.ErrInvalidSession
	}
	return *a.SessionID, nil
}

func session(b *bridge.Bridge, a Args) (*model.Session, error) {
	id, err := a.sessionID()
	if err != nil {
		return nil, err
	}
	return b.Session(id)
}

// nilable keeps a missing session a nil result instead of a typed nil map.
func nilable(s *model.Session) any {
	if s == nil {
		return nil
	}
	return sessionMap(s)
}

func newSession(b *bridge.Bridge, kind model.Kind) handler {
	return func(_ context.Context, a Args) (any, error) {
		s, err := b.NewSession(kind, a.Arguments)
		if err != nil {
			return nil, err
		}
		return sessionMap(s), nil
	}
}

func execute(b *bridge.Bridge, kind model.Kind) handler {
	return func(_ context.Context, a Args) (any, error) {
		id, err := a.sessionID()
		if err != nil {
			return nil, err
		}
		h, err := b.Execute(id, kind, a.waitTimeout())
		if err != nil {
			return nil, err
		}
		// the response follows every event of the session
		return deferred(func(ctx context.Context) (any, error) {
			if _, err := h.Wait(ctx); err != nil {
				return nil, err
			}
			b.WaitForDrain(ctx, id, a.waitTimeout())
			return nil, nil
		}), nil
	}
}

func asyncExecute(b *bridge.Bridge, kind model.Kind) handler {
	return func(ctx context.Context, a Args) (any, error) {
		id, err := a.sessionID()
		if err != nil {
			return nil, err
		}
		return nil, b.AsyncExecute(ctx, id, kind, a.waitTimeout())
	}
}

func sessionsOf(b *bridge.Bridge, kind model.Kind) handler {
	return func(context.Context, Args) (any, error) {
		return sessionList(b.SessionsByKind(kind)), nil
	}
}

func withSession(b *bridge.Bridge, fn func(*model.Session) (any, error)) handler {
	return func(_ context.Context, a Args) (any, error) {
		s, err := session(b, a)
		if err != nil {
			return nil, err
		}
		return fn(s)
	}
}

func run(fn func()) handler {
	return func(context.Context, Args) (any, error) {
		fn()
		return nil, nil
	}
}

func parseMediaInformation(a Args) (*model.MediaInformation, error) {
	if a.FFprobeJSONOutput == nil {
		return nil, model.Errorf(model.ErrParseFailed, "missing ffprobeJsonOutput")
	}
	return model.ParseMediaInformation([]byte(*a.FFprobeJSONOutput))
}

// unsupported answers the document provider methods, which need a platform
// document picker.
func unsupported(context.Context, Args) (any, error) {
	return nil, model.Errorf(model.ErrSelectFailed, "not supported on %s", bridge.Platform)
}
