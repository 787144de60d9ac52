package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/log"
	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/CZERTAINLY/ffbridge/internal/promise"
)

// Runner executes a session until it is terminal. Execution failures are
// recorded on the session, never returned.
type Runner interface {
	ExecuteFFmpeg(ctx context.Context, s *model.Session)
	ExecuteFFprobe(ctx context.Context, s *model.Session)
	ExecuteMediaInformation(ctx context.Context, s *model.Session, waitTimeout time.Duration)
}

// Feeder copies src into a named pipe and returns the exit code of the copy.
type Feeder interface {
	WriteToPipe(ctx context.Context, src, pipe string) (int, error)
}

// SubmitSession queues the execution task matching the session kind. The
// handle is fulfilled once the session is terminal; its result code is read
// from the session itself. A run that left the session non terminal, because
// another run owns it, rejects the handle.
func (p *Pool) SubmitSession(r Runner, s *model.Session, waitTimeout time.Duration) (*promise.Handle[struct{}], error) {
	var run func(ctx context.Context)
	switch s.Kind() {
	case model.KindFFmpeg:
		run = func(ctx context.Context) { r.ExecuteFFmpeg(ctx, s) }
	case model.KindFFprobe:
		run = func(ctx context.Context) { r.ExecuteFFprobe(ctx, s) }
	case model.KindMediaInformation:
		run = func(ctx context.Context) { r.ExecuteMediaInformation(ctx, s, waitTimeout) }
	default:
		return nil, model.Errorf(model.ErrInvalidSession, "unknown kind %s", s.Kind())
	}

	name := fmt.Sprintf("%s-session-%d", s.Kind(), s.ID())
	return Submit(p, name, func(ctx context.Context) (struct{}, error) {
		run(log.SessionAttrs(ctx, s.ID(), s.Kind().String()))
		if st := s.State(); !st.Terminal() {
			return struct{}{}, model.Errorf(model.ErrInvalidSessionState, "session %d is %s after execution", s.ID(), st)
		}
		return struct{}{}, nil
	})
}

// SubmitWriteToPipe queues a copy of src into pipe. A non zero exit code
// fulfills the handle; only a copy that could not run rejects it.
func (p *Pool) SubmitWriteToPipe(f Feeder, src, pipe string) (*promise.Handle[int], error) {
	return Submit(p, "write-to-pipe", func(ctx context.Context) (int, error) {
		rc, err := f.WriteToPipe(ctx, src, pipe)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", model.ErrWriteToPipeFailed, err)
		}
		return rc, nil
	})
}
