// Package host serves the bridge to a host process. Requests and responses
// are framed by a Codec over stdin/stdout or TCP connections, events are
// broadcast to every connected host as event frames.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/CZERTAINLY/ffbridge/internal/bridge"
	"github.com/CZERTAINLY/ffbridge/internal/events"
	"github.com/CZERTAINLY/ffbridge/internal/log"
	"github.com/CZERTAINLY/ffbridge/internal/model"
)

// handler answers a request. A deferred result is awaited off the read
// loop, so a long execution does not block other requests.
type handler func(ctx context.Context, a Args) (any, error)

type deferred func(ctx context.Context) (any, error)

type Server struct {
	bridge  *bridge.Bridge
	codec   Codec
	methods map[string]handler

	connsMx sync.Mutex
	conns   map[*conn]struct{}
}

func NewServer(b *bridge.Bridge, codec Codec) *Server {
	s := &Server{
		bridge: b,
		codec:  codec,
		conns:  make(map[*conn]struct{}),
	}
	s.methods = s.routes()
	return s
}

type conn struct {
	mx  sync.Mutex
	enc Encoder
}

func (c *conn) write(f Frame) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.enc.Encode(f)
}

// Serve reads requests from r until EOF and writes responses and events to
// w. It returns after every deferred response of this stream was written
// or ctx is done.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	c := &conn{enc: s.codec.NewEncoder(w)}
	s.connsMx.Lock()
	s.conns[c] = struct{}{}
	s.connsMx.Unlock()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		s.connsMx.Lock()
		delete(s.conns, c)
		s.connsMx.Unlock()
	}()

	dec := s.codec.NewDecoder(r)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("decoding request: %w", err)
		}
		s.handle(ctx, &wg, c, req)
	}
}

func (s *Server) handle(ctx context.Context, wg *sync.WaitGroup, c *conn, req Request) {
	ctx = log.ContextAttrs(ctx,
		slog.Uint64("request_id", req.ID),
		slog.String("method", req.Method),
	)
	slog.DebugContext(ctx, "request received")

	h, ok := s.methods[req.Method]
	if !ok {
		s.reply(ctx, c, req.ID, nil, model.Errorf(model.ErrNotImplemented, "%s", req.Method))
		return
	}
	res, err := h(ctx, req.Args)
	if d, ok := res.(deferred); ok && err == nil {
		wg.Go(func() {
			v, err := d(ctx)
			s.reply(ctx, c, req.ID, v, err)
		})
		return
	}
	s.reply(ctx, c, req.ID, res, err)
}

func (s *Server) reply(ctx context.Context, c *conn, id uint64, result any, err error) {
	f := Frame{ID: id, Result: result}
	if err != nil {
		slog.DebugContext(ctx, "request failed", "error", err)
		f = Frame{ID: id, Error: failure(err)}
	}
	if werr := c.write(f); werr != nil {
		slog.WarnContext(ctx, "writing response failed", "error", werr)
	}
}

// Send broadcasts an event frame to every connected host.
func (s *Server) Send(_ context.Context, e events.Event) error {
	body, ok := eventMap(e)
	if !ok {
		return nil
	}
	s.connsMx.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMx.Unlock()
	if len(conns) == 0 {
		return events.ErrNoSubscriber
	}

	var errs []error
	for _, c := range conns {
		if err := c.write(Frame{Event: body}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListenAndServe accepts host connections on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves every connection accepted on ln and closes ln when
// ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	slog.InfoContext(ctx, "listening", "addr", ln.Addr().String(), "codec", s.codec.Name())
	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Go(func() {
			cctx := log.ContextAttrs(ctx, slog.String("remote", nc.RemoteAddr().String()))
			closeConn := context.AfterFunc(cctx, func() { _ = nc.Close() })
			defer func() {
				closeConn()
				_ = nc.Close()
			}()
			slog.DebugContext(cctx, "host connected")
			if err := s.Serve(cctx, nc, nc); err != nil {
				slog.WarnContext(cctx, "host connection failed", "error", err)
			}
		})
	}
}
