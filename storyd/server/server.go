package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Oudwins/storyd/internals/timeouts"
	"github.com/Oudwins/storyd/storyd/core"
)

type Server struct {
	Base       *core.BaseServer
	Logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
	mu         sync.Mutex
}

func New(base *core.BaseServer) *Server {
	return &Server{
		Base:   base,
		Logger: base.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are CLIs and apps, not browsers on other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves HTTP on listener and drains the work queue until ctx is done,
// then shuts both down.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: timeouts.SecondDefault,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.Logger.Info("Listening", slog.String("addr", listener.Addr().String()))
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return s.Base.NewConsumer().Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return s.Shutdown()
	})
	return group.Wait()
}

// Start listens on the configured address and runs until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Base.Env.LISTEN_ADDR)
	if err != nil {
		return err
	}
	return s.Run(ctx, listener)
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return errors.New("server not initialized")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.ShutdownGrace)
	defer cancel()
	s.Logger.Info("Shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error("shutdown failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
