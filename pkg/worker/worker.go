// SPDX-License-Identifier: Apache-2.0

// Package worker implements the worker server: it connects outbound to the
// registry, registers itself, and serves inbound requests by dispatching
// them onto a user-supplied handler object.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/alphaomega-io/pipemesh/pkg/conn"
	"github.com/alphaomega-io/pipemesh/pkg/dispatch"
	"github.com/alphaomega-io/pipemesh/pkg/transport"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

var (
	OptionsErr  = errors.New("invalid options")
	CreateErr   = errors.New("unable to create worker")
	StartedErr  = errors.New("worker already started")
	ConnectErr  = errors.New("unable to connect to registry")
	RegisterErr = errors.New("unable to register with registry")
)

const (
	// ConnectTimeout bounds the dial to the registry.
	ConnectTimeout = 5 * time.Second

	// StopGrace bounds how long Stop waits for the listen loop to exit.
	StopGrace = 2 * time.Second
)

type Server struct {
	options  *Options
	pipeName string
	dialer   conn.Dialer
	handler  *dispatch.Handler
	logger   logging.Logger

	ctx      context.Context
	cancelF  context.CancelFunc
	conn     *conn.Conn
	started  atomic.Bool
	lostOnce sync.Once
	wg       sync.WaitGroup
}

func New(options *Options) (*Server, error) {
	if !validOptions(options) {
		return nil, OptionsErr
	}
	logger := options.Logger.SubLogger("worker")
	dialer := options.Dialer
	if dialer == nil {
		registryPipeName := options.RegistryPipeName
		if registryPipeName == "" {
			registryPipeName = transport.DefaultRegistryPipeName
		}
		factory, err := transport.NewFactory(registryPipeName, options.Logger)
		if err != nil {
			return nil, errors.Join(CreateErr, err)
		}
		dialer = factory
	}
	pipeName := options.PipeName
	if pipeName == "" {
		pipeName = transport.WorkerPipeName(options.WorkerID)
	}
	var handler *dispatch.Handler
	if options.Handler != nil {
		var err error
		handler, err = dispatch.NewHandler(options.Handler, options.Logger)
		if err != nil {
			return nil, errors.Join(CreateErr, err)
		}
	}
	return &Server{
		options:  options,
		pipeName: pipeName,
		dialer:   dialer,
		handler:  handler,
		logger:   logger,
	}, nil
}

// Start dials the registry (failing fast after ConnectTimeout), sends the
// RegisterWorker frame, and serves requests in the background. Started
// reports true once the registration frame is on the wire.
func (s *Server) Start(ctx context.Context) error {
	if s.started.Load() {
		return StartedErr
	}
	s.ctx, s.cancelF = context.WithCancel(ctx)
	raw, err := s.dialer.Dial(s.ctx, ConnectTimeout)
	if err != nil {
		s.cancelF()
		return errors.Join(ConnectErr, err)
	}
	s.conn = conn.New(raw, s.options.Logger)

	register, err := wire.New(wire.TypeRegisterWorker, wire.RegisterWorkerRequest{
		WorkerId: s.options.WorkerID,
		PipeName: s.pipeName,
	})
	if err != nil {
		_ = s.conn.Close()
		s.cancelF()
		return errors.Join(RegisterErr, err)
	}
	if err = s.conn.Send(register); err != nil {
		_ = s.conn.Close()
		s.cancelF()
		return errors.Join(RegisterErr, err)
	}
	s.started.Store(true)
	s.logger.Info().Str("worker", s.options.WorkerID).Msg("registered with registry")

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Started reports whether the worker has completed registration.
func (s *Server) Started() bool {
	return s.started.Load()
}

// Stop cancels the listen loop, closes the connection, and waits up to
// StopGrace for the loop to exit. Idempotent; ConnectionLost still fires
// exactly once.
func (s *Server) Stop() error {
	if !s.started.Load() {
		return nil
	}
	s.cancelF()
	_ = s.conn.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(StopGrace):
		s.logger.Warn().Msg("stop grace elapsed before listen loop exited")
	}
	s.connectionLost()
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	err := s.conn.Listen(s.ctx, s.dispatch)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("listen loop exited")
	}
	_ = s.conn.Close()
	s.connectionLost()
}

func (s *Server) connectionLost() {
	s.lostOnce.Do(func() {
		s.logger.Info().Str("worker", s.options.WorkerID).Msg("connection to registry lost")
		if s.options.ConnectionLost != nil {
			s.options.ConnectionLost()
		}
	})
}

// dispatch serves one inbound request: the RequestReceived hook may supply
// the reply; otherwise the reflective engine runs against the handler
// object.
func (s *Server) dispatch(msg *wire.Message) *wire.Message {
	if s.options.RequestReceived != nil {
		if reply := s.options.RequestReceived(msg); reply != nil {
			return reply
		}
	}
	if s.handler == nil {
		s.logger.Warn().Str("type", msg.Type).Msg("no handler for request")
		reply, err := wire.CopyFor(msg, wire.TypeError, wire.ErrorResponse{Message: "method not found: " + msg.Type})
		if err != nil {
			return nil
		}
		return reply
	}
	return s.handler.Dispatch(s.ctx, msg)
}
