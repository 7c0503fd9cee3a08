// SPDX-License-Identifier: Apache-2.0

// Package registry implements the registry server: it accepts worker
// connections, tracks registered workers, routes unicast and broadcast
// requests to them, and correlates their responses.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/alphaomega-io/pipemesh/internal/cancel"
	"github.com/alphaomega-io/pipemesh/pkg/conn"
	"github.com/alphaomega-io/pipemesh/pkg/pending"
	"github.com/alphaomega-io/pipemesh/pkg/transport"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

var (
	OptionsErr        = errors.New("invalid options")
	CreateErr         = errors.New("unable to create registry")
	StartedErr        = errors.New("registry already started")
	NotStartedErr     = errors.New("registry not started")
	ProtocolErr       = errors.New("protocol violation")
	NotRegisteredErr  = errors.New("worker not registered")
	ConnectionGoneErr = errors.New("worker connection gone")
	TransportErr      = errors.New("transport failure")
)

// StopGrace bounds how long Stop waits for connection loops to exit.
const StopGrace = 5 * time.Second

type Server struct {
	options  *Options
	acceptor conn.Acceptor
	pending  *pending.Table
	workers  *workerSet
	logger   logging.Logger

	ctx     context.Context
	cancelF context.CancelFunc
	guard   *cancel.Cancel
	started atomic.Bool
	wg      sync.WaitGroup
}

func New(options *Options) (*Server, error) {
	if !validOptions(options) {
		return nil, OptionsErr
	}
	acceptor := options.Acceptor
	if acceptor == nil {
		pipeName := options.PipeName
		if pipeName == "" {
			pipeName = transport.DefaultRegistryPipeName
		}
		factory, err := transport.NewFactory(pipeName, options.Logger)
		if err != nil {
			return nil, errors.Join(CreateErr, err)
		}
		acceptor = factory
	}
	logger := options.Logger.SubLogger("registry")
	return &Server{
		options:  options,
		acceptor: acceptor,
		pending:  pending.NewTable(logger),
		workers:  newWorkerSet(),
		logger:   logger,
	}, nil
}

// Start runs the accept loop in the background. The acceptor is torn down
// when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return StartedErr
	}
	s.ctx, s.cancelF = context.WithCancel(ctx)
	s.guard = cancel.New(s.ctx, s.acceptor.Close)
	s.wg.Add(1)
	go s.accept()
	return nil
}

// Stop cancels every loop and in-flight wait, closes all connections, and
// waits up to StopGrace for the loops to exit. Idempotent.
func (s *Server) Stop() error {
	if !s.started.Load() {
		return NotStartedErr
	}
	s.cancelF()
	s.guard.CloseIgnoreError()
	_ = s.acceptor.Close()
	for _, c := range s.workers.snapshotConns() {
		_ = c.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(StopGrace):
		s.logger.Warn().Msg("stop grace elapsed before loops exited")
		return context.DeadlineExceeded
	}
}

// ConnectedWorkerIDs snapshots the ids of all registered workers.
func (s *Server) ConnectedWorkerIDs() []string {
	return s.workers.snapshotIDs()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		raw, err := s.acceptor.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("accept loop exiting")
			}
			return
		}
		c := conn.New(raw, s.logger)
		s.logger.Info().Str("conn", c.ID.String()).Msg("connection accepted")
		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

// handleConnection runs one connection through its lifecycle: the first
// frame must be RegisterWorker, then the connection serves traffic until its
// read loop exits, at which point the worker record (if any) is removed and
// WorkerDisconnected fires exactly once.
func (s *Server) handleConnection(c *conn.Conn) {
	defer s.wg.Done()
	s.workers.addConn(c)
	defer s.dropConn(c)

	first, err := c.Receive()
	if err != nil {
		s.logger.Warn().Str("conn", c.ID.String()).Err(err).Msg("connection lost before registration")
		return
	}
	if first.Type != wire.TypeRegisterWorker {
		s.logger.Error().Str("conn", c.ID.String()).Str("type", first.Type).Err(ProtocolErr).Msg("unexpected first frame")
		return
	}
	reg, err := wire.DecodePayload[wire.RegisterWorkerRequest](first)
	if err != nil || reg.WorkerId == "" {
		s.logger.Error().Str("conn", c.ID.String()).Err(errors.Join(ProtocolErr, err)).Msg("malformed registration")
		return
	}

	worker := Worker{
		ID:           reg.WorkerId,
		PipeName:     reg.PipeName,
		ConnectionID: c.ID,
	}
	if displaced, ok := s.workers.register(worker); ok {
		s.logger.Warn().Str("worker", displaced.ID).Str("conn", displaced.ConnectionID.String()).Msg("worker id displaced")
	}
	s.logger.Info().Str("worker", worker.ID).Str("conn", c.ID.String()).Msg("worker registered")
	if s.options.WorkerConnected != nil {
		s.options.WorkerConnected(worker.ID)
	}

	if err = c.Listen(s.ctx, s.onMessage); err != nil {
		s.logger.Warn().Str("worker", worker.ID).Err(err).Msg("connection loop exited")
	}
}

// dropConn removes the connection and, when a worker record is still bound
// to it, unregisters the worker and fires WorkerDisconnected. Safe to call
// from both the lifecycle defer and a failed send.
func (s *Server) dropConn(c *conn.Conn) {
	_ = c.Close()
	s.workers.removeConn(c.ID)
	s.pending.FailOwner(c.ID, TransportErr)
	if worker, ok := s.workers.unregisterConn(c.ID); ok {
		s.logger.Info().Str("worker", worker.ID).Msg("worker disconnected")
		if s.options.WorkerDisconnected != nil {
			s.options.WorkerDisconnected(worker.ID)
		}
	}
}

// onMessage demultiplexes one inbound frame: responses complete their
// pending entry; anything else is offered to the RequestReceived hook or
// dropped.
func (s *Server) onMessage(msg *wire.Message) *wire.Message {
	if s.pending.Complete(msg) {
		return nil
	}
	if s.options.RequestReceived != nil {
		return s.options.RequestReceived(msg)
	}
	s.logger.Warn().Str("type", msg.Type).Str("messageId", msg.MessageID.String()).Msg("dropping frame with no waiter")
	return nil
}

// SendToWorker routes req to the named worker and returns the future for
// its response. The pending entry is registered before the frame is written
// so a fast response always finds its waiter.
func (s *Server) SendToWorker(ctx context.Context, workerID string, req *wire.Message) (*pending.Future, error) {
	worker, ok := s.workers.lookup(workerID)
	if !ok {
		return nil, errors.Join(NotRegisteredErr, errors.New(workerID))
	}
	c, ok := s.workers.conn(worker.ConnectionID)
	if !ok {
		return nil, errors.Join(ConnectionGoneErr, errors.New(workerID))
	}
	future, err := s.pending.Wait(req, c.ID, s.options.Timeout)
	if err != nil {
		return nil, err
	}
	if err = c.Send(req); err != nil {
		err = errors.Join(TransportErr, err)
		s.pending.Fail(req, err)
		s.dropConn(c)
		return nil, err
	}
	return future, nil
}

// Broadcast fans req out to every currently registered worker, one relayed
// envelope per worker so each hop correlates independently. Aggregation of
// the returned futures is the caller's concern.
func (s *Server) Broadcast(ctx context.Context, req *wire.Message) []*pending.Future {
	ids := s.workers.snapshotIDs()
	futures := make([]*pending.Future, 0, len(ids))
	for _, id := range ids {
		future, err := s.SendToWorker(ctx, id, wire.Relay(req))
		if err != nil {
			s.logger.Warn().Str("worker", id).Err(err).Msg("broadcast send failed")
			continue
		}
		futures = append(futures, future)
	}
	return futures
}
