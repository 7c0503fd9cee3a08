// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alphaomega-io/pipemesh/internal/loopback"
	"github.com/alphaomega-io/pipemesh/pkg/conn"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

type echoService struct {
	worked atomic.Bool
}

func (s *echoService) Add(a int, b int) int {
	return a + b
}

func (s *echoService) DoWork(_ string) {
	s.worked.Store(true)
}

type registrySide struct {
	conn     *conn.Conn
	register wire.RegisterWorkerRequest
}

// acceptRegistrySide plays the registry end of the handshake in the
// background: the worker's Start blocks on the registration frame until the
// fake registry reads it. Call before Start; receive from the returned
// channel after.
func acceptRegistrySide(t *testing.T, factory *loopback.Factory) <-chan *registrySide {
	sides := make(chan *registrySide, 1)
	go func() {
		raw, err := factory.Accept(context.Background())
		if err != nil {
			return
		}
		c := conn.New(raw, logging.Test(t, logging.Zerolog, t.Name()))
		t.Cleanup(func() { _ = c.Close() })

		first, err := c.Receive()
		if err != nil || first.Type != wire.TypeRegisterWorker {
			_ = c.Close()
			return
		}
		register, err := wire.DecodePayload[wire.RegisterWorkerRequest](first)
		if err != nil {
			_ = c.Close()
			return
		}
		sides <- &registrySide{conn: c, register: register}
	}()
	return sides
}

func waitRegistrySide(t *testing.T, sides <-chan *registrySide) *registrySide {
	select {
	case side := <-sides:
		return side
	case <-time.After(5 * time.Second):
		t.Fatal("registration handshake did not complete")
		return nil
	}
}

func TestStartRegisters(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	factory := loopback.New()
	lost := make(chan struct{}, 1)
	s, err := New(&Options{
		WorkerID: "w1",
		Dialer:   factory,
		Handler:  &echoService{},
		Logger:   logging.Test(t, logging.Zerolog, t.Name()),
		ConnectionLost: func() {
			lost <- struct{}{}
		},
	})
	require.NoError(t, err)
	assert.False(t, s.Started())

	sides := acceptRegistrySide(t, factory)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Started())

	side := waitRegistrySide(t, sides)
	assert.Equal(t, "w1", side.register.WorkerId)
	assert.Equal(t, "AlphaOmega.NamedPipes.Worker.w1", side.register.PipeName)

	// A dispatched request round-trips through the handler object.
	req, err := wire.NewArgs("Add", 2, 3)
	require.NoError(t, err)
	require.NoError(t, side.conn.Send(req))
	reply, err := side.conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, reply.MessageID)
	value, err := wire.DecodePayload[int](reply)
	require.NoError(t, err)
	assert.Equal(t, 5, value)

	require.NoError(t, s.Stop())
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectionLost did not fire")
	}
	// Exactly once, even though Stop is idempotent.
	require.NoError(t, s.Stop())
	select {
	case <-lost:
		t.Fatal("ConnectionLost fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVoidMethodWritesNoReply(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	factory := loopback.New()
	service := &echoService{}
	s, err := New(&Options{
		WorkerID: "w1",
		Dialer:   factory,
		Handler:  service,
		Logger:   logging.Test(t, logging.Zerolog, t.Name()),
	})
	require.NoError(t, err)
	sides := acceptRegistrySide(t, factory)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	side := waitRegistrySide(t, sides)

	work, err := wire.NewArgs("DoWork", "x")
	require.NoError(t, err)
	require.NoError(t, side.conn.Send(work))

	// The next frame on the wire answers the follow-up request, not DoWork:
	// the void method produced no reply envelope.
	probe, err := wire.NewArgs("Add", 1, 1)
	require.NoError(t, err)
	require.NoError(t, side.conn.Send(probe))

	reply, err := side.conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, probe.MessageID, reply.MessageID)
	assert.True(t, service.worked.Load())
}

func TestRequestReceivedPreemptsDispatch(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	factory := loopback.New()
	s, err := New(&Options{
		WorkerID: "w1",
		Dialer:   factory,
		Handler:  &echoService{},
		Logger:   logging.Test(t, logging.Zerolog, t.Name()),
		RequestReceived: func(msg *wire.Message) *wire.Message {
			if msg.Type != "Add" {
				return nil
			}
			reply, _ := wire.CopyFor(msg, msg.Type, 99)
			return reply
		},
	})
	require.NoError(t, err)
	sides := acceptRegistrySide(t, factory)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	side := waitRegistrySide(t, sides)

	req, err := wire.NewArgs("Add", 2, 3)
	require.NoError(t, err)
	require.NoError(t, side.conn.Send(req))
	reply, err := side.conn.Receive()
	require.NoError(t, err)
	value, err := wire.DecodePayload[int](reply)
	require.NoError(t, err)
	assert.Equal(t, 99, value)
}

func TestConnectionLostOnRegistryClose(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	factory := loopback.New()
	lost := make(chan struct{}, 1)
	s, err := New(&Options{
		WorkerID: "w1",
		Dialer:   factory,
		Logger:   logging.Test(t, logging.Zerolog, t.Name()),
		ConnectionLost: func() {
			lost <- struct{}{}
		},
	})
	require.NoError(t, err)
	sides := acceptRegistrySide(t, factory)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	side := waitRegistrySide(t, sides)
	require.NoError(t, side.conn.Close())

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectionLost did not fire")
	}
}

func TestDialFailure(t *testing.T) {
	factory := loopback.New()
	require.NoError(t, factory.Close())

	s, err := New(&Options{
		WorkerID: "w1",
		Dialer:   factory,
		Logger:   logging.Test(t, logging.Zerolog, t.Name()),
	})
	require.NoError(t, err)
	err = s.Start(context.Background())
	require.ErrorIs(t, err, ConnectErr)
	assert.False(t, s.Started())
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, OptionsErr)

	_, err = New(&Options{Logger: logging.Test(t, logging.Zerolog, t.Name())})
	require.ErrorIs(t, err, OptionsErr)
}
