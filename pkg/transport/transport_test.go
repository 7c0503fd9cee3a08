// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alphaomega-io/pipemesh/pkg/frame"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

func testPipeName() string {
	return fmt.Sprintf("pipemesh.test.%s", uuid.NewString())
}

func TestWorkerPipeName(t *testing.T) {
	assert.Equal(t, "AlphaOmega.NamedPipes.Worker.w1", WorkerPipeName("w1"))
}

func TestSocketPath(t *testing.T) {
	path := SocketPath("AlphaOmega.NamedPipes.Registry")
	assert.Contains(t, path, "AlphaOmega.NamedPipes.Registry.sock")
}

func TestAcceptDialRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.Test(t, logging.Zerolog, t.Name())
	factory, err := NewFactory(testPipeName(), logger)
	require.NoError(t, err)
	defer func() { require.NoError(t, factory.Close()) }()

	accepted := make(chan io.ReadWriteCloser, 1)
	go func() {
		server, acceptErr := factory.Accept(context.Background())
		if acceptErr == nil {
			accepted <- server
		}
	}()

	// Accept binds the socket lazily, so the first dial may race it.
	var client io.ReadWriteCloser
	require.Eventually(t, func() bool {
		client, err = factory.Dial(context.Background(), time.Second)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer func() { _ = client.Close() }()

	var server io.ReadWriteCloser
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not complete")
	}
	defer func() { _ = server.Close() }()

	sent, err := wire.New("Ping", "hello")
	require.NoError(t, err)
	require.NoError(t, frame.Write(client, sent))

	received, err := frame.Read(server)
	require.NoError(t, err)
	assert.Equal(t, sent.MessageID, received.MessageID)
	value, err := wire.DecodePayload[string](received)
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestCloseUnblocksAccept(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.Test(t, logging.Zerolog, t.Name())
	factory, err := NewFactory(testPipeName(), logger)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, acceptErr := factory.Accept(context.Background())
		errs <- acceptErr
	}()

	// Let the accept loop bind and block.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, factory.Close())

	select {
	case acceptErr := <-errs:
		require.ErrorIs(t, acceptErr, ClosedErr)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not unblock")
	}
}

func TestAcceptHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.Test(t, logging.Zerolog, t.Name())
	factory, err := NewFactory(testPipeName(), logger)
	require.NoError(t, err)
	defer func() { require.NoError(t, factory.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = factory.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialWithoutListener(t *testing.T) {
	logger := logging.Test(t, logging.Zerolog, t.Name())
	factory, err := NewFactory(testPipeName(), logger)
	require.NoError(t, err)

	_, err = factory.Dial(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, DialErr)
}

func TestInvalidFactoryOptions(t *testing.T) {
	_, err := NewFactory("", logging.Test(t, logging.Zerolog, t.Name()))
	require.ErrorIs(t, err, OptionsErr)

	_, err = NewFactory("name", nil)
	require.ErrorIs(t, err, OptionsErr)
}
