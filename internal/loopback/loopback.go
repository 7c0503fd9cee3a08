// SPDX-License-Identifier: Apache-2.0

// Package loopback is an in-memory transport used by tests in place of the
// unix-socket factory.
package loopback

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

var (
	ClosedErr = errors.New("loopback closed")
)

// Factory hands Dial callers one end of a net.Pipe and queues the other end
// for Accept. It implements both conn.Acceptor and conn.Dialer.
type Factory struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func New() *Factory {
	return &Factory{
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
	}
}

func (f *Factory) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, ClosedErr
	case c := <-f.conns:
		return c, nil
	}
}

func (f *Factory) Dial(ctx context.Context, timeout time.Duration) (io.ReadWriteCloser, error) {
	c1, c2 := net.Pipe()
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, ClosedErr
	case <-timeoutCh:
		return nil, context.DeadlineExceeded
	case f.conns <- c2:
		return c1, nil
	}
}

func (f *Factory) Close() error {
	f.once.Do(func() {
		close(f.closed)
	})
	return nil
}
