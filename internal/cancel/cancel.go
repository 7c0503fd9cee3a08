// SPDX-License-Identifier: Apache-2.0

// Package cancel ties a cleanup function to a context: when the watched
// context is cancelled the cleanup runs, tearing down a blocking resource
// (a listener, a connection) that cannot watch the context itself.
package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	CleanupErr = errors.New("unable to cleanup")
)

const (
	stateWatching = iota
	stateClosed
)

type CleanupFunc func() error

type Cancel struct {
	wg       sync.WaitGroup
	cancel   chan struct{}
	error    chan error
	cleanup  CleanupFunc
	state    atomic.Uint32
	closeErr error
}

// New starts watching ctx. If ctx is cancelled before Close is called,
// cleanup runs exactly once.
func New(ctx context.Context, cleanup CleanupFunc) *Cancel {
	c := &Cancel{
		cancel:  make(chan struct{}),
		error:   make(chan error, 1),
		cleanup: cleanup,
	}
	c.wg.Add(1)
	go c.watch(ctx)
	return c
}

// Close stops watching. If the context fired first, Close returns
// context.Canceled (joined with the context's error) when cleanup succeeded,
// or CleanupErr joined with the cleanup's error when it failed. Idempotent.
func (c *Cancel) Close() error {
	if c.state.CompareAndSwap(stateWatching, stateClosed) {
		close(c.cancel)
		c.wg.Wait()
		c.closeErr = <-c.error
	}
	return c.closeErr
}

func (c *Cancel) CloseIgnoreError() {
	_ = c.Close()
}

func (c *Cancel) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		err := c.cleanup()
		if err != nil {
			c.error <- errors.Join(CleanupErr, err)
			goto OUT
		}
		if err = ctx.Err(); err != nil {
			c.error <- errors.Join(context.Canceled, err)
			goto OUT
		}
		c.error <- context.Canceled
	case <-c.cancel:
		close(c.error)
	}
OUT:
	c.wg.Done()
}
