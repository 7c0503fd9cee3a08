// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	logging "github.com/loopholelabs/logging/types"

	"github.com/alphaomega-io/pipemesh/pkg/frame"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

var (
	BusyErr  = errors.New("connection already has a reader")
	CloseErr = errors.New("unable to close connection")
)

// Handler consumes one inbound envelope and optionally returns a reply to be
// written back on the same connection.
type Handler func(*wire.Message) *wire.Message

// Conn owns one duplex stream. Writes are serialized by a per-connection
// mutex held only across the bytes of a single frame; reads are full-duplex
// against writes but at most one reader may run at a time.
type Conn struct {
	ID uuid.UUID

	raw       io.ReadWriteCloser
	writeMu   sync.Mutex
	reading   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	logger    logging.Logger
}

func New(raw io.ReadWriteCloser, logger logging.Logger) *Conn {
	return &Conn{
		ID:     uuid.New(),
		raw:    raw,
		logger: logger.SubLogger("conn"),
	}
}

// Send writes one framed envelope.
func (c *Conn) Send(msg *wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.Write(c.raw, msg)
}

// Receive reads one framed envelope.
func (c *Conn) Receive() (*wire.Message, error) {
	return frame.Read(c.raw)
}

// Listen reads frames until the stream ends, handing each to handler and
// writing back any non-nil reply. A clean EOF at a frame boundary returns
// nil; cancellation returns the context error; everything else propagates.
// The owner unblocks a pending read by closing the connection.
func (c *Conn) Listen(ctx context.Context, handler Handler) error {
	if !c.reading.CompareAndSwap(false, true) {
		return BusyErr
	}
	defer c.reading.Store(false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info().Str("conn", c.ID.String()).Msg("peer closed")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() {
				return nil
			}
			return err
		}
		if reply := handler(msg); reply != nil {
			if err = c.Send(reply); err != nil {
				return err
			}
		}
	}
}

// Close shuts the underlying stream down, unblocking any pending read.
// Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.raw.Close(); err != nil {
			c.closeErr = errors.Join(CloseErr, err)
		}
	})
	return c.closeErr
}
