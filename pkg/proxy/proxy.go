// SPDX-License-Identifier: Apache-2.0

// Package proxy is the caller-side surface of the fabric. A concrete proxy
// for an interface is one thin typed method per operation, each delegating
// to Call, CallVoid, or CallAsync over a Unicast or Broadcast invoker.
package proxy

import (
	"context"
	"errors"

	"github.com/alphaomega-io/pipemesh/pkg/pending"
	"github.com/alphaomega-io/pipemesh/pkg/registry"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

var (
	NoWorkersErr = errors.New("no workers connected")
)

// RemoteError is the caller-side materialization of a TypeError reply. It
// carries only the remote message, never a stack.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// Invoker routes one encoded call and returns the winning reply envelope.
type Invoker interface {
	Invoke(ctx context.Context, name string, args []any) (*wire.Message, error)
}

// Unicast sends every call to one named worker.
type Unicast struct {
	Registry *registry.Server
	WorkerID string
}

func (u *Unicast) Invoke(ctx context.Context, name string, args []any) (*wire.Message, error) {
	req, err := wire.NewArgs(name, args...)
	if err != nil {
		return nil, err
	}
	future, err := u.Registry.SendToWorker(ctx, u.WorkerID, req)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Broadcast fans every call out to all current workers and races the
// replies: the first reply whose type is not Null wins, an Error reply
// aborts the race immediately, and if every worker replies Null the call
// yields a Null envelope.
type Broadcast struct {
	Registry *registry.Server
}

func (b *Broadcast) Invoke(ctx context.Context, name string, args []any) (*wire.Message, error) {
	ids := b.Registry.ConnectedWorkerIDs()
	if len(ids) == 0 {
		return nil, NoWorkersErr
	}
	base, err := wire.NewArgs(name, args...)
	if err != nil {
		return nil, err
	}
	type outcome struct {
		res *wire.Message
		err error
	}
	results := make(chan outcome, len(ids))
	inflight := 0
	for _, id := range ids {
		future, sendErr := b.Registry.SendToWorker(ctx, id, wire.Relay(base))
		if sendErr != nil {
			// Worker left between the snapshot and the send.
			err = sendErr
			continue
		}
		inflight++
		go func(future *pending.Future) {
			res, waitErr := future.Wait(ctx)
			results <- outcome{res: res, err: waitErr}
		}(future)
	}
	if inflight == 0 {
		return nil, errors.Join(NoWorkersErr, err)
	}
	var lastNull *wire.Message
	var lastErr error
	for i := 0; i < inflight; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case o := <-results:
			switch {
			case o.err != nil:
				lastErr = o.err
			case o.res.Type == wire.TypeError:
				return o.res, nil
			case o.res.Type != wire.TypeNull:
				return o.res, nil
			default:
				lastNull = o.res
			}
		}
	}
	if lastNull != nil {
		return lastNull, nil
	}
	return nil, lastErr
}

// Call invokes a value-returning remote method and decodes the reply as T.
// A TypeError reply surfaces as *RemoteError; a TypeNull reply yields the
// zero value.
func Call[T any](ctx context.Context, invoker Invoker, name string, args ...any) (T, error) {
	var zero T
	res, err := invoker.Invoke(ctx, name, args)
	if err != nil {
		return zero, err
	}
	if err = remoteError(res); err != nil {
		return zero, err
	}
	if res.Type == wire.TypeNull {
		return zero, nil
	}
	return wire.DecodePayload[T](res)
}

// CallVoid invokes a remote method with no result, blocking until the reply
// (or the per-call timeout) and discarding any non-error payload.
func CallVoid(ctx context.Context, invoker Invoker, name string, args ...any) error {
	res, err := invoker.Invoke(ctx, name, args)
	if err != nil {
		return err
	}
	return remoteError(res)
}

// Future is an asynchronous call handle.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Wait blocks until the call completes or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

// Done exposes the completion signal for select loops.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// CallAsync invokes a remote method and returns immediately with a handle
// that resolves to the decoded reply.
func CallAsync[T any](ctx context.Context, invoker Invoker, name string, args ...any) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		f.value, f.err = Call[T](ctx, invoker, name, args...)
		close(f.done)
	}()
	return f
}

func remoteError(res *wire.Message) error {
	if res.Type != wire.TypeError {
		return nil
	}
	response, err := wire.DecodePayload[wire.ErrorResponse](res)
	if err != nil {
		return err
	}
	return &RemoteError{Message: response.Message}
}
