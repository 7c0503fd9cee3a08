// SPDX-License-Identifier: Apache-2.0

// Package pending implements the RPC demultiplexer: the table of in-flight
// MessageIDs waiting for their responses.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/loopholelabs/logging/types"

	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

var (
	DuplicateErr = errors.New("pending entry already exists")
	TimeoutErr   = errors.New("request timed out")
)

const DefaultTimeout = 30 * time.Second

type entry struct {
	owner uuid.UUID
	done  chan struct{}
	timer *time.Timer
	msg   *wire.Message
	err   error
}

// Future resolves with the response envelope, or rejects with the error
// passed to Fail or with TimeoutErr when the watchdog fires.
type Future struct {
	e *entry
}

// Wait blocks until the future is terminal or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.e.done:
		return f.e.msg, f.e.err
	}
}

// Table maps MessageID to the future awaiting its response. Safe for
// concurrent use from every connection's read loop and every call site;
// Complete and Fail never block.
type Table struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	byOwner map[uuid.UUID]map[uuid.UUID]struct{}
	logger  logging.Logger
}

func NewTable(logger logging.Logger) *Table {
	return &Table{
		entries: make(map[uuid.UUID]*entry),
		byOwner: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		logger:  logger.SubLogger("pending"),
	}
}

// Wait registers a new entry keyed by req.MessageID, tagged with the owning
// connection so FailOwner can sweep it if that connection dies. Callers must
// register before writing the request frame so that a fast response always
// finds its waiter. The entry is removed on every terminal path.
func (t *Table) Wait(req *wire.Message, owner uuid.UUID, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := req.MessageID
	t.mu.Lock()
	if _, ok := t.entries[id]; ok {
		t.mu.Unlock()
		return nil, DuplicateErr
	}
	e := &entry{owner: owner, done: make(chan struct{})}
	t.entries[id] = e
	if owner != uuid.Nil {
		owned, ok := t.byOwner[owner]
		if !ok {
			owned = make(map[uuid.UUID]struct{})
			t.byOwner[owner] = owned
		}
		owned[id] = struct{}{}
	}
	e.timer = time.AfterFunc(timeout, func() {
		if t.resolve(id, nil, TimeoutErr) {
			t.logger.Warn().Str("messageId", id.String()).Msg("request timed out")
		}
	})
	t.mu.Unlock()
	return &Future{e: e}, nil
}

// Complete resolves the waiter for res.MessageID. Returns false when no
// waiter exists, in which case the caller may treat res as an unsolicited
// request.
func (t *Table) Complete(res *wire.Message) bool {
	return t.resolve(res.MessageID, res, nil)
}

// Fail rejects the waiter for req.MessageID with err, if one exists.
func (t *Table) Fail(req *wire.Message, err error) {
	t.resolve(req.MessageID, nil, err)
}

// FailOwner rejects every in-flight entry owned by the given connection.
func (t *Table) FailOwner(owner uuid.UUID, err error) {
	t.mu.Lock()
	owned := t.byOwner[owner]
	ids := make([]uuid.UUID, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.resolve(id, nil, err)
	}
}

// Len reports the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) resolve(id uuid.UUID, msg *wire.Message, err error) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		if e.owner != uuid.Nil {
			if owned, indexed := t.byOwner[e.owner]; indexed {
				delete(owned, id)
				if len(owned) == 0 {
					delete(t.byOwner, e.owner)
				}
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	e.msg = msg
	e.err = err
	close(e.done)
	return true
}
