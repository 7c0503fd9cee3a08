// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/alphaomega-io/pipemesh/pkg/conn"
)

// Worker is the registry-side record of a registered worker, bound to the
// connection that bears it. Immutable.
type Worker struct {
	ID           string
	PipeName     string
	ConnectionID uuid.UUID
}

// workerSet tracks live workers keyed by worker id (case-insensitive) and
// all live connections keyed by connection id. Registering an id already
// present displaces the prior record; the displaced connection stays tracked
// until its own read loop exits.
type workerSet struct {
	mu         sync.RWMutex
	workerByID map[string]Worker
	connByID   map[uuid.UUID]*conn.Conn
}

func newWorkerSet() *workerSet {
	return &workerSet{
		workerByID: make(map[string]Worker),
		connByID:   make(map[uuid.UUID]*conn.Conn),
	}
}

func workerKey(id string) string {
	return strings.ToLower(id)
}

func (s *workerSet) addConn(c *conn.Conn) {
	s.mu.Lock()
	s.connByID[c.ID] = c
	s.mu.Unlock()
}

func (s *workerSet) removeConn(connID uuid.UUID) {
	s.mu.Lock()
	delete(s.connByID, connID)
	s.mu.Unlock()
}

func (s *workerSet) conn(connID uuid.UUID) (*conn.Conn, bool) {
	s.mu.RLock()
	c, ok := s.connByID[connID]
	s.mu.RUnlock()
	return c, ok
}

// register stores w, returning any displaced record for the same id.
func (s *workerSet) register(w Worker) (Worker, bool) {
	s.mu.Lock()
	displaced, ok := s.workerByID[workerKey(w.ID)]
	s.workerByID[workerKey(w.ID)] = w
	s.mu.Unlock()
	return displaced, ok
}

// unregisterConn removes the worker record bound to connID, if the record
// still points at that connection. Returns the removed record once.
func (s *workerSet) unregisterConn(connID uuid.UUID) (Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.workerByID {
		if w.ConnectionID == connID {
			delete(s.workerByID, key)
			return w, true
		}
	}
	return Worker{}, false
}

func (s *workerSet) lookup(workerID string) (Worker, bool) {
	s.mu.RLock()
	w, ok := s.workerByID[workerKey(workerID)]
	s.mu.RUnlock()
	return w, ok
}

// snapshotIDs returns the current worker ids; callers iterate the snapshot,
// never the live map.
func (s *workerSet) snapshotIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.workerByID))
	for _, w := range s.workerByID {
		ids = append(ids, w.ID)
	}
	s.mu.RUnlock()
	return ids
}

func (s *workerSet) snapshotConns() []*conn.Conn {
	s.mu.RLock()
	conns := make([]*conn.Conn, 0, len(s.connByID))
	for _, c := range s.connByID {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	return conns
}
