// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	logging "github.com/loopholelabs/logging/types"
)

var (
	ListenErr      = errors.New("unable to listen")
	ClosedErr      = errors.New("listener closed")
	CloseListenErr = errors.New("unable to close listener")
)

const network = "unix"

const (
	stateListening = iota
	stateClosed
)

// listener accepts unix connections into a bounded queue so that a slow
// consumer never blocks the OS accept loop.
type listener struct {
	listener             *net.UnixListener
	availableConnections chan *net.UnixConn
	state                atomic.Uint32
	logger               logging.Logger
	wg                   sync.WaitGroup
}

func newListener(path string, maxConn int, logger logging.Logger) (*listener, error) {
	unixListener, err := net.ListenUnix(network, &net.UnixAddr{
		Name: path,
		Net:  network,
	})
	if err != nil {
		return nil, errors.Join(ListenErr, err)
	}

	lis := &listener{
		listener:             unixListener,
		availableConnections: make(chan *net.UnixConn, maxConn),
		logger:               logger.SubLogger("listener"),
	}

	lis.state.Store(stateListening)
	lis.wg.Add(1)
	go lis.accept()

	return lis, nil
}

func (lis *listener) acceptOne(ctx context.Context) (*net.UnixConn, error) {
	if lis.state.Load() == stateListening {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case conn, ok := <-lis.availableConnections:
			if !ok {
				return nil, ClosedErr
			}
			return conn, nil
		}
	}
	return nil, ClosedErr
}

func (lis *listener) close() error {
	if lis.state.CompareAndSwap(stateListening, stateClosed) {
		err := lis.listener.Close()
		if err != nil {
			return errors.Join(CloseListenErr, err)
		}
		lis.wg.Wait()
		for conn := range lis.availableConnections {
			err = conn.Close()
			if err != nil {
				lis.logger.Warn().Err(err).Msg("unable to close connection")
			}
		}
	}
	return nil
}

func (lis *listener) accept() {
	for {
		conn, err := lis.listener.AcceptUnix()
		if err != nil {
			if lis.state.Load() == stateListening {
				lis.logger.Error().Err(err).Msg("unable to accept connection")
			}
			goto OUT
		}
		select {
		case lis.availableConnections <- conn:
		default:
			lis.logger.Warn().Msg("connection dropped")
			_ = conn.Close()
		}
	}
OUT:
	close(lis.availableConnections)
	lis.wg.Done()
}
