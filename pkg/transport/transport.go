// SPDX-License-Identifier: Apache-2.0

// Package transport rendezvouses registries and workers by pipe name over
// unix domain sockets.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/loopholelabs/logging/types"
)

var (
	OptionsErr = errors.New("invalid options")
	DialErr    = errors.New("unable to dial")
)

const (
	// DefaultRegistryPipeName is the rendezvous name the registry listens on
	// unless configured otherwise.
	DefaultRegistryPipeName = "AlphaOmega.NamedPipes.Registry"

	workerPipeNamePrefix = "AlphaOmega.NamedPipes.Worker."

	// DefaultDialTimeout bounds a worker's connect to the registry.
	DefaultDialTimeout = 5 * time.Second

	// DefaultMaxConn bounds the accept queue.
	DefaultMaxConn = 64
)

// WorkerPipeName derives the default pipe name for a worker id.
func WorkerPipeName(workerID string) string {
	return workerPipeNamePrefix + workerID
}

// SocketPath maps a pipe name to its socket path under the temp dir.
func SocketPath(pipeName string) string {
	return filepath.Join(os.TempDir(), pipeName+".sock")
}

// Factory is the unix-socket transport. It implements both conn.Acceptor
// (lazily binding the socket on first Accept) and conn.Dialer.
type Factory struct {
	path   string
	logger logging.Logger

	mu  sync.Mutex
	lis *listener
}

func NewFactory(pipeName string, logger logging.Logger) (*Factory, error) {
	if pipeName == "" || logger == nil {
		return nil, OptionsErr
	}
	return &Factory{
		path:   SocketPath(pipeName),
		logger: logger.SubLogger("transport"),
	}, nil
}

func (f *Factory) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	if f.lis == nil {
		_ = os.Remove(f.path)
		lis, err := newListener(f.path, DefaultMaxConn, f.logger)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.lis = lis
	}
	lis := f.lis
	f.mu.Unlock()
	return lis.acceptOne(ctx)
}

func (f *Factory) Dial(ctx context.Context, timeout time.Duration) (io.ReadWriteCloser, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, f.path)
	if err != nil {
		return nil, errors.Join(DialErr, err)
	}
	return conn, nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	lis := f.lis
	f.lis = nil
	f.mu.Unlock()
	if lis == nil {
		return nil
	}
	err := lis.close()
	_ = os.Remove(f.path)
	return err
}
