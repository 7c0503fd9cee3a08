// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/alphaomega-io/pipemesh/pkg/conn"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

type Options struct {
	// PipeName is the rendezvous name to listen on. Ignored when Acceptor is
	// set; defaults to transport.DefaultRegistryPipeName otherwise.
	PipeName string

	// Acceptor overrides the unix-socket transport; tests substitute a
	// loopback here.
	Acceptor conn.Acceptor

	// Timeout bounds each outbound call; zero means the 30 s default.
	Timeout time.Duration

	Logger logging.Logger

	// WorkerConnected fires after a worker's RegisterWorker frame is
	// accepted. WorkerDisconnected fires exactly once per worker record when
	// its bearing connection goes away.
	WorkerConnected    func(workerID string)
	WorkerDisconnected func(workerID string)

	// RequestReceived handles unsolicited frames from workers; a non-nil
	// result is written back. Unhandled frames are dropped.
	RequestReceived func(*wire.Message) *wire.Message
}

func validOptions(options *Options) bool {
	return options != nil && options.Logger != nil
}
