// SPDX-License-Identifier: Apache-2.0

package worker

import (
	logging "github.com/loopholelabs/logging/types"

	"github.com/alphaomega-io/pipemesh/pkg/conn"
	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

type Options struct {
	// WorkerID is the unique id this worker registers under.
	WorkerID string

	// PipeName is reported to the registry in the registration frame;
	// defaults to transport.WorkerPipeName(WorkerID).
	PipeName string

	// RegistryPipeName locates the registry. Ignored when Dialer is set;
	// defaults to transport.DefaultRegistryPipeName otherwise.
	RegistryPipeName string

	// Dialer overrides the unix-socket transport; tests substitute a
	// loopback here, VM guests a vsock dialer.
	Dialer conn.Dialer

	// Handler is the object whose exported methods serve requests. Optional
	// when RequestReceived answers everything itself.
	Handler any

	Logger logging.Logger

	// RequestReceived may pre-empt dispatch: a non-nil result is sent as the
	// reply and the handler object is not consulted.
	RequestReceived func(*wire.Message) *wire.Message

	// ConnectionLost fires exactly once when the registry connection goes
	// away, whether from Stop or from a transport failure.
	ConnectionLost func()
}

func validOptions(options *Options) bool {
	return options != nil && options.WorkerID != "" && options.Logger != nil
}
