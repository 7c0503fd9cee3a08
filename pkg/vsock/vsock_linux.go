//go:build linux

// SPDX-License-Identifier: Apache-2.0

// Package vsock is an alternative worker-side transport for VM-to-host
// deployments where the registry listens on an AF_VSOCK port instead of a
// unix socket.
package vsock

import (
	"context"
	"io"
	"time"

	"github.com/alphaomega-io/pipemesh/internal/vsock"
)

// Dialer implements conn.Dialer over AF_VSOCK.
type Dialer struct {
	CID  uint32
	Port uint32
}

func (d *Dialer) Dial(ctx context.Context, timeout time.Duration) (io.ReadWriteCloser, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return vsock.DialContext(ctx, d.CID, d.Port)
}
