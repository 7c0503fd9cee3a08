//go:build !linux

// SPDX-License-Identifier: Apache-2.0

package vsock

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	UnsupportedErr = errors.New("not supported on this platform")
)

type Dialer struct {
	CID  uint32
	Port uint32
}

func (d *Dialer) Dial(context.Context, time.Duration) (io.ReadWriteCloser, error) {
	return nil, UnsupportedErr
}
