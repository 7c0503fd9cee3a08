//go:build linux

// SPDX-License-Identifier: Apache-2.0

package vsock

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

var (
	CreationErr   = errors.New("unable to create vsock connection")
	ConnectionErr = errors.New("unable to connect to vsock")
)

// DialContext opens a stream vsock connection to cid:port. The connect
// itself is not interruptible; ctx gates entry and the post-connect result.
func DialContext(ctx context.Context, cid uint32, port uint32) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Join(CreationErr, err)
	}
	if err = unix.Connect(fd, &unix.SockaddrVM{
		CID:  cid,
		Port: port,
	}); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Join(ConnectionErr, err)
	}
	if err = ctx.Err(); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return newConn(fd), nil
}
