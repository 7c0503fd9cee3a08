// SPDX-License-Identifier: Apache-2.0

package vsock

import (
	"github.com/alphaomega-io/pipemesh/pkg/conn"
)

var _ conn.Dialer = (*Dialer)(nil)
