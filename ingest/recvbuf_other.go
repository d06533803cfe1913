//go:build !linux


// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"net"

	"github.com/pkg/errors"
)

// setRecvBuffer falls back to the portable stdlib API on non-Linux hosts,
// where the raw SOL_SOCKET/SO_RCVBUF path cezamee-Yoda's AF_XDP code relies
// on is not available.
func setRecvBuffer(conn *net.UDPConn, bytes int) error {
	if err := conn.SetReadBuffer(bytes); err != nil {
		return errors.Wrap(err, "SetReadBuffer")
	}
	return nil
}
