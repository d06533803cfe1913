//go:build linux


// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setRecvBuffer sets SO_RCVBUF directly via the socket's raw syscall
// descriptor rather than net.UDPConn.SetReadBuffer, mirroring the pack's
// low-level raw-socket-option idiom (cezamee-Yoda's AF_XDP setup reaches
// for golang.org/x/sys/unix the same way for kernel-level socket/descriptor
// configuration). An error from setsockopt is returned; the size the kernel
// actually grants is not read back, so a silently clamped value is not
// reported.
func setRecvBuffer(conn *net.UDPConn, bytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "obtain raw socket")
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if ctrlErr != nil {
		return errors.Wrap(ctrlErr, "control raw socket")
	}
	if sockErr != nil {
		return errors.Wrap(sockErr, "setsockopt SO_RCVBUF")
	}
	return nil
}
