//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

//go:build linux
// +build linux

package txthread

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/internal/netutil"
	"github.com/txthread/txthread/internal/sys"
	"github.com/txthread/txthread/log"
	"github.com/txthread/txthread/metrics"
)

// NewAcceptSocket creates an AcceptSocket from an fd already bound and
// listening (e.g. built via internal/reuseport), ready to be registered with
// RegisterAccept.
func NewAcceptSocket(fd int, zct int, deferSend bool) *AcceptSocket {
	return &AcceptSocket{fd: fd, typ: TypeAccept, zeroCopyThreshold: zct, deferSend: deferSend}
}

// NewPassFdSocket creates an AcceptSocket that receives connection fds via
// SCM_RIGHTS on unixSocketFD instead of calling accept4 itself, the
// accept-thread hand-off mode spec.md §4.3 describes for TypePassFd sockets.
func NewPassFdSocket(unixSocketFD int, zct int, deferSend bool) *AcceptSocket {
	return &AcceptSocket{fd: unixSocketFD, typ: TypePassFd, zeroCopyThreshold: zct, deferSend: deferSend, unixSocketForPassing: unixSocketFD}
}

// SocketFactory builds the application's TSocket for a newly accepted or
// passed-in fd. Implementations typically embed Base via InitBase.
type SocketFactory func(fd int, local, remote net.Addr) (TSocket, error)

// handleAccept processes exactly one connection on a readable accept
// socket. spec.md §4.3 is explicit that only one accept is performed per
// event: draining accept4 in an EAGAIN-terminated loop would let whichever
// loop's epoll_wait happens to win a race claim the whole accept backlog,
// defeating SO_REUSEPORT's connection-level load balancing across threads.
// Any further backlog is picked up the next time this socket reports
// readable, since acceptFlags is level-triggered.
func (t *ThreadContext) handleAccept(a *AcceptSocket) {
	if a.typ == TypePassFd {
		t.handlePassFd(a)
		return
	}
	factory := t.factory
	if factory == nil {
		return
	}
	nfd, sa, res := sys.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if !res.Ok() {
		if res.Errno() != unix.EAGAIN {
			log.Warnf("txthread: accept4: %v", res.Errno())
		}
		return
	}
	if t.cfg.KeepAliveSecs > 0 {
		if err := netutil.SetKeepAlive(nfd, t.cfg.KeepAliveSecs); err != nil {
			log.Warnf("txthread: set keep-alive: %v", err)
		}
	}
	local, remote := addrsFromSockaddr(sa)
	sock, err := factory(nfd, local, remote)
	if err != nil {
		sys.Close(nfd)
		log.Errorf("txthread: socket factory: %v", err)
		return
	}
	if a.zeroCopyThreshold != 0 {
		sock.Base().SetZeroCopyThreshold(a.zeroCopyThreshold)
	}
	if err := t.RegisterClient(sock, false); err != nil {
		log.Errorf("txthread: register accepted socket: %v", err)
		sys.Close(nfd)
		return
	}
	metrics.Add(metrics.TCPConnsCreate, 1)
	t.accept.Push(sock)
	metrics.Add(metrics.AcceptQueueDepth, uint64(t.accept.Len()))
}

// handlePassFd receives exactly one fd delivered over SCM_RIGHTS on a.fd,
// the same one-per-event discipline handleAccept applies to accept4.
func (t *ThreadContext) handlePassFd(a *AcceptSocket) {
	factory := t.factory
	if factory == nil {
		return
	}
	fd, ok := recvFD(a.fd)
	if !ok {
		return
	}
	if t.cfg.KeepAliveSecs > 0 {
		if err := netutil.SetKeepAlive(fd, t.cfg.KeepAliveSecs); err != nil {
			log.Warnf("txthread: set keep-alive: %v", err)
		}
	}
	sock, err := factory(fd, nil, nil)
	if err != nil {
		sys.Close(fd)
		log.Errorf("txthread: socket factory (pass-fd): %v", err)
		return
	}
	if err := t.RegisterClient(sock, true); err != nil {
		log.Errorf("txthread: register passed socket: %v", err)
		sys.Close(fd)
		return
	}
	metrics.Add(metrics.TCPConnsCreate, 1)
	t.accept.Push(sock)
}

func addrsFromSockaddr(sa unix.Sockaddr) (local, remote net.Addr) {
	return nil, netutil.SockaddrToTCPOrUnixAddr(sa)
}
