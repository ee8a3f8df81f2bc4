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

package txthread

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/internal/mempool"
	"github.com/txthread/txthread/internal/sys"
)

// SocketType distinguishes the roles a registered fd can play in the loop.
type SocketType int

// The socket types the loop's classification step (spec.md §4.1) tells apart.
const (
	// TypeClient is a connected TCP socket driven through TSocket's receive/send path.
	TypeClient SocketType = iota
	// TypeAccept is a listening socket the loop calls accept4 on directly.
	TypeAccept
	// TypePassFd is a UNIX socket an external accept thread hands connection
	// fds to via SCM_RIGHTS, instead of this context accepting on its own listener.
	TypePassFd
)

// EventMask is the set of epoll readiness bits a socket is currently armed
// for, or was last reported ready with.
type EventMask uint32

// Readiness bits the loop tracks per socket, independent of the raw
// EPOLLIN/EPOLLOUT/EPOLLERR bits (kept here so TSocket implementations don't
// need to import golang.org/x/sys/unix just to read pending state).
const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventErr
)

// ZeroCopyOutcome reports how a completed MSG_ZEROCOPY send resolved.
type ZeroCopyOutcome int

// The two terminal states a zero-copy completion notification can report,
// per spec.md §4.4 (SO_EE_CODE_ZEROCOPY_COPIED vs. the default success code).
const (
	// ZeroCopySentWithoutCopy means the kernel transmitted the buffer in
	// place; the caller may not reuse it until this notification arrives.
	ZeroCopySentWithoutCopy ZeroCopyOutcome = iota
	// ZeroCopyCopiedByKernel means the kernel fell back to copying the
	// buffer (e.g. it would have blocked), so reuse was already safe at
	// write time but the notification still arrives for bookkeeping.
	ZeroCopyCopiedByKernel
)

// Base holds the bookkeeping fields spec.md §3 assigns to every TSocket: fd,
// type, pending event mask, the per-socket gate mutex guarding that mask and
// the fd's epoll registration, the zero-copy threshold, and the resolved
// endpoints. Concrete connection types embed Base and implement the rest of
// the TSocket interface; Base never touches protocol bytes.
type Base struct {
	mu sync.Mutex

	fd  int
	typ SocketType

	pending             EventMask
	eventControlPending bool

	zeroCopyThreshold int
	zeroCopyInFlight  int
	deferSend         bool

	firstCallDispatched bool

	local, remote net.Addr
}

// InitBase initializes a Base for a freshly accepted or connected fd. zct is
// NoZeroCopy to disable MSG_ZEROCOPY on this socket.
func InitBase(fd int, typ SocketType, zct int, deferSend bool, local, remote net.Addr) Base {
	return Base{fd: fd, typ: typ, zeroCopyThreshold: zct, deferSend: deferSend, local: local, remote: remote}
}

// FD returns the underlying file descriptor.
func (b *Base) FD() int { return b.fd }

// Type reports the socket's role in the loop.
func (b *Base) Type() SocketType { return b.typ }

// Lock acquires the socket's gate, guarding the pending mask and its epoll registration.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the socket's gate.
func (b *Base) Unlock() { b.mu.Unlock() }

// Pending returns the readiness bits last observed for this socket. Must be
// called with the gate held.
func (b *Base) Pending() EventMask { return b.pending }

// SetPending replaces the readiness bits. Must be called with the gate held.
func (b *Base) SetPending(m EventMask) { b.pending = m }

// EventControlPending reports whether an epoll_ctl re-arm for this socket is
// still owed (spec.md §4.2's oneshot re-arm discipline). Must be called with
// the gate held.
func (b *Base) EventControlPending() bool { return b.eventControlPending }

// SetEventControlPending records whether a re-arm is owed. Must be called
// with the gate held.
func (b *Base) SetEventControlPending(v bool) { b.eventControlPending = v }

// ZeroCopyThreshold returns the byte count above which sends attempt
// MSG_ZEROCOPY, or NoZeroCopy if disabled for this socket.
func (b *Base) ZeroCopyThreshold() int { return b.zeroCopyThreshold }

// SetZeroCopyThreshold changes the zero-copy threshold for this socket.
func (b *Base) SetZeroCopyThreshold(v int) { b.zeroCopyThreshold = v }

// ZeroCopyInFlight returns the count of MSG_ZEROCOPY sends issued but not
// yet confirmed via an EPOLLERR completion notification.
func (b *Base) ZeroCopyInFlight() int { return b.zeroCopyInFlight }

// AddZeroCopyInFlight adjusts the in-flight zero-copy send counter.
func (b *Base) AddZeroCopyInFlight(delta int) { b.zeroCopyInFlight += delta }

// DeferSend reports whether sends on this socket should coalesce rather than
// issue immediately.
func (b *Base) DeferSend() bool { return b.deferSend }

// TakeFirstCallDispatch reports whether this is the first application
// callback for the socket, claiming that status if so. The loop uses this to
// route only the first OnReceiveFromSocket/OnWritable invocation through the
// dispatch pool in Dispatch scheduling mode; every later call runs inline.
func (b *Base) TakeFirstCallDispatch() (isFirst bool) {
	if b.firstCallDispatched {
		return false
	}
	b.firstCallDispatched = true
	return true
}

// LocalAddr returns the socket's local endpoint.
func (b *Base) LocalAddr() net.Addr { return b.local }

// RemoteAddr returns the socket's peer endpoint.
func (b *Base) RemoteAddr() net.Addr { return b.remote }

// TSocket is the per-connection state machine the loop drives. Framing,
// application buffering, and protocol semantics are entirely the
// implementation's business; the loop only calls these operations at the
// points spec.md §4 describes, and only ever touches the fd, pending mask,
// and epoll registration of a TSocket through its Base.
type TSocket interface {
	// Base returns the socket's loop bookkeeping fields.
	Base() *Base

	// Start is called once, right after a socket is registered with the
	// loop's epoll instance. dataMayBeAvailable is true for sockets handed
	// off already holding buffered bytes (e.g. TLS sockets that consumed a
	// ClientHello during an accept-thread handshake).
	Start(dataMayBeAvailable bool) error

	// Receive is the synchronous (non-AIO) read path: read or readv as much
	// as is available into handles and return the raw syscall result.
	Receive(handles []mempool.Handle) sys.PosixResult
	// OnReceiveFromSocket delivers the result of a synchronous Receive, or of
	// the AIO path's InterpretReceiveResult, to the application.
	OnReceiveFromSocket(result sys.PosixResult)

	// DetermineMemoryAllocationForReceive reports how many of the available
	// maxIov iovec slots this socket wants for its next AIO read submission.
	DetermineMemoryAllocationForReceive(maxIov int) int
	// FillReceiveIOVector fills up to alloc entries of iovecs with segments
	// obtained from handles, returning how many it actually used.
	FillReceiveIOVector(alloc int, iovecs []unix.Iovec, handles []mempool.Handle) (advanced int)
	// InterpretReceiveResult consumes one AIO io_event's raw result for this
	// socket, given the packed (received, advanced, iovLength) recorded at
	// submission time, and reports whether the application should be woken
	// now (done) along with a retval forwarded to OnReceiveFromSocket.
	InterpretReceiveResult(res int64, received uint32, advanced uint32, iovLength int) (done bool, retval int64)

	// OnWritable is invoked when the socket becomes writable, whether from
	// an EPOLLOUT readiness event (stopped == false, meaning output was
	// previously blocked) or from a deferred-send flush (stopped == true).
	OnWritable(stopped bool)
	// GetReadResult reports whether the application has output ready to
	// send, or a terminal error that should abort the socket.
	GetReadResult() (hasData bool, err error)
	// CalcIOVectorLengthForSend reports how many iovecs the next send needs.
	CalcIOVectorLengthForSend() int
	// FillSendIOVector fills iovecs with the application's pending output,
	// returning the number of bytes represented.
	FillSendIOVector(iovecs []unix.Iovec) int
	// HandleSendResult delivers the result of a send, synchronous or AIO.
	// zerocopy indicates MSG_ZEROCOPY was requested; zeroCopyRegistered
	// indicates the kernel actually queued a completion notification for it
	// (it may decline for small sends).
	HandleSendResult(res int64, fromLoop, zerocopy, zeroCopyRegistered bool)
	// DoDeferedSend flushes output coalesced while DeferSend was true.
	DoDeferedSend(handles []mempool.Handle)
	// CompleteOutput finalizes the send path, nil on a clean finish.
	CompleteOutput(err error)

	// OnZeroCopyCompleted is called once per EPOLLERR MSG_ZEROCOPY
	// completion batch this socket accumulated (spec.md §4.4).
	OnZeroCopyCompleted()

	// Abort tears the socket down immediately after a fatal error, skipping
	// any orderly close handshake. Implementations must call back into the
	// owning ThreadContext's RemoveSocket before closing the fd, so the
	// loop's map entry is gone before a stale epoll event for this fd could
	// be misattributed to a later accept that reuses the same number
	// (spec.md §3).
	Abort(err error)
	// Close performs an orderly shutdown of the socket. Same removal-before-
	// close ordering requirement as Abort.
	Close() error
}

// AcceptSocket is the subset of behavior the loop needs from a listening or
// pass-fd socket: accepting new connections and, for pass-fd sockets,
// receiving fds over SCM_RIGHTS. It is not a TSocket: accept sockets never
// go through the receive/send state machine.
type AcceptSocket struct {
	fd                   int
	typ                  SocketType
	zeroCopyThreshold    int
	deferSend            bool
	incomingCPU          bool
	unixSocketForPassing int
}

// FD returns the accept socket's file descriptor.
func (a *AcceptSocket) FD() int { return a.fd }

// Type reports TypeAccept or TypePassFd.
func (a *AcceptSocket) Type() SocketType { return a.typ }
