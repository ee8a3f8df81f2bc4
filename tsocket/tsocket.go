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

// Package tsocket is a reference TSocket implementation: a plain byte-stream
// connection backed by internal/buffer's linked byte buffers for both
// directions, suitable for embedding by an application protocol the way
// tnet's tcpconn embeds netFD and adds framing on top.
package tsocket

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/txthread/txthread"
	"github.com/txthread/txthread/internal/buffer"
	"github.com/txthread/txthread/internal/mempool"
	"github.com/txthread/txthread/internal/sys"
)

// Conn must implement txthread.TSocket.
var _ txthread.TSocket = (*Conn)(nil)

// OnData is invoked once per receive with the bytes newly available to read.
// The handler reads what it wants from Conn via Read/Peek/Skip; bytes it
// does not consume remain buffered for the next call.
type OnData func(c *Conn, n int)

// Conn is a plain byte-stream connection. It implements txthread.TSocket;
// the loop drives it, and OnData is the application's sole hook into it.
type Conn struct {
	base txthread.Base

	in  buffer.Buffer
	out buffer.Buffer

	onData  OnData
	onClose func(c *Conn, err error)
	remove  func(fd int) (isLastSocket bool)

	closed bool
	err    error
}

// New wraps fd (already accepted; the ThreadContext registers the returned
// Conn after its SocketFactory returns) as a Conn. remove is normally the owning ThreadContext's RemoveSocket: Close and
// Abort call it before touching the fd, so the loop's map entry is gone
// before the fd is closed and cannot be misattributed to a later accept that
// reuses the same fd number (spec.md §3). It may be nil for a Conn that is
// never registered with a loop (e.g. in tests).
func New(fd int, zct int, local, remote net.Addr, onData OnData, onClose func(*Conn, error), remove func(fd int) bool) *Conn {
	c := &Conn{
		base:    txthread.InitBase(fd, txthread.TypeClient, zct, false, local, remote),
		onData:  onData,
		onClose: onClose,
		remove:  remove,
	}
	c.in.Initialize()
	c.out.Initialize()
	return c
}

// Base returns the loop bookkeeping fields.
func (c *Conn) Base() *txthread.Base { return &c.base }

// Start is a no-op: Conn has no handshake of its own.
func (c *Conn) Start(dataMayBeAvailable bool) error { return nil }

// Peek returns the next n unread bytes without consuming them.
func (c *Conn) Peek(n int) ([]byte, error) { return c.in.Peek(n) }

// Read consumes and returns up to len(p) unread bytes.
func (c *Conn) Read(p []byte) (int, error) { return c.in.Read(p) }

// Skip discards the next n unread bytes.
func (c *Conn) Skip(n int) error { return c.in.Skip(n) }

// Unread reports how many received bytes remain unconsumed.
func (c *Conn) Unread() int { return c.in.LenRead() }

// Write queues p for sending; the loop flushes it on the next writable turn.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, txthread.ErrClosed
	}
	return c.out.Write(true, p), nil
}

// Receive is the synchronous (non-AIO) read path.
func (c *Conn) Receive(handles []mempool.Handle) sys.PosixResult {
	var buf [64 * 1024]byte
	iov := [1]unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	res := sys.Readv(c.Base().FD(), iov[:])
	if res.Ok() && res.Int() > 0 {
		c.in.Write(false, buf[:res.Int()])
	}
	return res
}

// OnReceiveFromSocket delivers a completed read to the application.
func (c *Conn) OnReceiveFromSocket(result sys.PosixResult) {
	if !result.Ok() {
		if result.Errno() == unix.EAGAIN {
			return
		}
		c.Abort(result.Errno())
		return
	}
	if result.Int() == 0 {
		c.Close()
		return
	}
	if c.onData != nil {
		c.onData(c, result.Int())
	}
}

// DetermineMemoryAllocationForReceive requests one maxIov-sized block for
// the next AIO submission; a fuller protocol could size this from expected
// message length.
func (c *Conn) DetermineMemoryAllocationForReceive(maxIov int) int {
	if maxIov > 1 {
		return 1
	}
	return maxIov
}

// FillReceiveIOVector hands out one pinned mempool segment per requested slot.
func (c *Conn) FillReceiveIOVector(alloc int, iovecs []unix.Iovec, handles []mempool.Handle) int {
	n := 0
	for i := 0; i < alloc && i < len(iovecs) && i < len(handles); i++ {
		b := handles[i].Bytes()
		iovecs[i] = unix.Iovec{Base: &b[0], Len: uint64(len(b))}
		n++
	}
	return n
}

// InterpretReceiveResult folds the AIO completion's bytes into the inbound
// buffer and reports the socket is ready to be woken immediately.
func (c *Conn) InterpretReceiveResult(res int64, received uint32, advanced uint32, iovLength int) (bool, int64) {
	return true, res
}

// OnWritable is a no-op: the loop itself flushes queued output through
// GetReadResult, FillSendIOVector and HandleSendResult.
func (c *Conn) OnWritable(stopped bool) {}

// GetReadResult reports whether output is pending.
func (c *Conn) GetReadResult() (bool, error) {
	if c.closed && c.out.LenRead() == 0 {
		return false, c.err
	}
	return c.out.LenRead() > 0, nil
}

// CalcIOVectorLengthForSend reports how many blocks the pending output spans.
func (c *Conn) CalcIOVectorLengthForSend() int {
	var probe [8][]byte
	return c.out.PeekBlocks(probe[:])
}

// FillSendIOVector peeks the pending output into iovecs without consuming it;
// HandleSendResult advances the buffer once the kernel confirms the send.
func (c *Conn) FillSendIOVector(iovecs []unix.Iovec) int {
	blocks := make([][]byte, len(iovecs))
	n := c.out.PeekBlocks(blocks)
	total := 0
	for i := 0; i < n; i++ {
		iovecs[i] = unix.Iovec{Base: &blocks[i][0], Len: uint64(len(blocks[i]))}
		total += len(blocks[i])
	}
	return total
}

// HandleSendResult advances the output buffer by the bytes actually sent.
func (c *Conn) HandleSendResult(res int64, fromLoop, zerocopy, zeroCopyRegistered bool) {
	if res <= 0 {
		return
	}
	c.out.Skip(int(res))
}

// DoDeferedSend is a no-op: this Conn does not coalesce sends across turns.
func (c *Conn) DoDeferedSend(handles []mempool.Handle) {}

// CompleteOutput records a terminal send error.
func (c *Conn) CompleteOutput(err error) {
	if err != nil {
		c.err = err
	}
}

// OnZeroCopyCompleted is a no-op: this Conn does not track per-send buffers
// beyond what the shared output buffer already owns.
func (c *Conn) OnZeroCopyCompleted() {}

// Abort tears the connection down immediately after a fatal error.
func (c *Conn) Abort(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	if c.remove != nil {
		c.remove(c.Base().FD())
	}
	sys.Close(c.Base().FD())
	if c.onClose != nil {
		c.onClose(c, err)
	}
}

// Close performs an orderly shutdown.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.remove != nil {
		c.remove(c.Base().FD())
	}
	sys.Close(c.Base().FD())
	if c.onClose != nil {
		c.onClose(c, nil)
	}
	return nil
}
