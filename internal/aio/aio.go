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

// Package aio wraps Linux kernel AIO (io_setup/io_submit/io_getevents/io_destroy),
// distinct from POSIX AIO. It exists to batch vectored reads and writes across
// many sockets in a single pair of syscalls instead of one readv/writev per
// socket per epoll_wait wakeup.
package aio

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/internal/sys"
)

// Opcode selects the operation an IOCB performs.
type Opcode uint16

// Opcodes understood by the kernel AIO subsystem that this package exercises.
const (
	CmdPread   Opcode = 0
	CmdPwrite  Opcode = 1
	CmdNoop    Opcode = 6
	CmdPreadv  Opcode = 7
	CmdPwritev Opcode = 8
)

// IOCB mirrors struct iocb from linux/aio_abi.h, assuming a little-endian
// target (amd64/arm64/riscv64), which covers every architecture this
// transport runs on. The PADDED(aio_key, aio_rw_flags) macro resolves to
// aio_key first, aio_rw_flags second on little-endian.
type IOCB struct {
	AioData      uint64
	AioKey       uint32
	AioRWFlags   uint32
	AioLioOpcode uint16
	AioReqPrio   int16
	AioFildes    uint32
	AioBuf       uint64
	AioNbytes    uint64
	AioOffset    int64
	AioReserved2 uint64
	AioFlags     uint32
	AioResFd     uint32
}

// IOEvent mirrors struct io_event from linux/aio_abi.h.
type IOEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// Context is a created aio_context_t plus the fixed-size scratch arena the
// loop reuses every iteration: one contiguous table per kind, so there is
// exactly one allocation per table for the lifetime of the ThreadContext.
// Alignment to txthread.MemoryAlignment (8 bytes) is automatic because every
// table element begins with a uint64 field; Go's allocator already aligns
// slices of such structs to at least 8 bytes, so no separate padding step
// is needed at access time.
type Context struct {
	id uintptr

	Events   []IOEvent
	Iocbs    []IOCB
	IocbPtrs []*IOCB
	IOVecs   []unix.Iovec

	capacity int
}

// NewContext creates the aio_context_t and the reusable arena sized for
// capacity concurrent submissions, each allowed up to iovecsPerSocket iovecs.
func NewContext(capacity, iovecsPerSocket int) (*Context, error) {
	id, res := ioSetup(capacity)
	if !res.Ok() {
		return nil, res.Errno()
	}
	c := &Context{
		id:       id,
		capacity: capacity,
		Events:   make([]IOEvent, capacity),
		Iocbs:    make([]IOCB, capacity),
		IocbPtrs: make([]*IOCB, capacity),
		IOVecs:   make([]unix.Iovec, capacity*iovecsPerSocket),
	}
	for i := range c.Iocbs {
		c.IocbPtrs[i] = &c.Iocbs[i]
	}
	return c, nil
}

// Close destroys the aio_context_t. The arena slices are left for the GC.
func (c *Context) Close() error {
	if res := ioDestroy(c.id); !res.Ok() {
		return res.Errno()
	}
	return nil
}

// Submit submits the first n prepared IOCBs (via IocbPtrs) and returns the
// number the kernel accepted, or a negative-errno PosixResult.
func (c *Context) Submit(n int) sys.PosixResult {
	if n == 0 {
		return 0
	}
	return ioSubmit(c.id, c.IocbPtrs[:n])
}

// GetEvents waits for at least minNr and retrieves at most maxNr
// completions (no timeout: callers already know minNr were submitted), and
// returns the count retrieved into c.Events, or a negative-errno PosixResult.
func (c *Context) GetEvents(minNr, maxNr int) sys.PosixResult {
	return ioGetEvents(c.id, minNr, maxNr, c.Events[:maxNr])
}

func ioSetup(nrEvents int) (uintptr, sys.PosixResult) {
	var ctx uintptr
	r1, _, err := unix.RawSyscall(unix.SYS_IO_SETUP, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if err != 0 {
		return 0, sys.PosixResult(-int64(err))
	}
	return ctx, sys.PosixResult(r1)
}

func ioDestroy(ctx uintptr) sys.PosixResult {
	r1, _, err := unix.RawSyscall(unix.SYS_IO_DESTROY, ctx, 0, 0)
	if err != 0 {
		return sys.PosixResult(-int64(err))
	}
	return sys.PosixResult(r1)
}

func ioSubmit(ctx uintptr, iocbs []*IOCB) sys.PosixResult {
	if len(iocbs) == 0 {
		return 0
	}
	r1, _, err := unix.RawSyscall(unix.SYS_IO_SUBMIT, ctx, uintptr(len(iocbs)), uintptr(unsafe.Pointer(&iocbs[0])))
	if err != 0 {
		return sys.PosixResult(-int64(err))
	}
	return sys.PosixResult(r1)
}

func ioGetEvents(ctx uintptr, minNr, maxNr int, events []IOEvent) sys.PosixResult {
	if maxNr == 0 {
		return 0
	}
	r1, _, err := unix.Syscall6(unix.SYS_IO_GETEVENTS, ctx, uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&events[0])), 0, 0)
	if err != 0 {
		return sys.PosixResult(-int64(err))
	}
	return sys.PosixResult(r1)
}

// PackReceiveData packs (received, advanced, iovLength) into aio_data, matching
// spec.md's invariant: received fits [0, 2^32), advanced fits [0, 2^24),
// iovLength fits [0, 256).
func PackReceiveData(received uint32, advanced uint32, iovLength uint8) uint64 {
	return uint64(received)<<32 | uint64(advanced&0xFFFFFF)<<8 | uint64(iovLength)
}

// UnpackReceiveData is the inverse of PackReceiveData.
func UnpackReceiveData(packed uint64) (received uint32, advanced uint32, iovLength uint8) {
	received = uint32(packed >> 32)
	advanced = uint32((packed >> 8) & 0xFFFFFF)
	iovLength = uint8(packed)
	return
}
