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

// Package sys provides the thin syscall surface the event loop is built on.
// Every wrapper returns a PosixResult: a non-negative value on success or a
// negative errno on failure, matching the raw kernel ABI rather than Go's
// (value, error) convention, so callers can batch-check results the way the
// loop driver does.
package sys

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// PosixResult is a non-negative return value, or a negative errno.
type PosixResult int64

// Ok reports whether the result is non-negative.
func (r PosixResult) Ok() bool {
	return r >= 0
}

// Errno extracts the errno from a negative result. Only meaningful if !Ok().
func (r PosixResult) Errno() unix.Errno {
	return unix.Errno(-r)
}

// Int returns the result as a plain int, for callers that already checked Ok().
func (r PosixResult) Int() int {
	return int(r)
}

func fromRaw(r1 uintptr, err unix.Errno) PosixResult {
	if err != 0 {
		return PosixResult(-int64(err))
	}
	return PosixResult(r1)
}

// EpollCreate1 wraps epoll_create1(2).
func EpollCreate1(flags int) PosixResult {
	r1, _, err := unix.RawSyscall(unix.SYS_EPOLL_CREATE1, uintptr(flags), 0, 0)
	return fromRaw(r1, err)
}

// EpollCtl wraps epoll_ctl(2).
func EpollCtl(epfd, op, fd int, event *unix.EpollEvent) PosixResult {
	r1, _, err := unix.RawSyscall6(unix.SYS_EPOLL_CTL,
		uintptr(epfd), uintptr(op), uintptr(fd), uintptr(unsafe.Pointer(event)), 0, 0)
	return fromRaw(r1, err)
}

// EpollWait wraps epoll_pwait(2) with no signal mask, blocking up to timeoutMsec
// (-1 for infinite).
func EpollWait(epfd int, events []unix.EpollEvent, timeoutMsec int) PosixResult {
	if len(events) == 0 {
		return 0
	}
	r1, _, err := unix.Syscall6(unix.SYS_EPOLL_PWAIT,
		uintptr(epfd), uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)),
		uintptr(timeoutMsec), 0, 0)
	return fromRaw(r1, err)
}

// Pipe2 wraps pipe2(2), returning the read and write ends.
func Pipe2(flags int) (r, w int, res PosixResult) {
	var fds [2]int32
	r1, _, err := unix.RawSyscall(unix.SYS_PIPE2, uintptr(unsafe.Pointer(&fds[0])), uintptr(flags), 0)
	if err != 0 {
		return -1, -1, fromRaw(r1, err)
	}
	return int(fds[0]), int(fds[1]), PosixResult(0)
}

// Read1 reads into a single-byte buffer, non-blocking.
func Read1(fd int, b *byte) PosixResult {
	r1, _, err := unix.RawSyscall(unix.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(b)), 1)
	return fromRaw(r1, err)
}

// Write1 writes a single byte, non-blocking.
func Write1(fd int, b byte) PosixResult {
	r1, _, err := unix.RawSyscall(unix.SYS_WRITE, uintptr(fd), uintptr(unsafe.Pointer(&b)), 1)
	return fromRaw(r1, err)
}

// Accept4 wraps accept4(2).
func Accept4(fd int, flags int) (nfd int, sa unix.Sockaddr, res PosixResult) {
	nfd, sa, err := unix.Accept4(fd, flags)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return -1, nil, PosixResult(-int64(errno))
		}
		return -1, nil, PosixResult(-int64(unix.EIO))
	}
	return nfd, sa, PosixResult(0)
}

// Readv wraps readv(2) via SYS_READV.
func Readv(fd int, iovs []unix.Iovec) PosixResult {
	if len(iovs) == 0 {
		return 0
	}
	r1, _, err := unix.RawSyscall(unix.SYS_READV, uintptr(fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	return fromRaw(r1, err)
}

// Writev wraps writev(2) via SYS_WRITEV.
func Writev(fd int, iovs []unix.Iovec) PosixResult {
	if len(iovs) == 0 {
		return 0
	}
	r1, _, err := unix.RawSyscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	return fromRaw(r1, err)
}

// msghdr mirrors struct msghdr from linux/socket.h, enough of it to submit a
// vectored, flag-bearing sendmsg(2) with no name and no control data.
type msghdr struct {
	Name       uintptr
	NameLen    uint32
	_          [4]byte
	Iov        uintptr
	IovLen     uint64
	Control    uintptr
	ControlLen uint64
	Flags      int32
	_          [4]byte
}

// SendmsgIovec wraps sendmsg(2) over a vectored buffer with the given flags,
// used for MSG_ZEROCOPY sends where unix.Writev cannot pass flags.
func SendmsgIovec(fd int, iovs []unix.Iovec, flags int) PosixResult {
	if len(iovs) == 0 {
		return 0
	}
	hdr := msghdr{
		Iov:    uintptr(unsafe.Pointer(&iovs[0])),
		IovLen: uint64(len(iovs)),
	}
	r1, _, err := unix.RawSyscall(unix.SYS_SENDMSG, uintptr(fd), uintptr(unsafe.Pointer(&hdr)), uintptr(flags))
	return fromRaw(r1, err)
}

// SetAffinity pins the given thread id (as returned by unix.Gettid) to one CPU,
// via sched_setaffinity(2). Linux-specific, best-effort: callers treat failure
// as non-fatal (pinning is an optimization, not a correctness requirement).
func SetAffinity(tid int, cpu int) PosixResult {
	const cpuSetSize = 128 / 8 // sizeof(cpu_set_t) on a typical 128-cpu build
	var set [cpuSetSize]byte
	if cpu >= 0 && cpu < cpuSetSize*8 {
		set[cpu/8] |= 1 << uint(cpu%8)
	}
	r1, _, err := unix.RawSyscall(unix.SYS_SCHED_SETAFFINITY,
		uintptr(tid), uintptr(len(set)), uintptr(unsafe.Pointer(&set[0])))
	return fromRaw(r1, err)
}

// Close wraps close(2).
func Close(fd int) PosixResult {
	r1, _, err := unix.RawSyscall(unix.SYS_CLOSE, uintptr(fd), 0, 0)
	return fromRaw(r1, err)
}
