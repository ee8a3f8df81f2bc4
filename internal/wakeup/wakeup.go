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

// Package wakeup provides the loop's self-pipe: a non-blocking pipe pair
// used by foreign threads to push one-byte commands into a parked
// epoll_wait, and by the loop itself to drain them one at a time.
package wakeup

import (
	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/internal/sys"
)

// Command is a single byte pushed through the wakeup pipe.
type Command byte

// The four commands the loop driver understands, per spec.md §4.7.
const (
	StopThread Command = iota
	ActionsPending
	StopSockets
	CloseAccept
)

// Pipe is a non-blocking pipe pair registered with the loop's epoll as its
// pipe read end, per spec.md §3's "pipe read end is always registered" invariant.
type Pipe struct {
	ReadFD  int
	WriteFD int
}

// New creates a non-blocking, close-on-exec pipe pair.
func New() (*Pipe, error) {
	r, w, res := sys.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if !res.Ok() {
		return nil, res.Errno()
	}
	return &Pipe{ReadFD: r, WriteFD: w}, nil
}

// Write pushes one command byte. Foreign threads calling this must tolerate
// EPIPE and a closed write end silently: the loop has already shut down.
func (p *Pipe) Write(cmd Command) error {
	res := sys.Write1(p.WriteFD, byte(cmd))
	if res.Ok() {
		return nil
	}
	switch res.Errno() {
	case unix.EPIPE, unix.EBADF, unix.EAGAIN:
		return nil
	default:
		return res.Errno()
	}
}

// ReadOne drains exactly one pending command byte, non-blocking.
// ok is false if the pipe had nothing to read (EAGAIN) or is closed.
func (p *Pipe) ReadOne() (cmd Command, ok bool) {
	var b byte
	res := sys.Read1(p.ReadFD, &b)
	if !res.Ok() {
		return 0, false
	}
	if res.Int() == 0 {
		return 0, false
	}
	return Command(b), true
}

// Close closes both ends of the pipe.
func (p *Pipe) Close() error {
	sys.Close(p.WriteFD)
	sys.Close(p.ReadFD)
	return nil
}
