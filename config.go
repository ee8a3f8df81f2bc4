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

// Package txthread implements the per-thread event-loop core of a
// Linux-specific TCP transport: one ThreadContext per OS thread, each owning
// one epoll instance, optionally pinned to a CPU, listening on a shared port
// via SO_REUSEPORT so the kernel performs connection-level load balancing.
package txthread

import "time"

// Constants fixed by the design, matching spec.md §6.
const (
	// EventBufferLength bounds the scratch lists the loop reuses every
	// iteration and the AIO batch size.
	EventBufferLength = 512
	// IoVectorsPerAioSocket bounds how many iovecs a single socket may
	// contribute to one AIO submission.
	IoVectorsPerAioSocket = 8
	// ListenBacklog is the backlog passed to listen(2) for accept sockets
	// this package creates itself.
	ListenBacklog = 128
	// MemoryAlignment is the alignment, in bytes, applied to the AIO arena.
	MemoryAlignment = 8
	// NoZeroCopy disables MSG_ZEROCOPY on a socket.
	NoZeroCopy = -1
	// MaxEAgainCount bounds live-lock in the AIO receive retry loop
	// (spec.md §4.5, §8): this many consecutive all-EAGAIN retries within
	// one iteration aborts the loop with ErrNotSupported.
	MaxEAgainCount = 16
)

// SchedulingMode controls how accepted connections' first application
// callback is dispatched.
type SchedulingMode int

const (
	// Inline runs application callbacks directly on the loop goroutine.
	Inline SchedulingMode = iota
	// Dispatch hands the callback off to a bounded worker pool (internal
	// ants.Pool), so a slow application handler cannot stall the loop.
	Dispatch
)

// Config is the read-only configuration a ThreadContext is built from.
// Once passed to New, it is never mutated.
type Config struct {
	// AioReceive enables Linux AIO-batched reads in place of per-socket readv.
	AioReceive bool
	// AioSend enables Linux AIO-batched writes in place of per-socket writev.
	AioSend bool
	// DeferSend delays sends so multiple writes from the same socket coalesce
	// into fewer syscalls.
	DeferSend bool
	// ReceiveOnIncomingCpu sets SO_INCOMING_CPU on accept sockets this
	// package creates, steering new connections toward the accepting CPU.
	ReceiveOnIncomingCpu bool
	// ZeroCopy enables MSG_ZEROCOPY sends above ZeroCopyThreshold bytes.
	ZeroCopy bool
	// ZeroCopyThreshold is the byte count above which sends attempt
	// MSG_ZEROCOPY; NoZeroCopy disables it per-socket.
	ZeroCopyThreshold int
	// ApplicationSchedulingMode selects Inline or Dispatch callback delivery.
	ApplicationSchedulingMode SchedulingMode
	// CPUID, if non-nil, pins the loop's OS thread via sched_setaffinity.
	CPUID *int
	// ListenAddress is the address Listen binds to, e.g. "0.0.0.0:8080".
	ListenAddress string
	// DeferAccept sets TCP_DEFER_ACCEPT on accept sockets this package creates.
	DeferAccept bool
	// AcceptThread, if non-nil, causes the loop to receive connection FDs via
	// SCM_RIGHTS on this UNIX socket instead of accepting on its own listener
	// (spec.md §4.3's TypePassFd path).
	AcceptThread *AcceptThreadSource

	// KeepAliveSecs, if non-zero, turns on TCP keep-alive on every accepted
	// or passed-in client socket with this interval and idle time.
	KeepAliveSecs int

	// DispatchPoolSize bounds the worker pool used when
	// ApplicationSchedulingMode is Dispatch. Ignored otherwise.
	DispatchPoolSize int

	// IdleEpollPark is not read by the loop: epoll_wait always blocks with an
	// infinite timeout, whatever this is set to.
	IdleEpollPark time.Duration
}

// AcceptThreadSource is a UNIX socket an external accept thread sends
// accepted connection FDs over via SCM_RIGHTS.
type AcceptThreadSource struct {
	FD int
}

func (c *Config) setDefaults() {
	if c.ZeroCopyThreshold == 0 {
		c.ZeroCopyThreshold = NoZeroCopy
	}
	if c.DispatchPoolSize == 0 {
		c.DispatchPoolSize = 256
	}
}
