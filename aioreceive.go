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
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/internal/aio"
	"github.com/txthread/txthread/internal/mempool"
	"github.com/txthread/txthread/internal/sys"
	"github.com/txthread/txthread/metrics"
)

// aioReceiveSlot tracks, per submitted iocb, what is needed to interpret its
// completion and release its buffers.
type aioReceiveSlot struct {
	socket   TSocket
	handles  []mempool.Handle
	iovLen   int
	iovFirst int
}

// handleAioReceive batches readable sockets into one io_submit call using
// IOCB_CMD_PREADV, matching spec.md §4.5: each socket contributes up to
// IoVectorsPerAioSocket iovecs, and the (advanced, iovLength) pair it will
// need at completion time is packed into aio_data alongside the received
// byte count the kernel fills into io_event.res.
//
// eagainStreak counts consecutive iterations in which every submitted iocb
// came back EAGAIN; MaxEAgainCount consecutive occurrences aborts the loop,
// since that pattern only arises from a kernel/driver bug (readiness was
// reported but nothing was actually readable).
func (t *ThreadContext) handleAioReceive(sockets []TSocket, eagainStreak *int) error {
	if len(sockets) == 0 {
		return nil
	}
	ctx := t.aioRecv

	n := 0
	iovOff := 0
	slots := make([]aioReceiveSlot, 0, len(sockets))

	for _, s := range sockets {
		alloc := s.DetermineMemoryAllocationForReceive(IoVectorsPerAioSocket)
		if alloc <= 0 {
			continue
		}
		if n >= len(ctx.Iocbs) || iovOff+alloc > len(ctx.IOVecs) {
			break
		}
		handles := make([]mempool.Handle, alloc)
		for i := range handles {
			handles[i] = t.pool.Get(64 * 1024)
		}
		advanced := s.FillReceiveIOVector(alloc, ctx.IOVecs[iovOff:iovOff+alloc], handles)
		if advanced <= 0 {
			for _, h := range handles {
				h.Release()
			}
			continue
		}

		ctx.Iocbs[n] = aio.IOCB{
			AioLioOpcode: uint16(aio.CmdPreadv),
			AioFildes:    uint32(s.Base().FD()),
			AioBuf:       uint64(uintptr(unsafe.Pointer(&ctx.IOVecs[iovOff]))),
			AioNbytes:    uint64(advanced),
			AioData:      aio.PackReceiveData(0, uint32(advanced), uint8(advanced)),
		}

		slots = append(slots, aioReceiveSlot{socket: s, handles: handles, iovLen: advanced, iovFirst: iovOff})
		iovOff += advanced
		n++
	}
	if n == 0 {
		return nil
	}

	if err := submitAndComplete(ctx, n, slots, eagainStreak); err != nil {
		for _, slot := range slots {
			for _, h := range slot.handles {
				h.Release()
			}
		}
		return err
	}
	return nil
}

// submitAndComplete submits the first n prepared iocbs, waits for all of
// them, and delivers or retries each according to its result. Per spec.md
// §4.5 steps 3-6: io_submit returning fewer than requested is an invariant
// violation (the kernel accepted a subset of a batch we built from readiness
// it already reported), sockets still not done after one round get their
// iocb compacted — exclude the ones that finished, leaving only the
// unfinished entries — and resubmitted, and MaxEAgainCount consecutive
// all-EAGAIN rounds aborts the loop rather than spin forever on a kernel
// that reports readiness it can't actually service.
func submitAndComplete(ctx *aio.Context, n int, slots []aioReceiveSlot, eagainStreak *int) error {
	for n > 0 {
		res := ctx.Submit(n)
		metrics.Add(metrics.AIOSubmitCalls, 1)
		if !res.Ok() {
			metrics.Add(metrics.AIOSubmitFails, 1)
			return errors.Wrap(res.Errno(), "io_submit")
		}
		submitted := res.Int()
		if submitted != n {
			return errors.Errorf("io_submit: submitted %d of %d requested iocbs", submitted, n)
		}

		evres := ctx.GetEvents(submitted, submitted)
		metrics.Add(metrics.AIOGetEventsCalls, 1)
		if !evres.Ok() {
			return errors.Wrap(evres.Errno(), "io_getevents")
		}

		allEagain := true
		remaining := slots[:0]
		for i := 0; i < evres.Int() && i < len(slots); i++ {
			ev := ctx.Events[i]
			slot := slots[i]

			if ev.Res == -int64(unix.EAGAIN) {
				remaining = append(remaining, slot)
				continue
			}
			allEagain = false

			_, advanced, iovLen := aio.UnpackReceiveData(ev.Data)
			done, retval := slot.socket.InterpretReceiveResult(ev.Res, uint32(ev.Res), advanced, int(iovLen))
			if done {
				slot.socket.OnReceiveFromSocket(sys.PosixResult(retval))
				for _, h := range slot.handles {
					h.Release()
				}
			} else {
				remaining = append(remaining, slot)
			}
		}

		if allEagain {
			*eagainStreak++
			metrics.Add(metrics.AIOEAgainRetries, 1)
			if *eagainStreak >= MaxEAgainCount {
				return ErrNotSupported
			}
		} else {
			*eagainStreak = 0
		}

		if len(remaining) == 0 {
			return nil
		}

		// Compact: rewrite the unfinished sockets' iocbs into the front of
		// ctx.Iocbs and resubmit only those. Their iovec ranges stay where
		// they are in ctx.IOVecs; the iocb entries after them become NOOPs.
		slots = remaining
		n = compactIocbs(ctx, slots)
	}
	return nil
}

// compactIocbs rewrites ctx.Iocbs[0:len(slots)] from slots' still-pending
// reads, preserving each slot's already-filled iovec range, and returns the
// count of iocbs now ready for resubmission.
func compactIocbs(ctx *aio.Context, slots []aioReceiveSlot) int {
	for i, slot := range slots {
		ctx.Iocbs[i] = aio.IOCB{
			AioLioOpcode: uint16(aio.CmdPreadv),
			AioFildes:    uint32(slot.socket.Base().FD()),
			AioBuf:       uint64(uintptr(unsafe.Pointer(&ctx.IOVecs[slot.iovFirst]))),
			AioNbytes:    uint64(slot.iovLen),
			AioData:      aio.PackReceiveData(0, uint32(slot.iovLen), uint8(slot.iovLen)),
		}
	}
	for i := len(slots); i < len(ctx.Iocbs); i++ {
		ctx.Iocbs[i] = aio.IOCB{AioLioOpcode: uint16(aio.CmdNoop)}
	}
	return len(slots)
}
